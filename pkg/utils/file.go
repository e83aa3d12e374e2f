package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FormatFileSize formats file size in human readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// ResolveLocalDestination returns where a downloaded remote file should be
// written. An existing directory receives the remote base name; otherwise the
// parent directory must exist.
func ResolveLocalDestination(localPath, remotePath string) (string, error) {
	info, err := os.Stat(localPath)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(localPath, remoteBase(remotePath)), nil
	case err == nil:
		return localPath, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("cannot access destination path: %w", err)
	}

	dir := filepath.Dir(localPath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("parent directory does not exist: %s", dir)
	}
	return localPath, nil
}

// remoteBase returns the last element of a host path, which may use either
// separator depending on the host OS.
func remoteBase(remotePath string) string {
	for i := len(remotePath) - 1; i >= 0; i-- {
		if remotePath[i] == '/' || remotePath[i] == '\\' {
			if i == len(remotePath)-1 {
				return remoteBase(remotePath[:i])
			}
			return remotePath[i+1:]
		}
	}
	return path.Base(remotePath)
}
