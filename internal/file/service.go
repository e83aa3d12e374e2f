package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hostfs/pkg/protocol"
)

// tempPrefix marks in-progress uploads. Such files are hidden from listings.
const tempPrefix = ".hostfs-"

// osFilesystem implements Filesystem on the local OS
type osFilesystem struct {
	drives []string
}

// NewOSFilesystem creates a filesystem exposing the given drive roots, or the
// platform default roots when drives is empty.
func NewOSFilesystem(drives []string) Filesystem {
	if len(drives) == 0 {
		drives = defaultDrives()
	}
	return &osFilesystem{drives: drives}
}

// ListDrives returns the configured roots with their capacity.
func (f *osFilesystem) ListDrives() ([]protocol.DriveInfo, error) {
	drives := make([]protocol.DriveInfo, 0, len(f.drives))
	for _, root := range f.drives {
		info := protocol.DriveInfo{Name: root}
		// Capacity is best effort; an unreadable root is still listed.
		if total, free, err := driveUsage(root); err == nil {
			info.TotalBytes = total
			info.FreeBytes = free
		}
		drives = append(drives, info)
	}
	return drives, nil
}

// ListEntries returns the directory entries at path, sorted by name.
func (f *osFilesystem) ListEntries(path string) ([]protocol.EntryInfo, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]protocol.EntryInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, protocol.EntryInfo{
			Name:         de.Name(),
			IsDirectory:  info.IsDir(),
			SizeBytes:    info.Size(),
			ModifiedTime: info.ModTime(),
		})
	}
	return entries, nil
}

// CreateDirectory creates a single directory; its parent must exist.
func (f *osFilesystem) CreateDirectory(path string) error {
	if err := os.Mkdir(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// Rename moves oldPath to newPath without replacing an existing target.
func (f *osFilesystem) Rename(oldPath, newPath string) error {
	if _, err := os.Lstat(newPath); err == nil {
		return fmt.Errorf("failed to rename: %w", &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrExist})
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

// Remove deletes a file or an empty directory.
func (f *osFilesystem) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove: %w", err)
	}
	return nil
}

// OpenRead opens a regular file for reading and returns file info
func (f *osFilesystem) OpenRead(path string) (Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if stat.IsDir() {
		file.Close()
		return nil, fmt.Errorf("failed to open file: %w", ErrIsDirectory)
	}

	return &fileReader{
		file: file,
		size: stat.Size(),
		name: stat.Name(),
	}, nil
}

// OpenWrite creates a hidden temporary file next to path.
func (f *osFilesystem) OpenWrite(path string, overwrite bool) (Writer, error) {
	stat, err := os.Stat(path)
	switch {
	case err == nil && stat.IsDir():
		return nil, fmt.Errorf("failed to create file: %w", ErrIsDirectory)
	case err == nil && !overwrite:
		return nil, fmt.Errorf("failed to create file: %w", &fs.PathError{Op: "create", Path: path, Err: fs.ErrExist})
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &fileWriter{
		file:      tmp,
		path:      path,
		overwrite: overwrite,
	}, nil
}

// fileReader represents a file opened for reading
type fileReader struct {
	file *os.File
	size int64
	name string
}

func (r *fileReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

func (r *fileReader) Size() int64 {
	return r.size
}

func (r *fileReader) Name() string {
	return r.name
}

// fileWriter writes to a temporary file renamed into place on Commit
type fileWriter struct {
	file      *os.File
	path      string
	overwrite bool
	done      bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileWriter) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true

	tmpPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if !w.overwrite {
		if _, err := os.Lstat(w.path); err == nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to commit file: %w", &fs.PathError{Op: "create", Path: w.path, Err: fs.ErrExist})
		}
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	closeErr := w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil {
		return fmt.Errorf("failed to remove temporary file: %w", err)
	}
	return closeErr
}

func (w *fileWriter) Path() string {
	return w.path
}
