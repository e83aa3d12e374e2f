//go:build linux || darwin || freebsd

package file

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func defaultDrives() []string {
	return []string{"/"}
}

// driveUsage returns the total and available bytes of the filesystem at root.
func driveUsage(root string) (total, free uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to get filesystem stats: %w", err)
	}
	// Bavail is what an unprivileged user can still write.
	total = uint64(stat.Blocks) * uint64(stat.Bsize)
	free = uint64(stat.Bavail) * uint64(stat.Bsize)
	return total, free, nil
}
