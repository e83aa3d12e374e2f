//go:build windows

package file

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// defaultDrives returns every mounted drive letter root.
func defaultDrives() []string {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return []string{`C:\`}
	}

	var drives []string
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) != 0 {
			drives = append(drives, string(rune('A'+i))+`:\`)
		}
	}
	return drives
}

func driveUsage(root string) (total, free uint64, err error) {
	path, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to convert path to UTF-16: %w", err)
	}

	var available, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(path, &available, &total, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("failed to get disk space: %w", err)
	}
	return total, available, nil
}
