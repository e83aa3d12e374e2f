//go:build !(linux || darwin || freebsd || windows)

package file

import (
	"errors"
	"runtime"
)

func defaultDrives() []string {
	return []string{"/"}
}

func driveUsage(string) (uint64, uint64, error) {
	return 0, 0, errors.New("drive capacity is not supported on " + runtime.GOOS)
}
