// Package file gives the session engine access to the host filesystem.
package file

import (
	"errors"
	"io"

	"hostfs/pkg/protocol"
)

// ErrIsDirectory is returned when a file operation targets a directory.
var ErrIsDirectory = errors.New("path is a directory")

// Filesystem is the host filesystem as seen by a session. Implementations are
// stateless and shared by all sessions.
type Filesystem interface {
	// ListDrives returns the roots the host exposes.
	ListDrives() ([]protocol.DriveInfo, error)

	// ListEntries returns the entries of the directory at path.
	ListEntries(path string) ([]protocol.EntryInfo, error)

	CreateDirectory(path string) error

	// Rename moves oldPath to newPath, failing if newPath exists.
	Rename(oldPath, newPath string) error

	// Remove deletes a file or an empty directory.
	Remove(path string) error

	// OpenRead opens a regular file for reading.
	OpenRead(path string) (Reader, error)

	// OpenWrite prepares path for writing. Nothing is visible at path until
	// Commit. Without overwrite an existing path fails with fs.ErrExist.
	OpenWrite(path string, overwrite bool) (Writer, error)
}

// Reader represents a file opened for reading
type Reader interface {
	io.Reader
	io.Closer

	// Size returns the file size in bytes
	Size() int64

	// Name returns the file name
	Name() string
}

// Writer represents a file opened for writing. Exactly one of Commit or
// Abort must be called; both release the handle.
type Writer interface {
	io.Writer

	// Commit publishes the written data at the destination path.
	Commit() error

	// Abort discards everything written.
	Abort() error

	// Path returns the destination path
	Path() string
}
