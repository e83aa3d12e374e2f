package session

import (
	"time"

	"hostfs/internal/file"
	"hostfs/internal/processor"
)

// TransferTask is the single active transfer of a session. The two
// implementations are uploadTask and downloadTask.
type TransferTask interface {
	// State is the session state while the task is active.
	State() State

	// Path is the remote path being transferred.
	Path() string

	// Bytes is the number of file bytes moved so far.
	Bytes() int64

	// release closes the file handle. For uploads the partial file is discarded.
	release() error
}

type uploadTask struct {
	dst          file.Writer
	depacketizer *processor.Depacketizer
	declaredSize *int64
	chunks       int
	started      time.Time
}

func (t *uploadTask) State() State { return Uploading }

func (t *uploadTask) Path() string { return t.dst.Path() }

func (t *uploadTask) Bytes() int64 { return t.depacketizer.BytesWritten() }

func (t *uploadTask) release() error {
	return t.dst.Abort()
}

type downloadTask struct {
	src          file.Reader
	path         string
	packetizer   *processor.Packetizer
	declaredSize int64
	started      time.Time
}

func (t *downloadTask) State() State { return Downloading }

func (t *downloadTask) Path() string { return t.path }

func (t *downloadTask) Bytes() int64 { return t.packetizer.BytesRead() }

func (t *downloadTask) release() error {
	return t.src.Close()
}
