package protocol

import (
	"errors"
	"fmt"
	"io/fs"
)

// Status is the outcome carried by every Reply.
type Status string

const (
	StatusOK            Status = "OK"
	StatusNotFound      Status = "NOT_FOUND"
	StatusAccessDenied  Status = "ACCESS_DENIED"
	StatusAlreadyExists Status = "ALREADY_EXISTS"
	StatusIOError       Status = "IO_ERROR"
	StatusProtocolError Status = "PROTOCOL_ERROR"
	StatusCodecError    Status = "CODEC_ERROR"
)

// StatusFromError classifies a filesystem error.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, fs.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return StatusAccessDenied
	case errors.Is(err, fs.ErrExist):
		return StatusAlreadyExists
	default:
		return StatusIOError
	}
}

// StatusError is the error a controller sees for a non-OK reply.
type StatusError struct {
	Request RequestType
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s", e.Request, e.Status)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Request, e.Status, e.Message)
}

// Err converts a reply into an error, nil for StatusOK.
func (r Reply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &StatusError{Request: r.Type, Status: r.Status, Message: r.Error}
}

// NewReply builds a reply for req with the given status.
func NewReply(req RequestType, status Status) Reply {
	return Reply{Type: req, Status: status}
}

// ErrorReply builds a non-OK reply carrying err's message.
func ErrorReply(req RequestType, status Status, err error) Reply {
	reply := Reply{Type: req, Status: status}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}
