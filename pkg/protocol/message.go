// Package protocol defines the messages exchanged between a controller and a
// host agent: one Request or one Reply per channel message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RequestType identifies which variant a Request carries.
type RequestType string

const (
	// Browsing and filesystem changes
	ListDrives      RequestType = "LIST_DRIVES"
	ListFiles       RequestType = "LIST_FILES"
	CreateDirectory RequestType = "CREATE_DIRECTORY"
	Rename          RequestType = "RENAME"
	Remove          RequestType = "REMOVE"

	// Transfers
	StartUpload          RequestType = "START_UPLOAD"
	UploadChunk          RequestType = "UPLOAD_CHUNK"
	StartDownload        RequestType = "START_DOWNLOAD"
	DownloadChunkRequest RequestType = "DOWNLOAD_CHUNK"
)

var (
	ErrUnknownRequest = errors.New("unknown request type")
	ErrMissingPath    = errors.New("request requires a path")
	ErrMissingNewPath = errors.New("rename requires a new path")
	ErrMissingChunk   = errors.New("upload chunk request carries no chunk")
	ErrNegativeSize   = errors.New("declared size must not be negative")
)

// Chunk is one unit of file payload. Payload holds compressed bytes when
// Compressed is set and the raw bytes otherwise. Size is the raw length the
// payload decodes to and CRC32 the IEEE checksum of those raw bytes.
type Chunk struct {
	Payload    []byte `json:"payload,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	IsLast     bool   `json:"is_last,omitempty"`
	Size       uint32 `json:"size"`
	CRC32      uint32 `json:"crc32"`
}

// Request is a tagged union; Type selects which of the other fields matter.
type Request struct {
	Type    RequestType `json:"type"`
	Path    string      `json:"path,omitempty"`
	NewPath string      `json:"new_path,omitempty"`

	// StartUpload only. A nil Size means the total is not known in advance.
	Size      *int64 `json:"size,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`

	// UploadChunk only
	Chunk *Chunk `json:"chunk,omitempty"`
}

// DriveInfo describes one drive or mount root offered for browsing.
type DriveInfo struct {
	Name       string `json:"name"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// EntryInfo describes one directory entry.
type EntryInfo struct {
	Name         string    `json:"name"`
	IsDirectory  bool      `json:"is_directory"`
	SizeBytes    int64     `json:"size_bytes"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Reply answers exactly one Request. Type echoes the request being answered.
type Reply struct {
	Type    RequestType `json:"type"`
	Status  Status      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Drives  []DriveInfo `json:"drives,omitempty"`
	Entries []EntryInfo `json:"entries,omitempty"`
	Chunk   *Chunk      `json:"chunk,omitempty"`
	Size    int64       `json:"size,omitempty"`
}

// Validate checks that the fields required by the request variant are present.
func (r Request) Validate() error {
	switch r.Type {
	case ListDrives, DownloadChunkRequest:
		return nil
	case ListFiles, CreateDirectory, Remove, StartDownload:
		if r.Path == "" {
			return fmt.Errorf("%s: %w", r.Type, ErrMissingPath)
		}
		return nil
	case Rename:
		if r.Path == "" {
			return fmt.Errorf("%s: %w", r.Type, ErrMissingPath)
		}
		if r.NewPath == "" {
			return ErrMissingNewPath
		}
		return nil
	case StartUpload:
		if r.Path == "" {
			return fmt.Errorf("%s: %w", r.Type, ErrMissingPath)
		}
		if r.Size != nil && *r.Size < 0 {
			return ErrNegativeSize
		}
		return nil
	case UploadChunk:
		if r.Chunk == nil {
			return ErrMissingChunk
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRequest, r.Type)
	}
}

// IsTransferStart reports whether the request opens a transfer.
func (r Request) IsTransferStart() bool {
	return r.Type == StartUpload || r.Type == StartDownload
}

// EncodeRequest serializes a request for transmission.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses and validates a request received from the channel.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("failed to deserialize request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// EncodeReply serializes a reply for transmission.
func EncodeReply(reply Reply) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize reply: %w", err)
	}
	return data, nil
}

// DecodeReply parses a reply received from the channel.
func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to deserialize reply: %w", err)
	}
	return reply, nil
}
