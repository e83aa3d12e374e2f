package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	negative := int64(-1)
	size := int64(10)

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "list_drives", req: Request{Type: ListDrives}},
		{name: "download_chunk", req: Request{Type: DownloadChunkRequest}},
		{name: "list_files_needs_path", req: Request{Type: ListFiles}, wantErr: ErrMissingPath},
		{name: "list_files", req: Request{Type: ListFiles, Path: "/tmp"}},
		{name: "remove_needs_path", req: Request{Type: Remove}, wantErr: ErrMissingPath},
		{name: "rename_needs_new_path", req: Request{Type: Rename, Path: "/a"}, wantErr: ErrMissingNewPath},
		{name: "rename", req: Request{Type: Rename, Path: "/a", NewPath: "/b"}},
		{name: "upload_negative_size", req: Request{Type: StartUpload, Path: "/a", Size: &negative}, wantErr: ErrNegativeSize},
		{name: "upload_with_size", req: Request{Type: StartUpload, Path: "/a", Size: &size}},
		{name: "upload_unknown_size", req: Request{Type: StartUpload, Path: "/a"}},
		{name: "chunk_missing", req: Request{Type: UploadChunk}, wantErr: ErrMissingChunk},
		{name: "chunk", req: Request{Type: UploadChunk, Chunk: &Chunk{IsLast: true}}},
		{name: "unknown", req: Request{Type: "FORMAT_DISK"}, wantErr: ErrUnknownRequest},
		{name: "empty_type", req: Request{}, wantErr: ErrUnknownRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest([]byte("not json"))
	require.Error(t, err)

	_, err = DecodeRequest([]byte(`{"type":"RENAME","path":"/a"}`))
	assert.ErrorIs(t, err, ErrMissingNewPath)
}

func TestUploadChunkSurvivesEncoding(t *testing.T) {
	req := Request{
		Type: UploadChunk,
		Chunk: &Chunk{
			Payload:    []byte{0x00, 0xff, 0x10},
			Compressed: true,
			Size:       42,
			CRC32:      0xdeadbeef,
		},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{fs.ErrNotExist, StatusNotFound},
		{fmt.Errorf("open: %w", fs.ErrPermission), StatusAccessDenied},
		{&fs.PathError{Op: "mkdir", Path: "/x", Err: fs.ErrExist}, StatusAlreadyExists},
		{errors.New("disk on fire"), StatusIOError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFromError(tt.err))
	}
}

func TestReplyErr(t *testing.T) {
	assert.NoError(t, NewReply(ListDrives, StatusOK).Err())

	err := ErrorReply(Remove, StatusNotFound, errors.New("no such file")).Err()
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusNotFound, statusErr.Status)
	assert.Equal(t, Remove, statusErr.Request)
	assert.Contains(t, err.Error(), "no such file")
}
