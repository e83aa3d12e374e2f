package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"hostfs/internal/codec"
	"hostfs/internal/config"
	"hostfs/internal/file"
	"hostfs/internal/processor"
	"hostfs/internal/transport"
	"hostfs/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFS is an in-memory Filesystem that counts open handles.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	open  int

	readErr  error // returned by readers once their data is consumed
	writeErr error // returned by every writer Write
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

func (f *fakeFS) ListDrives() ([]protocol.DriveInfo, error) {
	return []protocol.DriveInfo{{Name: "/", TotalBytes: 100, FreeBytes: 50}}, nil
}

func (f *fakeFS) ListEntries(dir string) ([]protocol.EntryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirs[dir] {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrNotExist}
	}
	var entries []protocol.EntryInfo
	for p, data := range f.files {
		if path.Dir(p) == dir {
			entries = append(entries, protocol.EntryInfo{Name: path.Base(p), SizeBytes: int64(len(data))})
		}
	}
	for p := range f.dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, protocol.EntryInfo{Name: path.Base(p), IsDirectory: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *fakeFS) CreateDirectory(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dirs[dir] || f.files[dir] != nil {
		return &fs.PathError{Op: "mkdir", Path: dir, Err: fs.ErrExist}
	}
	f.dirs[dir] = true
	return nil
}

func (f *fakeFS) Rename(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[oldPath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldPath, Err: fs.ErrNotExist}
	}
	if _, exists := f.files[newPath]; exists {
		return &fs.PathError{Op: "rename", Path: newPath, Err: fs.ErrExist}
	}
	delete(f.files, oldPath)
	f.files[newPath] = data
	return nil
}

func (f *fakeFS) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[p]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(f.files, p)
	return nil
}

func (f *fakeFS) OpenRead(p string) (file.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	f.open++
	return &fakeReader{fs: f, name: path.Base(p), data: data, r: bytes.NewReader(data), err: f.readErr}, nil
}

func (f *fakeFS) OpenWrite(p string, overwrite bool) (file.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.files[p]; exists && !overwrite {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrExist}
	}
	if !f.dirs[path.Dir(p)] {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	f.open++
	return &fakeWriter{fs: f, path: p, err: f.writeErr}, nil
}

func (f *fakeFS) openHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeFS) contents(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return data, ok
}

func (f *fakeFS) put(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = data
}

func (f *fakeFS) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open--
}

type fakeReader struct {
	fs     *fakeFS
	name   string
	data   []byte
	r      *bytes.Reader
	err    error
	closed bool
}

func (r *fakeReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err == io.EOF && r.err != nil {
		return n, r.err
	}
	return n, err
}

func (r *fakeReader) Close() error {
	if r.closed {
		return errors.New("already closed")
	}
	r.closed = true
	r.fs.release()
	return nil
}

func (r *fakeReader) Size() int64  { return int64(len(r.data)) }
func (r *fakeReader) Name() string { return r.name }

type fakeWriter struct {
	fs   *fakeFS
	path string
	buf  bytes.Buffer
	err  error
	done bool
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Commit() error {
	if w.done {
		return errors.New("already finished")
	}
	w.done = true
	w.fs.put(w.path, bytes.Clone(w.buf.Bytes()))
	w.fs.release()
	return nil
}

func (w *fakeWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.fs.release()
	return nil
}

func (w *fakeWriter) Path() string { return w.path }

func testTransfer(chunkSize int) config.TransferConfig {
	return config.TransferConfig{
		ChunkSize:        chunkSize,
		CompressionLevel: codec.DefaultCompressionLevel,
		MaxMessageSize:   1 << 20,
	}
}

// testData returns deterministic data that compresses in some places and not in others.
func testData(size int) []byte {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, size)
	for i := 0; i < size; {
		n := min(4096, size-i)
		if (i/4096)%3 == 0 {
			rng.Read(data[i : i+n])
		} else {
			copy(data[i:i+n], bytes.Repeat([]byte("hostfs "), n/7+1))
		}
		i += n
	}
	return data
}

// packetize splits data into the chunks a controller would upload.
func packetize(t *testing.T, data []byte, chunkSize int) []protocol.Chunk {
	t.Helper()

	compressor, err := codec.NewZlibCompressor(codec.DefaultCompressionLevel)
	require.NoError(t, err)
	p, err := processor.NewPacketizer(bytes.NewReader(data), chunkSize, compressor)
	require.NoError(t, err)

	var chunks []protocol.Chunk
	for p.HasMore() {
		chunk, err := p.NextChunk()
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	return chunks
}

func sizePtr(n int) *int64 {
	size := int64(n)
	return &size
}

func handle(t *testing.T, e *Engine, req protocol.Request) protocol.Reply {
	t.Helper()
	reply, ok := e.Handle(req)
	require.True(t, ok, "expected a reply to %s", req.Type)
	assert.Equal(t, req.Type, reply.Type)
	return reply
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Uploading", Uploading.String())
	assert.Equal(t, "Downloading", Downloading.String())
	assert.Equal(t, "Unknown", State(9).String())
}

func TestBrowseRequests(t *testing.T) {
	fsys := newFakeFS()
	fsys.put("/a.txt", []byte("hello"))
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.ListDrives})
	assert.Equal(t, protocol.StatusOK, reply.Status)
	require.Len(t, reply.Drives, 1)

	reply = handle(t, e, protocol.Request{Type: protocol.CreateDirectory, Path: "/docs"})
	assert.Equal(t, protocol.StatusOK, reply.Status)

	reply = handle(t, e, protocol.Request{Type: protocol.CreateDirectory, Path: "/docs"})
	assert.Equal(t, protocol.StatusAlreadyExists, reply.Status)
	assert.NotEmpty(t, reply.Error)

	reply = handle(t, e, protocol.Request{Type: protocol.ListFiles, Path: "/"})
	assert.Equal(t, protocol.StatusOK, reply.Status)
	require.Len(t, reply.Entries, 2)
	assert.Equal(t, "a.txt", reply.Entries[0].Name)
	assert.Equal(t, int64(5), reply.Entries[0].SizeBytes)
	assert.True(t, reply.Entries[1].IsDirectory)

	reply = handle(t, e, protocol.Request{Type: protocol.ListFiles, Path: "/missing"})
	assert.Equal(t, protocol.StatusNotFound, reply.Status)

	reply = handle(t, e, protocol.Request{Type: protocol.Rename, Path: "/a.txt", NewPath: "/b.txt"})
	assert.Equal(t, protocol.StatusOK, reply.Status)
	_, ok := fsys.contents("/b.txt")
	assert.True(t, ok)

	reply = handle(t, e, protocol.Request{Type: protocol.Remove, Path: "/b.txt"})
	assert.Equal(t, protocol.StatusOK, reply.Status)

	reply = handle(t, e, protocol.Request{Type: protocol.Remove, Path: "/b.txt"})
	assert.Equal(t, protocol.StatusNotFound, reply.Status)

	assert.Equal(t, Idle, e.State())
}

func TestUploadLargeFile(t *testing.T) {
	const size = 10 << 20
	const chunkSize = 64 << 10

	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(chunkSize))
	data := testData(size)

	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/big.bin", Size: sizePtr(size)})
	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, Uploading, e.State())

	chunks := packetize(t, data, chunkSize)
	assert.Len(t, chunks, (size+chunkSize-1)/chunkSize)

	for i, chunk := range chunks {
		chunk := chunk
		reply, ok := e.Handle(protocol.Request{Type: protocol.UploadChunk, Chunk: &chunk})
		if i < len(chunks)-1 {
			require.False(t, ok, "chunk %d must not be answered", i)
			continue
		}
		require.True(t, ok)
		require.Equal(t, protocol.StatusOK, reply.Status, reply.Error)
		assert.Equal(t, int64(size), reply.Size)
	}

	got, ok := fsys.contents("/big.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got), "uploaded file differs from source")
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())
}

func TestDownloadEmptyFile(t *testing.T) {
	fsys := newFakeFS()
	fsys.put("/empty", []byte{})
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.StartDownload, Path: "/empty"})
	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, int64(0), reply.Size)
	assert.Equal(t, Downloading, e.State())

	reply = handle(t, e, protocol.Request{Type: protocol.DownloadChunkRequest})
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.NotNil(t, reply.Chunk)
	assert.True(t, reply.Chunk.IsLast)
	assert.Empty(t, reply.Chunk.Payload)

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())

	reply = handle(t, e, protocol.Request{Type: protocol.DownloadChunkRequest})
	assert.Equal(t, protocol.StatusProtocolError, reply.Status)
}

func TestDownloadRoundTrip(t *testing.T) {
	const chunkSize = 4096
	data := testData(50_000)

	fsys := newFakeFS()
	fsys.put("/file.bin", data)
	e := NewEngine("test", fsys, testTransfer(chunkSize))

	reply := handle(t, e, protocol.Request{Type: protocol.StartDownload, Path: "/file.bin"})
	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, int64(len(data)), reply.Size)

	var out bytes.Buffer
	d := processor.NewDepacketizer(&out, &reply.Size, codec.NewZlibDecompressor())
	for {
		reply := handle(t, e, protocol.Request{Type: protocol.DownloadChunkRequest})
		require.Equal(t, protocol.StatusOK, reply.Status, reply.Error)
		result, err := d.ApplyChunk(*reply.Chunk)
		require.NoError(t, err)
		if result == processor.Complete {
			break
		}
		require.Equal(t, processor.Continue, result)
	}

	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())
}

func TestUploadCorruptedChunk(t *testing.T) {
	const chunkSize = 4096
	data := testData(40_000)

	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(chunkSize))

	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/corrupt.bin"})
	require.Equal(t, protocol.StatusOK, reply.Status)

	chunks := packetize(t, data, chunkSize)
	require.Greater(t, len(chunks), 4)

	for i := 0; i < 3; i++ {
		_, ok := e.Handle(protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[i]})
		require.False(t, ok)
	}

	bad := chunks[3]
	bad.Payload = bytes.Clone(bad.Payload)
	bad.Payload[len(bad.Payload)/2] ^= 0xff
	reply = handle(t, e, protocol.Request{Type: protocol.UploadChunk, Chunk: &bad})
	assert.Equal(t, protocol.StatusCodecError, reply.Status)

	_, ok := fsys.contents("/corrupt.bin")
	assert.False(t, ok, "corrupted upload must not be committed")
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())

	// Chunks still in flight are rejected.
	reply = handle(t, e, protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[4]})
	assert.Equal(t, protocol.StatusProtocolError, reply.Status)
}

func TestUploadWriteFailure(t *testing.T) {
	fsys := newFakeFS()
	fsys.writeErr = errors.New("disk full")
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/f"})
	require.Equal(t, protocol.StatusOK, reply.Status)

	chunks := packetize(t, []byte("some data"), 1024)
	reply = handle(t, e, protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[0]})
	assert.Equal(t, protocol.StatusIOError, reply.Status)
	assert.Contains(t, reply.Error, "disk full")

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())
}

func TestUploadDeclaredSizeMismatch(t *testing.T) {
	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/f", Size: sizePtr(100)})
	require.Equal(t, protocol.StatusOK, reply.Status)

	chunks := packetize(t, []byte("short"), 1024)
	reply = handle(t, e, protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[0]})
	assert.Equal(t, protocol.StatusCodecError, reply.Status)

	_, ok := fsys.contents("/f")
	assert.False(t, ok)
	assert.Equal(t, 0, fsys.openHandles())
}

func TestUploadOverwrite(t *testing.T) {
	fsys := newFakeFS()
	fsys.put("/f", []byte("old"))
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/f"})
	assert.Equal(t, protocol.StatusAlreadyExists, reply.Status)
	assert.Equal(t, Idle, e.State())

	reply = handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/f", Overwrite: true})
	require.Equal(t, protocol.StatusOK, reply.Status)

	chunks := packetize(t, []byte("new"), 1024)
	reply = handle(t, e, protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[0]})
	require.Equal(t, protocol.StatusOK, reply.Status)

	got, _ := fsys.contents("/f")
	assert.Equal(t, "new", string(got))
}

func TestDownloadReadFailure(t *testing.T) {
	fsys := newFakeFS()
	fsys.readErr = errors.New("bad sector")
	fsys.put("/f", testData(10_000))
	e := NewEngine("test", fsys, testTransfer(4096))

	reply := handle(t, e, protocol.Request{Type: protocol.StartDownload, Path: "/f"})
	require.Equal(t, protocol.StatusOK, reply.Status)

	var status protocol.Status
	for i := 0; i < 5; i++ {
		reply = handle(t, e, protocol.Request{Type: protocol.DownloadChunkRequest})
		status = reply.Status
		if status != protocol.StatusOK {
			break
		}
	}
	assert.Equal(t, protocol.StatusIOError, status)
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())
}

func TestDownloadMissingFile(t *testing.T) {
	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(1024))

	reply := handle(t, e, protocol.Request{Type: protocol.StartDownload, Path: "/nope"})
	assert.Equal(t, protocol.StatusNotFound, reply.Status)
	assert.Equal(t, Idle, e.State())
}

func TestProtocolErrors(t *testing.T) {
	chunk := protocol.Chunk{IsLast: true}

	tests := []struct {
		name  string
		setup func(t *testing.T, e *Engine)
		req   protocol.Request
		state State
	}{
		{
			name:  "download chunk while idle",
			req:   protocol.Request{Type: protocol.DownloadChunkRequest},
			state: Idle,
		},
		{
			name:  "upload chunk while idle",
			req:   protocol.Request{Type: protocol.UploadChunk, Chunk: &chunk},
			state: Idle,
		},
		{
			name:  "upload chunk without chunk",
			req:   protocol.Request{Type: protocol.UploadChunk},
			state: Idle,
		},
		{
			name:  "list files without path",
			req:   protocol.Request{Type: protocol.ListFiles},
			state: Idle,
		},
		{
			name:  "unknown request",
			req:   protocol.Request{Type: "FORMAT_DISK"},
			state: Idle,
		},
		{
			name:  "second upload while uploading",
			setup: startUpload,
			req:   protocol.Request{Type: protocol.StartUpload, Path: "/other"},
			state: Uploading,
		},
		{
			name:  "download while uploading",
			setup: startUpload,
			req:   protocol.Request{Type: protocol.StartDownload, Path: "/src"},
			state: Uploading,
		},
		{
			name:  "download chunk while uploading",
			setup: startUpload,
			req:   protocol.Request{Type: protocol.DownloadChunkRequest},
			state: Uploading,
		},
		{
			name:  "browse while uploading",
			setup: startUpload,
			req:   protocol.Request{Type: protocol.ListDrives},
			state: Uploading,
		},
		{
			name:  "upload while downloading",
			setup: startDownload,
			req:   protocol.Request{Type: protocol.StartUpload, Path: "/other"},
			state: Downloading,
		},
		{
			name:  "upload chunk while downloading",
			setup: startDownload,
			req:   protocol.Request{Type: protocol.UploadChunk, Chunk: &chunk},
			state: Downloading,
		},
		{
			name:  "remove while downloading",
			setup: startDownload,
			req:   protocol.Request{Type: protocol.Remove, Path: "/src"},
			state: Downloading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newFakeFS()
			fsys.put("/src", testData(10_000))
			e := NewEngine("test", fsys, testTransfer(1024))
			if tt.setup != nil {
				tt.setup(t, e)
			}
			task := e.Task()

			reply := handle(t, e, tt.req)
			assert.Equal(t, protocol.StatusProtocolError, reply.Status)
			assert.NotEmpty(t, reply.Error)
			assert.Equal(t, tt.state, e.State())
			assert.True(t, task == e.Task(), "active task must be untouched")
			assert.Len(t, fsys.files, 1, "no file may appear")

			e.Abort()
			assert.Equal(t, 0, fsys.openHandles())
		})
	}
}

func startUpload(t *testing.T, e *Engine) {
	reply := handle(t, e, protocol.Request{Type: protocol.StartUpload, Path: "/upload"})
	require.Equal(t, protocol.StatusOK, reply.Status)
}

func startDownload(t *testing.T, e *Engine) {
	reply := handle(t, e, protocol.Request{Type: protocol.StartDownload, Path: "/src"})
	require.Equal(t, protocol.StatusOK, reply.Status)
}

func TestHandleMessageUndecodable(t *testing.T) {
	e := NewEngine("test", newFakeFS(), testTransfer(1024))

	reply, ok := e.HandleMessage([]byte("{not json"))
	require.True(t, ok)
	assert.Equal(t, protocol.StatusProtocolError, reply.Status)

	reply, ok = e.HandleMessage([]byte(`{"type":"RENAME","path":"/a"}`))
	require.True(t, ok)
	assert.Equal(t, protocol.StatusProtocolError, reply.Status)
	assert.Equal(t, protocol.Rename, reply.Type)
}

func TestAbortDiscardsUpload(t *testing.T) {
	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(1024))
	startUpload(t, e)

	chunks := packetize(t, testData(5000), 1024)
	_, ok := e.Handle(protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[0]})
	require.False(t, ok)

	e.Abort()
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())
	_, exists := fsys.contents("/upload")
	assert.False(t, exists)

	// Abort on an idle engine is a no-op.
	e.Abort()
}

// request sends req and returns the decoded reply.
func request(t *testing.T, ctx context.Context, ch transport.Channel, req protocol.Request) protocol.Reply {
	t.Helper()

	data, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, data))

	msg, err := ch.Receive(ctx)
	require.NoError(t, err)
	reply, err := protocol.DecodeReply(msg)
	require.NoError(t, err)
	return reply
}

func TestRunDisconnectMidDownload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fsys := newFakeFS()
	fsys.put("/big", testData(100_000))
	e := NewEngine("test", fsys, testTransfer(4096))

	client, host := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, host) }()

	reply := request(t, ctx, client, protocol.Request{Type: protocol.StartDownload, Path: "/big"})
	require.Equal(t, protocol.StatusOK, reply.Status)

	reply = request(t, ctx, client, protocol.Request{Type: protocol.DownloadChunkRequest})
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.False(t, reply.Chunk.IsLast)
	assert.Equal(t, 1, fsys.openHandles())

	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("session did not stop after disconnect")
	}

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, fsys.openHandles())

	_, err := client.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrChannelClosed, "no reply after disconnect")
}

func TestRunUploadOverChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(1024))

	client, host := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, host) }()

	data := testData(20_000)
	reply := request(t, ctx, client, protocol.Request{Type: protocol.StartUpload, Path: "/up", Size: sizePtr(len(data))})
	require.Equal(t, protocol.StatusOK, reply.Status)

	chunks := packetize(t, data, 1024)
	for i := range chunks {
		msg, err := protocol.EncodeRequest(protocol.Request{Type: protocol.UploadChunk, Chunk: &chunks[i]})
		require.NoError(t, err)
		require.NoError(t, client.Send(ctx, msg))
	}

	msg, err := client.Receive(ctx)
	require.NoError(t, err)
	reply, err = protocol.DecodeReply(msg)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, reply.Status, reply.Error)
	assert.Equal(t, int64(len(data)), reply.Size)

	got, ok := fsys.contents("/up")
	require.True(t, ok)
	assert.Equal(t, data, got)

	require.NoError(t, client.Close())
	require.NoError(t, <-done)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fsys := newFakeFS()
	e := NewEngine("test", fsys, testTransfer(1024))
	_, host := transport.Pipe()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, host) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
