package app

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hostfs/internal/client"
	"hostfs/internal/config"
	"hostfs/internal/file"
	"hostfs/internal/transport"
	"hostfs/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Transfer.ChunkSize = 8 * 1024
	return cfg
}

func randomData(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	// Make the second half compressible.
	for i := size / 2; i < size; i++ {
		data[i] = byte(i % 13)
	}
	return data
}

// startHost serves a temporary directory over an in-memory listener.
func startHost(t *testing.T, ctx context.Context) (*Host, *transport.MemoryListener, string) {
	t.Helper()

	root := t.TempDir()
	host := NewHost(file.NewOSFilesystem([]string{root}), testConfig().Transfer)
	l := transport.NewMemoryListener()

	served := make(chan error, 1)
	go func() { served <- host.Serve(ctx, l) }()
	t.Cleanup(func() {
		l.Close()
		<-served
	})
	return host, l, root
}

func connect(t *testing.T, ctx context.Context, l *transport.MemoryListener) *client.Client {
	t.Helper()
	c, err := Connect(ctx, l, "", testConfig().Transfer)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUploadThenDownload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, l, root := startHost(t, ctx)
	c := connect(t, ctx, l)

	data := randomData(300_000)
	remote := filepath.Join(root, "data.bin")

	var progress []int64
	n, err := c.Upload(ctx, bytes.NewReader(data), remote, int64(len(data)), false, func(done, total int64) {
		assert.Equal(t, int64(len(data)), total)
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(len(data)), progress[len(progress)-1])

	onDisk, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, onDisk))

	var out bytes.Buffer
	n, err = c.Download(ctx, remote, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.True(t, bytes.Equal(data, out.Bytes()), "downloaded bytes differ")
}

func TestBrowseOverSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, l, root := startHost(t, ctx)
	c := connect(t, ctx, l)

	drives, err := c.ListDrives(ctx)
	require.NoError(t, err)
	require.Len(t, drives, 1)
	assert.Equal(t, root, drives[0].Name)

	dir := filepath.Join(root, "docs")
	require.NoError(t, c.CreateDirectory(ctx, dir))

	err = c.CreateDirectory(ctx, dir)
	var statusErr *protocol.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, protocol.StatusAlreadyExists, statusErr.Status)

	_, err = c.Upload(ctx, bytes.NewReader([]byte("hello")), filepath.Join(dir, "a.txt"), 5, false, nil)
	require.NoError(t, err)

	entries, err := c.ListFiles(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].SizeBytes)

	require.NoError(t, c.Rename(ctx, filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")))
	require.NoError(t, c.Remove(ctx, filepath.Join(dir, "b.txt")))

	err = c.Remove(ctx, filepath.Join(dir, "b.txt"))
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, protocol.StatusNotFound, statusErr.Status)

	// The session survives failed requests.
	entries, err = c.ListFiles(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadExistingFileWithoutOverwrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, l, root := startHost(t, ctx)
	c := connect(t, ctx, l)

	remote := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(remote, []byte("original"), 0644))

	_, err := c.Upload(ctx, bytes.NewReader([]byte("replacement")), remote, 11, false, nil)
	var statusErr *protocol.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, protocol.StatusAlreadyExists, statusErr.Status)

	onDisk, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "original", string(onDisk))

	_, err = c.Upload(ctx, bytes.NewReader([]byte("replacement")), remote, 11, true, nil)
	require.NoError(t, err)
	onDisk, err = os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "replacement", string(onDisk))
}

func TestUploadSizeMismatchBreaksSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host, l, root := startHost(t, ctx)
	c := connect(t, ctx, l)

	remote := filepath.Join(root, "short.bin")
	_, err := c.Upload(ctx, bytes.NewReader([]byte("only a few bytes")), remote, 1000, false, nil)
	var statusErr *protocol.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, protocol.StatusCodecError, statusErr.Status)

	_, err = c.ListDrives(ctx)
	assert.ErrorIs(t, err, client.ErrSessionBroken)

	_, err = os.Stat(remote)
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool { return len(host.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary file may remain")
}

func TestHostSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := NewHost(file.NewOSFilesystem([]string{t.TempDir()}), testConfig().Transfer)

	a, aHost := transport.Pipe()
	b, bHost := transport.Pipe()
	first := host.StartSession(ctx, "first", aHost)
	second := host.StartSession(ctx, "second", bHost)

	sessions := host.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "first", sessions[0].ID)
	assert.Equal(t, "second", sessions[1].ID)

	// Controller disconnect ends its session only.
	require.NoError(t, a.Close())
	select {
	case <-first.Done():
	case <-ctx.Done():
		t.Fatal("session did not end after disconnect")
	}
	assert.NoError(t, first.Err())
	require.Eventually(t, func() bool { return len(host.Sessions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Host side teardown.
	require.NoError(t, second.Close())
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrChannelClosed)
	assert.Empty(t, host.Sessions())
}

func TestServeOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.Host.ListenAddr = "127.0.0.1:0"

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello over websocket"), 0644))

	l, err := NewListener(ctx, cfg, nil)
	require.NoError(t, err)

	host := NewHost(file.NewOSFilesystem([]string{root}), cfg.Transfer)
	served := make(chan error, 1)
	go func() { served <- host.Serve(ctx, l) }()

	d, err := NewDialer(ctx, cfg, config.TransportWebSocket)
	require.NoError(t, err)
	c, err := Connect(ctx, d, l.Addr(), cfg.Transfer)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = c.Download(ctx, filepath.Join(root, "hello.txt"), &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello over websocket", out.String())

	require.NoError(t, c.Close())
	require.NoError(t, l.Close())
	require.NoError(t, <-served)
}

func TestUnknownTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Host.Transport = "carrier-pigeon"

	_, err := NewListener(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidTransport)

	_, err = NewDialer(context.Background(), cfg, "carrier-pigeon")
	assert.ErrorIs(t, err, config.ErrInvalidTransport)
}
