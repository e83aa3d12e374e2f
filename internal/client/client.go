// Package client is the controller side of the file protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"hostfs/internal/codec"
	"hostfs/internal/config"
	"hostfs/internal/processor"
	"hostfs/internal/transport"
	"hostfs/pkg/protocol"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionBroken is returned after a failed transfer left the host in an
	// unknown state. The client must be closed and a new session opened.
	ErrSessionBroken = errors.New("session is no longer usable")
	// ErrUnexpectedReply is returned when a reply does not answer the request sent.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ProgressFunc is called as a transfer advances. total is -1 when unknown.
type ProgressFunc func(done, total int64)

// Client sends requests over one channel and waits for their replies. It is
// not safe for concurrent use.
type Client struct {
	ch       transport.Channel
	transfer config.TransferConfig

	replies   chan protocol.Reply
	done      chan struct{}
	err       error // why the pump stopped; read after done is closed
	closing   chan struct{}
	closeOnce sync.Once

	broken error
	log    *logrus.Entry
}

// New starts a client on ch. The client owns ch from now on.
func New(ch transport.Channel, transfer config.TransferConfig) *Client {
	c := &Client{
		ch:       ch,
		transfer: transfer,
		replies:  make(chan protocol.Reply),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "client",
			"channel":   ch.ID(),
		}),
	}
	go c.pump()
	return c
}

// pump delivers decoded replies until the channel closes.
func (c *Client) pump() {
	defer close(c.done)

	for {
		msg, err := c.ch.Receive(context.Background())
		if err != nil {
			c.err = err
			return
		}
		reply, err := protocol.DecodeReply(msg)
		if err != nil {
			c.err = err
			c.ch.Close()
			return
		}
		select {
		case c.replies <- reply:
		case <-c.closing:
			c.err = transport.ErrChannelClosed
			return
		}
	}
}

// Close closes the channel, ending the host session.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.ch.Close()
	<-c.done
	return err
}

// await waits for the reply to a request of type want.
func (c *Client) await(ctx context.Context, want protocol.RequestType) (protocol.Reply, error) {
	select {
	case reply := <-c.replies:
		if reply.Type != want {
			return reply, fmt.Errorf("%w: %s for %s request", ErrUnexpectedReply, reply.Type, want)
		}
		return reply, reply.Err()
	case <-c.done:
		return protocol.Reply{}, fmt.Errorf("connection lost: %w", c.err)
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, req protocol.Request) error {
	if c.broken != nil {
		return fmt.Errorf("%w: %v", ErrSessionBroken, c.broken)
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := c.ch.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s request: %w", req.Type, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	if err := c.send(ctx, req); err != nil {
		return protocol.Reply{}, err
	}
	return c.await(ctx, req.Type)
}

// breakSession marks the client unusable and closes the channel so the host
// aborts whatever transfer is still open.
func (c *Client) breakSession(err error) error {
	c.broken = err
	c.log.WithField("error", err.Error()).Warn("Closing session after failed transfer")
	c.ch.Close()
	return err
}

// ListDrives returns the drives the host exposes.
func (c *Client) ListDrives(ctx context.Context) ([]protocol.DriveInfo, error) {
	reply, err := c.roundTrip(ctx, protocol.Request{Type: protocol.ListDrives})
	if err != nil {
		return nil, err
	}
	return reply.Drives, nil
}

// ListFiles returns the entries of a remote directory.
func (c *Client) ListFiles(ctx context.Context, path string) ([]protocol.EntryInfo, error) {
	reply, err := c.roundTrip(ctx, protocol.Request{Type: protocol.ListFiles, Path: path})
	if err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, protocol.Request{Type: protocol.CreateDirectory, Path: path})
	return err
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := c.roundTrip(ctx, protocol.Request{Type: protocol.Rename, Path: oldPath, NewPath: newPath})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, protocol.Request{Type: protocol.Remove, Path: path})
	return err
}

// Upload streams src to remotePath. size is the number of bytes src holds, or
// -1 when unknown. Chunks are pushed without acknowledgment; an error reply
// from the host stops the upload early. Any failure after the host accepted
// the upload breaks the session.
func (c *Client) Upload(ctx context.Context, src io.Reader, remotePath string, size int64, overwrite bool, progress ProgressFunc) (int64, error) {
	req := protocol.Request{Type: protocol.StartUpload, Path: remotePath, Overwrite: overwrite}
	if size >= 0 {
		req.Size = &size
	}
	if _, err := c.roundTrip(ctx, req); err != nil {
		return 0, err
	}

	compressor, err := codec.NewZlibCompressor(c.transfer.CompressionLevel)
	if err != nil {
		return 0, c.breakSession(err)
	}
	packetizer, err := processor.NewPacketizer(src, c.transfer.ChunkSize, compressor)
	if err != nil {
		return 0, c.breakSession(err)
	}

	for packetizer.HasMore() {
		// The host only replies early when it gave up on the upload.
		select {
		case reply := <-c.replies:
			err := reply.Err()
			if err == nil {
				err = fmt.Errorf("%w: %s during upload", ErrUnexpectedReply, reply.Type)
			}
			return packetizer.BytesRead(), c.breakSession(err)
		case <-c.done:
			return packetizer.BytesRead(), fmt.Errorf("connection lost: %w", c.err)
		default:
		}

		chunk, err := packetizer.NextChunk()
		if err != nil {
			return packetizer.BytesRead(), c.breakSession(err)
		}
		if err := c.send(ctx, protocol.Request{Type: protocol.UploadChunk, Chunk: &chunk}); err != nil {
			return packetizer.BytesRead(), c.breakSession(err)
		}
		if progress != nil {
			progress(packetizer.BytesRead(), size)
		}
	}

	reply, err := c.await(ctx, protocol.UploadChunk)
	if err != nil {
		return packetizer.BytesRead(), c.breakSession(err)
	}

	c.log.WithFields(logrus.Fields{
		"path":   remotePath,
		"bytes":  reply.Size,
		"chunks": packetizer.ChunksProduced(),
	}).Debug("Upload completed")
	return reply.Size, nil
}

// Download pulls remotePath chunk by chunk into dst.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer, progress ProgressFunc) (int64, error) {
	reply, err := c.roundTrip(ctx, protocol.Request{Type: protocol.StartDownload, Path: remotePath})
	if err != nil {
		return 0, err
	}
	size := reply.Size

	depacketizer := processor.NewDepacketizer(dst, &size, codec.NewZlibDecompressor())
	for {
		reply, err := c.roundTrip(ctx, protocol.Request{Type: protocol.DownloadChunkRequest})
		if err != nil {
			var statusErr *protocol.StatusError
			if errors.As(err, &statusErr) && statusErr.Status == protocol.StatusIOError {
				// The host closed the source and is idle again.
				return depacketizer.BytesWritten(), err
			}
			return depacketizer.BytesWritten(), c.breakSession(err)
		}
		if reply.Chunk == nil {
			return depacketizer.BytesWritten(), c.breakSession(fmt.Errorf("%w: chunk reply without chunk", ErrUnexpectedReply))
		}

		result, err := depacketizer.ApplyChunk(*reply.Chunk)
		switch result {
		case processor.Continue:
			if progress != nil {
				progress(depacketizer.BytesWritten(), size)
			}
		case processor.Complete:
			if progress != nil {
				progress(depacketizer.BytesWritten(), size)
			}
			c.log.WithFields(logrus.Fields{
				"path":  remotePath,
				"bytes": depacketizer.BytesWritten(),
			}).Debug("Download completed")
			return depacketizer.BytesWritten(), nil
		default:
			if reply.Chunk.IsLast {
				// The host already finished its side.
				return depacketizer.BytesWritten(), fmt.Errorf("%s: %w", result, err)
			}
			return depacketizer.BytesWritten(), c.breakSession(fmt.Errorf("%s: %w", result, err))
		}
	}
}
