// Package session runs the host side of the file protocol for one connected
// controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hostfs/internal/codec"
	"hostfs/internal/config"
	"hostfs/internal/file"
	"hostfs/internal/processor"
	"hostfs/internal/transport"
	"hostfs/pkg/protocol"
	"hostfs/pkg/utils"

	"github.com/sirupsen/logrus"
)

// State represents the current state of a session in the transfer protocol
type State int

const (
	Idle State = iota
	Uploading
	Downloading
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Uploading:
		return "Uploading"
	case Downloading:
		return "Downloading"
	default:
		return "Unknown"
	}
}

var (
	// ErrTransferActive is reported when a request needs an idle session.
	ErrTransferActive = errors.New("a transfer is in progress")
	// ErrNoUpload is reported for an upload chunk outside an upload.
	ErrNoUpload = errors.New("no upload in progress")
	// ErrNoDownload is reported for a chunk request outside a download.
	ErrNoDownload = errors.New("no download in progress")
)

// Engine is the protocol state machine of one session. It is driven by a
// single goroutine and holds at most one TransferTask.
type Engine struct {
	id       string
	fs       file.Filesystem
	transfer config.TransferConfig

	task TransferTask
	log  *logrus.Entry
}

// NewEngine creates an idle engine serving fs.
func NewEngine(id string, fs file.Filesystem, transfer config.TransferConfig) *Engine {
	return &Engine{
		id:       id,
		fs:       fs,
		transfer: transfer,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"session":   id,
		}),
	}
}

// State returns the current state.
func (e *Engine) State() State {
	if e.task == nil {
		return Idle
	}
	return e.task.State()
}

// Task returns the active transfer, nil when idle.
func (e *Engine) Task() TransferTask {
	return e.task
}

// Run reads requests from ch and sends replies until the channel closes or
// ctx is cancelled. The active transfer is aborted on return.
func (e *Engine) Run(ctx context.Context, ch transport.Channel) error {
	defer e.Abort()
	e.log.Info("Session started")

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrChannelClosed) {
				e.log.Info("Channel closed")
				return nil
			}
			return err
		}

		reply, ok := e.HandleMessage(msg)
		if !ok {
			continue
		}

		data, err := protocol.EncodeReply(reply)
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, data); err != nil {
			if errors.Is(err, transport.ErrChannelClosed) {
				e.log.Info("Channel closed while replying")
				return nil
			}
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
}

// HandleMessage decodes one channel message and handles it. Undecodable or
// invalid requests get a ProtocolError reply.
func (e *Engine) HandleMessage(msg []byte) (protocol.Reply, bool) {
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		e.log.WithField("error", err.Error()).Warn("Rejected malformed request")
		return protocol.ErrorReply(req.Type, protocol.StatusProtocolError, err), true
	}
	return e.Handle(req)
}

// Handle applies one request. The boolean is false when the request gets no
// reply, which is the case for every accepted upload chunk but the last.
func (e *Engine) Handle(req protocol.Request) (protocol.Reply, bool) {
	if err := req.Validate(); err != nil {
		return protocol.ErrorReply(req.Type, protocol.StatusProtocolError, err), true
	}

	switch req.Type {
	case protocol.ListDrives, protocol.ListFiles, protocol.CreateDirectory, protocol.Rename, protocol.Remove:
		if e.task != nil {
			return e.protocolError(req.Type, ErrTransferActive), true
		}
		return e.browse(req), true
	case protocol.StartUpload:
		return e.startUpload(req), true
	case protocol.UploadChunk:
		return e.uploadChunk(req)
	case protocol.StartDownload:
		return e.startDownload(req), true
	case protocol.DownloadChunkRequest:
		return e.downloadChunk(req), true
	default:
		return e.protocolError(req.Type, protocol.ErrUnknownRequest), true
	}
}

// Abort releases the active transfer, discarding a partial upload.
func (e *Engine) Abort() {
	if e.task == nil {
		return
	}
	task := e.task
	e.task = nil

	log := e.log.WithFields(logrus.Fields{
		"path":  task.Path(),
		"bytes": task.Bytes(),
	})
	if err := task.release(); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to release aborted transfer")
	}
	log.WithField("state", task.State().String()).Info("Transfer aborted")
}

func (e *Engine) browse(req protocol.Request) protocol.Reply {
	reply := protocol.NewReply(req.Type, protocol.StatusOK)
	var err error

	switch req.Type {
	case protocol.ListDrives:
		reply.Drives, err = e.fs.ListDrives()
	case protocol.ListFiles:
		reply.Entries, err = e.fs.ListEntries(req.Path)
	case protocol.CreateDirectory:
		err = e.fs.CreateDirectory(req.Path)
	case protocol.Rename:
		err = e.fs.Rename(req.Path, req.NewPath)
	case protocol.Remove:
		err = e.fs.Remove(req.Path)
	}

	if err != nil {
		e.log.WithFields(logrus.Fields{
			"request": string(req.Type),
			"path":    req.Path,
			"error":   err.Error(),
		}).Debug("Filesystem request failed")
		return protocol.ErrorReply(req.Type, protocol.StatusFromError(err), err)
	}
	return reply
}

func (e *Engine) startUpload(req protocol.Request) protocol.Reply {
	if e.task != nil {
		return e.protocolError(req.Type, ErrTransferActive)
	}

	dst, err := e.fs.OpenWrite(req.Path, req.Overwrite)
	if err != nil {
		return protocol.ErrorReply(req.Type, protocol.StatusFromError(err), err)
	}

	e.task = &uploadTask{
		dst:          dst,
		depacketizer: processor.NewDepacketizer(dst, req.Size, codec.NewZlibDecompressor()),
		declaredSize: req.Size,
		started:      time.Now(),
	}
	e.transition(Idle, logrus.Fields{"path": req.Path})
	return protocol.NewReply(req.Type, protocol.StatusOK)
}

func (e *Engine) uploadChunk(req protocol.Request) (protocol.Reply, bool) {
	task, ok := e.task.(*uploadTask)
	if !ok {
		return e.protocolError(req.Type, ErrNoUpload), true
	}

	result, err := task.depacketizer.ApplyChunk(*req.Chunk)
	task.chunks++

	switch result {
	case processor.Continue:
		return protocol.Reply{}, false

	case processor.Complete:
		e.task = nil
		if err := task.dst.Commit(); err != nil {
			e.log.WithFields(logrus.Fields{
				"path":  task.Path(),
				"error": err.Error(),
			}).Error("Failed to commit upload")
			e.transition(Uploading, nil)
			return protocol.ErrorReply(req.Type, protocol.StatusFromError(err), err), true
		}
		e.summary(task, task.chunks)
		e.transition(Uploading, nil)

		reply := protocol.NewReply(req.Type, protocol.StatusOK)
		reply.Size = task.Bytes()
		return reply, true

	case processor.WriteFailed:
		e.Abort()
		return protocol.ErrorReply(req.Type, protocol.StatusIOError, err), true

	default:
		e.log.WithFields(logrus.Fields{
			"path":  task.Path(),
			"chunk": task.chunks,
			"error": err.Error(),
		}).Warn("Corrupted upload chunk")
		e.Abort()
		return protocol.ErrorReply(req.Type, protocol.StatusCodecError, err), true
	}
}

func (e *Engine) startDownload(req protocol.Request) protocol.Reply {
	if e.task != nil {
		return e.protocolError(req.Type, ErrTransferActive)
	}

	src, err := e.fs.OpenRead(req.Path)
	if err != nil {
		return protocol.ErrorReply(req.Type, protocol.StatusFromError(err), err)
	}

	compressor, err := codec.NewZlibCompressor(e.transfer.CompressionLevel)
	if err != nil {
		src.Close()
		return protocol.ErrorReply(req.Type, protocol.StatusIOError, err)
	}
	packetizer, err := processor.NewPacketizer(src, e.transfer.ChunkSize, compressor)
	if err != nil {
		src.Close()
		return protocol.ErrorReply(req.Type, protocol.StatusIOError, err)
	}

	e.task = &downloadTask{
		src:          src,
		path:         req.Path,
		packetizer:   packetizer,
		declaredSize: src.Size(),
		started:      time.Now(),
	}
	e.transition(Idle, logrus.Fields{"path": req.Path, "size": src.Size()})

	reply := protocol.NewReply(req.Type, protocol.StatusOK)
	reply.Size = src.Size()
	return reply
}

// downloadChunk replies with the next chunk of the active download. On the
// last chunk the source is closed and the engine returns to Idle before the
// reply is sent; the reply no longer needs the source at that point.
func (e *Engine) downloadChunk(req protocol.Request) protocol.Reply {
	task, ok := e.task.(*downloadTask)
	if !ok {
		return e.protocolError(req.Type, ErrNoDownload)
	}

	chunk, err := task.packetizer.NextChunk()
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"path":  task.path,
			"error": err.Error(),
		}).Error("Failed to read download chunk")
		e.Abort()
		return protocol.ErrorReply(req.Type, protocol.StatusIOError, err)
	}

	if chunk.IsLast {
		e.task = nil
		if err := task.src.Close(); err != nil {
			e.log.WithField("error", err.Error()).Warn("Failed to close download source")
		}
		e.summary(task, task.packetizer.ChunksProduced())
		e.transition(Downloading, nil)
	}

	reply := protocol.NewReply(req.Type, protocol.StatusOK)
	reply.Chunk = &chunk
	return reply
}

func (e *Engine) protocolError(req protocol.RequestType, err error) protocol.Reply {
	e.log.WithFields(logrus.Fields{
		"request": string(req),
		"state":   e.State().String(),
	}).Warn("Protocol error: " + err.Error())
	return protocol.ErrorReply(req, protocol.StatusProtocolError, err)
}

// transition logs a state change from the previous state to the current one.
func (e *Engine) transition(from State, fields logrus.Fields) {
	e.log.WithFields(fields).WithFields(logrus.Fields{
		"from": from.String(),
		"to":   e.State().String(),
	}).Debug("State changed")
}

func (e *Engine) summary(task TransferTask, chunks int) {
	var started time.Time
	switch t := task.(type) {
	case *uploadTask:
		started = t.started
	case *downloadTask:
		started = t.started
	}

	elapsed := time.Since(started)
	var rate float64
	if elapsed > 0 {
		rate = float64(task.Bytes()) / elapsed.Seconds()
	}
	e.log.WithFields(logrus.Fields{
		"path":     task.Path(),
		"size":     utils.FormatFileSize(task.Bytes()),
		"chunks":   chunks,
		"duration": elapsed.Round(time.Millisecond).String(),
		"rate":     utils.FormatFileSize(int64(rate)) + "/s",
	}).Info("Transfer completed")
}
