// Package app wires transports, sessions and the filesystem into the host
// agent and the controller connection.
package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hostfs/internal/config"
	"hostfs/internal/file"
	"hostfs/internal/session"
	"hostfs/internal/transport"

	"github.com/sirupsen/logrus"
)

// Host serves the local filesystem to every connected controller, one
// session per channel.
type Host struct {
	fs       file.Filesystem
	transfer config.TransferConfig

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewHost creates a host serving fs.
func NewHost(fs file.Filesystem, transfer config.TransferConfig) *Host {
	return &Host{
		fs:       fs,
		transfer: transfer,
		sessions: make(map[string]*Session),
	}
}

// Session is one running protocol session.
type Session struct {
	ID      string
	Started time.Time

	ch     transport.Channel
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended. It is nil for a normal disconnect and
// only meaningful after Done is closed.
func (s *Session) Err() error {
	return s.err
}

// Close tears the session down and waits until it has finished.
func (s *Session) Close() error {
	s.cancel()
	err := s.ch.Close()
	<-s.done
	return err
}

// StartSession runs a new session on ch. The session stops when the channel
// closes, ctx is cancelled or Close is called.
func (h *Host) StartSession(ctx context.Context, channelID string, ch transport.Channel) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      channelID,
		Started: time.Now(),
		ch:      ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[channelID] = s
	h.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"component": "host",
		"session":   channelID,
	})
	log.Info("Controller connected")

	engine := session.NewEngine(channelID, h.fs, h.transfer)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(s.done)
		defer cancel()

		s.err = engine.Run(ctx, ch)
		ch.Close()

		h.mu.Lock()
		if h.sessions[channelID] == s {
			delete(h.sessions, channelID)
		}
		h.mu.Unlock()

		if s.err != nil && !errors.Is(s.err, context.Canceled) {
			log.WithField("error", s.err.Error()).Warn("Session ended with error")
			return
		}
		log.WithField("duration", time.Since(s.Started).Round(time.Second).String()).Info("Controller disconnected")
	}()

	return s
}

// Sessions returns the running sessions, oldest first.
func (h *Host) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Started.Equal(sessions[j].Started) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Started.Before(sessions[j].Started)
	})
	return sessions
}

// Serve accepts channels from l until ctx is cancelled or l is closed, then
// closes every session it started.
func (h *Host) Serve(ctx context.Context, l transport.Listener) error {
	log := logrus.WithFields(logrus.Fields{
		"component": "host",
		"addr":      l.Addr(),
	})
	log.Info("Host is serving")

	defer h.Close()

	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				log.Info("Host stopped")
				return nil
			}
			return err
		}
		h.StartSession(ctx, ch.ID(), ch)
	}
}

// Close tears down all sessions and waits for them.
func (h *Host) Close() {
	for _, s := range h.Sessions() {
		s.Close()
	}
	h.wg.Wait()
}
