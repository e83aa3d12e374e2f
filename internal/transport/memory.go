package transport

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
)

// memoryQueue is the number of messages buffered per direction.
const memoryQueue = 16

// pipeState is shared by both ends of a pipe.
type pipeState struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *pipeState) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// memoryChannel is one end of an in-process pipe.
type memoryChannel struct {
	id    string
	in    chan []byte
	out   chan []byte
	state *pipeState
}

// Pipe returns two connected in-memory channels. Closing either end closes
// both; messages already queued are still delivered.
func Pipe() (Channel, Channel) {
	state := &pipeState{closed: make(chan struct{})}
	aToB := make(chan []byte, memoryQueue)
	bToA := make(chan []byte, memoryQueue)
	id := uuid.NewString()

	a := &memoryChannel{id: id + "-a", in: bToA, out: aToB, state: state}
	b := &memoryChannel{id: id + "-b", in: aToB, out: bToA, state: state}
	return a, b
}

func (c *memoryChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.state.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case c.out <- bytes.Clone(msg):
		return nil
	case <-c.state.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryChannel) Receive(ctx context.Context) ([]byte, error) {
	// Drain queued messages before reporting a close.
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.state.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrChannelClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryChannel) Close() error {
	c.state.close()
	return nil
}

func (c *memoryChannel) ID() string {
	return c.id
}

// MemoryListener hands out the host ends of pipes created by its Dial method.
type MemoryListener struct {
	incoming  chan Channel
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryListener creates an in-process listener.
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		incoming: make(chan Channel),
		closed:   make(chan struct{}),
	}
}

// Accept waits for the next Dial.
func (l *MemoryListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial creates a pipe and queues its host end for Accept. target is ignored.
func (l *MemoryListener) Dial(ctx context.Context, target string) (Channel, error) {
	local, remote := Pipe()
	select {
	case l.incoming <- remote:
		return local, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *MemoryListener) Addr() string {
	return "memory"
}
