// Package transport provides reliable, ordered, message-preserving channels
// between a controller and a host: WebRTC data channels, WebSocket
// connections, QUIC streams and an in-memory pipe.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed is returned once either side closed the channel or the
	// underlying connection was lost.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMessageTooLarge is returned for messages above the transport limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// Channel carries whole messages in order. Send returns once the transport
// has accepted the message and its send buffer drained below the flow control
// threshold. Receive returns the next message or ErrChannelClosed.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	// ID identifies the channel in logs.
	ID() string
}

// Listener accepts channels opened by controllers.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
	// Addr describes where controllers can connect.
	Addr() string
}

// Dialer opens a channel to a host. The target format depends on the
// transport: a session code, a URL or a host:port address.
type Dialer interface {
	Dial(ctx context.Context, target string) (Channel, error)
}
