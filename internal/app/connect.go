package app

import (
	"context"
	"fmt"

	"hostfs/internal/client"
	"hostfs/internal/config"
	"hostfs/internal/signalling"
	"hostfs/internal/transport"

	"github.com/sirupsen/logrus"
)

// NewListener creates the host listener for cfg.Host.Transport. For webrtc
// onCode receives every session code the host publishes.
func NewListener(ctx context.Context, cfg *config.Config, onCode func(code string)) (transport.Listener, error) {
	switch cfg.Host.Transport {
	case config.TransportWebSocket:
		l, err := transport.ListenWebSocket(cfg.Host.ListenAddr, cfg.Host.WebSocketPath, cfg.Transfer.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.TransportQUIC:
		l, err := transport.ListenQUIC(cfg.Host.ListenAddr, cfg.Transfer.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.TransportWebRTC:
		signaling, err := signalling.NewDefaultSignalingService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return transport.NewWebRTCListener(&cfg.WebRTC, signaling, onCode), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Host.Transport)
	}
}

// NewDialer creates the controller dialer for the named transport.
func NewDialer(ctx context.Context, cfg *config.Config, transportName string) (transport.Dialer, error) {
	switch transportName {
	case config.TransportWebSocket:
		return &transport.WebSocketDialer{
			Path:           cfg.Host.WebSocketPath,
			MaxMessageSize: cfg.Transfer.MaxMessageSize,
		}, nil
	case config.TransportQUIC:
		return &transport.QUICDialer{MaxMessageSize: cfg.Transfer.MaxMessageSize}, nil
	case config.TransportWebRTC:
		signaling, err := signalling.NewDefaultSignalingService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &transport.WebRTCDialer{Config: &cfg.WebRTC, Signaling: signaling}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, transportName)
	}
}

// Connect dials target with d and returns a client on the new channel.
func Connect(ctx context.Context, d transport.Dialer, target string, transfer config.TransferConfig) (*client.Client, error) {
	logrus.WithFields(logrus.Fields{
		"component": "app",
		"target":    target,
	}).Debug("Connecting to host")

	ch, err := d.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return client.New(ch, transfer), nil
}
