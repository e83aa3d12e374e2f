package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hostfs/internal/config"
	"hostfs/internal/signalling"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// dataChannelLabel names the data channel the host creates for a session.
const dataChannelLabel = "hostfs"

// incomingQueue bounds messages buffered from the data channel before Receive.
const incomingQueue = 100

// newPeerConnection creates a new peer connection with the given configuration
func newPeerConnection(cfg *config.WebRTCConfig) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// rtcChannel adapts an ordered WebRTC data channel to Channel. Send applies
// buffered-amount flow control.
type rtcChannel struct {
	id          string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	maxBuffered uint64

	incoming  chan []byte
	bufferLow chan struct{}
	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newRTCChannel(id string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, cfg *config.WebRTCConfig) *rtcChannel {
	c := &rtcChannel{
		id:          id,
		pc:          pc,
		dc:          dc,
		maxBuffered: cfg.MaxBufferedAmount,
		incoming:    make(chan []byte, incomingQueue),
		bufferLow:   make(chan struct{}, 1),
		opened:      make(chan struct{}),
		closed:      make(chan struct{}),
	}
	log := logrus.WithFields(logrus.Fields{
		"component": "transport",
		"channel":   id,
	})

	dc.OnOpen(func() {
		log.WithField("label", dc.Label()).Debug("Data channel opened")
		c.markOpen()
	})
	dc.OnClose(func() {
		log.Debug("Data channel closed")
		c.shutdown(false)
	})
	dc.OnError(func(err error) {
		log.WithField("error", err.Error()).Warn("Data channel error")
		c.shutdown(false)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Blocking here stalls the SCTP reader, which is the backpressure.
		select {
		case c.incoming <- msg.Data:
		case <-c.closed:
		}
	})

	dc.SetBufferedAmountLowThreshold(cfg.BufferedAmountLowThreshold)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.bufferLow <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.WithField("state", state.String()).Debug("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown(false)
		}
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
	return c
}

func (c *rtcChannel) markOpen() {
	c.openOnce.Do(func() { close(c.opened) })
}

// waitOpen blocks until the data channel is open.
func (c *rtcChannel) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for channel ready: %w", ctx.Err())
	}
}

func (c *rtcChannel) Send(ctx context.Context, msg []byte) error {
	if err := c.waitOpen(ctx); err != nil {
		return err
	}

	for c.dc.BufferedAmount() > c.maxBuffered {
		select {
		case <-c.bufferLow:
		case <-c.closed:
			return ErrChannelClosed
		case <-ctx.Done():
			return fmt.Errorf("channel cancelled during flow control: %w", ctx.Err())
		}
	}

	if err := c.dc.Send(msg); err != nil {
		c.shutdown(true)
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *rtcChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *rtcChannel) Close() error {
	c.shutdown(true)
	return nil
}

func (c *rtcChannel) ID() string {
	return c.id
}

// shutdown marks the channel closed and tears down the peer connection. From
// pion callbacks the teardown runs asynchronously.
func (c *rtcChannel) shutdown(wait bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		teardown := func() {
			if c.dc.ReadyState() == webrtc.DataChannelStateOpen {
				c.dc.Close()
			}
			c.pc.Close()
		}
		if wait {
			teardown()
		} else {
			go teardown()
		}
	})
}

// WebRTCListener publishes one offer per Accept and returns the channel once a
// controller answered it and the data channel opened.
type WebRTCListener struct {
	cfg       *config.WebRTCConfig
	signaling *signalling.SignalingService
	onCode    func(code string)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebRTCListener creates a listener. onCode is called with every session
// code that controllers can use to connect.
func NewWebRTCListener(cfg *config.WebRTCConfig, signaling *signalling.SignalingService, onCode func(code string)) *WebRTCListener {
	return &WebRTCListener{
		cfg:       cfg,
		signaling: signaling,
		onCode:    onCode,
		closed:    make(chan struct{}),
	}
}

// Accept publishes offers until a controller connects. Unanswered codes expire
// and are replaced by a new one.
func (l *WebRTCListener) Accept(ctx context.Context) (Channel, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ch, err := l.acceptOne(ctx)
		select {
		case <-l.closed:
			if ch != nil {
				ch.Close()
			}
			return nil, ErrListenerClosed
		default:
		}
		if errors.Is(err, signalling.ErrAnswerTimeout) {
			logrus.WithField("component", "transport").Info("Session code expired, publishing a new one")
			continue
		}
		return ch, err
	}
}

func (l *WebRTCListener) acceptOne(ctx context.Context) (Channel, error) {
	pc, err := newPeerConnection(l.cfg)
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	code, err := l.signaling.PublishOffer(ctx, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if l.onCode != nil {
		l.onCode(code)
	}

	ch := newRTCChannel(code, pc, dc, l.cfg)
	if err := l.signaling.AwaitAnswer(ctx, pc, code); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.waitOpen(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (l *WebRTCListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *WebRTCListener) Addr() string {
	return "webrtc"
}

// WebRTCDialer answers a host's published offer.
type WebRTCDialer struct {
	Config    *config.WebRTCConfig
	Signaling *signalling.SignalingService
}

// Dial connects to the host that published the session code target.
func (d *WebRTCDialer) Dial(ctx context.Context, target string) (Channel, error) {
	pc, err := newPeerConnection(d.Config)
	if err != nil {
		return nil, err
	}

	channels := make(chan *rtcChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		// Handlers are installed inside the callback so no message is missed.
		select {
		case channels <- newRTCChannel(target, pc, dc, d.Config):
		default:
		}
	})

	if err := d.Signaling.Answer(ctx, pc, target); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case ch := <-channels:
		if err := ch.waitOpen(ctx); err != nil {
			ch.Close()
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		pc.Close()
		return nil, fmt.Errorf("cancelled while waiting for data channel: %w", ctx.Err())
	}
}
