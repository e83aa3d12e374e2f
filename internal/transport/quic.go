package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for hostfs over QUIC.
const ALPNProtocol = "hostfs-v1"

// frameHeaderSize is the length prefix in front of every QUIC message.
const frameHeaderSize = 4

// serverTLSConfig returns a TLS configuration with a fresh self-signed certificate.
func serverTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// clientTLSConfig accepts any certificate; the host certificate is self-signed.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     30 * time.Second,
		MaxIncomingStreams: 1,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"hostfs"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// writeFrame writes msg prefixed by its big-endian length.
func writeFrame(w io.Writer, msg []byte) error {
	frame := make([]byte, frameHeaderSize+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[frameHeaderSize:], msg)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one length-prefixed message of at most maxSize bytes.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > uint32(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMessageTooLarge, size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// QUICListener accepts QUIC connections and uses the first stream of each as
// a Channel.
type QUICListener struct {
	ln             *quic.Listener
	maxMessageSize int

	ctx       context.Context
	cancel    context.CancelFunc
	incoming  chan Channel
	closeOnce sync.Once
}

// ListenQUIC listens for QUIC connections on the UDP address addr.
func ListenQUIC(addr string, maxMessageSize int) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		ln:             ln,
		maxMessageSize: maxMessageSize,
		ctx:            ctx,
		cancel:         cancel,
		incoming:       make(chan Channel),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the controller's stream, which appears once the
// controller sends its first request.
func (l *QUICListener) acceptStream(conn *quic.Conn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "transport",
			"remote":    conn.RemoteAddr().String(),
			"error":     err.Error(),
		}).Debug("QUIC connection closed before opening a stream")
		conn.CloseWithError(0, "no stream")
		return
	}

	ch := newQUICChannel(conn, stream, l.maxMessageSize)
	select {
	case l.incoming <- ch:
	case <-l.ctx.Done():
		ch.Close()
	}
}

// Accept waits for the next connection with an open stream.
func (l *QUICListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting connections. Accepted channels stay open.
func (l *QUICListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

// Addr returns the UDP address controllers dial.
func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}

// QUICDialer connects to a QUICListener.
type QUICDialer struct {
	MaxMessageSize int
}

// Dial connects to the host:port in target and opens the session stream.
func (d *QUICDialer) Dial(ctx context.Context, target string) (Channel, error) {
	conn, err := quic.DialAddr(ctx, target, clientTLSConfig(), defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return newQUICChannel(conn, stream, d.MaxMessageSize), nil
}

// quicChannel frames messages on a single bidirectional stream.
type quicChannel struct {
	id             string
	conn           *quic.Conn
	stream         *quic.Stream
	maxMessageSize int
	writeMu        sync.Mutex

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newQUICChannel(conn *quic.Conn, stream *quic.Stream, maxMessageSize int) *quicChannel {
	c := &quicChannel{
		id:             uuid.NewString(),
		conn:           conn,
		stream:         stream,
		maxMessageSize: maxMessageSize,
		incoming:       make(chan []byte),
		closed:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *quicChannel) readLoop() {
	defer c.shutdown()

	for {
		msg, err := readFrame(c.stream, c.maxMessageSize)
		if err != nil {
			if err != io.EOF {
				logrus.WithFields(logrus.Fields{
					"component": "transport",
					"channel":   c.id,
					"error":     err.Error(),
				}).Debug("QUIC read error")
			}
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *quicChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if c.maxMessageSize > 0 && len(msg) > c.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	c.stream.SetWriteDeadline(deadline)
	if err := writeFrame(c.stream, msg); err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *quicChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *quicChannel) Close() error {
	c.shutdown()
	return nil
}

func (c *quicChannel) ID() string {
	return c.id
}

func (c *quicChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
		c.conn.CloseWithError(0, "closed")
	})
}
