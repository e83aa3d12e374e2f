package config

import (
	"errors"
	"fmt"
	"time"

	"hostfs/internal/processor"

	"github.com/pion/webrtc/v4"
)

// Transport names accepted in host.transport and --transport.
const (
	TransportWebRTC    = "webrtc"
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// Bounds shared with the chunk pipeline.
const (
	MaxChunkSize       = processor.MaxChunkSize
	minMaxMessageSize  = 1024
	defaultChunkSize   = 16 * 1024
	defaultMessageSize = 1 << 20
)

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidChunkSize           = errors.New("chunk size must be between 1 and 4 MiB")
	ErrInvalidCompressionLevel    = errors.New("compression level must be between -1 and 9")
	ErrInvalidMaxMessageSize      = errors.New("max message size must hold at least one encoded chunk")
	ErrInvalidTransport           = errors.New("transport must be one of webrtc, websocket, quic")
	ErrInvalidListenAddr          = errors.New("listen address must be set for websocket and quic")
	ErrInvalidWebSocketPath       = errors.New("websocket path must start with /")
	ErrInvalidAnswerTimeout       = errors.New("answer timeout must be positive")
	ErrInvalidLogLevel            = errors.New("log level must be one of trace, debug, info, warn, error")
	ErrInvalidLogFormat           = errors.New("log format must be text or json")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
)

// Config holds all application configuration
type Config struct {
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Host     HostConfig     `mapstructure:"host"`
	Log      LogConfig      `mapstructure:"log"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers                 []webrtc.ICEServer `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64             `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64             `mapstructure:"max_buffered_amount"`
	// AnswerTimeout is how long a published session code waits for a controller.
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	// PollInterval is how often the signalling store is checked for an answer.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// TransferConfig holds chunking and compression settings
type TransferConfig struct {
	ChunkSize        int `mapstructure:"chunk_size"`
	CompressionLevel int `mapstructure:"compression_level"`
	MaxMessageSize   int `mapstructure:"max_message_size"`
}

// HostConfig holds settings for the serve command
type HostConfig struct {
	Transport     string   `mapstructure:"transport"`
	ListenAddr    string   `mapstructure:"listen_addr"`
	WebSocketPath string   `mapstructure:"websocket_path"`
	Drives        []string `mapstructure:"drives"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		WebRTC: WebRTCConfig{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			BufferedAmountLowThreshold: 512 * 1024,  // 512 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
			AnswerTimeout:              5 * time.Minute,
			PollInterval:               2 * time.Second,
		},
		Firebase: FirebaseConfig{
			ProjectID:       "",
			DatabaseURL:     "",
			CredentialsPath: "",
		},
		Transfer: TransferConfig{
			// Base64 JSON of a 16 KB chunk stays below the 64 KB SCTP message limit.
			ChunkSize:        defaultChunkSize,
			CompressionLevel: 6,
			MaxMessageSize:   defaultMessageSize,
		},
		Host: HostConfig{
			Transport:     TransportWebSocket,
			ListenAddr:    ":7480",
			WebSocketPath: "/hostfs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate ensures the configuration is valid. Firebase settings are only
// checked when the selected transport needs signalling.
func (c *Config) Validate() error {
	if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if c.WebRTC.AnswerTimeout <= 0 || c.WebRTC.PollInterval <= 0 {
		return ErrInvalidAnswerTimeout
	}
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	switch c.Host.Transport {
	case TransportWebRTC:
		return c.Firebase.Validate()
	case TransportWebSocket:
		if len(c.Host.WebSocketPath) == 0 || c.Host.WebSocketPath[0] != '/' {
			return ErrInvalidWebSocketPath
		}
		if c.Host.ListenAddr == "" {
			return ErrInvalidListenAddr
		}
	case TransportQUIC:
		if c.Host.ListenAddr == "" {
			return ErrInvalidListenAddr
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Host.Transport)
	}
	return nil
}

// Validate checks the transfer settings.
func (t TransferConfig) Validate() error {
	if t.ChunkSize <= 0 || t.ChunkSize > MaxChunkSize {
		return ErrInvalidChunkSize
	}
	if t.CompressionLevel < -1 || t.CompressionLevel > 9 {
		return ErrInvalidCompressionLevel
	}
	// A chunk travels base64 encoded inside a JSON reply.
	if t.MaxMessageSize < minMaxMessageSize || t.MaxMessageSize < t.ChunkSize*4/3+512 {
		return ErrInvalidMaxMessageSize
	}
	return nil
}

// Validate checks the Firebase settings.
func (f FirebaseConfig) Validate() error {
	if f.CredentialsPath == "" {
		return ErrInvalidFirebaseConfig
	}
	if f.ProjectID == "" {
		return ErrInvalidFirebaseProjectID
	}
	if f.DatabaseURL == "" {
		return ErrInvalidFirebaseDatabaseURL
	}
	return nil
}

// Validate checks the logging settings.
func (l LogConfig) Validate() error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, l.Format)
	}
	return nil
}
