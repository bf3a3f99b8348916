package inbox

import (
	"net/http"
	"time"
)

// Transport names accepted by Config.Transport.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportSimulated = "simulated"
)

// Storage drivers accepted by Config.StorageDriver.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config configures a Client. Zero values are replaced by defaults.
type Config struct {
	// Transport is one of TransportWebSocket, TransportNATS or
	// TransportSimulated. The simulator is for demos and degraded local
	// development only; messages sent through it reach nobody.
	Transport string
	URL       string

	// TokenEndpoint issues bearer tokens for the realtime backend. When
	// empty, Token is used as a static token.
	TokenEndpoint string
	APIKey        string
	Token         string

	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	PresenceTTL          time.Duration

	// TypingRate caps "started typing" publications per second.
	TypingRate      float64
	TypingStopDelay time.Duration

	QueueMaxRetries    int
	QueueFlushInterval time.Duration

	StorageDriver string
	StoragePath   string

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 300 * time.Millisecond
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 2 * time.Minute
	}
	if c.TypingRate == 0 {
		c.TypingRate = 2
	}
	if c.TypingStopDelay == 0 {
		c.TypingStopDelay = time.Second
	}
	if c.QueueMaxRetries == 0 {
		c.QueueMaxRetries = 5
	}
	if c.QueueFlushInterval == 0 {
		c.QueueFlushInterval = 30 * time.Second
	}
	if c.StorageDriver == "" {
		c.StorageDriver = StorageMemory
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}
