// Package inbox is the realtime messaging core of the support inbox: one
// connection to the pub/sub backend, per-conversation channels, presence and
// typing state, and an offline queue that keeps outgoing messages until they
// are delivered.
//
// Example:
//
//	client, _ := inbox.NewClient(inbox.Config{
//		URL:           "https://rt.example.com",
//		TokenEndpoint: "https://app.example.com/api/realtime/token",
//		APIKey:        "sk-...",
//		StorageDriver: inbox.StorageSQLite,
//		StoragePath:   "inbox.db",
//	})
//	defer client.Close()
//
//	sub, _ := client.SubscribeMessages(ctx, "42", func(m inbox.Message) { ... })
//	defer sub.Unsubscribe()
//
//	leave, _ := client.EnterConversation(ctx, "42", inbox.PresenceData{UserID: "a1", Name: "Ana"})
//	defer leave()
//
//	res, _ := client.Send(ctx, "42", "hello", inbox.Sender{ID: "a1", Name: "Ana", Type: inbox.SenderAgent})
//	// res.Status is "sent" or "queued"
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Client
// ============================================================================

// Client is the composition root. It owns one ConnectionManager and builds
// everything else on top of it.
type Client struct {
	*Messenger

	cfg         Config
	logger      *slog.Logger
	transport   Transport
	tokens      TokenSource
	storage     LocalStorage
	ownsStorage bool
	registerer  prometheus.Registerer
	metrics     *Metrics

	conn     *ConnectionManager
	channels *ChannelRegistry
	presence *PresenceTracker
	typing   *TypingCoordinator
	queue    *OfflineQueue

	cancel    context.CancelFunc
	closeOnce sync.Once
}

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.cfg.HTTPClient = client }
}

// WithTransport overrides the transport named by Config.Transport.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.transport = t }
}

// WithTokenSource overrides the token source built from Config.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithStorage sets the queue storage. The caller keeps ownership.
func WithStorage(s LocalStorage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// WithMetrics registers the client's collectors on reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.registerer = reg }
}

// NewClient builds a client. Nothing is dialed until the first operation
// that needs the connection, or Connect.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg.defaults()
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.registerer != nil {
		c.metrics = NewMetrics(c.registerer)
	}

	if c.transport == nil {
		t, err := NewTransport(c.cfg)
		if err != nil {
			return nil, err
		}
		c.transport = t
	}
	if c.tokens == nil {
		c.tokens = c.defaultTokenSource()
	}
	if c.storage == nil {
		s, err := NewStorage(c.cfg)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		c.storage = s
		c.ownsStorage = true
	}

	events := NewEventRegistry(c.logger)
	c.conn = NewConnectionManager(c.cfg, c.transport, c.tokens, events, c.logger, c.metrics)
	c.channels = NewChannelRegistry(c.conn, c.logger)
	c.presence = NewPresenceTracker(c.channels, c.logger)
	c.typing = NewTypingCoordinator(c.presence, c.cfg.TypingRate, c.cfg.TypingStopDelay, c.logger, c.metrics)
	c.queue = NewOfflineQueue(c.storage, events, c.logger, c.metrics, &OfflineOptions{
		MaxRetries:    c.cfg.QueueMaxRetries,
		FlushInterval: c.cfg.QueueFlushInterval,
	})
	c.Messenger = NewMessenger(c.conn, c.channels, c.presence, c.typing, c.queue, c.logger, c.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.Messenger.runQueue(ctx)

	if c.conn.Simulated() {
		c.logger.Warn("using the simulated realtime transport; messages reach nobody")
	} else if c.ownsStorage && c.cfg.StorageDriver == StorageMemory {
		c.logger.Warn("offline queue is kept in memory; queued messages are lost on restart",
			"hint", "set StorageDriver to file or sqlite")
	}
	return c, nil
}

func (c *Client) defaultTokenSource() TokenSource {
	if c.cfg.TokenEndpoint != "" {
		return NewHTTPTokenSource(c.cfg.TokenEndpoint, c.cfg.APIKey, c.cfg.HTTPClient)
	}
	tok := c.cfg.Token
	if sim, ok := c.transport.(Simulator); ok && sim.Simulated() && tok == "" {
		tok = "simulated"
	}
	return NewStaticTokenSource(tok)
}

// Connect establishes the connection ahead of the first operation. Messages
// restored from storage are drained once it is up.
func (c *Client) Connect(ctx context.Context) error {
	c.Messenger.watch.ensure()
	_, err := c.conn.Initialize(ctx)
	return err
}

// Connection returns the connection manager.
func (c *Client) Connection() *ConnectionManager { return c.conn }

// Channels returns the channel registry.
func (c *Client) Channels() *ChannelRegistry { return c.channels }

// Presence returns the presence tracker.
func (c *Client) Presence() *PresenceTracker { return c.presence }

// Queue returns the offline queue.
func (c *Client) Queue() *OfflineQueue { return c.queue }

// Metrics returns the collectors, or nil without WithMetrics.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Close releases every channel, closes the connection, and closes storage
// the client opened itself. Queued messages stay in storage.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
		defer cancel()
		c.channels.ReleaseAll(ctx)
		c.conn.Close()
		if c.ownsStorage {
			err = c.storage.Close()
		}
	})
	return err
}
