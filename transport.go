package inbox

import (
	"context"
	"fmt"
)

// Transport dials the realtime backend. Implementations are picked by
// configuration when the client is built; the connection manager never
// swaps one for another at runtime.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Dial opens a link authenticated with token. Events for attached
	// channels are handed to sink on the link's own goroutine.
	Dial(ctx context.Context, token string, sink func(Event)) (Link, error)
}

// Link is one open connection to the backend.
type Link interface {
	Attach(ctx context.Context, channel string) error
	Detach(ctx context.Context, channel string) error

	Publish(ctx context.Context, channel string, msg Message) error

	PresenceEnter(ctx context.Context, channel string, data PresenceData) error
	PresenceUpdate(ctx context.Context, channel string, data PresenceData) error
	PresenceLeave(ctx context.Context, channel string, participantID string) error
	PresenceGet(ctx context.Context, channel string) ([]PresenceData, error)

	// Done is closed when the link is gone, intentionally or not.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after Close.
	Err() error
	Close() error
}

// Simulator is implemented by transports that never reach a real backend.
type Simulator interface {
	Simulated() bool
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Transport {
	case "", TransportWebSocket:
		return NewWSTransport(cfg.URL, cfg.HeartbeatInterval, cfg.HTTPClient), nil
	case TransportNATS:
		return NewNATSTransport(cfg.URL, cfg.PresenceTTL), nil
	case TransportSimulated:
		return NewSimulatedTransport(NewSimulatedBroker()), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
