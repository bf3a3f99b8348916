package inbox

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// fastConfig keeps reconnect delays short.
func fastConfig() Config {
	return Config{
		Transport:            TransportSimulated,
		ConnectTimeout:       2 * time.Second,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		TypingStopDelay:      50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, broker *SimulatedBroker, cfg Config, tokens TokenSource) *ConnectionManager {
	t.Helper()
	if tokens == nil {
		tokens = NewStaticTokenSource("tok")
	}
	m := NewConnectionManager(cfg, NewSimulatedTransport(broker), tokens, nil, testLogger(), nil)
	t.Cleanup(m.Close)
	return m
}

func newTestClient(t *testing.T, broker *SimulatedBroker, opts ...ClientOption) *Client {
	t.Helper()
	return newTestClientWith(t, broker, fastConfig(), opts...)
}

func newTestClientWith(t *testing.T, broker *SimulatedBroker, cfg Config, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithTransport(NewSimulatedTransport(broker)),
		WithLogger(testLogger()),
	}, opts...)
	c, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
