package inbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNoToken means the token endpoint has no session for us. The UI
	// should ask the user to sign in rather than offer a retry.
	ErrNoToken = errors.New("inbox: no auth token available")

	// ErrUnauthorized means the backend rejected the token we presented.
	ErrUnauthorized = errors.New("inbox: token rejected")

	ErrNotConnected      = errors.New("inbox: not connected")
	ErrClosed            = errors.New("inbox: closed")
	ErrConnectTimeout    = errors.New("inbox: connect timed out")
	ErrQueueItemNotFound = errors.New("inbox: queued message not found")
)

// FailureReason classifies a ConnectionError.
type FailureReason string

const (
	FailureAuth      FailureReason = "auth"
	FailureTimeout   FailureReason = "timeout"
	FailureTransport FailureReason = "transport"
)

// ConnectionError is returned when the connection could not be established.
type ConnectionError struct {
	Reason   FailureReason
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection %s failure after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection %s failure: %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable reports whether a later Initialize may succeed without user action.
func (e *ConnectionError) Retryable() bool {
	return e.Reason != FailureAuth
}

// ChannelError is returned when a channel could not be resolved.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// SendError is a rejected publish. The facade turns it into a queued message.
type SendError struct {
	MessageID string
	Channel   string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s on %s: %v", e.MessageID, e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PermanentSendFailure is surfaced once a queued message has used its retry budget.
type PermanentSendFailure struct {
	Message QueuedMessage
	Err     error
}

func (e *PermanentSendFailure) Error() string {
	return fmt.Sprintf("message %s permanently failed after %d attempt(s): %v",
		e.Message.ID, e.Message.Attempts, e.Err)
}

func (e *PermanentSendFailure) Unwrap() error { return e.Err }
