package connect

import (
	"errors"
	"fmt"
	"time"
)

type ConnectionState int

const (
	Disconnected ConnectionState = 0
	Handshaking  ConnectionState = 1
	Connected    ConnectionState = 2
	Reconnecting ConnectionState = 3
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("connection_state(%d)", int(self))
	}
}

// every state may move to `Disconnected`
var connectionTransitions = map[ConnectionState][]ConnectionState{
	Disconnected: {Handshaking},
	Handshaking:  {Connected},
	Connected:    {Reconnecting},
	Reconnecting: {Handshaking},
}

func checkTransition(from ConnectionState, to ConnectionState) error {
	if to == Disconnected {
		return nil
	}
	for _, next := range connectionTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type ConnectionStateFunction func(from ConnectionState, to ConnectionState)

// RetryPolicy decides whether to attempt again after a failed or lost connection.
// `attempt` counts consecutive failures starting at 1.
type RetryPolicy func(attempt int, err error) bool

// DefaultRetryPolicy retries everything except rejections that a retry cannot fix.
func DefaultRetryPolicy(attempt int, err error) bool {
	for _, terminal := range []error{
		ErrVersionMismatch,
		ErrUnauthorized,
		ErrSchemaMismatch,
		ErrReplaced,
	} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

// MaxAttemptsRetryPolicy is the default policy limited to `maxAttempts` consecutive failures.
func MaxAttemptsRetryPolicy(maxAttempts int) RetryPolicy {
	return func(attempt int, err error) bool {
		return attempt <= maxAttempts && DefaultRetryPolicy(attempt, err)
	}
}

func NoRetryPolicy(attempt int, err error) bool {
	return false
}

type BackoffSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     15 * time.Second,
	}
}

// delay = InitialDelay * 2^(attempt-1), capped at MaxDelay
func (self *BackoffSettings) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// past 30 doublings any sane initial delay is over the cap
	shift := min(attempt-1, 30)
	delay := self.InitialDelay * time.Duration(1<<uint(shift))
	if delay <= 0 || self.MaxDelay < delay {
		delay = self.MaxDelay
	}
	return delay
}
