package echoloop

import "time"

const (
	defEventsBufferSize = 128
	blocked             = -1
)

// Poller wraps the OS readiness-notification primitive.
//
// Under edge-triggered notification a condition is reported once per state
// transition. Consumers must drain every reported fd until the operation
// returns EAGAIN, or they will not hear about it again.
type Poller interface {
	// Register begins monitoring fd for interest.
	Register(fd int, interest Interest) error
	// Modify replaces the monitored conditions of a registered fd. A Modify with
	// the current interest re-arms the edge.
	Modify(fd int, interest Interest) error
	// Unregister stops monitoring fd. Call it before closing fd.
	Unregister(fd int) error
	// Wait blocks until at least one fd is ready or timeout elapses. A negative
	// timeout blocks indefinitely. The returned slice is reused by the next call.
	Wait(timeout time.Duration) ([]ReadinessEvent, error)
	Close() error
}

type PollerConfig struct {
	EventBufferSize int
	EdgeTriggered   bool
	// MaxRegistrations caps the number of registered fds, 0 means no cap.
	MaxRegistrations int
}

func waitMillis(timeout time.Duration) int {
	if timeout < 0 {
		return blocked
	}
	msec := int(timeout / time.Millisecond)
	if msec == 0 && timeout > 0 {
		msec = 1
	}
	return msec
}
