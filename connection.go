package echoloop

import (
	"time"

	"github.com/google/uuid"
)

type connState int8

const (
	stateReading connState = iota
	stateDraining
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateDraining:
		return "draining"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

type connStats struct {
	LastActivityTime   time.Time
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

// Connection is the per-peer record owned by a ConnTable. It performs no I/O.
type Connection struct {
	id         string
	fd         int
	remote     string
	interest   Interest
	state      connState
	peerClosed bool
	// pending[sent:] is owed to the peer.
	pending []byte
	sent    int
	stats   connStats
}

func newConnection(fd int, remote string, now time.Time) *Connection {
	return &Connection{
		id:       uuid.NewString(),
		fd:       fd,
		remote:   remote,
		interest: readInterest,
		state:    stateReading,
		stats:    connStats{LastActivityTime: now},
	}
}

func (c *Connection) Fd() int {
	return c.fd
}

func (c *Connection) GetId() string {
	return c.id
}

func (c *Connection) Remote() string {
	return c.remote
}

func (c *Connection) Interest() Interest {
	return c.interest
}

func (c *Connection) GetStats() connStats {
	return c.stats
}

func (c *Connection) hasPending() bool {
	return c.sent < len(c.pending)
}

func (c *Connection) pendingBytes() []byte {
	return c.pending[c.sent:]
}

// setPending copies data, the source buffer is reused by the next read.
func (c *Connection) setPending(data []byte) {
	c.pending = append(c.pending[:0], data...)
	c.sent = 0
}

func (c *Connection) advance(n int) {
	c.sent += n
	c.stats.TotalSentBytes += uint64(n)
}

func (c *Connection) clearPending() {
	c.pending = c.pending[:0]
	c.sent = 0
}

func (c *Connection) touch(now time.Time) {
	c.stats.LastActivityTime = now
}

func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(c.stats.LastActivityTime)
}
