package echoloop

import "go.uber.org/atomic"

// Stats is shared by every loop of a server.
type Stats struct {
	Accepted      atomic.Uint64
	Rejected      atomic.Uint64
	AcceptErrors  atomic.Uint64
	Active        atomic.Int64
	Closed        atomic.Uint64
	ReceivedBytes atomic.Uint64
	SentBytes     atomic.Uint64
	// Drains counts transitions into the draining state.
	Drains atomic.Uint64
}

type StatsSnapshot struct {
	Accepted      uint64
	Rejected      uint64
	AcceptErrors  uint64
	Active        int64
	Closed        uint64
	ReceivedBytes uint64
	SentBytes     uint64
	Drains        uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:      s.Accepted.Load(),
		Rejected:      s.Rejected.Load(),
		AcceptErrors:  s.AcceptErrors.Load(),
		Active:        s.Active.Load(),
		Closed:        s.Closed.Load(),
		ReceivedBytes: s.ReceivedBytes.Load(),
		SentBytes:     s.SentBytes.Load(),
		Drains:        s.Drains.Load(),
	}
}
