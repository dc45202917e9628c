package echoloop

import "strings"

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	PeerClosed
	// Failed is only ever reported, never requested.
	Failed
)

const (
	readInterest  = Readable | PeerClosed
	drainInterest = Writable | PeerClosed
)

func (i Interest) Has(flag Interest) bool {
	return i&flag != 0
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	names := make([]string, 0, 4)
	if i.Has(Readable) {
		names = append(names, "readable")
	}
	if i.Has(Writable) {
		names = append(names, "writable")
	}
	if i.Has(PeerClosed) {
		names = append(names, "peer-closed")
	}
	if i.Has(Failed) {
		names = append(names, "failed")
	}
	return strings.Join(names, "|")
}

// ReadinessEvent is consumed as soon as Wait returns it and never stored.
type ReadinessEvent struct {
	Fd    int
	Ready Interest
}

// newConn is an accepted descriptor on its way to the loop that will own it.
type newConn struct {
	fd     int
	remote string
}
