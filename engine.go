package echoloop

import (
	"time"

	"github.com/rs/zerolog/log"
)

// engine is the echo state machine of one event loop.
//
//	Reading  --partial write-->  Draining  --flushed-->  Reading
//	   |                            |
//	   +------ eof / error / peer close ------> Closing
type engine struct {
	poller Poller
	table  *ConnTable
	sock   socketIO
	stats  *Stats
	// buffer is the accumulation buffer shared by every connection of the loop.
	buffer []byte
	now    func() time.Time
}

func newEngine(poller Poller, table *ConnTable, sock socketIO, stats *Stats, bufferSize int) *engine {
	return &engine{
		poller: poller,
		table:  table,
		sock:   sock,
		stats:  stats,
		buffer: make([]byte, bufferSize),
		now:    time.Now,
	}
}

func (e *engine) HandleEvent(conn *Connection, ready Interest) {
	if conn.state == stateClosing {
		return
	}
	if ready.Has(Failed) {
		e.CloseEvent(conn, "socket error")
		return
	}
	if ready.Has(PeerClosed) {
		conn.peerClosed = true
	}
	switch conn.state {
	case stateReading:
		if ready.Has(Readable) {
			e.readEvent(conn)
		}
	case stateDraining:
		if ready.Has(Writable) {
			e.writeEvent(conn)
		}
	}
	if conn.peerClosed && conn.state != stateClosing {
		e.CloseEvent(conn, "peer closed")
	}
}

func (e *engine) readEvent(conn *Connection) {
	total := 0
	for total < len(e.buffer) {
		n, wouldBlock, err := tryRead(e.sock, conn.fd, e.buffer[total:])
		if err != nil {
			log.Warn().Msgf("[%d] got error while reading from %s: %+v", conn.fd, conn.remote, err)
			e.CloseEvent(conn, "read error")
			return
		}
		if wouldBlock {
			break
		}
		if n == 0 {
			if total > 0 && log.Debug().Enabled() {
				log.Debug().Msgf("[%d] dropping %d bytes read before eof", conn.fd, total)
			}
			e.CloseEvent(conn, "eof")
			return
		}
		total += n
	}
	if total == 0 {
		return
	}
	conn.touch(e.now())
	conn.stats.TotalReceivedBytes += uint64(total)
	e.stats.ReceivedBytes.Add(uint64(total))
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] read %d bytes from %s", conn.fd, total, conn.remote)
	}

	if !e.echo(conn, e.buffer[:total]) {
		return
	}
	if total == len(e.buffer) && conn.state == stateReading {
		// The bounded chunk may have left input queued in the socket.
		// Re-arming makes the poller report it again on the next wait.
		if err := e.poller.Modify(conn.fd, conn.interest); err != nil {
			log.Error().Msgf("[%d] got error while re-arming read interest: %+v", conn.fd, err)
			e.CloseEvent(conn, "re-arm failed")
		}
	}
}

// echo writes data back and switches to Draining when the socket pushes back.
// It reports whether the connection is still open.
func (e *engine) echo(conn *Connection, data []byte) bool {
	sent, err := tryWrite(e.sock, conn.fd, data)
	e.countSent(conn, sent)
	if err != nil {
		log.Warn().Msgf("[%d] got error while writing to %s: %+v", conn.fd, conn.remote, err)
		e.CloseEvent(conn, "write error")
		return false
	}
	if sent == len(data) {
		return true
	}
	conn.setPending(data[sent:])
	conn.state = stateDraining
	e.stats.Drains.Inc()
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] wrote %d of %d bytes, draining", conn.fd, sent, len(data))
	}
	return e.setInterest(conn, drainInterest)
}

func (e *engine) writeEvent(conn *Connection) {
	sent, err := tryWrite(e.sock, conn.fd, conn.pendingBytes())
	conn.advance(sent)
	e.stats.SentBytes.Add(uint64(sent))
	if err != nil {
		log.Warn().Msgf("[%d] got error while draining to %s: %+v", conn.fd, conn.remote, err)
		e.CloseEvent(conn, "write error")
		return
	}
	if sent > 0 {
		conn.touch(e.now())
	}
	if conn.hasPending() {
		return
	}
	conn.clearPending()
	conn.state = stateReading
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] drained, back to reading", conn.fd)
	}
	e.setInterest(conn, readInterest)
}

func (e *engine) setInterest(conn *Connection, interest Interest) bool {
	if err := e.poller.Modify(conn.fd, interest); err != nil {
		log.Error().Msgf("[%d] got error while switching interest to %s: %+v", conn.fd, interest, err)
		e.CloseEvent(conn, "modify failed")
		return false
	}
	conn.interest = interest
	return true
}

func (e *engine) countSent(conn *Connection, n int) {
	if n <= 0 {
		return
	}
	conn.stats.TotalSentBytes += uint64(n)
	e.stats.SentBytes.Add(uint64(n))
}

func (e *engine) CloseEvent(conn *Connection, reason string) {
	if conn.state == stateClosing {
		return
	}
	conn.state = stateClosing
	conn.clearPending()
	if err := e.poller.Unregister(conn.fd); err != nil {
		log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", conn.fd, err)
	}
	if err := e.sock.Close(conn.fd); err != nil {
		log.Error().Msgf("[%d] error occurs while closing connection: %v", conn.fd, err)
	}
	e.table.Remove(conn.fd)
	e.stats.Active.Dec()
	e.stats.Closed.Inc()
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] closed connection %s (%s): %s, received: %d sent: %d",
			conn.fd, conn.id, conn.remote, reason, conn.stats.TotalReceivedBytes, conn.stats.TotalSentBytes)
	}
}
