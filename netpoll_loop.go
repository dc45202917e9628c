//go:build linux

package echoloop

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

type EventLoopConfig struct {
	Name           string
	LockOsThread   bool
	WaitTimeout    time.Duration
	IdleTimeout    time.Duration
	ReadBufferSize int
}

// EventLoop owns one Poller and every connection registered with it. All of
// its state is touched only from the goroutine running Start.
type EventLoop struct {
	Name             string
	lockOsThread     bool
	waitTimeout      time.Duration
	idleTimeout      time.Duration
	isRunning        *atomic.Bool
	poller           Poller
	table            *ConnTable
	engine           *engine
	handler          NetEventHandler
	acceptor         *acceptor
	inbox            *handoff
	stats            *Stats
	lastHousekeeping time.Time
}

func NewEventLoop(config EventLoopConfig, poller Poller, stats *Stats) *EventLoop {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	table := NewConnTable(defEventsBufferSize)
	eng := newEngine(poller, table, sysSocketIO{}, stats, config.ReadBufferSize)
	return &EventLoop{
		Name:         config.Name,
		lockOsThread: config.LockOsThread,
		waitTimeout:  config.WaitTimeout,
		idleTimeout:  config.IdleTimeout,
		isRunning:    atomic.NewBool(true),
		poller:       poller,
		table:        table,
		engine:       eng,
		handler:      eng,
		stats:        stats,
	}
}

// ServeListener makes this loop accept on l. Accepted descriptors go to
// handoff, or are attached to this loop when handoff is nil.
func (el *EventLoop) ServeListener(l *Listener, options socketOptions, handoff func(conn newConn)) error {
	if handoff == nil {
		handoff = el.attach
	}
	if err := el.poller.Register(l.Fd(), Readable); err != nil {
		return err
	}
	el.acceptor = &acceptor{
		listener: l,
		options:  options,
		stats:    el.stats,
		handoff:  handoff,
	}
	return nil
}

// ServeInbox makes this loop adopt the connections pushed into h.
func (el *EventLoop) ServeInbox(h *handoff) error {
	if err := el.poller.Register(h.Fd(), Readable); err != nil {
		return err
	}
	el.inbox = h
	return nil
}

// Start runs the loop until Stop is called or waiting fails.
func (el *EventLoop) Start() error {
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer el.shutdown()
	el.lastHousekeeping = time.Now()
	for el.isRunning.Load() {
		events, err := el.poller.Wait(el.waitTimeout)
		if err != nil {
			log.Error().Msgf("%s: got error while waiting for the net events: %+v", el.Name, err)
			return err
		}
		for _, event := range events {
			el.dispatch(event)
		}
		el.housekeeping(time.Now())
	}
	return nil
}

// Stop is safe to call from any goroutine. The loop exits within one wait timeout.
func (el *EventLoop) Stop() {
	el.isRunning.Store(false)
}

func (el *EventLoop) dispatch(event ReadinessEvent) {
	switch {
	case el.acceptor != nil && event.Fd == el.acceptor.listener.Fd():
		n := el.acceptor.drain()
		if log.Debug().Enabled() {
			log.Debug().Msgf("%s: accepted %d connections", el.Name, n)
		}
	case el.inbox != nil && event.Fd == el.inbox.Fd():
		for _, conn := range el.inbox.drain() {
			el.attach(conn)
		}
	default:
		conn, ok := el.table.FindByFd(event.Fd)
		if !ok {
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] %s event for unknown connection", event.Fd, event.Ready)
			}
			return
		}
		el.handler.HandleEvent(conn, event.Ready)
	}
}

func (el *EventLoop) attach(nc newConn) {
	conn := newConnection(nc.fd, nc.remote, time.Now())
	if err := el.poller.Register(nc.fd, conn.interest); err != nil {
		log.Warn().Msgf("[%d] dropping connection from %s: %v", nc.fd, nc.remote, err)
		el.reject(nc)
		return
	}
	if !el.table.Add(conn) {
		log.Error().Msgf("[%d] fd is still owned by another connection", nc.fd)
		if err := el.poller.Unregister(nc.fd); err != nil {
			log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", nc.fd, err)
		}
		el.reject(nc)
		return
	}
	el.stats.Active.Inc()
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] %s: new connection %s from %s", nc.fd, el.Name, conn.id, nc.remote)
	}
}

func (el *EventLoop) reject(nc newConn) {
	if err := el.engine.sock.Close(nc.fd); err != nil {
		log.Error().Msgf("[%d] error occurs while closing rejected connection: %v", nc.fd, err)
	}
	el.stats.Rejected.Inc()
}

func (el *EventLoop) housekeeping(now time.Time) {
	if now.Sub(el.lastHousekeeping) < el.waitTimeout {
		return
	}
	el.lastHousekeeping = now
	if el.acceptor != nil && el.acceptor.backlogged {
		el.acceptor.drain()
	}
	if el.idleTimeout > 0 {
		for _, conn := range el.table.Snapshot() {
			if conn.idleFor(now) > el.idleTimeout {
				el.handler.CloseEvent(conn, "idle timeout")
			}
		}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("%s: total connections: %d", el.Name, el.table.Len())
	}
}

func (el *EventLoop) shutdown() {
	for _, conn := range el.table.Snapshot() {
		el.handler.CloseEvent(conn, "shutdown")
	}
	if el.inbox != nil {
		if err := el.poller.Unregister(el.inbox.Fd()); err != nil {
			log.Error().Msgf("%s: error occurs while detaching inbox: %v", el.Name, err)
		}
		for _, nc := range el.inbox.close() {
			el.reject(nc)
		}
	}
	if el.acceptor != nil {
		if err := el.poller.Unregister(el.acceptor.listener.Fd()); err != nil {
			log.Error().Msgf("%s: error occurs while detaching listener: %v", el.Name, err)
		}
	}
	if err := el.poller.Close(); err != nil {
		log.Error().Msgf("%s: got error while closing poller: %+v", el.Name, err)
	}
	log.Info().Msgf("%s: event loop stopped", el.Name)
}
