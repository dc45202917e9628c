//go:build linux

package echoloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrServerAlreadyRunning = errors.New("server already running")

// Server assembles the listener and the event loops described by a Config.
// With one worker the accept loop serves connections itself. With more, it
// only accepts and hands each descriptor to a worker loop.
type Server struct {
	config     *Config
	listener   *Listener
	acceptLoop *EventLoop
	workers    []*EventLoop
	inboxes    []*handoff
	stats      *Stats
	// seq is touched only by the accept loop goroutine.
	seq     uint64
	started *atomic.Bool
	lock    sync.Mutex
	closed  bool
	cancel  context.CancelFunc
}

func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	edgeTriggered, _ := config.edgeTriggered()
	if config.Global.MaxOpenFiles > 0 {
		raiseOpenFilesLimit(config.Global.MaxOpenFiles)
	}

	listenerConfig := config.Listener
	listenerConfig.SocketRcvBuf = config.Connection.SocketRcvBuf
	listener, err := Listen(listenerConfig)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		listener: listener,
		stats:    &Stats{},
		started:  atomic.NewBool(false),
	}
	if err = s.build(edgeTriggered); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(edgeTriggered bool) error {
	pollerConfig := PollerConfig{
		EventBufferSize: s.config.Loop.EventBufferSize,
		EdgeTriggered:   edgeTriggered,
	}
	if s.config.Connection.MaxConnections > 0 {
		// One slot is taken by the listener or the inbox eventfd.
		pollerConfig.MaxRegistrations = s.config.Connection.MaxConnections + 1
	}
	options := newSocketOptions(s.config.Connection)

	poller, err := OpenPoller(pollerConfig)
	if err != nil {
		return setupError("epoll_create", err)
	}
	s.acceptLoop = NewEventLoop(s.loopConfig("AcceptLoop"), poller, s.stats)

	if s.config.Loop.Workers <= 1 {
		if err = s.acceptLoop.ServeListener(s.listener, options, nil); err != nil {
			return setupError("register listener", err)
		}
		return nil
	}

	for i := 0; i < s.config.Loop.Workers; i++ {
		poller, err := OpenPoller(pollerConfig)
		if err != nil {
			return setupError("epoll_create", err)
		}
		worker := NewEventLoop(s.loopConfig(fmt.Sprintf("Worker-%d", i)), poller, s.stats)
		s.workers = append(s.workers, worker)
		inbox, err := newHandoff()
		if err != nil {
			return setupError("eventfd", err)
		}
		s.inboxes = append(s.inboxes, inbox)
		if err = worker.ServeInbox(inbox); err != nil {
			return setupError("register inbox", err)
		}
	}
	if err = s.acceptLoop.ServeListener(s.listener, options, s.distribute); err != nil {
		return setupError("register listener", err)
	}
	return nil
}

func (s *Server) loopConfig(name string) EventLoopConfig {
	return EventLoopConfig{
		Name:           name,
		LockOsThread:   s.config.Loop.LockOsThread,
		WaitTimeout:    time.Duration(s.config.Loop.WaitTimeoutMs) * time.Millisecond,
		IdleTimeout:    time.Duration(s.config.Connection.IdleTimeoutSec) * time.Second,
		ReadBufferSize: s.config.Connection.ReadBufferSize,
	}
}

// distribute runs on the accept loop and picks the worker owning a new fd.
func (s *Server) distribute(conn newConn) {
	worker := JumpHash(s.seq, len(s.inboxes))
	s.seq++
	if err := s.inboxes[worker].push(conn); err != nil {
		log.Warn().Msgf("[%d] can't hand connection from %s to worker %d: %v", conn.fd, conn.remote, worker, err)
		if err := unix.Close(conn.fd); err != nil {
			log.Error().Msgf("[%d] error occurs while closing connection: %v", conn.fd, err)
		}
		s.stats.Rejected.Inc()
	}
}

func (s *Server) loops() []*EventLoop {
	return append([]*EventLoop{s.acceptLoop}, s.workers...)
}

// Serve runs every loop until ctx is done, Close is called or a loop fails.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CAS(false, true) {
		if s.isClosed() {
			return nil
		}
		return ErrServerAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.lock.Lock()
	s.cancel = cancel
	closed := s.closed
	s.lock.Unlock()
	if closed {
		cancel()
	}

	loops := s.loops()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		group.Go(loop.Start)
	}
	group.Go(func() error {
		<-groupCtx.Done()
		for _, loop := range loops {
			loop.Stop()
		}
		return nil
	})
	log.Info().Msgf("echo server listening on %s (%s-triggered, %d loop(s))",
		s.Addr(), s.config.Loop.TriggerMode, len(loops))

	err := group.Wait()
	if cerr := s.listener.Close(); cerr != nil {
		log.Error().Msgf("got error while closing listener: %+v", cerr)
	}
	log.Info().Msg("echo server stopped")
	return err
}

// Close stops a running server, or releases the resources of one that was
// never served. Serve called after Close returns nil at once.
func (s *Server) Close() {
	s.lock.Lock()
	s.closed = true
	cancel := s.cancel
	s.lock.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	if s.started.CAS(false, true) {
		s.release()
	}
}

// release frees everything built so far, the loops must not be running.
func (s *Server) release() {
	for _, inbox := range s.inboxes {
		for _, conn := range inbox.close() {
			unix.Close(conn.fd)
		}
	}
	for _, loop := range s.loops() {
		if loop == nil {
			continue
		}
		if err := loop.poller.Close(); err != nil {
			log.Error().Msgf("%s: got error while closing poller: %+v", loop.Name, err)
		}
	}
	if err := s.listener.Close(); err != nil {
		log.Error().Msgf("got error while closing listener: %+v", err)
	}
}

func (s *Server) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Server) Addr() string {
	return s.listener.Addr()
}

func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}
