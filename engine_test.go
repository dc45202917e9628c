package echoloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testFd = 7

type modifyCall struct {
	fd       int
	interest Interest
}

type fakePoller struct {
	registered   map[int]Interest
	modifies     []modifyCall
	unregistered []int
	modifyErr    error
}

func newFakePoller() *fakePoller {
	return &fakePoller{registered: make(map[int]Interest)}
}

func (p *fakePoller) Register(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; ok {
		return &RegistrationError{Fd: fd, Err: ErrAlreadyRegistered}
	}
	p.registered[fd] = interest
	return nil
}

func (p *fakePoller) Modify(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; !ok {
		return &NotRegisteredError{Fd: fd, Op: "modify"}
	}
	if p.modifyErr != nil {
		return p.modifyErr
	}
	p.modifies = append(p.modifies, modifyCall{fd: fd, interest: interest})
	p.registered[fd] = interest
	return nil
}

func (p *fakePoller) Unregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return &NotRegisteredError{Fd: fd, Op: "unregister"}
	}
	delete(p.registered, fd)
	p.unregistered = append(p.unregistered, fd)
	return nil
}

func (p *fakePoller) Wait(time.Duration) ([]ReadinessEvent, error) {
	return nil, nil
}

func (p *fakePoller) Close() error {
	return nil
}

// fakeSocket serves queued input chunks and accepts up to writeBudget bytes
// before reporting EAGAIN. A negative budget accepts everything.
type fakeSocket struct {
	input       [][]byte
	eof         bool
	interrupts  int
	readErr     error
	writeBudget int
	writeErr    error
	written     []byte
	closed      map[int]int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{writeBudget: -1, closed: make(map[int]int)}
}

func (s *fakeSocket) feed(chunks ...string) {
	for _, chunk := range chunks {
		s.input = append(s.input, []byte(chunk))
	}
}

func (s *fakeSocket) Read(_ int, p []byte) (int, error) {
	if s.interrupts > 0 {
		s.interrupts--
		return -1, unix.EINTR
	}
	if s.readErr != nil {
		return -1, s.readErr
	}
	if len(s.input) == 0 {
		if s.eof {
			return 0, nil
		}
		return -1, unix.EAGAIN
	}
	n := copy(p, s.input[0])
	s.input[0] = s.input[0][n:]
	if len(s.input[0]) == 0 {
		s.input = s.input[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(_ int, p []byte) (int, error) {
	if s.writeErr != nil {
		return -1, s.writeErr
	}
	if s.writeBudget == 0 {
		return -1, unix.EAGAIN
	}
	n := len(p)
	if s.writeBudget > 0 {
		if n > s.writeBudget {
			n = s.writeBudget
		}
		s.writeBudget -= n
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

func (s *fakeSocket) Close(fd int) error {
	s.closed[fd]++
	return nil
}

type engineFixture struct {
	engine *engine
	poller *fakePoller
	sock   *fakeSocket
	table  *ConnTable
	stats  *Stats
	conn   *Connection
}

func newEngineFixture(t *testing.T, bufferSize int) *engineFixture {
	t.Helper()
	f := &engineFixture{
		poller: newFakePoller(),
		sock:   newFakeSocket(),
		table:  NewConnTable(1),
		stats:  &Stats{},
	}
	f.engine = newEngine(f.poller, f.table, f.sock, f.stats, bufferSize)
	f.conn = newConnection(testFd, "127.0.0.1:40000", time.Now())
	require.NoError(t, f.poller.Register(testFd, f.conn.interest))
	require.True(t, f.table.Add(f.conn))
	f.stats.Active.Inc()
	return f
}

func (f *engineFixture) assertClosed(t *testing.T) {
	t.Helper()
	assert.Equal(t, stateClosing, f.conn.state)
	assert.Equal(t, 1, f.sock.closed[testFd])
	assert.Equal(t, []int{testFd}, f.poller.unregistered)
	assert.Zero(t, f.table.Len())
	assert.Equal(t, uint64(1), f.stats.Closed.Load())
	assert.Zero(t, f.stats.Active.Load())
	assert.False(t, f.conn.hasPending())
}

func TestEngineEchoesInput(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("hello", " world")

	f.engine.HandleEvent(f.conn, Readable)

	assert.Equal(t, "hello world", string(f.sock.written))
	assert.Equal(t, stateReading, f.conn.state)
	assert.Empty(t, f.poller.modifies)
	assert.Equal(t, uint64(11), f.stats.ReceivedBytes.Load())
	assert.Equal(t, uint64(11), f.stats.SentBytes.Load())
	assert.Equal(t, uint64(11), f.conn.GetStats().TotalReceivedBytes)
	assert.Equal(t, uint64(11), f.conn.GetStats().TotalSentBytes)
	assert.Zero(t, f.sock.closed[testFd])
}

func TestEngineRetriesInterruptedRead(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.interrupts = 2
	f.sock.feed("ping")

	f.engine.HandleEvent(f.conn, Readable)

	assert.Equal(t, "ping", string(f.sock.written))
	assert.Equal(t, stateReading, f.conn.state)
}

func TestEnginePartialWriteDrains(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("hello world")
	f.sock.writeBudget = 4

	f.engine.HandleEvent(f.conn, Readable)

	assert.Equal(t, "hell", string(f.sock.written))
	assert.Equal(t, stateDraining, f.conn.state)
	assert.Equal(t, drainInterest, f.conn.Interest())
	assert.Equal(t, drainInterest, f.poller.registered[testFd])
	assert.Equal(t, "o world", string(f.conn.pendingBytes()))
	assert.Equal(t, uint64(1), f.stats.Drains.Load())

	// Input arriving while draining stays in the socket.
	f.sock.feed("more")
	f.sock.writeBudget = 3
	f.engine.HandleEvent(f.conn, Writable)
	assert.Equal(t, "hello w", string(f.sock.written))
	assert.Equal(t, stateDraining, f.conn.state)
	assert.Equal(t, "orld", string(f.conn.pendingBytes()))
	assert.Len(t, f.poller.modifies, 1)

	f.sock.writeBudget = -1
	f.engine.HandleEvent(f.conn, Writable)
	assert.Equal(t, "hello world", string(f.sock.written))
	assert.Equal(t, stateReading, f.conn.state)
	assert.Equal(t, readInterest, f.conn.Interest())
	assert.Equal(t, readInterest, f.poller.registered[testFd])
	assert.False(t, f.conn.hasPending())
	assert.Equal(t, uint64(11), f.stats.SentBytes.Load())
	assert.Equal(t, uint64(11), f.conn.GetStats().TotalSentBytes)

	f.engine.HandleEvent(f.conn, Readable)
	assert.Equal(t, "hello worldmore", string(f.sock.written))
}

func TestEngineWouldBlockOnFirstWrite(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")
	f.sock.writeBudget = 0

	f.engine.HandleEvent(f.conn, Readable)

	assert.Empty(t, f.sock.written)
	assert.Equal(t, stateDraining, f.conn.state)
	assert.Equal(t, "abc", string(f.conn.pendingBytes()))

	// A spurious writable edge with a still full socket keeps the backlog.
	f.engine.HandleEvent(f.conn, Writable)
	assert.Equal(t, stateDraining, f.conn.state)
	assert.Equal(t, "abc", string(f.conn.pendingBytes()))
}

func TestEngineBoundedReadRearms(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.sock.feed("abcdefghij")

	f.engine.HandleEvent(f.conn, Readable)
	assert.Equal(t, "abcd", string(f.sock.written))
	assert.Equal(t, []modifyCall{{fd: testFd, interest: readInterest}}, f.poller.modifies)

	f.engine.HandleEvent(f.conn, Readable)
	assert.Equal(t, "abcdefgh", string(f.sock.written))
	assert.Len(t, f.poller.modifies, 2)

	// The last short chunk empties the socket, no re-arm needed.
	f.engine.HandleEvent(f.conn, Readable)
	assert.Equal(t, "abcdefghij", string(f.sock.written))
	assert.Len(t, f.poller.modifies, 2)
	assert.Equal(t, stateReading, f.conn.state)
}

func TestEngineEOFDiscardsUnechoedBytes(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")
	f.sock.eof = true

	f.engine.HandleEvent(f.conn, Readable)

	assert.Empty(t, f.sock.written)
	f.assertClosed(t)
}

func TestEngineEOFWithoutData(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.eof = true

	f.engine.HandleEvent(f.conn, Readable|PeerClosed)

	f.assertClosed(t)
}

func TestEnginePeerClosedWhileDraining(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("0123456789")
	f.sock.writeBudget = 2
	f.engine.HandleEvent(f.conn, Readable)
	require.Equal(t, stateDraining, f.conn.state)

	// The backlog is dropped once the peer is gone.
	f.engine.HandleEvent(f.conn, PeerClosed)

	assert.Equal(t, "01", string(f.sock.written))
	f.assertClosed(t)
}

func TestEnginePeerClosedAfterFlush(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("0123456789")
	f.sock.writeBudget = 2
	f.engine.HandleEvent(f.conn, Readable)

	f.sock.writeBudget = -1
	f.engine.HandleEvent(f.conn, Writable|PeerClosed)

	assert.Equal(t, "0123456789", string(f.sock.written))
	f.assertClosed(t)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, 64)

	f.engine.CloseEvent(f.conn, "test")
	f.engine.CloseEvent(f.conn, "test again")
	f.sock.feed("late")
	f.engine.HandleEvent(f.conn, Readable|Writable|PeerClosed|Failed)

	assert.Empty(t, f.sock.written)
	f.assertClosed(t)
}

func TestEngineReadErrorCloses(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.readErr = unix.ECONNRESET

	f.engine.HandleEvent(f.conn, Readable)

	f.assertClosed(t)
}

func TestEngineWriteErrorCloses(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")
	f.sock.writeErr = unix.EPIPE

	f.engine.HandleEvent(f.conn, Readable)

	f.assertClosed(t)
}

func TestEngineDrainWriteErrorCloses(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")
	f.sock.writeBudget = 0
	f.engine.HandleEvent(f.conn, Readable)

	f.sock.writeErr = unix.ECONNRESET
	f.engine.HandleEvent(f.conn, Writable)

	f.assertClosed(t)
}

func TestEngineFailedCloses(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")

	f.engine.HandleEvent(f.conn, Readable|Failed)

	assert.Empty(t, f.sock.written)
	f.assertClosed(t)
}

func TestEngineIgnoresMismatchedReadiness(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")

	f.engine.HandleEvent(f.conn, Writable)
	assert.Empty(t, f.sock.written)
	assert.Equal(t, stateReading, f.conn.state)

	f.sock.writeBudget = 1
	f.engine.HandleEvent(f.conn, Readable)
	require.Equal(t, stateDraining, f.conn.state)
	f.sock.feed("def")
	f.engine.HandleEvent(f.conn, Readable)
	assert.Equal(t, "a", string(f.sock.written))
	assert.Len(t, f.sock.input, 1)
	assert.Zero(t, f.sock.closed[testFd])
}

func TestEngineModifyFailureCloses(t *testing.T) {
	f := newEngineFixture(t, 64)
	f.sock.feed("abc")
	f.sock.writeBudget = 1
	f.poller.modifyErr = unix.ENOMEM

	f.engine.HandleEvent(f.conn, Readable)

	f.assertClosed(t)
}

func TestEngineTouchesOnTraffic(t *testing.T) {
	f := newEngineFixture(t, 64)
	later := time.Now().Add(time.Minute)
	f.engine.now = func() time.Time { return later }
	f.sock.feed("abc")

	f.engine.HandleEvent(f.conn, Readable)

	assert.Equal(t, later, f.conn.GetStats().LastActivityTime)
}
