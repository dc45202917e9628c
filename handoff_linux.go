//go:build linux

package echoloop

import (
	"os"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// handoff carries accepted descriptors from the accept loop to one worker
// loop. The queue is the only state the two goroutines share. The eventfd
// wakes the worker through its own poller.
type handoff struct {
	efd    int
	lock   sync.Mutex
	queue  *queue.Queue
	closed bool
}

func newHandoff() (*handoff, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &handoff{
		efd:   efd,
		queue: queue.New(),
	}, nil
}

func (h *handoff) Fd() int {
	return h.efd
}

func (h *handoff) push(conn newConn) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return errHandoffClosed
	}
	h.queue.Add(conn)
	// A saturated counter already guarantees a wakeup.
	one := [8]byte{1}
	if _, err := unix.Write(h.efd, one[:]); err != nil && !isWouldBlock(err) {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

// drain resets the eventfd and returns every queued connection in push order.
func (h *handoff) drain() []newConn {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil
	}
	var counter [8]byte
	for {
		n, wouldBlock, err := tryRead(sysSocketIO{}, h.efd, counter[:])
		if n == 0 || wouldBlock || err != nil {
			break
		}
	}
	return h.takeAll()
}

// close refuses further pushes, releases the eventfd and returns what was
// still queued.
func (h *handoff) close() []newConn {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	unix.Close(h.efd)
	return h.takeAll()
}

func (h *handoff) takeAll() []newConn {
	conns := make([]newConn, 0, h.queue.Length())
	for h.queue.Length() > 0 {
		conns = append(conns, h.queue.Remove().(newConn))
	}
	return conns
}
