//go:build linux

package echoloop

import (
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// LinuxPoller is a Poller backed by epoll.
type LinuxPoller struct {
	fd               int
	edgeTriggered    bool
	maxRegistrations int
	registered       map[int]Interest
	events           []unix.EpollEvent
	ready            []ReadinessEvent
}

func OpenPoller(config PollerConfig) (*LinuxPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	bufferSize := int(math.Max(float64(config.EventBufferSize), defEventsBufferSize))
	return &LinuxPoller{
		fd:               fd,
		edgeTriggered:    config.EdgeTriggered,
		maxRegistrations: config.MaxRegistrations,
		registered:       make(map[int]Interest),
		events:           make([]unix.EpollEvent, bufferSize),
		ready:            make([]ReadinessEvent, 0, bufferSize),
	}, nil
}

func (p *LinuxPoller) Register(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; ok {
		return &RegistrationError{Fd: fd, Err: ErrAlreadyRegistered}
	}
	if p.maxRegistrations > 0 && len(p.registered) >= p.maxRegistrations {
		return &RegistrationError{Fd: fd, Err: ErrRegistrationLimit}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] add %s epoll", fd, interest)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: p.epollEvents(interest)})
	if err != nil {
		return &RegistrationError{Fd: fd, Err: os.NewSyscallError("epoll_ctl add", err)}
	}
	p.registered[fd] = interest
	return nil
}

func (p *LinuxPoller) Modify(fd int, interest Interest) error {
	if _, ok := p.registered[fd]; !ok {
		return &NotRegisteredError{Fd: fd, Op: "modify"}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] mod %s epoll", fd, interest)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: p.epollEvents(interest)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.registered[fd] = interest
	return nil
}

func (p *LinuxPoller) Unregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return &NotRegisteredError{Fd: fd, Op: "unregister"}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] delete epoll", fd)
	}
	delete(p.registered, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *LinuxPoller) Wait(timeout time.Duration) ([]ReadinessEvent, error) {
	p.ready = p.ready[:0]
	evCount, err := unix.EpollWait(p.fd, p.events, waitMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return p.ready, nil
		}
		return p.ready, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		p.ready = append(p.ready, ReadinessEvent{Fd: int(event.Fd), Ready: parseEvents(event.Events)})
	}
	return p.ready, nil
}

func (p *LinuxPoller) Close() error {
	p.registered = nil
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *LinuxPoller) epollEvents(interest Interest) uint32 {
	var events uint32
	if interest.Has(Readable) {
		events |= unix.EPOLLIN
	}
	if interest.Has(Writable) {
		events |= unix.EPOLLOUT
	}
	if interest.Has(PeerClosed) {
		events |= unix.EPOLLRDHUP
	}
	if p.edgeTriggered {
		events |= unix.EPOLLET
	}
	return events
}

func parseEvents(events uint32) Interest {
	var ready Interest
	if events&unix.EPOLLIN != 0 {
		ready |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= Writable
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		ready |= PeerClosed
	}
	if events&unix.EPOLLERR != 0 {
		ready |= Failed
	}
	return ready
}
