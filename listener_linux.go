//go:build linux

package echoloop

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// maxAcceptFailures bounds the hard accept errors tolerated in one drain.
const maxAcceptFailures = 8

// Listener is a bound, listening, non-blocking TCP socket.
type Listener struct {
	fd      int
	host    string
	port    int
	backlog int
}

func Listen(config ListenerConfig) (*Listener, error) {
	ip := net.ParseIP(config.Address)
	if ip == nil {
		return nil, setupError("resolve", errors.Errorf("invalid listen address %q", config.Address))
	}
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		addr := &unix.SockaddrInet4{Port: config.Port}
		copy(addr.Addr[:], ip4)
		sa = addr
	} else {
		domain = unix.AF_INET6
		addr := &unix.SockaddrInet6{Port: config.Port}
		copy(addr.Addr[:], ip.To16())
		sa = addr
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, setupError("socket", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, setupError("setsockopt", err)
	}
	if config.SocketRcvBuf > 0 {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.SocketRcvBuf); err != nil {
			unix.Close(fd)
			return nil, setupError("setsockopt", err)
		}
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, setupError("bind", err)
	}
	if err = unix.Listen(fd, config.Backlog); err != nil {
		unix.Close(fd)
		return nil, setupError("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, setupError("getsockname", err)
	}
	_, port := sockaddrHostPort(bound)
	return &Listener{
		fd:      fd,
		host:    ip.String(),
		port:    port,
		backlog: config.Backlog,
	}, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

func (l *Listener) Port() int {
	return l.port
}

func (l *Listener) Addr() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

func sockaddrHostPort(sa unix.Sockaddr) (string, int) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String(), addr.Port
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String(), addr.Port
	}
	return "", 0
}

func remoteString(sa unix.Sockaddr) string {
	host, port := sockaddrHostPort(sa)
	if host == "" {
		return "unknown"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// acceptor drains the listen backlog and hands every new fd to its owner loop.
type acceptor struct {
	listener   *Listener
	options    socketOptions
	stats      *Stats
	handoff    func(conn newConn)
	backlogged bool
}

// drain accepts until the kernel reports an empty backlog. It returns the
// number of connections handed off.
func (a *acceptor) drain() int {
	a.backlogged = false
	accepted, failures := 0, 0
	for {
		fd, sa, err := unix.Accept4(a.listener.fd, unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case isWouldBlock(err):
				return accepted
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			}
			a.stats.AcceptErrors.Inc()
			log.Error().Msgf("got error while accepting connection: %+v", err)
			failures++
			if failures >= maxAcceptFailures {
				// Retried on the next housekeeping tick.
				a.backlogged = true
				return accepted
			}
			continue
		}
		if err = a.options.apply(fd); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options O_NONBLOCK: %+v", fd, err)
			unix.Close(fd)
			a.stats.Rejected.Inc()
			continue
		}
		a.stats.Accepted.Inc()
		accepted++
		a.handoff(newConn{fd: fd, remote: remoteString(sa)})
	}
}
