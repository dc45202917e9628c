package echoloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketIO is the raw descriptor surface the engine drives. Tests swap it out.
type socketIO interface {
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
}

type sysSocketIO struct{}

func (sysSocketIO) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (sysSocketIO) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (sysSocketIO) Close(fd int) error {
	return unix.Close(fd)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// tryRead performs one read. n == 0 with wouldBlock false and a nil error
// is an orderly close by the peer.
func tryRead(sock socketIO, fd int, p []byte) (n int, wouldBlock bool, err error) {
	for {
		n, err = sock.Read(fd, p)
		switch {
		case err == nil:
			return n, false, nil
		case errors.Is(err, unix.EINTR):
			continue
		case isWouldBlock(err):
			return 0, true, nil
		default:
			return 0, false, err
		}
	}
}

// tryWrite writes p until it is fully accepted or the socket would block.
func tryWrite(sock socketIO, fd int, p []byte) (sent int, err error) {
	for sent < len(p) {
		n, err := sock.Write(fd, p[sent:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if isWouldBlock(err) {
				return sent, nil
			}
			return sent, err
		}
		if n <= 0 {
			return sent, nil
		}
		sent += n
	}
	return sent, nil
}
