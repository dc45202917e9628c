package echoloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// socketOptions are applied to every accepted fd. SO_RCVBUF is not among
// them, it only takes full effect on the listening socket.
type socketOptions struct {
	sndBuf  int
	noDelay bool
}

func newSocketOptions(config ConnectionConfig) socketOptions {
	return socketOptions{
		sndBuf:  config.SocketSndBuf,
		noDelay: config.NoDelay,
	}
}

// apply prepares an accepted descriptor for the event loop. Only a failure to
// switch to non-blocking mode is returned, the rest are tuning and get logged.
func (o socketOptions) apply(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if o.sndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.sndBuf); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", fd, err)
		}
	}
	if o.noDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
		}
	}
	return nil
}
