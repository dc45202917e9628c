package echoloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// raiseOpenFilesLimit lifts the soft RLIMIT_NOFILE towards want, capped by the
// hard limit. Failures are logged, the server still runs with the old limit.
func raiseOpenFilesLimit(want uint64) {
	limit := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit); err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if limit.Cur >= want {
		return
	}
	soft := want
	if soft > limit.Max {
		log.Warn().Msgf("open files limit %d is above the hard limit %d", want, limit.Max)
		soft = limit.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: soft, Max: limit.Max}); err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return
	}
	log.Info().Msgf("open files limit raised from %d to %d", limit.Cur, soft)
}
