package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	address string
	count   int
	size    int
	timeout time.Duration
)

func init() {
	flag.StringVar(&address, "a", "127.0.0.1:2030", "address of the echo server.")
	flag.IntVar(&count, "n", 5, "number of messages to send, one connection each.")
	flag.IntVar(&size, "s", 0, "pad every message up to this many bytes.")
	flag.DurationVar(&timeout, "t", 5*time.Second, "read/write deadline per message.")
	flag.Parse()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	mismatches := 0
	for i := 0; i < count; i++ {
		conn, err := net.Dial("tcp", address)
		if err != nil {
			log.Fatal().Msgf("got error while connecting to tcp server: %+v", err)
		}
		if err = processConnection(message(i), conn); err != nil {
			log.Error().Msgf("message %d: %v", i, err)
			mismatches++
		}
	}
	log.Info().Msgf("sent %d messages, %d mismatches", count, mismatches)
	if mismatches > 0 {
		os.Exit(1)
	}
}

func message(i int) []byte {
	msg := []byte(fmt.Sprintf("Hello: %d", i))
	if pad := size - len(msg); pad > 0 {
		msg = append(msg, bytes.Repeat([]byte{'.'}, pad)...)
	}
	return msg
}

func processConnection(message []byte, conn net.Conn) error {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(message); err != nil {
		return fmt.Errorf("got error while writing to tcp server: %w", err)
	}
	echo := make([]byte, len(message))
	if _, err := io.ReadFull(conn, echo); err != nil {
		return fmt.Errorf("got error while reading data from server: %w", err)
	}
	if !bytes.Equal(message, echo) {
		return fmt.Errorf("echo mismatch: sent %q, got %q", message, echo)
	}
	return nil
}
