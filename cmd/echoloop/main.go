package main

import (
	"context"
	"echoloop"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFilePath string
	port           int
)

func init() {
	flag.StringVar(&configFilePath, "c", "", "path to configuration file (.yaml, .yml or .toml).")
	flag.IntVar(&port, "p", -1, "port to listen on, overrides the config.")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-c config] [-p port | port]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	config, err := loadConfig()
	if err != nil {
		log.Error().Msgf("can't load config: %+v", err)
		os.Exit(1)
	}
	if err = initLog(config); err != nil {
		log.Error().Msgf("can't init logger: %+v", err)
		os.Exit(1)
	}

	server, err := echoloop.NewServer(config)
	if err != nil {
		log.Error().Msgf("can't start echo server: %+v", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = server.Serve(ctx); err != nil {
		log.Error().Msgf("echo server failed: %+v", err)
		os.Exit(1)
	}
	stats := server.Stats()
	log.Info().Msgf("accepted: %d, rejected: %d, received: %d bytes, sent: %d bytes",
		stats.Accepted, stats.Rejected, stats.ReceivedBytes, stats.SentBytes)
}

func loadConfig() (*echoloop.Config, error) {
	config := echoloop.DefaultConfig()
	if configFilePath != "" {
		var err error
		if config, err = echoloop.LoadConfig(configFilePath); err != nil {
			return nil, err
		}
	}
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", flag.Arg(0))
		}
		config.Listener.Port = p
	}
	if port >= 0 {
		config.Listener.Port = port
	}
	return config, config.Validate()
}

func initLog(config *echoloop.Config) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	if config.Global.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}
