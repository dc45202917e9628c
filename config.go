package echoloop

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

const (
	TriggerEdge  = "edge"
	TriggerLevel = "level"
)

type Global struct {
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
	// MaxOpenFiles raises RLIMIT_NOFILE at startup when set.
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
}

type ListenerConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
	Backlog int    `yaml:"backlog" toml:"backlog"`
	// SocketRcvBuf is set on the listening socket so accepted connections
	// inherit it before the handshake fixes the window scale. NewServer
	// fills it from ConnectionConfig.SocketRcvBuf.
	SocketRcvBuf int `yaml:"-" toml:"-"`
}

type LoopConfig struct {
	TriggerMode     string `yaml:"trigger_mode" toml:"trigger_mode"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	WaitTimeoutMs   int    `yaml:"wait_timeout_ms" toml:"wait_timeout_ms"`
	LockOsThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	Workers         int    `yaml:"workers" toml:"workers"`
}

type ConnectionConfig struct {
	ReadBufferSize int  `yaml:"read_buffer_size" toml:"read_buffer_size"`
	SocketRcvBuf   int  `yaml:"socket_rcv_buf" toml:"socket_rcv_buf"`
	SocketSndBuf   int  `yaml:"socket_snd_buf" toml:"socket_snd_buf"`
	NoDelay        bool `yaml:"no_delay" toml:"no_delay"`
	// MaxConnections is enforced per event loop, 0 means unlimited.
	MaxConnections int `yaml:"max_connections" toml:"max_connections"`
	IdleTimeoutSec int `yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
}

type Config struct {
	Global     Global           `yaml:"global" toml:"global"`
	Listener   ListenerConfig   `yaml:"listener" toml:"listener"`
	Loop       LoopConfig       `yaml:"loop" toml:"loop"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
}

func DefaultConfig() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	config := &Config{}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		err = toml.Unmarshal(file, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, config)
	default:
		return nil, errors.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", filePath)
	}
	config.applyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.LogFormat == "" {
		c.Global.LogFormat = "json"
	}
	if c.Listener.Address == "" {
		c.Listener.Address = "0.0.0.0"
	}
	if c.Listener.Backlog == 0 {
		c.Listener.Backlog = unix.SOMAXCONN
	}
	if c.Loop.TriggerMode == "" {
		c.Loop.TriggerMode = TriggerEdge
	}
	if c.Loop.EventBufferSize == 0 {
		c.Loop.EventBufferSize = 1024
	}
	if c.Loop.WaitTimeoutMs == 0 {
		c.Loop.WaitTimeoutMs = 500
	}
	if c.Loop.Workers == 0 {
		c.Loop.Workers = 1
	}
	if c.Connection.ReadBufferSize == 0 {
		c.Connection.ReadBufferSize = 1024
	}
}

func (c *Config) Validate() error {
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return errors.Errorf("invalid listener port: %d", c.Listener.Port)
	}
	if c.Listener.Backlog < 0 {
		return errors.Errorf("invalid listener backlog: %d", c.Listener.Backlog)
	}
	if _, err := c.edgeTriggered(); err != nil {
		return err
	}
	if c.Loop.WaitTimeoutMs < 0 {
		return errors.Errorf("invalid wait timeout: %dms", c.Loop.WaitTimeoutMs)
	}
	if c.Loop.Workers < 0 {
		return errors.Errorf("invalid workers count: %d", c.Loop.Workers)
	}
	if c.Connection.ReadBufferSize < 0 {
		return errors.Errorf("invalid read buffer size: %d", c.Connection.ReadBufferSize)
	}
	if c.Connection.MaxConnections < 0 || c.Connection.IdleTimeoutSec < 0 {
		return errors.Errorf("connection limits must not be negative")
	}
	switch c.Global.LogFormat {
	case "json", "console":
	default:
		return errors.Errorf("unknown log format: %s", c.Global.LogFormat)
	}
	return nil
}

func (c *Config) edgeTriggered() (bool, error) {
	switch c.Loop.TriggerMode {
	case TriggerEdge:
		return true, nil
	case TriggerLevel:
		return false, nil
	}
	return false, errors.Wrap(errUnknownTrigger, c.Loop.TriggerMode)
}
