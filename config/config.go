// Package config loads the TOML configuration of a swarmchat client and of
// the storage node it can serve.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLogLevel  = "INFO"
	DefaultLogFormat = "text"

	DefaultPaddingBlockSize = 160
	DefaultRotationAttempts = 64
	DefaultDedupCacheSize   = 4096
	DefaultPollInterval     = 5 * 1000 // 5 sec.

	DefaultMaxRetries      = 5
	DefaultInitialInterval = 1000      // 1 sec.
	DefaultMaxInterval     = 60 * 1000 // 60 sec.

	// DataFile is the name of the bbolt database inside DataDir.
	DataFile = "swarmchat.db"
)

// Node kinds.
const (
	NodeMemory = "memory"
	NodeRedis  = "redis"
	NodeSecure = "secure"
)

// Logging is the logging configuration.
type Logging struct {
	// Level is one of ERROR, WARNING, INFO, DEBUG or TRACE.
	Level string

	// Format is "text" or "json".
	Format string

	// File specifies the log file, if omitted stderr will be used.
	File string
}

func (l *Logging) validate() error {
	l.Level = strings.ToUpper(l.Level)
	switch l.Level {
	case "ERROR", "WARNING", "INFO", "DEBUG", "TRACE":
	case "":
		l.Level = DefaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Format = strings.ToLower(l.Format)
	switch l.Format {
	case "text", "json":
	case "":
		l.Format = DefaultLogFormat
	default:
		return fmt.Errorf("config: Logging: Format '%v' is invalid", l.Format)
	}
	return nil
}

// Apply configures the standard logrus logger. The returned file, if any,
// must be closed by the caller.
func (l *Logging) Apply() (*os.File, error) {
	level, err := logrus.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return nil, fmt.Errorf("config: Logging: %w", err)
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if l.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("config: Logging: %w", err)
	}
	logrus.SetOutput(f)
	return f, nil
}

// Node is one storage node of the swarm.
type Node struct {
	// Name identifies the node in logs and metrics.
	Name string

	// Kind is "memory", "redis" or "secure".
	Kind string

	// Address is the redis address or the host:port of a secure node.
	Address string

	// PublicKey is the hex encoded X25519 static key of a secure node.
	PublicKey string
}

// PublicKeyBytes decodes PublicKey.
func (n *Node) PublicKeyBytes() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(n.PublicKey)
	if err != nil {
		return key, err
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("public key is %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func (n *Node) validate(i int) error {
	if n.Name == "" {
		n.Name = fmt.Sprintf("node-%d", i)
	}
	switch n.Kind {
	case NodeMemory:
	case NodeRedis:
		if n.Address == "" {
			return fmt.Errorf("config: Swarm: node %s: Address is not set", n.Name)
		}
	case NodeSecure:
		if n.Address == "" {
			return fmt.Errorf("config: Swarm: node %s: Address is not set", n.Name)
		}
		if _, err := n.PublicKeyBytes(); err != nil {
			return fmt.Errorf("config: Swarm: node %s: PublicKey: %v", n.Name, err)
		}
	default:
		return fmt.Errorf("config: Swarm: node %s: Kind '%v' is invalid", n.Name, n.Kind)
	}
	return nil
}

// Swarm is the set of storage nodes messages are published to.
type Swarm struct {
	Nodes []*Node

	// MessageTTL overrides the default message lifetime in seconds.
	MessageTTL int
}

// Sender configures message dispatch.
type Sender struct {
	PaddingBlockSize int
	RotationAttempts int
}

// Receiver configures message receipt.
type Receiver struct {
	DedupCacheSize int

	// PollInterval is the time between polls in milliseconds.
	PollInterval int
}

// Queue configures the retry schedule of durable jobs. Intervals are in
// milliseconds.
type Queue struct {
	MaxRetries      int
	InitialInterval int
	MaxInterval     int
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	// Address is the listen address of the /metrics handler. Empty disables it.
	Address string
}

// Server configures the storage node served by "swarmchat serve".
type Server struct {
	// Address is the listen address of the Noise secured node.
	Address string

	// Backend is "memory" or "redis".
	Backend string

	// RedisAddress is used with the redis backend.
	RedisAddress string
}

// Config is the top level configuration.
type Config struct {
	// DataDir is the directory holding the client database.
	DataDir string

	Logging  *Logging
	Swarm    *Swarm
	Sender   *Sender
	Receiver *Receiver
	Queue    *Queue
	Metrics  *Metrics
	Server   *Server
}

// DatabasePath returns the path of the client database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DataFile)
}

// MessageTTL returns the configured message lifetime, zero for the default.
func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.Swarm.MessageTTL) * time.Second
}

// PollInterval returns the time between receiver polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Receiver.PollInterval) * time.Millisecond
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	dir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: DataDir: %w", err)
	}
	c.DataDir = dir

	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Swarm == nil {
		c.Swarm = &Swarm{}
	}
	if len(c.Swarm.Nodes) == 0 {
		c.Swarm.Nodes = []*Node{{Name: "local", Kind: NodeMemory}}
	}
	names := make(map[string]struct{}, len(c.Swarm.Nodes))
	for i, n := range c.Swarm.Nodes {
		if n == nil {
			return fmt.Errorf("config: Swarm: node %d is empty", i)
		}
		if err := n.validate(i); err != nil {
			return err
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("config: Swarm: node name '%v' is used twice", n.Name)
		}
		names[n.Name] = struct{}{}
	}
	if c.Swarm.MessageTTL < 0 {
		return fmt.Errorf("config: Swarm: MessageTTL %d is negative", c.Swarm.MessageTTL)
	}

	if c.Sender == nil {
		c.Sender = &Sender{}
	}
	if c.Sender.PaddingBlockSize <= 0 {
		c.Sender.PaddingBlockSize = DefaultPaddingBlockSize
	}
	if c.Sender.RotationAttempts <= 0 {
		c.Sender.RotationAttempts = DefaultRotationAttempts
	}

	if c.Receiver == nil {
		c.Receiver = &Receiver{}
	}
	if c.Receiver.DedupCacheSize <= 0 {
		c.Receiver.DedupCacheSize = DefaultDedupCacheSize
	}
	if c.Receiver.PollInterval <= 0 {
		c.Receiver.PollInterval = DefaultPollInterval
	}

	if c.Queue == nil {
		c.Queue = &Queue{MaxRetries: DefaultMaxRetries}
	}
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = 0
	}
	if c.Queue.InitialInterval <= 0 {
		c.Queue.InitialInterval = DefaultInitialInterval
	}
	if c.Queue.MaxInterval <= 0 {
		c.Queue.MaxInterval = DefaultMaxInterval
	}
	if c.Queue.MaxInterval < c.Queue.InitialInterval {
		return errors.New("config: Queue: MaxInterval is shorter than InitialInterval")
	}

	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	if c.Server != nil {
		if c.Server.Address == "" {
			return errors.New("config: Server: Address is not set")
		}
		switch c.Server.Backend {
		case "", NodeMemory:
			c.Server.Backend = NodeMemory
		case NodeRedis:
			if c.Server.RedisAddress == "" {
				return errors.New("config: Server: RedisAddress is not set")
			}
		default:
			return fmt.Errorf("config: Server: Backend '%v' is invalid", c.Server.Backend)
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated configuration rooted at dataDir.
func Default(dataDir string) (*Config, error) {
	cfg := &Config{DataDir: dataDir}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
