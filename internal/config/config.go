package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/gridsync/internal/core/charge"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/storage"
	"github.com/zeusync/gridsync/internal/core/sync"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	TransportWebsocket = "websocket"
	TransportQUIC      = "quic"
	TransportLoopback  = "loopback"

	StorageNone   = "none"
	StorageMemory = "memory"
	StorageDir    = "dir"
)

// Config is the node configuration file.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Transport   TransportConfig   `yaml:"transport"`
	Replication ReplicationConfig `yaml:"replication"`
	Charge      charge.Config     `yaml:"charge"`
	Group       GroupConfig       `yaml:"group"`
	Storage     StorageConfig     `yaml:"storage"`
}

type NodeConfig struct {
	ID uint64 `yaml:"id"`
	// Role is "authority" or "mirror".
	Role      string        `yaml:"role"`
	Authority uint64        `yaml:"authority"`
	TickRate  time.Duration `yaml:"tick_rate"`
	LogLevel  string        `yaml:"log_level"`
}

type TransportConfig struct {
	Kind string `yaml:"kind"`
	// Listen is the server address; Dial the address mirrors connect to.
	Listen           string        `yaml:"listen"`
	Dial             string        `yaml:"dial"`
	Path             string        `yaml:"path"`
	QueueSize        int           `yaml:"queue_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ReplicationConfig struct {
	Channel uint16 `yaml:"channel"`
	// ProposalRate limits proposals per mirror per second. Zero disables it.
	ProposalRate  int `yaml:"proposal_rate"`
	ProposalBurst int `yaml:"proposal_burst"`
}

type GroupConfig struct {
	TagPrefix    string        `yaml:"tag_prefix"`
	Params       []group.Param `yaml:"params"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

type StorageConfig struct {
	Kind         string                `yaml:"kind"`
	Dir          string                `yaml:"dir"`
	SaveInterval time.Duration         `yaml:"save_interval"`
	Breaker      storage.BreakerConfig `yaml:"breaker"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:        1,
			Role:      sync.RoleAuthority.String(),
			Authority: 1,
			TickRate:  time.Second / 60,
			LogLevel:  "info",
		},
		Transport: TransportConfig{
			Kind:             TransportWebsocket,
			Listen:           ":8080",
			Dial:             "ws://localhost:8080/sync",
			Path:             "/sync",
			QueueSize:        256,
			HandshakeTimeout: 10 * time.Second,
		},
		Replication: ReplicationConfig{Channel: 1},
		Charge:      charge.DefaultConfig(),
		Group: GroupConfig{
			TagPrefix:    group.DefaultTagPrefix,
			Params:       group.DefaultParams(),
			ScanInterval: time.Second,
		},
		Storage: StorageConfig{
			Kind:         StorageMemory,
			SaveInterval: time.Minute,
			Breaker:      storage.DefaultBreakerConfig(),
		},
	}
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse decodes YAML over the defaults; unknown keys are an error.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Node.ID == 0 || protocol.PeerID(c.Node.ID) == protocol.Broadcast {
		return fmt.Errorf("%w: node.id must be a non-zero unicast id", ErrInvalidConfig)
	}
	if c.Node.Role != sync.RoleAuthority.String() && c.Node.Role != sync.RoleMirror.String() {
		return fmt.Errorf("%w: node.role %q", ErrInvalidConfig, c.Node.Role)
	}
	if c.Node.Authority == 0 {
		return fmt.Errorf("%w: node.authority is required", ErrInvalidConfig)
	}
	if c.Node.TickRate <= 0 {
		return fmt.Errorf("%w: node.tick_rate must be positive", ErrInvalidConfig)
	}
	switch c.Transport.Kind {
	case TransportWebsocket, TransportQUIC, TransportLoopback:
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalidConfig, c.Transport.Kind)
	}
	if c.Transport.QueueSize <= 0 {
		return fmt.Errorf("%w: transport.queue_size must be positive", ErrInvalidConfig)
	}
	if c.Replication.ProposalRate < 0 || c.Replication.ProposalBurst < 0 {
		return fmt.Errorf("%w: replication rate limits must not be negative", ErrInvalidConfig)
	}
	if err := c.Charge.Validate(); err != nil {
		return fmt.Errorf("%w: charge: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Schema(); err != nil {
		return fmt.Errorf("%w: group: %v", ErrInvalidConfig, err)
	}
	if c.Group.ScanInterval <= 0 {
		return fmt.Errorf("%w: group.scan_interval must be positive", ErrInvalidConfig)
	}
	switch c.Storage.Kind {
	case StorageNone, StorageMemory:
	case StorageDir:
		if c.Storage.Dir == "" {
			return fmt.Errorf("%w: storage.dir is required for the dir store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage.kind %q", ErrInvalidConfig, c.Storage.Kind)
	}
	return nil
}

func (c Config) Role() sync.Role {
	if c.Node.Role == sync.RoleMirror.String() {
		return sync.RoleMirror
	}
	return sync.RoleAuthority
}

func (c Config) Schema() (group.Schema, error) {
	return group.NewSchema(c.Group.Params...)
}

func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Node.LogLevel)
}
