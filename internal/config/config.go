// Package config loads the gateway configuration from a YAML file laid over
// defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/chain"
	"github.com/marko911/lnpulse/internal/connmgr"
	"github.com/marko911/lnpulse/internal/correctness"
	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/internal/delivery/bus"
	"github.com/marko911/lnpulse/internal/gateway"
	"github.com/marko911/lnpulse/internal/platform/kafka"
	pnats "github.com/marko911/lnpulse/internal/platform/nats"
	"github.com/marko911/lnpulse/internal/sink"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Config is the whole gateway configuration.
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Backends []adapter.Config `yaml:"backends"`

	// Streams names the backend streams to keep open: invoices, payments,
	// channels, forwards. Empty means all of them.
	Streams []string `yaml:"streams"`

	Connection ConnectionConfig `yaml:"connection"`
	Bus        BusConfig        `yaml:"bus"`
	Guard      GuardConfig      `yaml:"guard"`

	// Chain enables the block listener when set.
	Chain *ChainConfig `yaml:"chain"`

	Cursors CursorConfig `yaml:"cursors"`
	Sinks   SinksConfig  `yaml:"sinks"`
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	HTTPAddr     string        `yaml:"http_addr"`
	WSPingPeriod time.Duration `yaml:"ws_ping_period"`

	// APIKeys maps accepted bearer keys to caller names. Empty disables
	// authentication.
	APIKeys map[string]string `yaml:"api_keys"`
}

// ConnectionConfig tunes every connection manager.
type ConnectionConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	StableAfter    time.Duration `yaml:"stable_after"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxMissedPings int           `yaml:"max_missed_pings"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
}

type BusConfig struct {
	SessionCapacity int `yaml:"session_capacity"`
}

type GuardConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ChainConfig configures the block listener and where it learns heights.
type ChainConfig struct {
	Source      string        `yaml:"source"`
	Endpoint    string        `yaml:"zmq_endpoint"`
	BlockTopic  string        `yaml:"block_topic"`
	Mempool     bool          `yaml:"mempool"`
	MaxCatchUp  uint32        `yaml:"max_catch_up"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	RPC        *chain.RPCConfig `yaml:"bitcoind"`
	TipBackend string           `yaml:"tip_backend"`
}

// CursorConfig selects the resume cursor store. Without a Redis address
// cursors are kept in memory.
type CursorConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

type SinksConfig struct {
	NATS  *NATSSinkConfig  `yaml:"nats"`
	Kafka *KafkaSinkConfig `yaml:"kafka"`

	QueueSize  int    `yaml:"queue_size"`
	MaxRetries uint64 `yaml:"max_retries"`
}

type NATSSinkConfig struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	Stream string `yaml:"stream"`
}

type KafkaSinkConfig struct {
	Brokers string            `yaml:"brokers"`
	Topic   kafka.TopicConfig `yaml:"topic"`
}

// Default returns the configuration used for any field the file omits.
func Default() *Config {
	conn := connmgr.DefaultConfig()
	guard := correctness.DefaultGuardConfig()
	fwd := sink.DefaultForwarderConfig()
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			WSPingPeriod: 54 * time.Second,
		},
		Connection: ConnectionConfig{
			InitialBackoff: conn.InitialBackoff,
			MaxBackoff:     conn.MaxBackoff,
			StableAfter:    conn.StableAfter,
			HealthInterval: conn.HealthInterval,
			MaxMissedPings: conn.MaxMissedPings,
			ConnectTimeout: conn.ConnectTimeout,
			CallTimeout:    conn.CallTimeout,
			QueueTimeout:   conn.QueueTimeout,
			MaxInFlight:    conn.MaxInFlight,
		},
		Bus:   BusConfig{SessionCapacity: bus.DefaultConfig().SessionCapacity},
		Guard: GuardConfig{TTL: guard.TTL},
		Cursors: CursorConfig{
			KeyPrefix: "lnpulse:",
		},
		Sinks: SinksConfig{
			QueueSize:  fwd.QueueSize,
			MaxRetries: fwd.MaxRetries,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document omits.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].PollInterval == 0 {
			cfg.Backends[i].PollInterval = adapter.DefaultConfig().PollInterval
		}
	}
	if cfg.Chain != nil {
		def := chain.DefaultConfig()
		if cfg.Chain.Source == "" {
			cfg.Chain.Source = def.Source
		}
		if cfg.Chain.BlockTopic == "" {
			cfg.Chain.BlockTopic = def.BlockTopic
		}
		if cfg.Chain.MaxCatchUp == 0 {
			cfg.Chain.MaxCatchUp = def.MaxCatchUp
		}
		if cfg.Chain.ReadTimeout == 0 {
			cfg.Chain.ReadTimeout = def.ReadTimeout
		}
	}
	return nil
}

// StreamKinds parses Streams.
func (c *Config) StreamKinds() ([]domain.StreamKind, error) {
	if len(c.Streams) == 0 {
		return domain.AllStreams(), nil
	}
	out := make([]domain.StreamKind, 0, len(c.Streams))
	for _, s := range c.Streams {
		k := domain.ParseStreamKind(strings.ToLower(strings.TrimSpace(s)))
		if k == 0 {
			return nil, fmt.Errorf("unknown stream %q", s)
		}
		out = append(out, k)
	}
	return out, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 && c.Chain == nil {
		return fmt.Errorf("no backends and no chain listener configured")
	}
	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %s: duplicate name", b.Name)
		}
		seen[b.Name] = true
		switch b.Variant {
		case adapter.VariantLND, adapter.VariantCLN:
			if b.Endpoint == "" {
				return fmt.Errorf("backend %s: endpoint is required", b.Name)
			}
		case adapter.VariantReplay:
		default:
			return fmt.Errorf("backend %s: unknown variant %q", b.Name, b.Variant)
		}
	}
	if _, err := c.StreamKinds(); err != nil {
		return err
	}
	if ch := c.Chain; ch != nil {
		if ch.Endpoint == "" {
			return fmt.Errorf("chain: zmq_endpoint is required")
		}
		if ch.BlockTopic != chain.TopicHashBlock && ch.BlockTopic != chain.TopicRawBlock {
			return fmt.Errorf("chain: block_topic must be %s or %s", chain.TopicHashBlock, chain.TopicRawBlock)
		}
		if ch.RPC == nil && ch.TipBackend == "" {
			return fmt.Errorf("chain: bitcoind or tip_backend is required")
		}
		if ch.TipBackend != "" && !seen[ch.TipBackend] {
			return fmt.Errorf("chain: tip_backend %q is not a configured backend", ch.TipBackend)
		}
		if seen[ch.Source] {
			return fmt.Errorf("chain: source %q clashes with a backend name", ch.Source)
		}
	}
	if k := c.Sinks.Kafka; k != nil && k.Brokers == "" {
		return fmt.Errorf("sinks.kafka: brokers is required")
	}
	return nil
}

// GatewayOptions maps the configuration onto gateway.Options. Cursor stores
// and sinks need I/O to build and are left to the caller.
func (c *Config) GatewayOptions() (gateway.Options, error) {
	streams, err := c.StreamKinds()
	if err != nil {
		return gateway.Options{}, err
	}

	conn := connmgr.DefaultConfig()
	conn.Streams = streams
	cc := c.Connection
	setDuration(&conn.InitialBackoff, cc.InitialBackoff)
	setDuration(&conn.MaxBackoff, cc.MaxBackoff)
	setDuration(&conn.StableAfter, cc.StableAfter)
	setDuration(&conn.HealthInterval, cc.HealthInterval)
	setDuration(&conn.ConnectTimeout, cc.ConnectTimeout)
	setDuration(&conn.CallTimeout, cc.CallTimeout)
	setDuration(&conn.QueueTimeout, cc.QueueTimeout)
	if cc.MaxMissedPings > 0 {
		conn.MaxMissedPings = cc.MaxMissedPings
	}
	if cc.MaxInFlight > 0 {
		conn.MaxInFlight = cc.MaxInFlight
	}

	guard := correctness.DefaultGuardConfig()
	setDuration(&guard.TTL, c.Guard.TTL)

	busCfg := bus.DefaultConfig()
	if c.Bus.SessionCapacity > 0 {
		busCfg.SessionCapacity = c.Bus.SessionCapacity
	}

	fwd := sink.DefaultForwarderConfig()
	if c.Sinks.QueueSize > 0 {
		fwd.QueueSize = c.Sinks.QueueSize
	}
	if c.Sinks.MaxRetries > 0 {
		fwd.MaxRetries = c.Sinks.MaxRetries
	}

	opts := gateway.Options{
		Backends:  append([]adapter.Config(nil), c.Backends...),
		Conn:      conn,
		Guard:     guard,
		Bus:       busCfg,
		Forwarder: fwd,
	}

	if ch := c.Chain; ch != nil {
		lc := chain.DefaultConfig()
		lc.Source = ch.Source
		lc.Endpoint = ch.Endpoint
		lc.BlockTopic = ch.BlockTopic
		lc.Mempool = ch.Mempool
		lc.MaxCatchUp = ch.MaxCatchUp
		lc.ReadTimeout = ch.ReadTimeout
		opts.Chain = &gateway.ChainOptions{
			Listener:   lc,
			RPC:        ch.RPC,
			TipBackend: ch.TipBackend,
		}
	}
	return opts, nil
}

// RedisCursorConfig returns the Redis store settings, or false when cursors
// stay in memory.
func (c *Config) RedisCursorConfig() (cursor.RedisConfig, bool) {
	if c.Cursors.RedisAddr == "" {
		return cursor.RedisConfig{}, false
	}
	return cursor.RedisConfig{
		Addr:      c.Cursors.RedisAddr,
		Password:  c.Cursors.RedisPassword,
		DB:        c.Cursors.RedisDB,
		KeyPrefix: c.Cursors.KeyPrefix,
	}, true
}

// Client returns the NATS connection settings.
func (n *NATSSinkConfig) Client() pnats.Config {
	c := pnats.DefaultConfig()
	if n.URL != "" {
		c.URL = n.URL
	}
	if n.Name != "" {
		c.Name = n.Name
	}
	return c
}

// NATSStream returns the JetStream stream the NATS sink publishes into.
func (n *NATSSinkConfig) NATSStream() pnats.StreamConfig {
	s := pnats.DefaultEventsStreamConfig()
	if n.Stream != "" {
		s.Name = n.Stream
	}
	return s
}

// KafkaTopic returns the topic the Kafka sink produces to.
func (k *KafkaSinkConfig) KafkaTopic() kafka.TopicConfig {
	t := kafka.DefaultEventsTopic()
	if k.Topic.Name != "" {
		t.Name = k.Topic.Name
	}
	if k.Topic.Partitions > 0 {
		t.Partitions = k.Topic.Partitions
	}
	if k.Topic.ReplicationFactor > 0 {
		t.ReplicationFactor = k.Topic.ReplicationFactor
	}
	if k.Topic.RetentionMs != 0 {
		t.RetentionMs = k.Topic.RetentionMs
	}
	if k.Topic.CleanupPolicy != "" {
		t.CleanupPolicy = k.Topic.CleanupPolicy
	}
	return t
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
