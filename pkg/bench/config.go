package bench

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/aggregator"
	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/sink"
	"gopkg.in/yaml.v3"
)

// Payload generation modes.
const (
	PayloadStatic   = "static"
	PayloadSequence = "sequence"
)

// Config is the full run configuration. Everything is fixed for the run.
type Config struct {
	Producers        int               `yaml:"producers"`
	ProducerInterval time.Duration     `yaml:"producer_interval"`
	FlushInterval    time.Duration     `yaml:"flush_interval"`
	Duration         time.Duration     `yaml:"duration"`
	Grace            time.Duration     `yaml:"grace"`
	ChannelCapacity  int               `yaml:"channel_capacity"`
	Payload          int               `yaml:"payload"`
	PayloadMode      string            `yaml:"payload_mode"`
	Aggregator       aggregator.Config `yaml:"aggregator"`
	Sink             sink.Config       `yaml:"sink"`
	Metrics          MetricsConfig     `yaml:"metrics"`
}

// MetricsConfig controls the optional /metrics endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the reference run: 49 producers every 100ms, a
// commit every second, ten seconds of load and a 100ms drain.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

// LoadConfig reads a YAML file, fills unset fields with defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides sink settings from SINKBENCH_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SINKBENCH_DRIVER"); v != "" {
		c.Sink.Driver = v
	}
	if v := os.Getenv("SINKBENCH_DIR"); v != "" {
		c.Sink.Dir = v
	}
	if v := os.Getenv("SINKBENCH_DSN"); v != "" {
		c.Sink.DSN = v
	}
	if v := os.Getenv("SINKBENCH_REDIS_ADDR"); v != "" {
		c.Sink.Redis.Addr = v
	}
	if v := os.Getenv("SINKBENCH_PRODUCERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SINKBENCH_PRODUCERS: %w", err)
		}
		c.Producers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Producers == 0 {
		c.Producers = 49
	}
	if c.ProducerInterval == 0 {
		c.ProducerInterval = 100 * time.Millisecond
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.Duration == 0 {
		c.Duration = 10 * time.Second
	}
	if c.Grace == 0 {
		c.Grace = 100 * time.Millisecond
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = commandbus.DefaultCapacity
	}
	if c.Payload == 0 {
		c.Payload = 299
	}
	if c.PayloadMode == "" {
		c.PayloadMode = PayloadStatic
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = sink.DriverSQLite
	}
	if c.Sink.Dir == "" {
		c.Sink.Dir = "."
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Producers < 0 {
		return fmt.Errorf("producers must not be negative, got %d", c.Producers)
	}
	if c.ProducerInterval <= 0 {
		return fmt.Errorf("producer_interval must be positive, got %s", c.ProducerInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.Grace < 0 {
		return fmt.Errorf("grace must not be negative, got %s", c.Grace)
	}
	if c.ChannelCapacity <= 0 {
		return fmt.Errorf("channel_capacity must be positive, got %d", c.ChannelCapacity)
	}
	if c.PayloadMode != PayloadStatic && c.PayloadMode != PayloadSequence {
		return fmt.Errorf("unknown payload_mode %q", c.PayloadMode)
	}
	if c.Aggregator.MaxBatchSize < 0 {
		return fmt.Errorf("aggregator.max_batch_size must not be negative, got %d", c.Aggregator.MaxBatchSize)
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}
	return nil
}

// Expected is the theoretical sample count: every producer ticking for the whole run.
func (c *Config) Expected() int {
	return c.Producers * int(c.Duration/c.ProducerInterval)
}
