package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverBadger   = "badger"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config selects and configures the store driver.
type Config struct {
	Driver string `yaml:"driver"`
	// Dir holds file-backed stores (sqlite, bolt, badger).
	Dir string `yaml:"dir"`
	// DSN is the postgres connection string.
	DSN   string      `yaml:"dsn"`
	Redis RedisConfig `yaml:"redis"`
}

// Validate checks the driver is known and has what it needs.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverBolt, DriverBadger:
		if c.Dir == "" {
			return fmt.Errorf("sink.dir is required for driver %s", c.Driver)
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("sink.dsn is required for driver %s", c.Driver)
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("sink.redis.addr is required for driver %s", c.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown sink driver %q", c.Driver)
	}
	return nil
}

// Open creates a fresh store named after start. It never reuses an existing store.
func Open(ctx context.Context, cfg Config, start time.Time, logger zerolog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StoreOpenError{Driver: cfg.Driver, Name: StoreName(start), Err: err}
	}
	name := StoreName(start)

	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case DriverSQLite:
		store, err = asStore(OpenSQLite(ctx, cfg.Dir, name, logger))
	case DriverPostgres:
		store, err = asStore(OpenPostgres(ctx, cfg.DSN, name, logger))
	case DriverBolt:
		store, err = asStore(OpenBolt(cfg.Dir, name, logger))
	case DriverBadger:
		store, err = asStore(OpenBadger(cfg.Dir, name, logger))
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err = asStore(OpenRedis(ctx, client, name, logger))
		if err != nil {
			_ = client.Close()
		}
	default:
		store = NewMemoryStore(name)
	}
	return store, err
}

// asStore drops typed nil pointers so a failed open never yields a non-nil Store.
func asStore[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
