package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore writes each record as a hash under <name>:insert_test:<id>
// and indexes ids in a sorted set. A batch is a MULTI/EXEC pipeline;
// identities are drawn with INCR outside the transaction, so an aborted
// batch leaves gaps the same way a SQL sequence does.
type RedisStore struct {
	client   *redis.Client
	name     string
	seqKey   string
	indexKey string
	logger   zerolog.Logger
}

// OpenRedis claims the store name with SETNX on <name>:meta. If another run
// already claimed it the store is refused with ErrStoreExists.
func OpenRedis(ctx context.Context, client *redis.Client, name string, logger zerolog.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &StoreOpenError{Driver: "redis", Name: name, Err: err}
	}
	claimed, err := client.SetNX(ctx, name+":meta", time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return nil, &StoreOpenError{Driver: "redis", Name: name, Err: err}
	}
	if !claimed {
		return nil, &StoreOpenError{Driver: "redis", Name: name, Err: ErrStoreExists}
	}

	store := &RedisStore{
		client:   client,
		name:     name,
		seqKey:   fmt.Sprintf("%s:%s:seq", name, TableName),
		indexKey: fmt.Sprintf("%s:%s:ids", name, TableName),
		logger:   logger.With().Str("component", "RedisStore").Str("store", name).Logger(),
	}
	store.logger.Info().Msg("Redis store claimed")
	return store, nil
}

func (s *RedisStore) Name() string { return s.name }

func (s *RedisStore) Begin(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, txError("begin", err)
	}
	return &redisBatch{ctx: ctx, store: s, pipe: s.client.TxPipeline()}, nil
}

func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing redis store")
	return s.client.Close()
}

// Count returns the number of committed records.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.indexKey).Result()
}

func (s *RedisStore) recordKey(id int64) string {
	return fmt.Sprintf("%s:%s:%d", s.name, TableName, id)
}

type redisBatch struct {
	// ctx is the batch scope; Commit has no context of its own.
	ctx     context.Context
	store   *RedisStore
	pipe    redis.Pipeliner
	pending int
}

func (b *redisBatch) Insert(ctx context.Context, payload string) (int64, error) {
	id, err := b.store.client.Incr(ctx, b.store.seqKey).Result()
	if err != nil {
		return 0, txError("insert", err)
	}
	b.pipe.HSet(ctx, b.store.recordKey(id),
		"id", strconv.FormatInt(id, 10),
		"payload", payload,
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	b.pipe.ZAdd(ctx, b.store.indexKey, &redis.Z{Score: float64(id), Member: id})
	b.pending++
	return id, nil
}

func (b *redisBatch) Commit() error {
	if b.pending == 0 {
		return nil
	}
	_, err := b.pipe.Exec(b.ctx)
	return txError("commit", err)
}
