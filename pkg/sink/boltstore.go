package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps records in a bbolt bucket, one read-write transaction per batch.
// Identities come from the bucket sequence, so they are dense and ordered.
type BoltStore struct {
	db     *bolt.DB
	name   string
	bucket []byte
	logger zerolog.Logger
}

// OpenBolt creates <dir>/<name>.bolt; an existing file yields ErrStoreExists.
func OpenBolt(dir, name string, logger zerolog.Logger) (*BoltStore, error) {
	path := filepath.Join(dir, name+".bolt")
	if err := reserveFile(path); err != nil {
		return nil, &StoreOpenError{Driver: "bolt", Name: path, Err: err}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &StoreOpenError{Driver: "bolt", Name: path, Err: err}
	}

	store := &BoltStore{
		db:     db,
		name:   path,
		bucket: []byte(TableName),
		logger: logger.With().Str("component", "BoltStore").Str("store", path).Logger(),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket(store.bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, &StoreOpenError{Driver: "bolt", Name: path, Err: err}
	}
	store.logger.Info().Msg("Bolt store created")
	return store, nil
}

func (s *BoltStore) Name() string { return s.name }

func (s *BoltStore) Begin(_ context.Context) (Batch, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, txError("begin", err)
	}
	b := tx.Bucket(s.bucket)
	if b == nil {
		_ = tx.Rollback()
		return nil, txError("begin", fmt.Errorf("bucket %s missing", s.bucket))
	}
	return &boltBatch{tx: tx, bucket: b}, nil
}

func (s *BoltStore) Close() error {
	s.logger.Info().Msg("Closing bolt store")
	return s.db.Close()
}

// Count returns the number of committed records.
func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

type boltBatch struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

func (b *boltBatch) Insert(_ context.Context, payload string) (int64, error) {
	seq, err := b.bucket.NextSequence()
	if err != nil {
		return 0, txError("insert", err)
	}
	id := int64(seq)
	val, err := msgpack.Marshal(&types.Record{ID: id, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		return 0, txError("insert", err)
	}
	if err := b.bucket.Put(recordKey(nil, id), val); err != nil {
		return 0, txError("insert", err)
	}
	return id, nil
}

func (b *boltBatch) Commit() error {
	return txError("commit", b.tx.Commit())
}

// recordKey appends the big-endian id to prefix so keys sort by identity.
func recordKey(prefix []byte, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}
