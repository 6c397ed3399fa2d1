package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const badgerSeqLease = 1000

var (
	badgerRecordPrefix = []byte(TableName + "/r/")
	badgerSeqKey       = []byte(TableName + "/seq")
)

// BadgerStore keeps records in a badger LSM tree, one read-write transaction per batch.
// A batch larger than badger's transaction limit fails with badger.ErrTxnTooBig.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	name   string
	logger zerolog.Logger
}

// OpenBadger creates the directory <dir>/<name>.badger; an existing one yields ErrStoreExists.
func OpenBadger(dir, name string, logger zerolog.Logger) (*BadgerStore, error) {
	path := filepath.Join(dir, name+".badger")
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = ErrStoreExists
		}
		return nil, &StoreOpenError{Driver: "badger", Name: path, Err: err}
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StoreOpenError{Driver: "badger", Name: path, Err: err}
	}
	store, err := NewBadgerStore(db, path, logger)
	if err != nil {
		_ = db.Close()
		return nil, &StoreOpenError{Driver: "badger", Name: path, Err: err}
	}
	store.logger.Info().Msg("Badger store created")
	return store, nil
}

// NewBadgerStore wraps an open database, e.g. an in-memory one in tests.
func NewBadgerStore(db *badger.DB, name string, logger zerolog.Logger) (*BadgerStore, error) {
	seq, err := db.GetSequence(badgerSeqKey, badgerSeqLease)
	if err != nil {
		return nil, fmt.Errorf("lease identity sequence: %w", err)
	}
	return &BadgerStore{
		db:     db,
		seq:    seq,
		name:   name,
		logger: logger.With().Str("component", "BadgerStore").Str("store", name).Logger(),
	}, nil
}

func (s *BadgerStore) Name() string { return s.name }

func (s *BadgerStore) Begin(_ context.Context) (Batch, error) {
	return &badgerBatch{txn: s.db.NewTransaction(true), seq: s.seq}, nil
}

func (s *BadgerStore) Close() error {
	s.logger.Info().Msg("Closing badger store")
	if err := s.seq.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release identity sequence")
	}
	return s.db.Close()
}

// Count returns the number of committed records.
func (s *BadgerStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerRecordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

type badgerBatch struct {
	txn *badger.Txn
	seq *badger.Sequence
}

func (b *badgerBatch) Insert(_ context.Context, payload string) (int64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, txError("insert", err)
	}
	// Sequences start at zero; identities start at one like the SQL drivers.
	id := int64(n) + 1
	val, err := msgpack.Marshal(&types.Record{ID: id, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		return 0, txError("insert", err)
	}
	if err := b.txn.Set(recordKey(badgerRecordPrefix, id), val); err != nil {
		return 0, txError("insert", err)
	}
	return id, nil
}

func (b *badgerBatch) Commit() error {
	return txError("commit", b.txn.Commit())
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Trace().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
