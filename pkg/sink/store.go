package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// TableName is the single table (or bucket, or key namespace) every driver writes.
const TableName = "insert_test"

// ErrStoreExists is wrapped in a StoreOpenError when the derived store name is taken.
var ErrStoreExists = errors.New("store already exists")

var errBatchClosed = errors.New("batch already committed")

// Store is an opaque transactional sink. It is owned by exactly one consumer;
// implementations are not required to be safe for concurrent use.
type Store interface {
	// Name identifies the store (file name, table name or key prefix).
	Name() string
	// Begin opens a new batch. At most one batch may be open at a time.
	Begin(ctx context.Context) (Batch, error)
	Close() error
}

// Batch is an open transaction scope on a Store.
type Batch interface {
	// Insert persists payload within the batch and returns the new record's identity.
	Insert(ctx context.Context, payload string) (int64, error)
	// Commit atomically makes every insert of the batch durable.
	Commit() error
}

// StoreOpenError reports a failure to create or open a store. It is fatal at startup.
type StoreOpenError struct {
	Driver string
	Name   string
	Err    error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("open %s store %q: %v", e.Driver, e.Name, e.Err)
}

func (e *StoreOpenError) Unwrap() error { return e.Err }

// TransactionError reports a failed begin, insert or commit. No retry is attempted.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func txError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransactionError{Op: op, Err: err}
}

// StoreName derives a store name from the process start time, e.g.
// DB_20261018T101530.123456789. Nanosecond resolution keeps runs apart;
// drivers still refuse to reuse an existing name.
func StoreName(start time.Time) string {
	return "DB_" + start.UTC().Format("20060102T150405.000000000")
}

// sqlIdentifier lowers a store name into a bare SQL identifier.
func sqlIdentifier(name string) string {
	return strings.ToLower(strings.NewReplacer(".", "_", "-", "_").Replace(name))
}

// reserveFile creates path exclusively so an existing store is never overwritten.
func reserveFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrStoreExists
		}
		return err
	}
	return f.Close()
}
