package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported database/sql drivers.
type Dialect struct {
	Driver      string
	CreateTable string // fmt pattern taking the table name
	Insert      string // fmt pattern taking the table name
	// Returning is set when Insert yields the identity as a row instead of LastInsertId.
	Returning bool
}

var (
	// SQLiteDialect targets modernc.org/sqlite.
	SQLiteDialect = Dialect{
		Driver: "sqlite",
		CreateTable: `CREATE TABLE %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP)`,
		Insert: "INSERT INTO %s (payload) VALUES (?)",
	}

	// PostgresDialect targets PostgreSQL through the pgx stdlib driver.
	PostgresDialect = Dialect{
		Driver: "pgx",
		CreateTable: `CREATE TABLE %s (
			id BIGSERIAL PRIMARY KEY,
			payload TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		Insert:    "INSERT INTO %s (payload) VALUES ($1) RETURNING id",
		Returning: true,
	}
)

// pgDuplicateTable is the SQLSTATE for CREATE TABLE on an existing relation.
const pgDuplicateTable = "42P07"

// SQLStore is a Store backed by any database/sql driver described by a Dialect.
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	name      string
	table     string
	insertSQL string
	logger    zerolog.Logger
}

// NewSQLStore wraps an already opened database. Call Init to create the table.
func NewSQLStore(db *sql.DB, dialect Dialect, name, table string, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:        db,
		dialect:   dialect,
		name:      name,
		table:     table,
		insertSQL: fmt.Sprintf(dialect.Insert, table),
		logger:    logger.With().Str("component", "SQLStore").Str("driver", dialect.Driver).Str("store", name).Logger(),
	}
}

// OpenSQLite creates a new SQLite database file <dir>/<name>.db and its table.
// It fails with ErrStoreExists rather than reuse an existing file.
func OpenSQLite(ctx context.Context, dir, name string, logger zerolog.Logger) (*SQLStore, error) {
	path := filepath.Join(dir, name+".db")
	if err := reserveFile(path); err != nil {
		return nil, &StoreOpenError{Driver: SQLiteDialect.Driver, Name: path, Err: err}
	}

	db, err := sql.Open(SQLiteDialect.Driver, path)
	if err != nil {
		return nil, &StoreOpenError{Driver: SQLiteDialect.Driver, Name: path, Err: err}
	}
	// SQLite allows one writer; a single connection keeps the open batch and
	// the next Begin on the same handle.
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db, SQLiteDialect, path, TableName, logger)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, &StoreOpenError{Driver: SQLiteDialect.Driver, Name: path, Err: err}
	}
	store.logger.Info().Str("path", path).Msg("SQLite store created")
	return store, nil
}

// OpenPostgres connects to dsn and creates a table named after the store.
// An existing table with that name yields ErrStoreExists.
func OpenPostgres(ctx context.Context, dsn, name string, logger zerolog.Logger) (*SQLStore, error) {
	table := sqlIdentifier(name)
	db, err := sql.Open(PostgresDialect.Driver, dsn)
	if err != nil {
		return nil, &StoreOpenError{Driver: PostgresDialect.Driver, Name: table, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &StoreOpenError{Driver: PostgresDialect.Driver, Name: table, Err: err}
	}

	store := NewSQLStore(db, PostgresDialect, table, table, logger)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, &StoreOpenError{Driver: PostgresDialect.Driver, Name: table, Err: err}
	}
	store.logger.Info().Str("table", table).Msg("Postgres store created")
	return store, nil
}

// Init creates the store's table. It never uses IF NOT EXISTS: an existing
// table is an error, not something to append to.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.CreateTable, s.table))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateTable {
		return fmt.Errorf("table %s: %w", s.table, ErrStoreExists)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) Name() string { return s.name }

func (s *SQLStore) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, txError("begin", err)
	}
	return &sqlBatch{tx: tx, store: s}, nil
}

func (s *SQLStore) Close() error {
	s.logger.Info().Msg("Closing SQL store")
	return s.db.Close()
}

type sqlBatch struct {
	tx    *sql.Tx
	store *SQLStore
}

func (b *sqlBatch) Insert(ctx context.Context, payload string) (int64, error) {
	if b.store.dialect.Returning {
		var id int64
		if err := b.tx.QueryRowContext(ctx, b.store.insertSQL, payload).Scan(&id); err != nil {
			return 0, txError("insert", err)
		}
		return id, nil
	}

	res, err := b.tx.ExecContext(ctx, b.store.insertSQL, payload)
	if err != nil {
		return 0, txError("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, txError("insert", err)
	}
	return id, nil
}

func (b *sqlBatch) Commit() error {
	return txError("commit", b.tx.Commit())
}
