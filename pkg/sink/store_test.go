package sink

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreName(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 5, 3, 42, time.UTC)
	assert.Equal(t, "DB_20261018T090503.000000042", StoreName(start))
	assert.Equal(t, "db_20261018t090503_000000042", sqlIdentifier(StoreName(start)))
	assert.NotEqual(t, StoreName(start), StoreName(start.Add(time.Nanosecond)))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore("mem")
	ids := writeBatches(t, store, 2, 0, 1)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, []int{2, 0, 1}, store.BatchSizes())
	require.Len(t, store.Records(), 3)

	ctx := context.Background()
	batch, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = batch.Insert(ctx, "pending")
	require.NoError(t, err)
	assert.Len(t, store.Records(), 3, "uncommitted records stay invisible")
	require.NoError(t, batch.Commit())
	assert.Len(t, store.Records(), 4)

	var txErr *TransactionError
	assert.ErrorAs(t, batch.Commit(), &txErr)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Driver: DriverMemory}.Validate())
	assert.NoError(t, Config{Driver: DriverSQLite, Dir: "."}.Validate())
	assert.Error(t, Config{Driver: DriverSQLite}.Validate())
	assert.Error(t, Config{Driver: DriverPostgres}.Validate())
	assert.Error(t, Config{Driver: DriverRedis}.Validate())
	assert.Error(t, Config{Driver: "oracle"}.Validate())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	start := time.Now()

	store, err := Open(ctx, Config{Driver: DriverMemory}, start, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, StoreName(start), store.Name())

	dir := t.TempDir()
	store, err = Open(ctx, Config{Driver: DriverSQLite, Dir: dir}, start, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, Config{Driver: DriverSQLite, Dir: dir}, start, zerolog.Nop())
	assert.Nil(t, store)
	assert.ErrorIs(t, err, ErrStoreExists)

	_, err = Open(ctx, Config{Driver: "oracle"}, start, zerolog.Nop())
	var openErr *StoreOpenError
	assert.ErrorAs(t, err, &openErr)
}
