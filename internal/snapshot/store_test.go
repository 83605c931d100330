package snapshot

import (
	"database/sql"
	"testing"

	"github.com/goran-ethernal/dna/internal/db"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/snapshot/migrations"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := t.TempDir() + "/control_plane.sqlite"

	require.NoError(t, migrations.RunMigrations(dbPath))

	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func TestStoreReadEmpty(t *testing.T) {
	store, err := NewStore(setupTestDB(t), logger.NewNopLogger())
	require.NoError(t, err)

	snapshot, err := store.Read()
	require.NoError(t, err)
	require.Nil(t, snapshot)
}

func TestStoreWriteRead(t *testing.T) {
	store, err := NewStore(setupTestDB(t), logger.NewNopLogger())
	require.NoError(t, err)

	snapshot := &Snapshot{
		Revision:       1,
		SegmentOptions: segment.Options{SegmentSize: 1_000, GroupSize: 10},
		Ingestion: IngestionState{
			FirstBlockNumber:  1_000,
			GroupCount:        7,
			ExtraSegmentCount: 9,
		},
	}

	require.NoError(t, store.Write(snapshot))

	read, err := store.Read()
	require.NoError(t, err)
	require.Equal(t, snapshot, read)

	// The resume point skips every sealed group.
	require.Equal(t, uint64(71_000), read.StartingBlock())

	// Updates bump in place.
	snapshot.Revision = 2
	snapshot.Ingestion.GroupCount = 8
	require.NoError(t, store.Write(snapshot))

	read, err = store.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(8), read.Ingestion.GroupCount)
}

func TestStoreRegisters(t *testing.T) {
	store, err := NewStore(setupTestDB(t), logger.NewNopLogger())
	require.NoError(t, err)

	// No snapshot yet: registers are zero.
	registers, err := store.Registers()
	require.NoError(t, err)
	require.Equal(t, &Registers{}, registers)

	// Registers require a snapshot row.
	err = store.SetRegisters(Registers{Finalized: 10})
	require.ErrorIs(t, err, ErrSnapshot)

	require.NoError(t, store.Write(&Snapshot{
		SegmentOptions: segment.Options{SegmentSize: 100, GroupSize: 10},
	}))

	require.NoError(t, store.SetRegisters(Registers{
		StartingBlock: 1_000,
		Finalized:     2_000,
		Ingested:      1_500,
	}))

	registers, err = store.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), registers.StartingBlock)
	require.Equal(t, uint64(2_000), registers.Finalized)
	require.Equal(t, uint64(1_500), registers.Ingested)

	// Writing a new snapshot preserves the registers.
	require.NoError(t, store.Write(&Snapshot{
		Revision:       1,
		SegmentOptions: segment.Options{SegmentSize: 100, GroupSize: 10},
		Ingestion:      IngestionState{GroupCount: 1},
	}))

	registers, err = store.Registers()
	require.NoError(t, err)
	require.Equal(t, uint64(2_000), registers.Finalized)
}
