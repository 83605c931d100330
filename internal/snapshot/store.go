package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/russross/meddler"
)

// ErrSnapshot is returned on control-plane read/write failures. Retriable
// at startup, fatal mid-run.
var ErrSnapshot = errors.New("snapshot error")

// Reader reads the ingestion snapshot on startup.
type Reader interface {
	// Read returns the snapshot, or nil if ingestion never ran.
	Read() (*Snapshot, error)
}

// snapshotRow is the single-row table backing the control plane.
// Uses meddler tags for automatic struct-to-db mapping.
type snapshotRow struct {
	ID                int    `meddler:"id,pk"`
	Revision          uint64 `meddler:"revision"`
	SegmentSize       uint64 `meddler:"segment_size"`
	GroupSize         uint64 `meddler:"group_size"`
	FirstBlockNumber  uint64 `meddler:"first_block_number"`
	GroupCount        uint64 `meddler:"group_count"`
	ExtraSegmentCount uint64 `meddler:"extra_segment_count"`
	StartingBlock     uint64 `meddler:"starting_block"`
	Finalized         uint64 `meddler:"finalized"`
	Ingested          uint64 `meddler:"ingested"`
	UpdatedAt         int64  `meddler:"updated_at"`
}

// Store persists the ingestion snapshot and the control-plane registers.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore creates a snapshot store on an open control-plane database.
func NewStore(db *sql.DB, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	s := &Store{
		db:  db,
		log: log.WithComponent("snapshot"),
	}

	s.log.Info("snapshot store initialized")

	return s, nil
}

// Read returns the persisted snapshot, or nil if ingestion never ran.
func (s *Store) Read() (*Snapshot, error) {
	var row snapshotRow
	err := meddler.QueryRow(s.db, &row, `SELECT * FROM ingestion_snapshot WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read snapshot: %v", ErrSnapshot, err)
	}

	return &Snapshot{
		Revision: row.Revision,
		SegmentOptions: segment.Options{
			SegmentSize: row.SegmentSize,
			GroupSize:   row.GroupSize,
		},
		Ingestion: IngestionState{
			FirstBlockNumber:  row.FirstBlockNumber,
			GroupCount:        row.GroupCount,
			ExtraSegmentCount: row.ExtraSegmentCount,
		},
	}, nil
}

// Write persists the snapshot, bumping its revision.
func (s *Store) Write(snapshot *Snapshot) error {
	existing, err := s.Read()
	if err != nil {
		return err
	}

	// The id stays zero for the insert: meddler leaves the primary key to
	// sqlite, which assigns 1 to the only row.
	row := snapshotRow{
		Revision:          snapshot.Revision,
		SegmentSize:       snapshot.SegmentOptions.SegmentSize,
		GroupSize:         snapshot.SegmentOptions.GroupSize,
		FirstBlockNumber:  snapshot.Ingestion.FirstBlockNumber,
		GroupCount:        snapshot.Ingestion.GroupCount,
		ExtraSegmentCount: snapshot.Ingestion.ExtraSegmentCount,
		UpdatedAt:         time.Now().Unix(),
	}

	if existing == nil {
		if err := meddler.Insert(s.db, "ingestion_snapshot", &row); err != nil {
			return fmt.Errorf("%w: failed to insert snapshot: %v", ErrSnapshot, err)
		}
	} else {
		// Preserve the registers on update.
		registers, err := s.Registers()
		if err != nil {
			return err
		}
		row.ID = 1
		row.StartingBlock = registers.StartingBlock
		row.Finalized = registers.Finalized
		row.Ingested = registers.Ingested

		if err := meddler.Update(s.db, "ingestion_snapshot", &row); err != nil {
			return fmt.Errorf("%w: failed to update snapshot: %v", ErrSnapshot, err)
		}
	}

	s.log.Debugw("snapshot persisted",
		"revision", row.Revision,
		"first_block_number", row.FirstBlockNumber,
		"group_count", row.GroupCount,
		"extra_segment_count", row.ExtraSegmentCount,
	)

	return nil
}

// Registers holds the control-plane registers exposed to replicas.
type Registers struct {
	StartingBlock uint64 `json:"starting_block"`
	Finalized     uint64 `json:"finalized"`
	Ingested      uint64 `json:"ingested"`
}

// Registers returns the current register values.
func (s *Store) Registers() (*Registers, error) {
	var row snapshotRow
	err := meddler.QueryRow(s.db, &row, `SELECT * FROM ingestion_snapshot WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return &Registers{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read registers: %v", ErrSnapshot, err)
	}

	return &Registers{
		StartingBlock: row.StartingBlock,
		Finalized:     row.Finalized,
		Ingested:      row.Ingested,
	}, nil
}

// SetRegisters updates the control-plane registers.
func (s *Store) SetRegisters(registers Registers) error {
	res, err := s.db.Exec(
		`UPDATE ingestion_snapshot SET starting_block = ?, finalized = ?, ingested = ?, updated_at = ? WHERE id = 1`,
		registers.StartingBlock, registers.Finalized, registers.Ingested, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update registers: %v", ErrSnapshot, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to update registers: %v", ErrSnapshot, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no snapshot to update registers on", ErrSnapshot)
	}

	return nil
}
