package fragment

import (
	"fmt"
	"sort"
)

// JoinToOne maps a row position in the source fragment to a single row
// position in the target fragment (e.g. log → transaction).
type JoinToOne struct {
	TargetID ID
	entries  map[uint32]uint32
}

// NewJoinToOne creates an empty one-to-one join towards the given fragment.
func NewJoinToOne(targetID ID) *JoinToOne {
	return &JoinToOne{
		TargetID: targetID,
		entries:  make(map[uint32]uint32),
	}
}

// Set records the target row for a source row.
func (j *JoinToOne) Set(source, target uint32) {
	j.entries[source] = target
}

// Get returns the target row for a source row.
func (j *JoinToOne) Get(source uint32) (uint32, bool) {
	target, ok := j.entries[source]
	return target, ok
}

// Len returns the number of joined rows.
func (j *JoinToOne) Len() int {
	return len(j.entries)
}

func (j *JoinToOne) sortedSources() []uint32 {
	sources := make([]uint32, 0, len(j.entries))
	for source := range j.entries {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(a, b int) bool { return sources[a] < sources[b] })
	return sources
}

func (j *JoinToOne) validateRows(sourceRows, targetRows uint32) error {
	for source, target := range j.entries {
		if source >= sourceRows {
			return fmt.Errorf("%w: join source row %d outside [0, %d)", ErrIndexing, source, sourceRows)
		}
		if target >= targetRows {
			return fmt.Errorf("%w: join target row %d outside [0, %d)", ErrIndexing, target, targetRows)
		}
	}
	return nil
}

// JoinToMany maps a row position in the source fragment to many row
// positions in the target fragment (e.g. transaction → logs).
type JoinToMany struct {
	TargetID ID
	entries  map[uint32][]uint32
}

// NewJoinToMany creates an empty one-to-many join towards the given fragment.
func NewJoinToMany(targetID ID) *JoinToMany {
	return &JoinToMany{
		TargetID: targetID,
		entries:  make(map[uint32][]uint32),
	}
}

// Add appends a target row for a source row.
func (j *JoinToMany) Add(source, target uint32) {
	j.entries[source] = append(j.entries[source], target)
}

// Get returns the target rows for a source row.
func (j *JoinToMany) Get(source uint32) []uint32 {
	return j.entries[source]
}

// Len returns the number of joined source rows.
func (j *JoinToMany) Len() int {
	return len(j.entries)
}

func (j *JoinToMany) sortedSources() []uint32 {
	sources := make([]uint32, 0, len(j.entries))
	for source := range j.entries {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(a, b int) bool { return sources[a] < sources[b] })
	return sources
}

func (j *JoinToMany) validateRows(sourceRows, targetRows uint32) error {
	for source, targets := range j.entries {
		if source >= sourceRows {
			return fmt.Errorf("%w: join source row %d outside [0, %d)", ErrIndexing, source, sourceRows)
		}
		for _, target := range targets {
			if target >= targetRows {
				return fmt.Errorf("%w: join target row %d outside [0, %d)", ErrIndexing, target, targetRows)
			}
		}
	}
	return nil
}
