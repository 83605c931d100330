// Package query contains the filter model of the streaming engine.
//
// A filter is a conjunction-free structure: the rows matching a block
// filter are, per fragment, the union of the index lookups of its
// conditions. Across block filters, output is partitioned: each data
// message carries one payload per input filter.
package query

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goran-ethernal/dna/internal/fragment"
)

// Condition references one index and a set of key values. A row matches if
// the index maps any of the keys to it.
type Condition struct {
	// FilterID is the client-assigned id carried on matched rows.
	FilterID uint32
	// IndexID selects the index within the fragment.
	IndexID uint8
	// Keys are the values to look up; their widths must match the index.
	Keys [][]byte
}

// Filter evaluates the condition against a fragment's indexes, returning
// the matching rows. A missing index matches nothing.
func (c *Condition) Filter(indexes *fragment.Indexes) *roaring.Bitmap {
	rows := roaring.New()

	for _, index := range indexes.Indexes {
		if index.IndexID != c.IndexID {
			continue
		}
		for _, key := range c.Keys {
			if match := index.Lookup(key); match != nil {
				rows.Or(match)
			}
		}
	}

	return rows
}

// FragmentFilter groups the conditions applying to one fragment.
type FragmentFilter struct {
	FragmentID fragment.ID
	Conditions []Condition
}

// BlockFilter is one client filter: per-fragment conditions plus the
// always-include-header flag.
type BlockFilter struct {
	AlwaysIncludeHeader bool
	Fragments           []FragmentFilter
}

// IsEmpty reports whether the filter has no conditions.
func (f *BlockFilter) IsEmpty() bool {
	for _, ff := range f.Fragments {
		if len(ff.Conditions) > 0 {
			return false
		}
	}
	return true
}

// FilterMatch accumulates, per row, the ids of the filters that matched it.
type FilterMatch struct {
	rows map[uint32][]uint32
}

// NewFilterMatch creates an empty match accumulator.
func NewFilterMatch() *FilterMatch {
	return &FilterMatch{rows: make(map[uint32][]uint32)}
}

// Add records that the filter with the given id matched the rows.
func (m *FilterMatch) Add(filterID uint32, rows *roaring.Bitmap) {
	it := rows.Iterator()
	for it.HasNext() {
		row := it.Next()
		ids := m.rows[row]
		// Multiple conditions of the same filter may match the same row;
		// the filter id is recorded once.
		if len(ids) == 0 || ids[len(ids)-1] != filterID {
			m.rows[row] = append(ids, filterID)
		}
	}
}

// IsEmpty reports whether no row matched.
func (m *FilterMatch) IsEmpty() bool {
	return len(m.rows) == 0
}

// Len returns the number of matched rows.
func (m *FilterMatch) Len() int {
	return len(m.rows)
}

// Each calls fn for every matched row in ascending row order, with the
// matching filter ids sorted ascending.
func (m *FilterMatch) Each(fn func(row uint32, filterIDs []uint32)) {
	rows := make([]uint32, 0, len(m.rows))
	for row := range m.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })

	for _, row := range rows {
		ids := m.rows[row]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fn(row, ids)
	}
}
