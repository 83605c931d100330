package query

import (
	"testing"

	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/stretchr/testify/require"
)

func buildTestIndexes(t *testing.T) *fragment.Indexes {
	t.Helper()

	address, err := fragment.NewIndexBuilder(0, fragment.KeyWidthAddress)
	require.NoError(t, err)

	keyA := make([]byte, 20)
	keyA[0] = 0xaa
	keyB := make([]byte, 20)
	keyB[0] = 0xbb

	require.NoError(t, address.Insert(keyA, 0))
	require.NoError(t, address.Insert(keyA, 2))
	require.NoError(t, address.Insert(keyB, 1))

	status, err := fragment.NewIndexBuilder(1, fragment.KeyWidthBool)
	require.NoError(t, err)
	require.NoError(t, status.Insert(fragment.KeyBool(true), 0))
	require.NoError(t, status.Insert(fragment.KeyBool(true), 1))
	require.NoError(t, status.Insert(fragment.KeyBool(false), 2))

	return &fragment.Indexes{
		FragmentID: 1,
		RowCount:   3,
		Indexes:    []*fragment.BitmapIndex{address.Build(), status.Build()},
	}
}

func TestConditionFilterUnionsKeys(t *testing.T) {
	indexes := buildTestIndexes(t)

	keyA := make([]byte, 20)
	keyA[0] = 0xaa
	keyB := make([]byte, 20)
	keyB[0] = 0xbb

	condition := Condition{FilterID: 1, IndexID: 0, Keys: [][]byte{keyA, keyB}}
	rows := condition.Filter(indexes)
	require.Equal(t, []uint32{0, 1, 2}, rows.ToArray())

	condition = Condition{FilterID: 1, IndexID: 0, Keys: [][]byte{keyB}}
	rows = condition.Filter(indexes)
	require.Equal(t, []uint32{1}, rows.ToArray())
}

func TestConditionFilterMissingIndex(t *testing.T) {
	indexes := buildTestIndexes(t)

	condition := Condition{FilterID: 1, IndexID: 9, Keys: [][]byte{make([]byte, 20)}}
	rows := condition.Filter(indexes)
	require.True(t, rows.IsEmpty())
}

func TestFilterMatchCollectsFilterIDs(t *testing.T) {
	indexes := buildTestIndexes(t)

	keyA := make([]byte, 20)
	keyA[0] = 0xaa

	match := NewFilterMatch()

	first := Condition{FilterID: 1, IndexID: 0, Keys: [][]byte{keyA}}
	match.Add(first.FilterID, first.Filter(indexes))

	second := Condition{FilterID: 2, IndexID: 1, Keys: [][]byte{fragment.KeyBool(true)}}
	match.Add(second.FilterID, second.Filter(indexes))

	require.False(t, match.IsEmpty())
	require.Equal(t, 3, match.Len())

	var rows []uint32
	var ids [][]uint32
	match.Each(func(row uint32, filterIDs []uint32) {
		rows = append(rows, row)
		ids = append(ids, append([]uint32(nil), filterIDs...))
	})

	require.Equal(t, []uint32{0, 1, 2}, rows)
	// Row 0 matched both filters; rows 1 and 2 one each.
	require.Equal(t, [][]uint32{{1, 2}, {2}, {1}}, ids)
}

func TestBlockFilterCodecRoundTrip(t *testing.T) {
	keyA := make([]byte, 20)
	keyA[0] = 0xaa
	topic := make([]byte, 32)
	topic[0] = 0xcc

	filter := &BlockFilter{
		AlwaysIncludeHeader: true,
		Fragments: []FragmentFilter{
			{
				FragmentID: 1,
				Conditions: []Condition{
					{FilterID: 1, IndexID: 0, Keys: [][]byte{keyA}},
				},
			},
			{
				FragmentID: 3,
				Conditions: []Condition{
					{FilterID: 2, IndexID: 1, Keys: [][]byte{topic}},
					{FilterID: 3, IndexID: 0, Keys: [][]byte{keyA}},
				},
			},
		},
	}

	decoded, err := UnmarshalBlockFilter(MarshalBlockFilter(filter))
	require.NoError(t, err)
	require.Equal(t, filter, decoded)

	require.False(t, decoded.IsEmpty())

	headerOnly := &BlockFilter{AlwaysIncludeHeader: true}
	decoded, err = UnmarshalBlockFilter(MarshalBlockFilter(headerOnly))
	require.NoError(t, err)
	require.True(t, decoded.IsEmpty())
	require.True(t, decoded.AlwaysIncludeHeader)
}
