package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexBuilderRejectsInvalidKeyWidth(t *testing.T) {
	for _, width := range []int{0, 1, 4, 20, 32} {
		_, err := NewIndexBuilder(1, width)
		require.NoError(t, err)
	}

	for _, width := range []int{2, 3, 8, 16, 21, 33, 64} {
		_, err := NewIndexBuilder(1, width)
		require.ErrorIs(t, err, ErrKeyWidth)
	}
}

func TestIndexBuilderRejectsMismatchedKey(t *testing.T) {
	builder, err := NewIndexBuilder(1, KeyWidthAddress)
	require.NoError(t, err)

	err = builder.Insert(make([]byte, 32), 0)
	require.ErrorIs(t, err, ErrKeyWidth)
}

func TestIndexLookup(t *testing.T) {
	builder, err := NewIndexBuilder(1, KeyWidthBool)
	require.NoError(t, err)

	require.NoError(t, builder.Insert(KeyBool(true), 0))
	require.NoError(t, builder.Insert(KeyBool(true), 3))
	require.NoError(t, builder.Insert(KeyBool(false), 1))

	index := builder.Build()

	rows := index.Lookup(KeyBool(true))
	require.NotNil(t, rows)
	require.Equal(t, []uint32{0, 3}, rows.ToArray())

	rows = index.Lookup(KeyBool(false))
	require.Equal(t, []uint32{1}, rows.ToArray())

	require.Nil(t, index.Lookup(KeyUint32(1)))
}

func newTestBlock(t *testing.T) *Block {
	t.Helper()

	txBuilder, err := NewIndexBuilder(0, KeyWidthAddress)
	require.NoError(t, err)
	from := make([]byte, 20)
	from[0] = 0xaa
	require.NoError(t, txBuilder.Insert(from, 0))
	require.NoError(t, txBuilder.Insert(from, 1))

	logBuilder, err := NewIndexBuilder(0, KeyWidthB256)
	require.NoError(t, err)
	topic := make([]byte, 32)
	topic[0] = 0xbb
	require.NoError(t, logBuilder.Insert(topic, 0))

	txToLogs := NewJoinToMany(3)
	txToLogs.Add(0, 0)
	logToTx := NewJoinToOne(1)
	logToTx.Set(0, 0)

	return &Block{
		Header: Header{Data: []byte("header-bytes")},
		Body: []*Body{
			{FragmentID: 1, Name: "transaction", Rows: [][]byte{[]byte("tx-0"), []byte("tx-1")}},
			{FragmentID: 3, Name: "log", Rows: [][]byte{[]byte("log-0")}},
		},
		Index: []*Indexes{
			{FragmentID: 1, RowCount: 2, Indexes: []*BitmapIndex{txBuilder.Build()}},
			{FragmentID: 3, RowCount: 1, Indexes: []*BitmapIndex{logBuilder.Build()}},
		},
		Join: []*Joins{
			{FragmentID: 1, ToMany: []*JoinToMany{txToLogs}},
			{FragmentID: 3, ToOne: []*JoinToOne{logToTx}},
		},
	}
}

func TestBlockValidate(t *testing.T) {
	block := newTestBlock(t)
	require.NoError(t, block.Validate())
}

func TestBlockValidateRejectsOutOfRangeIndex(t *testing.T) {
	block := newTestBlock(t)

	badBuilder, err := NewIndexBuilder(1, KeyWidthAddress)
	require.NoError(t, err)
	require.NoError(t, badBuilder.Insert(make([]byte, 20), 7))

	block.Index[0].Indexes = append(block.Index[0].Indexes, badBuilder.Build())
	require.ErrorIs(t, block.Validate(), ErrIndexing)
}

func TestBlockValidateRejectsRowCountMismatch(t *testing.T) {
	block := newTestBlock(t)
	block.Index[0].RowCount = 5
	require.ErrorIs(t, block.Validate(), ErrModel)
}

func TestBlockCodecRoundTrip(t *testing.T) {
	block := newTestBlock(t)

	data, err := MarshalBlock(block)
	require.NoError(t, err)

	decoded, err := UnmarshalBlock(data)
	require.NoError(t, err)
	require.NoError(t, decoded.Validate())

	require.Equal(t, block.Header.Data, decoded.Header.Data)
	require.Len(t, decoded.Body, 2)
	require.Equal(t, block.Body[0].Rows, decoded.Body[0].Rows)
	require.Equal(t, block.Body[1].Name, decoded.Body[1].Name)

	txIndexes := decoded.FragmentIndexes(1)
	require.NotNil(t, txIndexes)
	require.Equal(t, uint32(2), txIndexes.RowCount)

	from := make([]byte, 20)
	from[0] = 0xaa
	rows := txIndexes.Indexes[0].Lookup(from)
	require.NotNil(t, rows)
	require.Equal(t, []uint32{0, 1}, rows.ToArray())

	// Joins survive the round trip.
	require.Len(t, decoded.Join, 2)
	targets := decoded.Join[0].ToMany[0].Get(0)
	require.Equal(t, []uint32{0}, targets)
	target, ok := decoded.Join[1].ToOne[0].Get(0)
	require.True(t, ok)
	require.Equal(t, uint32(0), target)
}

func TestMarshalBlockDeterministic(t *testing.T) {
	block := newTestBlock(t)

	first, err := MarshalBlock(block)
	require.NoError(t, err)
	second, err := MarshalBlock(block)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestUnmarshalBitmapIndexRejectsBadWidth(t *testing.T) {
	builder, err := NewIndexBuilder(1, KeyWidthBool)
	require.NoError(t, err)
	require.NoError(t, builder.Insert(KeyBool(true), 0))

	index := builder.Build()
	index.KeyWidth = 7

	data, err := MarshalBitmapIndex(index)
	require.NoError(t, err)

	_, err = UnmarshalBitmapIndex(data)
	require.ErrorIs(t, err, ErrKeyWidth)
}
