package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Data payload framing. Each element of Data.Blobs is a concatenation of
// length-delimited fragment messages: the field number is the fragment id,
// and each matched row is prefixed with the packed list of matching filter
// ids under field 1.

// filterIDsField is the field number of the packed filter-id prefix inside
// an emitted row.
const filterIDsField = 1

// PayloadBuilder assembles one filter's payload for one block.
type PayloadBuilder struct {
	buf []byte
}

// AppendHeader appends the header fragment under the given fragment id.
func (b *PayloadBuilder) AppendHeader(fragmentID uint32, header []byte) {
	b.buf = protowire.AppendTag(b.buf, protowire.Number(fragmentID), protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, header)
}

// AppendRow appends one matched row under the given fragment id, prefixed
// with the ids of the filters that matched it.
func (b *PayloadBuilder) AppendRow(fragmentID uint32, filterIDs []uint32, row []byte) {
	var prefix []byte
	prefix = protowire.AppendTag(prefix, filterIDsField, protowire.BytesType)

	var packed []byte
	for _, id := range filterIDs {
		packed = protowire.AppendVarint(packed, uint64(id))
	}
	prefix = protowire.AppendBytes(prefix, packed)

	b.buf = protowire.AppendTag(b.buf, protowire.Number(fragmentID), protowire.BytesType)
	b.buf = protowire.AppendVarint(b.buf, uint64(len(prefix)+len(row)))
	b.buf = append(b.buf, prefix...)
	b.buf = append(b.buf, row...)
}

// IsEmpty reports whether nothing was appended.
func (b *PayloadBuilder) IsEmpty() bool {
	return len(b.buf) == 0
}

// Bytes returns the assembled payload.
func (b *PayloadBuilder) Bytes() []byte {
	if b.buf == nil {
		return []byte{}
	}
	return b.buf
}
