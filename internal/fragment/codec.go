package fragment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Fragments are persisted as length-delimited protobuf messages. Bitmaps use
// the portable roaring serialization. All maps are written in sorted key
// order so that the same fragment always serializes to the same bytes.

// MarshalHeader serializes a header fragment.
func MarshalHeader(h *Header) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, h.Data)
	return buf
}

// UnmarshalHeader deserializes a header fragment.
func UnmarshalHeader(data []byte) (*Header, error) {
	header := &Header{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid header tag", ErrModel)
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid header data", ErrModel)
			}
			header.Data = append([]byte(nil), v...)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid header field", ErrModel)
		}
		data = data[n:]
	}
	return header, nil
}

// MarshalBody serializes a body fragment.
func MarshalBody(b *Body) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.FragmentID))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(b.Name))
	for _, row := range b.Rows {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, row)
	}
	return buf
}

// UnmarshalBody deserializes a body fragment.
func UnmarshalBody(data []byte) (*Body, error) {
	body := &Body{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid body tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body fragment id", ErrModel)
			}
			body.FragmentID = ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body name", ErrModel)
			}
			body.Name = string(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body row", ErrModel)
			}
			body.Rows = append(body.Rows, append([]byte(nil), v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body field", ErrModel)
			}
			data = data[n:]
		}
	}
	return body, nil
}

// MarshalBitmapIndex serializes a bitmap index.
func MarshalBitmapIndex(i *BitmapIndex) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(i.IndexID))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(i.KeyWidth))

	for _, key := range i.sortedKeys() {
		rows, err := i.entries[key].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to serialize bitmap: %v", ErrIndexing, err)
		}

		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendBytes(entry, []byte(key))
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, rows)

		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}

	return buf, nil
}

// UnmarshalBitmapIndex deserializes a bitmap index, validating the key width.
func UnmarshalBitmapIndex(data []byte) (*BitmapIndex, error) {
	index := &BitmapIndex{entries: make(map[string]*roaring.Bitmap)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid index tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid index id", ErrModel)
			}
			index.IndexID = uint8(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid index key width", ErrModel)
			}
			index.KeyWidth = int(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid index entry", ErrModel)
			}
			key, rows, err := unmarshalIndexEntry(v)
			if err != nil {
				return nil, err
			}
			index.entries[key] = rows
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid index field", ErrModel)
			}
			data = data[n:]
		}
	}

	if !ValidKeyWidth(index.KeyWidth) {
		return nil, fmt.Errorf("%w: %d", ErrKeyWidth, index.KeyWidth)
	}

	for key := range index.entries {
		if len(key) != index.KeyWidth {
			return nil, fmt.Errorf("%w: key %x has width %d, index expects %d", ErrKeyWidth, key, len(key), index.KeyWidth)
		}
	}

	return index, nil
}

func unmarshalIndexEntry(data []byte) (string, *roaring.Bitmap, error) {
	var key string
	rows := roaring.New()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: invalid index entry tag", ErrModel)
		}
		data = data[n:]

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: invalid index entry field", ErrModel)
		}
		data = data[n:]

		switch num {
		case 1:
			key = string(v)
		case 2:
			if err := rows.UnmarshalBinary(v); err != nil {
				return "", nil, fmt.Errorf("%w: failed to deserialize bitmap: %v", ErrModel, err)
			}
		default:
			_ = typ
		}
	}
	return key, rows, nil
}

// MarshalIndexes serializes all indexes of a fragment.
func MarshalIndexes(i *Indexes) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(i.FragmentID))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(i.RowCount))

	for _, index := range i.Indexes {
		encoded, err := MarshalBitmapIndex(index)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}

	return buf, nil
}

// UnmarshalIndexes deserializes all indexes of a fragment.
func UnmarshalIndexes(data []byte) (*Indexes, error) {
	indexes := &Indexes{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid indexes tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid indexes fragment id", ErrModel)
			}
			indexes.FragmentID = ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid indexes row count", ErrModel)
			}
			indexes.RowCount = uint32(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid indexes entry", ErrModel)
			}
			index, err := UnmarshalBitmapIndex(v)
			if err != nil {
				return nil, err
			}
			indexes.Indexes = append(indexes.Indexes, index)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid indexes field", ErrModel)
			}
			data = data[n:]
		}
	}
	return indexes, nil
}

// MarshalJoins serializes all joins of a fragment.
func MarshalJoins(j *Joins) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(j.FragmentID))

	for _, join := range j.ToOne {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(join.TargetID))
		for _, source := range join.sortedSources() {
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(source))
			entry = protowire.AppendTag(entry, 2, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(join.entries[source]))
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	for _, join := range j.ToMany {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(join.TargetID))
		for _, source := range join.sortedSources() {
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(source))
			for _, target := range join.entries[source] {
				entry = protowire.AppendTag(entry, 2, protowire.VarintType)
				entry = protowire.AppendVarint(entry, uint64(target))
			}
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	return buf
}

// UnmarshalJoins deserializes all joins of a fragment.
func UnmarshalJoins(data []byte) (*Joins, error) {
	joins := &Joins{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid joins tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid joins fragment id", ErrModel)
			}
			joins.FragmentID = ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid to-one join", ErrModel)
			}
			join, err := unmarshalJoinToOne(v)
			if err != nil {
				return nil, err
			}
			joins.ToOne = append(joins.ToOne, join)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid to-many join", ErrModel)
			}
			join, err := unmarshalJoinToMany(v)
			if err != nil {
				return nil, err
			}
			joins.ToMany = append(joins.ToMany, join)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid joins field", ErrModel)
			}
			data = data[n:]
		}
	}
	return joins, nil
}

func unmarshalJoinToOne(data []byte) (*JoinToOne, error) {
	join := &JoinToOne{entries: make(map[uint32]uint32)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid join tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join target id", ErrModel)
			}
			join.TargetID = ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join entry", ErrModel)
			}
			source, targets, err := unmarshalJoinEntry(v)
			if err != nil {
				return nil, err
			}
			if len(targets) != 1 {
				return nil, fmt.Errorf("%w: to-one join entry has %d targets", ErrModel, len(targets))
			}
			join.entries[source] = targets[0]
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join field", ErrModel)
			}
			data = data[n:]
		}
	}
	return join, nil
}

func unmarshalJoinToMany(data []byte) (*JoinToMany, error) {
	join := &JoinToMany{entries: make(map[uint32][]uint32)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid join tag", ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join target id", ErrModel)
			}
			join.TargetID = ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join entry", ErrModel)
			}
			source, targets, err := unmarshalJoinEntry(v)
			if err != nil {
				return nil, err
			}
			join.entries[source] = targets
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid join field", ErrModel)
			}
			data = data[n:]
		}
	}
	return join, nil
}

func unmarshalJoinEntry(data []byte) (uint32, []uint32, error) {
	var source uint32
	var targets []uint32
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: invalid join entry tag", ErrModel)
		}
		data = data[n:]

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: invalid join entry value", ErrModel)
		}
		data = data[n:]

		switch num {
		case 1:
			source = uint32(v)
		case 2:
			targets = append(targets, uint32(v))
		default:
			_ = typ
		}
	}
	return source, targets, nil
}

// MarshalBlock serializes a full block.
func MarshalBlock(b *Block) ([]byte, error) {
	var buf []byte

	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, MarshalHeader(&b.Header))

	for _, body := range b.Body {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, MarshalBody(body))
	}

	for _, indexes := range b.Index {
		encoded, err := MarshalIndexes(indexes)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}

	for _, joins := range b.Join {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, MarshalJoins(joins))
	}

	return buf, nil
}

// UnmarshalBlock deserializes a full block.
func UnmarshalBlock(data []byte) (*Block, error) {
	block := &Block{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid block tag", ErrModel)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid block field", ErrModel)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid block field", ErrModel)
		}
		data = data[n:]

		switch num {
		case 1:
			header, err := UnmarshalHeader(v)
			if err != nil {
				return nil, err
			}
			block.Header = *header
		case 2:
			body, err := UnmarshalBody(v)
			if err != nil {
				return nil, err
			}
			block.Body = append(block.Body, body)
		case 3:
			indexes, err := UnmarshalIndexes(v)
			if err != nil {
				return nil, err
			}
			block.Index = append(block.Index, indexes)
		case 4:
			joins, err := UnmarshalJoins(v)
			if err != nil {
				return nil, err
			}
			block.Join = append(block.Join, joins)
		}
	}
	return block, nil
}
