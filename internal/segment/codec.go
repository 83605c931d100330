package segment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
	"google.golang.org/protobuf/encoding/protowire"
)

// Sealed segments are uploaded as one object per fragment. Each object is a
// length-delimited protobuf message, like every other persisted structure.

// MarshalHeaderSegment serializes the header column of a segment.
func MarshalHeaderSegment(s *HeaderSegment) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, chain.MarshalCursor(s.FirstBlock))
	for _, header := range s.Headers {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, header)
	}
	return buf
}

// UnmarshalHeaderSegment deserializes the header column of a segment.
func UnmarshalHeaderSegment(data []byte) (*HeaderSegment, error) {
	s := &HeaderSegment{}
	err := eachBytesField(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			cursor, err := chain.UnmarshalCursor(v)
			if err != nil {
				return err
			}
			s.FirstBlock = cursor
		case 2:
			s.Headers = append(s.Headers, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid header segment: %v", fragment.ErrModel, err)
	}
	return s, nil
}

// MarshalBodySegment serializes one fragment's columnar body.
func MarshalBodySegment(s *BodySegment) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, chain.MarshalCursor(s.FirstBlock))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.FragmentID))
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(s.Name))
	for _, r := range s.Ranges {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(r.Start))
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(r.End))
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	for _, row := range s.Rows {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendBytes(buf, row)
	}
	return buf
}

// UnmarshalBodySegment deserializes one fragment's columnar body.
func UnmarshalBodySegment(data []byte) (*BodySegment, error) {
	s := &BodySegment{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid body segment tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body segment fragment id", fragment.ErrModel)
			}
			s.FragmentID = fragment.ID(v)
			data = data[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body segment field", fragment.ErrModel)
			}
			data = data[n:]

			switch num {
			case 1:
				cursor, err := chain.UnmarshalCursor(v)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", fragment.ErrModel, err)
				}
				s.FirstBlock = cursor
			case 3:
				s.Name = string(v)
			case 4:
				r, err := unmarshalRowRange(v)
				if err != nil {
					return nil, err
				}
				s.Ranges = append(s.Ranges, r)
			case 5:
				s.Rows = append(s.Rows, append([]byte(nil), v...))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid body segment field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return s, nil
}

func unmarshalRowRange(data []byte) (RowRange, error) {
	var r RowRange
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("%w: invalid row range tag", fragment.ErrModel)
		}
		data = data[n:]

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return r, fmt.Errorf("%w: invalid row range value", fragment.ErrModel)
		}
		data = data[n:]

		switch num {
		case 1:
			r.Start = uint32(v)
		case 2:
			r.End = uint32(v)
		}
	}
	return r, nil
}

// MarshalIndexSegment serializes the per-block index groups of a segment.
func MarshalIndexSegment(s *IndexSegment) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, chain.MarshalCursor(s.FirstBlock))
	for _, block := range s.Blocks {
		var body []byte
		for _, indexes := range block {
			encoded, err := fragment.MarshalIndexes(indexes)
			if err != nil {
				return nil, err
			}
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, encoded)
		}
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf, nil
}

// UnmarshalIndexSegment deserializes the per-block index groups of a segment.
func UnmarshalIndexSegment(data []byte) (*IndexSegment, error) {
	s := &IndexSegment{}
	err := eachBytesField(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			cursor, err := chain.UnmarshalCursor(v)
			if err != nil {
				return err
			}
			s.FirstBlock = cursor
		case 2:
			var block []*fragment.Indexes
			err := eachBytesField(v, func(num protowire.Number, v []byte) error {
				if num != 1 {
					return nil
				}
				indexes, err := fragment.UnmarshalIndexes(v)
				if err != nil {
					return err
				}
				block = append(block, indexes)
				return nil
			})
			if err != nil {
				return err
			}
			s.Blocks = append(s.Blocks, block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalJoinSegment serializes the per-block join groups of a segment.
func MarshalJoinSegment(s *JoinSegment) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, chain.MarshalCursor(s.FirstBlock))
	for _, block := range s.Blocks {
		var body []byte
		for _, joins := range block {
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, fragment.MarshalJoins(joins))
		}
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf
}

// UnmarshalJoinSegment deserializes the per-block join groups of a segment.
func UnmarshalJoinSegment(data []byte) (*JoinSegment, error) {
	s := &JoinSegment{}
	err := eachBytesField(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			cursor, err := chain.UnmarshalCursor(v)
			if err != nil {
				return err
			}
			s.FirstBlock = cursor
		case 2:
			var block []*fragment.Joins
			err := eachBytesField(v, func(num protowire.Number, v []byte) error {
				if num != 1 {
					return nil
				}
				joins, err := fragment.UnmarshalJoins(v)
				if err != nil {
					return err
				}
				block = append(block, joins)
				return nil
			})
			if err != nil {
				return err
			}
			s.Blocks = append(s.Blocks, block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalGroup serializes a segment group's aggregate index.
func MarshalGroup(g *SegmentGroup) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, chain.MarshalCursor(g.FirstBlock))

	blockRange, err := g.BlockRange.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize block range: %v", fragment.ErrIndexing, err)
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, blockRange)

	for _, index := range g.Indexes {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(index.FragmentID))
		body = protowire.AppendTag(body, 2, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(index.IndexID))
		body = protowire.AppendTag(body, 3, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(index.KeyWidth))

		for _, key := range index.sortedKeys() {
			blocks, err := index.entries[key].MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("%w: failed to serialize group bitmap: %v", fragment.ErrIndexing, err)
			}
			var entry []byte
			entry = protowire.AppendTag(entry, 1, protowire.BytesType)
			entry = protowire.AppendBytes(entry, []byte(key))
			entry = protowire.AppendTag(entry, 2, protowire.BytesType)
			entry = protowire.AppendBytes(entry, blocks)
			body = protowire.AppendTag(body, 4, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}

		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	return buf, nil
}

// UnmarshalGroup deserializes a segment group's aggregate index.
func UnmarshalGroup(data []byte) (*SegmentGroup, error) {
	g := &SegmentGroup{BlockRange: roaring.New()}
	err := eachBytesField(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			cursor, err := chain.UnmarshalCursor(v)
			if err != nil {
				return err
			}
			g.FirstBlock = cursor
		case 2:
			if err := g.BlockRange.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("%w: failed to deserialize block range: %v", fragment.ErrModel, err)
			}
		case 3:
			index, err := unmarshalGroupIndex(v)
			if err != nil {
				return err
			}
			g.Indexes = append(g.Indexes, index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func unmarshalGroupIndex(data []byte) (*GroupIndex, error) {
	index := &GroupIndex{entries: make(map[string]*roaring.Bitmap)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid group index tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid group index value", fragment.ErrModel)
			}
			data = data[n:]
			switch num {
			case 1:
				index.FragmentID = fragment.ID(v)
			case 2:
				index.IndexID = uint8(v)
			case 3:
				index.KeyWidth = int(v)
			}
		case typ == protowire.BytesType && num == 4:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid group index entry", fragment.ErrModel)
			}
			data = data[n:]

			var key string
			blocks := roaring.New()
			err := eachBytesField(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					key = string(v)
				case 2:
					if err := blocks.UnmarshalBinary(v); err != nil {
						return fmt.Errorf("%w: failed to deserialize group bitmap: %v", fragment.ErrModel, err)
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			index.entries[key] = blocks
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid group index field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}

	if !ValidateGroupKeyWidth(index.KeyWidth) {
		return nil, fmt.Errorf("%w: %d", fragment.ErrKeyWidth, index.KeyWidth)
	}

	return index, nil
}

// eachBytesField walks the length-delimited fields of a message, skipping
// fields of other wire types.
func eachBytesField(data []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid tag", fragment.ErrModel)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: invalid field", fragment.ErrModel)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid field", fragment.ErrModel)
		}
		data = data[n:]

		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
