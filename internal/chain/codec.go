package chain

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chain segments are persisted as length-delimited protobuf messages so they
// can be uploaded to the object store and read back by any replica.
//
// Message layout:
//
//	CanonicalChainSegment { previous_segment = 1, info = 2, canonical = 3, extra_reorgs = 4 }
//	SegmentInfo           { first_block = 1, last_block = 2 }
//	Cursor                { number = 1, hash = 2 }
//	CanonicalBlock        { hash = 1, reorgs = 2 }
//	ReorgEntry            { old_hash = 1, target = 2 }
//	ExtraReorg            { block_number = 1, reorgs = 2 }

// MarshalCursor serializes a cursor as a protobuf message body.
func MarshalCursor(c Cursor) []byte {
	return marshalCursor(c)
}

// UnmarshalCursor deserializes a cursor message body.
func UnmarshalCursor(data []byte) (Cursor, error) {
	return consumeCursor(data)
}

func consumeCursor(data []byte) (Cursor, error) {
	var cursor Cursor
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Cursor{}, fmt.Errorf("invalid cursor tag")
		}
		data = data[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Cursor{}, fmt.Errorf("invalid cursor number")
			}
			cursor.Number = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Cursor{}, fmt.Errorf("invalid cursor hash")
			}
			cursor.Hash = append(Hash(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Cursor{}, fmt.Errorf("invalid cursor field")
			}
			data = data[n:]
		}
	}
	return cursor, nil
}

func marshalSegmentInfo(info SegmentInfo) []byte {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendBytes(body, marshalCursor(info.FirstBlock))
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendBytes(body, marshalCursor(info.LastBlock))
	return body
}

func marshalCursor(c Cursor) []byte {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, c.Number)
	if len(c.Hash) > 0 {
		body = protowire.AppendTag(body, 2, protowire.BytesType)
		body = protowire.AppendBytes(body, c.Hash)
	}
	return body
}

func unmarshalSegmentInfo(data []byte) (SegmentInfo, error) {
	var info SegmentInfo
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return info, fmt.Errorf("invalid segment info tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return info, fmt.Errorf("invalid segment info field")
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return info, fmt.Errorf("invalid segment info field")
		}
		data = data[n:]

		cursor, err := consumeCursor(v)
		if err != nil {
			return info, err
		}

		switch num {
		case 1:
			info.FirstBlock = cursor
		case 2:
			info.LastBlock = cursor
		}
	}
	return info, nil
}

func marshalReorgMap(reorgs ReorgMap) [][]byte {
	keys := make([]string, 0, len(reorgs))
	for k := range reorgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([][]byte, 0, len(keys))
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendBytes(entry, []byte(k))
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalCursor(reorgs[k]))
		entries = append(entries, entry)
	}
	return entries
}

func unmarshalReorgEntry(data []byte) (string, Cursor, error) {
	var oldHash string
	var target Cursor
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", Cursor{}, fmt.Errorf("invalid reorg entry tag")
		}
		data = data[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", Cursor{}, fmt.Errorf("invalid reorg entry hash")
			}
			oldHash = string(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", Cursor{}, fmt.Errorf("invalid reorg entry target")
			}
			cursor, err := consumeCursor(v)
			if err != nil {
				return "", Cursor{}, err
			}
			target = cursor
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", Cursor{}, fmt.Errorf("invalid reorg entry field")
			}
			data = data[n:]
		}
	}
	return oldHash, target, nil
}

// MarshalCanonicalChainSegment serializes a sealed chain segment.
func MarshalCanonicalChainSegment(segment *CanonicalChainSegment) ([]byte, error) {
	var buf []byte

	if segment.PreviousSegment != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalSegmentInfo(*segment.PreviousSegment))
	}

	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalSegmentInfo(segment.Info))

	for _, block := range segment.Canonical {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.BytesType)
		body = protowire.AppendBytes(body, block.Hash)
		for _, entry := range marshalReorgMap(block.Reorgs) {
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	for _, extra := range segment.ExtraReorgs {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, extra.BlockNumber)
		for _, entry := range marshalReorgMap(extra.Reorgs) {
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	return buf, nil
}

// UnmarshalCanonicalChainSegment deserializes a sealed chain segment.
func UnmarshalCanonicalChainSegment(data []byte) (*CanonicalChainSegment, error) {
	segment := &CanonicalChainSegment{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid chain segment tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid chain segment field")
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid chain segment field")
		}
		data = data[n:]

		switch num {
		case 1:
			info, err := unmarshalSegmentInfo(v)
			if err != nil {
				return nil, err
			}
			segment.PreviousSegment = &info
		case 2:
			info, err := unmarshalSegmentInfo(v)
			if err != nil {
				return nil, err
			}
			segment.Info = info
		case 3:
			block, err := unmarshalCanonicalBlock(v)
			if err != nil {
				return nil, err
			}
			segment.Canonical = append(segment.Canonical, block)
		case 4:
			extra, err := unmarshalExtraReorg(v)
			if err != nil {
				return nil, err
			}
			segment.ExtraReorgs = append(segment.ExtraReorgs, extra)
		}
	}

	return segment, nil
}

func unmarshalCanonicalBlock(data []byte) (CanonicalBlock, error) {
	block := CanonicalBlock{Reorgs: make(ReorgMap)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return block, fmt.Errorf("invalid canonical block tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return block, fmt.Errorf("invalid canonical block field")
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return block, fmt.Errorf("invalid canonical block field")
		}
		data = data[n:]

		switch num {
		case 1:
			block.Hash = append(Hash(nil), v...)
		case 2:
			oldHash, target, err := unmarshalReorgEntry(v)
			if err != nil {
				return block, err
			}
			block.Reorgs[oldHash] = target
		}
	}
	return block, nil
}

func unmarshalExtraReorg(data []byte) (ExtraReorg, error) {
	extra := ExtraReorg{Reorgs: make(ReorgMap)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return extra, fmt.Errorf("invalid extra reorg tag")
		}
		data = data[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return extra, fmt.Errorf("invalid extra reorg number")
			}
			extra.BlockNumber = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return extra, fmt.Errorf("invalid extra reorg entry")
			}
			oldHash, target, err := unmarshalReorgEntry(v)
			if err != nil {
				return extra, err
			}
			extra.Reorgs[oldHash] = target
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return extra, fmt.Errorf("invalid extra reorg field")
			}
			data = data[n:]
		}
	}
	return extra, nil
}
