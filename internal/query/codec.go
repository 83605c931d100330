package query

import (
	"fmt"

	"github.com/goran-ethernal/dna/internal/fragment"
	"google.golang.org/protobuf/encoding/protowire"
)

// Filters travel on the wire as length-delimited protobuf messages:
//
//	BlockFilter    { always_include_header = 1, fragments = 2 }
//	FragmentFilter { fragment_id = 1, conditions = 2 }
//	Condition      { filter_id = 1, index_id = 2, keys = 3 }

// MarshalBlockFilter serializes a block filter.
func MarshalBlockFilter(f *BlockFilter) []byte {
	var buf []byte
	if f.AlwaysIncludeHeader {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}

	for _, ff := range f.Fragments {
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(ff.FragmentID))

		for _, condition := range ff.Conditions {
			var cond []byte
			cond = protowire.AppendTag(cond, 1, protowire.VarintType)
			cond = protowire.AppendVarint(cond, uint64(condition.FilterID))
			cond = protowire.AppendTag(cond, 2, protowire.VarintType)
			cond = protowire.AppendVarint(cond, uint64(condition.IndexID))
			for _, key := range condition.Keys {
				cond = protowire.AppendTag(cond, 3, protowire.BytesType)
				cond = protowire.AppendBytes(cond, key)
			}
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, cond)
		}

		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}

	return buf
}

// UnmarshalBlockFilter deserializes a block filter.
func UnmarshalBlockFilter(data []byte) (*BlockFilter, error) {
	filter := &BlockFilter{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid filter tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid filter flag", fragment.ErrModel)
			}
			filter.AlwaysIncludeHeader = v != 0
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid fragment filter", fragment.ErrModel)
			}
			ff, err := unmarshalFragmentFilter(v)
			if err != nil {
				return nil, err
			}
			filter.Fragments = append(filter.Fragments, ff)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid filter field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return filter, nil
}

func unmarshalFragmentFilter(data []byte) (FragmentFilter, error) {
	var ff FragmentFilter
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ff, fmt.Errorf("%w: invalid fragment filter tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ff, fmt.Errorf("%w: invalid fragment filter id", fragment.ErrModel)
			}
			ff.FragmentID = fragment.ID(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ff, fmt.Errorf("%w: invalid condition", fragment.ErrModel)
			}
			condition, err := unmarshalCondition(v)
			if err != nil {
				return ff, err
			}
			ff.Conditions = append(ff.Conditions, condition)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ff, fmt.Errorf("%w: invalid fragment filter field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return ff, nil
}

func unmarshalCondition(data []byte) (Condition, error) {
	var condition Condition
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return condition, fmt.Errorf("%w: invalid condition tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return condition, fmt.Errorf("%w: invalid condition filter id", fragment.ErrModel)
			}
			condition.FilterID = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return condition, fmt.Errorf("%w: invalid condition index id", fragment.ErrModel)
			}
			condition.IndexID = uint8(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return condition, fmt.Errorf("%w: invalid condition key", fragment.ErrModel)
			}
			condition.Keys = append(condition.Keys, append([]byte(nil), v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return condition, fmt.Errorf("%w: invalid condition field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return condition, nil
}
