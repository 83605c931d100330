package wire

import (
	"fmt"

	"github.com/goran-ethernal/dna/internal/fragment"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field layout:
//
//	Cursor             { order_key = 1, unique_key = 2 }
//	StreamDataRequest  { starting_cursor = 1, finality = 2, filter = 3 }
//	Data               { cursor = 1, end_cursor = 2, finality = 3, data = 4 }
//	Invalidate         { cursor = 1, removed = 2 }
//	Finalize           { cursor = 1 }
//	SystemMessage      { output = 1, is_error = 2 }
//	StreamDataResponse { data = 1, invalidate = 2, finalize = 3, heartbeat = 4, system_message = 5 }

func marshalCursor(c *Cursor) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, c.OrderKey)
	if len(c.UniqueKey) > 0 {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, c.UniqueKey)
	}
	return buf
}

func unmarshalCursor(data []byte) (*Cursor, error) {
	cursor := &Cursor{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid cursor tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid cursor order key", fragment.ErrModel)
			}
			cursor.OrderKey = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid cursor unique key", fragment.ErrModel)
			}
			cursor.UniqueKey = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid cursor field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return cursor, nil
}

// MarshalWire implements Message.
func (r *StreamDataRequest) MarshalWire() ([]byte, error) {
	var buf []byte
	if r.StartingCursor != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalCursor(r.StartingCursor))
	}
	if r.Finality != DataFinalityUnknown {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.Finality))
	}
	for _, filter := range r.Filter {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, filter)
	}
	return buf, nil
}

// UnmarshalWire implements Message.
func (r *StreamDataRequest) UnmarshalWire(data []byte) error {
	*r = StreamDataRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid request tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: invalid starting cursor", fragment.ErrModel)
			}
			cursor, err := unmarshalCursor(v)
			if err != nil {
				return err
			}
			r.StartingCursor = cursor
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: invalid finality", fragment.ErrModel)
			}
			r.Finality = DataFinality(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: invalid filter", fragment.ErrModel)
			}
			r.Filter = append(r.Filter, append([]byte(nil), v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: invalid request field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return nil
}

func marshalData(d *Data) []byte {
	var buf []byte
	if d.Cursor != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalCursor(d.Cursor))
	}
	if d.EndCursor != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalCursor(d.EndCursor))
	}
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.Finality))
	for _, blob := range d.Blobs {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, blob)
	}
	return buf
}

func unmarshalData(data []byte) (*Data, error) {
	d := &Data{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid data tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid data cursor", fragment.ErrModel)
			}
			cursor, err := unmarshalCursor(v)
			if err != nil {
				return nil, err
			}
			d.Cursor = cursor
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid data end cursor", fragment.ErrModel)
			}
			cursor, err := unmarshalCursor(v)
			if err != nil {
				return nil, err
			}
			d.EndCursor = cursor
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid data finality", fragment.ErrModel)
			}
			d.Finality = DataFinality(v)
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid data blob", fragment.ErrModel)
			}
			// An empty payload stays a non-nil empty slice.
			d.Blobs = append(d.Blobs, append([]byte{}, v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid data field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return d, nil
}

func marshalInvalidate(i *Invalidate) []byte {
	var buf []byte
	if i.Cursor != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalCursor(i.Cursor))
	}
	for _, removed := range i.Removed {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalCursor(removed))
	}
	return buf
}

func unmarshalInvalidate(data []byte) (*Invalidate, error) {
	i := &Invalidate{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid invalidate tag", fragment.ErrModel)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid invalidate field", fragment.ErrModel)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid invalidate field", fragment.ErrModel)
		}
		data = data[n:]

		cursor, err := unmarshalCursor(v)
		if err != nil {
			return nil, err
		}

		switch num {
		case 1:
			i.Cursor = cursor
		case 2:
			i.Removed = append(i.Removed, cursor)
		}
	}
	return i, nil
}

func marshalSystemMessage(m *SystemMessage) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(m.Output))
	if m.IsError {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

func unmarshalSystemMessage(data []byte) (*SystemMessage, error) {
	m := &SystemMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid system message tag", fragment.ErrModel)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid system message output", fragment.ErrModel)
			}
			m.Output = string(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid system message flag", fragment.ErrModel)
			}
			m.IsError = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid system message field", fragment.ErrModel)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// MarshalWire implements Message.
func (r *StreamDataResponse) MarshalWire() ([]byte, error) {
	var buf []byte
	switch {
	case r.Data != nil:
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalData(r.Data))
	case r.Invalidate != nil:
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalInvalidate(r.Invalidate))
	case r.Finalize != nil:
		var body []byte
		if r.Finalize.Cursor != nil {
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, marshalCursor(r.Finalize.Cursor))
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	case r.Heartbeat != nil:
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	case r.SystemMessage != nil:
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalSystemMessage(r.SystemMessage))
	default:
		return nil, fmt.Errorf("empty stream data response")
	}
	return buf, nil
}

// UnmarshalWire implements Message.
func (r *StreamDataResponse) UnmarshalWire(data []byte) error {
	*r = StreamDataResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid response tag", fragment.ErrModel)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: invalid response field", fragment.ErrModel)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: invalid response field", fragment.ErrModel)
		}
		data = data[n:]

		switch num {
		case 1:
			d, err := unmarshalData(v)
			if err != nil {
				return err
			}
			r.Data = d
		case 2:
			i, err := unmarshalInvalidate(v)
			if err != nil {
				return err
			}
			r.Invalidate = i
		case 3:
			finalize := &Finalize{}
			err := eachCursorField(v, func(num protowire.Number, cursor *Cursor) {
				if num == 1 {
					finalize.Cursor = cursor
				}
			})
			if err != nil {
				return err
			}
			r.Finalize = finalize
		case 4:
			r.Heartbeat = &Heartbeat{}
		case 5:
			m, err := unmarshalSystemMessage(v)
			if err != nil {
				return err
			}
			r.SystemMessage = m
		}
	}
	return nil
}

func eachCursorField(data []byte, fn func(num protowire.Number, cursor *Cursor)) error {
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

		cursor, err := unmarshalCursor(v)
		if err != nil {
			return err
		}
		fn(num, cursor)
	}
	return nil
}
