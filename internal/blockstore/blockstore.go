// Package blockstore layers typed block, segment, and group accessors on
// top of the object store. Recent blocks store the header and each body
// fragment under separate keys so readers fetch only what a filter touches;
// sealed segments store one columnar object per fragment.
package blockstore

import (
	"context"
	"fmt"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/storage"
	"google.golang.org/protobuf/encoding/protowire"
)

// Well-known object names within a block or segment prefix.
const (
	headerObject = "header"
	indexObject  = "index"
	joinObject   = "join"
)

// Reader reads blocks, segments, and groups from the object store.
type Reader struct {
	store storage.ObjectStore
}

// NewReader creates a reader over the given store. Sealed-tier reads should
// go through a caching store.
func NewReader(store storage.ObjectStore) *Reader {
	return &Reader{store: store}
}

// GetBlockHeader reads the header fragment of a recent block.
func (r *Reader) GetBlockHeader(ctx context.Context, cursor chain.Cursor) (*fragment.Header, error) {
	data, err := r.store.Get(ctx, storage.BlockPrefix(cursor), headerObject)
	if err != nil {
		return nil, err
	}
	return fragment.UnmarshalHeader(data)
}

// GetBlockBody reads one body fragment of a recent block.
func (r *Reader) GetBlockBody(ctx context.Context, cursor chain.Cursor, name string) (*fragment.Body, error) {
	data, err := r.store.Get(ctx, storage.BlockPrefix(cursor), name)
	if err != nil {
		return nil, err
	}
	return fragment.UnmarshalBody(data)
}

// GetBlockIndexes reads the index group of a recent block.
func (r *Reader) GetBlockIndexes(ctx context.Context, cursor chain.Cursor) ([]*fragment.Indexes, error) {
	data, err := r.store.Get(ctx, storage.BlockPrefix(cursor), indexObject)
	if err != nil {
		return nil, err
	}
	return unmarshalIndexGroup(data)
}

// GetSegmentHeader reads the header column of a sealed segment.
func (r *Reader) GetSegmentHeader(ctx context.Context, firstBlock uint64) (*segment.HeaderSegment, error) {
	data, err := r.store.Get(ctx, storage.SegmentPrefix(firstBlock), headerObject)
	if err != nil {
		return nil, err
	}
	return segment.UnmarshalHeaderSegment(data)
}

// GetSegmentBody reads one fragment's columnar body of a sealed segment.
func (r *Reader) GetSegmentBody(ctx context.Context, firstBlock uint64, name string) (*segment.BodySegment, error) {
	data, err := r.store.Get(ctx, storage.SegmentPrefix(firstBlock), name)
	if err != nil {
		return nil, err
	}
	return segment.UnmarshalBodySegment(data)
}

// GetSegmentIndexes reads the per-block index groups of a sealed segment.
func (r *Reader) GetSegmentIndexes(ctx context.Context, firstBlock uint64) (*segment.IndexSegment, error) {
	data, err := r.store.Get(ctx, storage.SegmentPrefix(firstBlock), indexObject)
	if err != nil {
		return nil, err
	}
	return segment.UnmarshalIndexSegment(data)
}

// GetGroup reads the aggregate index of a sealed segment group.
func (r *Reader) GetGroup(ctx context.Context, firstBlock uint64) (*segment.SegmentGroup, error) {
	data, err := r.store.Get(ctx, storage.GroupPrefix(firstBlock), indexObject)
	if err != nil {
		return nil, err
	}
	return segment.UnmarshalGroup(data)
}

// GetChainSegment reads a sealed canonical chain segment.
func (r *Reader) GetChainSegment(ctx context.Context, firstBlock uint64) (*chain.CanonicalChainSegment, error) {
	data, err := r.store.Get(ctx, storage.ChainPrefix(), storage.ChainSegmentName(firstBlock))
	if err != nil {
		return nil, err
	}
	return chain.UnmarshalCanonicalChainSegment(data)
}

// GetRecentChain reads the live canonical chain tail.
func (r *Reader) GetRecentChain(ctx context.Context) (*chain.CanonicalChainSegment, error) {
	data, err := r.store.Get(ctx, storage.ChainPrefix(), storage.ChainRecentName)
	if err != nil {
		return nil, err
	}
	return chain.UnmarshalCanonicalChainSegment(data)
}

// Writer writes blocks, segments, and groups to the object store.
type Writer struct {
	store *storage.LocalStore
}

// NewWriter creates a writer over the given store.
func NewWriter(store *storage.LocalStore) *Writer {
	return &Writer{store: store}
}

// PutBlock writes a recent block: header, one object per body fragment, the
// index group, and the join group.
func (w *Writer) PutBlock(ctx context.Context, cursor chain.Cursor, block *fragment.Block) error {
	prefix := storage.BlockPrefix(cursor)

	if err := w.store.Put(ctx, prefix, headerObject, fragment.MarshalHeader(&block.Header)); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}

	for _, body := range block.Body {
		if err := w.store.Put(ctx, prefix, body.Name, fragment.MarshalBody(body)); err != nil {
			return fmt.Errorf("failed to write body fragment %s: %w", body.Name, err)
		}
	}

	indexes, err := marshalIndexGroup(block.Index)
	if err != nil {
		return err
	}
	if err := w.store.Put(ctx, prefix, indexObject, indexes); err != nil {
		return fmt.Errorf("failed to write block indexes: %w", err)
	}

	joins := marshalJoinGroup(block.Join)
	if err := w.store.Put(ctx, prefix, joinObject, joins); err != nil {
		return fmt.Errorf("failed to write block joins: %w", err)
	}

	return nil
}

// DeleteBlock removes a recent block's objects after it fell behind the
// sealed watermark.
func (w *Writer) DeleteBlock(ctx context.Context, cursor chain.Cursor, schema fragment.Schema) error {
	prefix := storage.BlockPrefix(cursor)

	names := []string{headerObject, indexObject, joinObject}
	for _, info := range schema {
		names = append(names, info.Name)
	}

	for _, name := range names {
		if err := w.store.Delete(ctx, prefix, name); err != nil {
			return err
		}
	}

	return nil
}

// PutSegment writes a sealed segment: one object per fragment plus the
// index and join objects.
func (w *Writer) PutSegment(ctx context.Context, seg *segment.Segment) error {
	prefix := storage.SegmentPrefix(seg.FirstBlock.Number)

	if err := w.store.Put(ctx, prefix, headerObject, segment.MarshalHeaderSegment(seg.Header)); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}

	for _, body := range seg.Bodies {
		if err := w.store.Put(ctx, prefix, body.Name, segment.MarshalBodySegment(body)); err != nil {
			return fmt.Errorf("failed to write segment body %s: %w", body.Name, err)
		}
	}

	indexes, err := segment.MarshalIndexSegment(seg.Indexes)
	if err != nil {
		return err
	}
	if err := w.store.Put(ctx, prefix, indexObject, indexes); err != nil {
		return fmt.Errorf("failed to write segment indexes: %w", err)
	}

	if err := w.store.Put(ctx, prefix, joinObject, segment.MarshalJoinSegment(seg.Joins)); err != nil {
		return fmt.Errorf("failed to write segment joins: %w", err)
	}

	return nil
}

// PutGroup writes a sealed segment group's aggregate index.
func (w *Writer) PutGroup(ctx context.Context, group *segment.SegmentGroup) error {
	data, err := segment.MarshalGroup(group)
	if err != nil {
		return err
	}

	if err := w.store.Put(ctx, storage.GroupPrefix(group.FirstBlock.Number), indexObject, data); err != nil {
		return fmt.Errorf("failed to write group index: %w", err)
	}

	return nil
}

// PutChainSegment writes a sealed canonical chain segment.
func (w *Writer) PutChainSegment(ctx context.Context, seg *chain.CanonicalChainSegment) error {
	data, err := chain.MarshalCanonicalChainSegment(seg)
	if err != nil {
		return err
	}

	name := storage.ChainSegmentName(seg.Info.FirstBlock.Number)
	if err := w.store.Put(ctx, storage.ChainPrefix(), name, data); err != nil {
		return fmt.Errorf("failed to write chain segment: %w", err)
	}

	return nil
}

// PutRecentChain replaces the live canonical chain tail.
func (w *Writer) PutRecentChain(ctx context.Context, seg *chain.CanonicalChainSegment) error {
	data, err := chain.MarshalCanonicalChainSegment(seg)
	if err != nil {
		return err
	}

	if err := w.store.PutMutable(ctx, storage.ChainPrefix(), storage.ChainRecentName, data); err != nil {
		return fmt.Errorf("failed to write recent chain: %w", err)
	}

	return nil
}

// An index or join group is serialized as a sequence of per-fragment
// messages under field 1.

func marshalIndexGroup(group []*fragment.Indexes) ([]byte, error) {
	var buf []byte
	for _, indexes := range group {
		encoded, err := fragment.MarshalIndexes(indexes)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}
	return buf, nil
}

func unmarshalIndexGroup(data []byte) ([]*fragment.Indexes, error) {
	var group []*fragment.Indexes
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid index group tag", fragment.ErrModel)
		}
		data = data[n:]

		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: invalid index group field", fragment.ErrModel)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: invalid index group field", fragment.ErrModel)
		}
		data = data[n:]

		indexes, err := fragment.UnmarshalIndexes(v)
		if err != nil {
			return nil, err
		}
		group = append(group, indexes)
	}
	return group, nil
}

func marshalJoinGroup(group []*fragment.Joins) []byte {
	var buf []byte
	for _, joins := range group {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, fragment.MarshalJoins(joins))
	}
	return buf
}
