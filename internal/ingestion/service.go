package ingestion

import (
	"context"
	"errors"

	"github.com/goran-ethernal/dna/internal/blockstore"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/chainview"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/metrics"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/snapshot"
	"github.com/goran-ethernal/dna/internal/storage"
)

// BlockIngestor is the chain-specific contract that turns a cursor into a
// fully decoded block.
type BlockIngestor interface {
	// Schema returns the chain's fragment schema.
	Schema() fragment.Schema

	// IngestBlockByNumber fetches the canonical block at the given height,
	// including all sidecar data.
	IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, *fragment.Block, error)

	// IngestBlockByCursor fetches the block identified by the cursor.
	IngestBlockByCursor(ctx context.Context, cursor chain.Cursor) (chain.BlockInfo, *fragment.Block, error)
}

// ServiceOptions configures the ingestion service.
type ServiceOptions struct {
	SegmentOptions               segment.Options
	ChainSegmentSize             uint64
	ChainSegmentUploadOffsetSize uint64
	MaxConcurrentTasks           int
}

// pendingBlock is an ingested block not yet sealed into a segment.
type pendingBlock struct {
	info  chain.BlockInfo
	block *fragment.Block
}

// Service owns the ingestion pipeline: it consumes the driver's event
// stream, fetches blocks with bounded parallelism, grows the canonical
// chain, seals segments and groups, and publishes chain view snapshots.
type Service struct {
	options  ServiceOptions
	driver   *Driver
	ingestor BlockIngestor
	writer   *blockstore.Writer
	reader   *blockstore.Reader
	store    *snapshot.Store
	view     *chainview.View
	log      *logger.Logger

	chainBuilder   *chain.CanonicalChainBuilder
	segmentBuilder *segment.Builder
	groupBuilder   *segment.GroupBuilder

	head      chain.Cursor
	finalized chain.Cursor

	state            snapshot.IngestionState
	firstBlockKnown  bool
	segmentNext      uint64
	lastIngested     uint64
	pending          map[uint64]pendingBlock
	lastInvalidation *chainview.Invalidation
}

// NewService creates the ingestion service.
func NewService(
	options ServiceOptions,
	driver *Driver,
	ingestor BlockIngestor,
	writer *blockstore.Writer,
	reader *blockstore.Reader,
	store *snapshot.Store,
	log *logger.Logger,
) (*Service, error) {
	if driver == nil {
		return nil, errors.New("driver is required")
	}
	if ingestor == nil {
		return nil, errors.New("block ingestor is required")
	}
	if writer == nil || reader == nil {
		return nil, errors.New("block store is required")
	}
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if options.MaxConcurrentTasks < 1 {
		options.MaxConcurrentTasks = 1
	}

	return &Service{
		options:        options,
		driver:         driver,
		ingestor:       ingestor,
		writer:         writer,
		reader:         reader,
		store:          store,
		log:            log.WithComponent("ingestion"),
		chainBuilder:   chain.NewCanonicalChainBuilder(),
		segmentBuilder: segment.NewBuilder(options.SegmentOptions, ingestor.Schema()),
		groupBuilder:   segment.NewGroupBuilder(options.SegmentOptions),
		pending:        make(map[uint64]pendingBlock),
	}, nil
}

// View returns the chain view stream tasks read from. It is nil until Run
// processed the driver's Initialize event.
func (s *Service) View() *chainview.View {
	return s.view
}

// AdoptView reuses an existing chain view so stream tasks survive an
// ingestion restart.
func (s *Service) AdoptView(view *chainview.View) {
	s.view = view
}

// fetchResult is one block fetch completing out of band.
type fetchResult struct {
	cursor chain.Cursor
	info   chain.BlockInfo
	block  *fragment.Block
	err    error
}

// Run drives ingestion until the context is cancelled or a fatal error
// occurs. On error the pipeline must be reinitialized by the supervisor;
// sealed data remains served from the object store.
func (s *Service) Run(ctx context.Context, viewReady chan<- *chainview.View) error {
	err := s.run(ctx, viewReady)
	if err != nil && ctx.Err() != nil {
		// Shutdown races surface as provider or store errors; the
		// cancellation is the real cause.
		return nil
	}
	return err
}

func (s *Service) run(ctx context.Context, viewReady chan<- *chainview.View) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	events, driverErr := s.driver.Start(ctx)

	// Fetches run as bounded concurrent tasks; results reassemble into the
	// in-order pipeline before indexing.
	inflight := make([]chan fetchResult, 0, s.options.MaxConcurrentTasks)

	drainOne := func() error {
		result := <-inflight[0]
		inflight = inflight[1:]
		if result.err != nil {
			return result.err
		}
		return s.processBlock(ctx, result)
	}

	drainAll := func() error {
		for len(inflight) > 0 {
			if err := drainOne(); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				// The driver stopped; its error tells us why.
				if err := <-driverErr; err != nil {
					return err
				}
				return nil
			}

			switch event := event.(type) {
			case Initialize:
				s.head = event.Head
				s.finalized = event.Finalized
				s.publishView()
				if viewReady != nil {
					select {
					case viewReady <- s.view:
					case <-ctx.Done():
						return nil
					}
					viewReady = nil
				}

			case Ingest:
				ch := make(chan fetchResult, 1)
				inflight = append(inflight, ch)
				go s.fetch(ctx, event.Cursor, ch)

				if len(inflight) >= s.options.MaxConcurrentTasks {
					if err := drainOne(); err != nil {
						return err
					}
				}

			case NewHead:
				if err := drainAll(); err != nil {
					return err
				}
				s.head = event.Cursor
				metrics.HeadBlockSet(event.Cursor.Number)
				s.publishView()

			case NewFinalized:
				if err := drainAll(); err != nil {
					return err
				}
				s.finalized = event.Cursor
				metrics.FinalizedBlockSet(event.Cursor.Number)
				if err := s.sealFinalized(ctx); err != nil {
					return err
				}
				if err := s.updateRegisters(); err != nil {
					s.log.Warnw("failed to update control-plane registers", "error", err)
				}
				s.publishView()

			case Invalidate:
				if err := drainAll(); err != nil {
					return err
				}
				if err := s.applyInvalidate(ctx, event); err != nil {
					return err
				}
				s.publishView()
			}
		}
	}
}

func (s *Service) fetch(ctx context.Context, cursor chain.Cursor, out chan<- fetchResult) {
	var result fetchResult
	result.cursor = cursor

	if cursor.HasHash() {
		result.info, result.block, result.err = s.ingestor.IngestBlockByCursor(ctx, cursor)
	} else {
		result.info, result.block, result.err = s.ingestor.IngestBlockByNumber(ctx, cursor.Number)
	}

	out <- result
}

// restore reloads the canonical chain tail persisted by a previous run.
func (s *Service) restore(ctx context.Context) error {
	recent, err := s.reader.GetRecentChain(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	builder, err := chain.RestoreFromSegment(recent)
	if err != nil {
		s.log.Warnw("failed to restore chain tail, starting fresh", "error", err)
		return nil
	}

	s.chainBuilder = builder
	s.log.Infow("restored canonical chain tail",
		"first_block", recent.Info.FirstBlock.String(),
		"last_block", recent.Info.LastBlock.String(),
	)

	persisted, err := s.store.Read()
	if err != nil {
		return err
	}
	if persisted != nil {
		s.state = persisted.Ingestion
		// Ingestion resumes from the first block never sealed into a
		// group; extra segments past it are re-sealed (idempotently) and
		// recounted.
		s.state.ExtraSegmentCount = 0
		s.firstBlockKnown = true
		s.segmentNext = persisted.StartingBlock()
	}

	return nil
}

func (s *Service) processBlock(ctx context.Context, result fetchResult) error {
	info := result.info
	block := result.block

	if err := block.Validate(); err != nil {
		return err
	}

	if err := s.writer.PutBlock(ctx, info.Cursor(), block); err != nil {
		return err
	}

	if !s.firstBlockKnown {
		s.state.FirstBlockNumber = info.Number
		s.firstBlockKnown = true
		s.segmentNext = info.Number
	}

	if err := s.growChain(ctx, info); err != nil {
		return err
	}

	s.pending[info.Number] = pendingBlock{info: info, block: block}
	s.lastIngested = info.Number

	metrics.BlocksIngestedInc()
	metrics.IngestedBlockSet(info.Number)

	if err := s.sealFinalized(ctx); err != nil {
		return err
	}

	// The ingested register follows every block. Before the first snapshot
	// there is no row to update, so a failure here is not fatal.
	if err := s.updateRegisters(); err != nil {
		s.log.Debugw("failed to update control-plane registers", "error", err)
	}

	return nil
}

func (s *Service) growChain(ctx context.Context, info chain.BlockInfo) error {
	builderInfo := s.chainBuilder.Info()

	// After a resume the tail may not connect to the next ingested block;
	// start a fresh tail from here. A same-height mismatch is a reorg and
	// arrives as an Invalidate instead.
	if builderInfo != nil && info.Number != builderInfo.LastBlock.Number+1 {
		if info.Number > builderInfo.LastBlock.Number+1 {
			s.log.Warnw("canonical chain tail does not connect, starting fresh",
				"tail_last_block", builderInfo.LastBlock.String(),
				"block", info.Number,
			)
			s.chainBuilder = chain.NewCanonicalChainBuilder()
		} else {
			// Re-ingesting an already tracked block after recovery.
			return nil
		}
	}

	if err := s.chainBuilder.Grow(info); err != nil {
		return err
	}

	return s.maybeSealChainSegment(ctx)
}

// maybeSealChainSegment seals and uploads a chain segment once the tail
// reaches the configured size plus the upload offset.
func (s *Service) maybeSealChainSegment(ctx context.Context) error {
	size := s.options.ChainSegmentSize
	if size == 0 {
		return nil
	}

	if uint64(s.chainBuilder.SegmentSize()) < size+s.options.ChainSegmentUploadOffsetSize {
		return nil
	}

	sealed, err := s.chainBuilder.TakeSegment(int(size))
	if err != nil {
		return err
	}

	if err := s.writer.PutChainSegment(ctx, sealed); err != nil {
		return err
	}

	s.log.Infow("sealed canonical chain segment",
		"first_block", sealed.Info.FirstBlock.String(),
		"last_block", sealed.Info.LastBlock.String(),
	)

	return nil
}

// sealFinalized feeds now-finalized blocks into the segment builder,
// sealing segments and groups as boundaries are crossed.
func (s *Service) sealFinalized(ctx context.Context) error {
	for s.segmentNext <= s.finalized.Number && s.segmentNext <= s.lastIngested {
		pending, ok := s.pending[s.segmentNext]
		if !ok {
			return nil
		}

		if err := s.segmentBuilder.AddBlock(pending.info.Cursor(), pending.block); err != nil {
			return err
		}
		delete(s.pending, s.segmentNext)
		s.segmentNext++

		if !s.segmentBuilder.IsFull() {
			continue
		}

		sealed, err := s.segmentBuilder.TakeSealed()
		if err != nil {
			return err
		}

		if err := s.writer.PutSegment(ctx, sealed); err != nil {
			return err
		}
		s.state.ExtraSegmentCount++
		metrics.SegmentsSealedInc()

		s.log.Infow("sealed segment",
			"first_block", sealed.FirstBlock.Number,
			"blocks", sealed.BlockCount(),
		)

		if err := s.groupBuilder.AddSegment(sealed); err != nil {
			return err
		}

		// Recent-tier copies of sealed blocks are garbage-collectable.
		for _, cursor := range sealed.Cursors {
			if err := s.writer.DeleteBlock(ctx, cursor, s.ingestor.Schema()); err != nil {
				s.log.Warnw("failed to collect recent block", "block", cursor.String(), "error", err)
			}
		}

		if s.groupBuilder.IsFull() {
			group, err := s.groupBuilder.Build()
			if err != nil {
				return err
			}

			if err := s.writer.PutGroup(ctx, group); err != nil {
				return err
			}
			s.state.GroupCount++
			s.state.ExtraSegmentCount = 0
			metrics.GroupsSealedInc()

			s.log.Infow("sealed segment group", "first_block", group.FirstBlock.Number)
		}

		// Snapshot on every segment boundary so a restart resumes from the
		// last sealed group.
		if err := s.writeSnapshot(ctx); err != nil {
			return err
		}
		s.publishView()
	}

	return nil
}

func (s *Service) writeSnapshot(ctx context.Context) error {
	persisted, err := s.store.Read()
	if err != nil {
		return err
	}

	revision := uint64(0)
	if persisted != nil {
		revision = persisted.Revision + 1
	}

	if err := s.store.Write(&snapshot.Snapshot{
		Revision:       revision,
		SegmentOptions: s.options.SegmentOptions,
		Ingestion:      s.state,
	}); err != nil {
		return err
	}

	if s.chainBuilder.Info() != nil {
		tail, err := s.chainBuilder.CurrentSegment()
		if err != nil {
			return err
		}
		if err := s.writer.PutRecentChain(ctx, tail); err != nil {
			return err
		}
	}

	return s.updateRegisters()
}

func (s *Service) updateRegisters() error {
	return s.store.SetRegisters(snapshot.Registers{
		StartingBlock: s.state.FirstBlockNumber,
		Finalized:     s.finalized.Number,
		Ingested:      s.lastIngested,
	})
}

func (s *Service) applyInvalidate(ctx context.Context, event Invalidate) error {
	s.log.Warnw("applying chain invalidation",
		"new_head", event.NewHead.String(),
		"removed", len(event.Removed),
	)

	for _, cursor := range event.Removed {
		delete(s.pending, cursor.Number)
	}
	if s.lastIngested > event.NewHead.Number {
		s.lastIngested = event.NewHead.Number
	}

	// The tail records the reorg in its journal so offline clients can
	// reconnect later.
	if builderInfo := s.chainBuilder.Info(); builderInfo != nil &&
		event.NewHead.Number >= builderInfo.FirstBlock.Number &&
		event.NewHead.Number <= builderInfo.LastBlock.Number {

		if _, err := s.chainBuilder.Shrink(event.NewHead); err != nil {
			return err
		}
	}

	s.lastInvalidation = &chainview.Invalidation{
		NewHead: event.NewHead,
		Removed: event.Removed,
	}
	metrics.ReorgsInc(uint64(len(event.Removed)))

	// Persist the shrunk tail so a crash cannot resurrect removed blocks.
	if s.chainBuilder.Info() != nil {
		tail, err := s.chainBuilder.CurrentSegment()
		if err != nil {
			return err
		}
		if err := s.writer.PutRecentChain(ctx, tail); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) publishView() {
	state := &chainview.State{
		FirstBlock:       s.state.FirstBlockNumber,
		SegmentOptions:   s.options.SegmentOptions,
		Head:             s.head,
		Finalized:        s.finalized,
		GroupCount:       s.state.GroupCount,
		SegmentCount:     s.state.GroupCount*s.options.SegmentOptions.GroupSize + s.state.ExtraSegmentCount,
		LastInvalidation: s.lastInvalidation,
	}

	if s.chainBuilder.Info() != nil {
		if recent, err := s.chainBuilder.CurrentSegment(); err == nil {
			state.Recent = recent
		}
	}

	if s.view == nil {
		s.view = chainview.NewView(state)
		return
	}
	s.view.Update(state)
}
