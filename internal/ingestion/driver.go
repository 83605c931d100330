package ingestion

import (
	"context"
	"fmt"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/snapshot"
)

// CursorProvider is the upstream contract the driver consumes. The head and
// finalized channels deliver monotonically revised cursors; both close only
// on provider failure.
type CursorProvider interface {
	// SubscribeHead subscribes to changes to the current head.
	SubscribeHead(ctx context.Context) (<-chan chain.Cursor, error)

	// SubscribeFinalized subscribes to changes to the current finalized block.
	SubscribeFinalized(ctx context.Context) (<-chan chain.Cursor, error)

	// GetParentCursor returns the cursor of the parent of the given cursor.
	GetParentCursor(ctx context.Context, cursor chain.Cursor) (chain.Cursor, error)
}

// DriverOptions configures the ingestion driver.
type DriverOptions struct {
	// ChannelSize is the capacity of the emitted event channel.
	ChannelSize int

	// OverrideStartingBlock forces ingestion to start above the
	// snapshotted resume point.
	OverrideStartingBlock uint64
}

// DefaultDriverOptions returns the default driver options.
func DefaultDriverOptions() DriverOptions {
	return DriverOptions{ChannelSize: 1024}
}

// Driver generates the ordered sequence of ChainChange events that drives
// the ingestion pipeline. It owns the canonical map spanning
// (finalized.number, head.number] and classifies reorgs by walking parents.
type Driver struct {
	options  DriverOptions
	provider CursorProvider
	snapshot snapshot.Reader
	log      *logger.Logger

	previous  *chain.Cursor
	queued    []ChainChange
	head      chain.Cursor
	finalized chain.Cursor
	canonical map[uint64]chain.Cursor
}

// NewDriver creates a new ingestion driver.
func NewDriver(
	provider CursorProvider,
	snapshotReader snapshot.Reader,
	options DriverOptions,
	log *logger.Logger,
) (*Driver, error) {
	if provider == nil {
		return nil, fmt.Errorf("cursor provider is required")
	}
	if snapshotReader == nil {
		return nil, fmt.Errorf("snapshot reader is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if options.ChannelSize == 0 {
		options.ChannelSize = DefaultDriverOptions().ChannelSize
	}

	return &Driver{
		options:   options,
		provider:  provider,
		snapshot:  snapshotReader,
		log:       log.WithComponent("ingestion-driver"),
		canonical: make(map[uint64]chain.Cursor),
	}, nil
}

// Start runs the driver loop. The returned channel carries the event
// sequence; the error channel delivers the terminal error (nil on clean
// cancellation) after the event channel closes.
func (d *Driver) Start(ctx context.Context) (<-chan ChainChange, <-chan error) {
	out := make(chan ChainChange, d.options.ChannelSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		errCh <- d.run(ctx, out)
	}()

	return out, errCh
}

func (d *Driver) run(ctx context.Context, out chan<- ChainChange) error {
	d.log.Info("starting block ingestion driver")

	headCh, err := d.provider.SubscribeHead(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe to head changes: %v", ErrCursorProvider, err)
	}

	finalizedCh, err := d.provider.SubscribeFinalized(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe to finalized changes: %v", ErrCursorProvider, err)
	}

	select {
	case head, ok := <-headCh:
		if !ok {
			return fmt.Errorf("%w: head stream closed", ErrCursorProvider)
		}
		d.head = head
	case <-ctx.Done():
		return nil
	}

	select {
	case finalized, ok := <-finalizedCh:
		if !ok {
			return fmt.Errorf("%w: finalized stream closed", ErrCursorProvider)
		}
		d.finalized = finalized
	case <-ctx.Done():
		return nil
	}

	d.log.Infow("received initial head and finalized blocks",
		"head", d.head.String(),
		"finalized", d.finalized.String(),
	)

	startingSnapshot, err := d.snapshot.Read()
	if err != nil {
		return err
	}

	if startingSnapshot != nil {
		// The snapshot records what has been sealed into groups; resume
		// from the first block never sealed. Notice we track the last
		// ingested block, hence the -1.
		firstBlockToIngest := startingSnapshot.StartingBlock()
		if firstBlockToIngest > 0 {
			previous := chain.NewFinalized(firstBlockToIngest - 1)
			d.previous = &previous
		}
	}

	if override := d.options.OverrideStartingBlock; override > 0 {
		if d.previous == nil || override > d.previous.Number+1 {
			previous := chain.NewFinalized(override - 1)
			d.previous = &previous
			d.log.Infow("starting block overridden", "starting_block", override)
		}
	}

	if err := d.initializeCanonicalChain(ctx); err != nil {
		return err
	}

	select {
	case out <- Initialize{Head: d.head, Finalized: d.finalized}:
	case <-ctx.Done():
		return nil
	}

	for {
		if err := d.checkHeadInvariant(); err != nil {
			return err
		}

		// Give higher priority to cursor changes to avoid sending cursors
		// that will be invalidated immediately after.
		select {
		case head, ok := <-headCh:
			if !ok {
				return fmt.Errorf("%w: head stream closed", ErrCursorProvider)
			}
			if err := d.updateHead(ctx, head); err != nil {
				return err
			}
			continue
		case finalized, ok := <-finalizedCh:
			if !ok {
				return fmt.Errorf("%w: finalized stream closed", ErrCursorProvider)
			}
			if err := d.updateFinalized(finalized); err != nil {
				return err
			}
			continue
		case <-ctx.Done():
			return nil
		default:
		}

		if !d.hasSomethingToSend() {
			select {
			case head, ok := <-headCh:
				if !ok {
					return fmt.Errorf("%w: head stream closed", ErrCursorProvider)
				}
				if err := d.updateHead(ctx, head); err != nil {
					return err
				}
			case finalized, ok := <-finalizedCh:
				if !ok {
					return fmt.Errorf("%w: finalized stream closed", ErrCursorProvider)
				}
				if err := d.updateFinalized(finalized); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
			continue
		}

		message, commit, err := d.nextMessage()
		if err != nil {
			return err
		}
		if message == nil {
			continue
		}

		select {
		case head, ok := <-headCh:
			if !ok {
				return fmt.Errorf("%w: head stream closed", ErrCursorProvider)
			}
			if err := d.updateHead(ctx, head); err != nil {
				return err
			}
		case finalized, ok := <-finalizedCh:
			if !ok {
				return fmt.Errorf("%w: finalized stream closed", ErrCursorProvider)
			}
			if err := d.updateFinalized(finalized); err != nil {
				return err
			}
		case out <- message:
			commit()
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Driver) checkHeadInvariant() error {
	if d.head.Number < d.finalized.Number {
		return fmt.Errorf("%w: head is behind finalized", ErrInvalidState)
	}
	return nil
}

func (d *Driver) hasSomethingToSend() bool {
	return d.hasCursorToSend() || len(d.queued) > 0
}

func (d *Driver) hasCursorToSend() bool {
	if d.previous == nil {
		return true
	}
	return d.previous.Number < d.head.Number
}

// nextMessage returns the next message to emit plus the commit function to
// run once the send succeeds. Preparing the message has no side effects so
// a cursor update can preempt it.
func (d *Driver) nextMessage() (ChainChange, func(), error) {
	if len(d.queued) > 0 {
		message := d.queued[0]
		return message, func() { d.queued = d.queued[1:] }, nil
	}

	cursor, err := d.nextCursorToSend()
	if err != nil {
		return nil, nil, err
	}
	if cursor == nil {
		return nil, nil, nil
	}

	return Ingest{Cursor: *cursor}, func() { d.previous = cursor }, nil
}

func (d *Driver) nextCursorToSend() (*chain.Cursor, error) {
	if d.previous == nil {
		cursor := chain.NewFinalized(0)
		return &cursor, nil
	}

	if d.previous.Number < d.finalized.Number {
		cursor := chain.NewFinalized(d.previous.Number + 1)
		return &cursor, nil
	}

	if d.previous.Number < d.head.Number {
		nextNumber := d.previous.Number + 1
		cursor, ok := d.canonical[nextNumber]
		if !ok {
			return nil, fmt.Errorf("%w: missing block %d in canonical chain", ErrInvalidState, nextNumber)
		}
		return &cursor, nil
	}

	// This should not have happened.
	d.log.Warn("inside nextCursorToSend with nothing to do")
	return nil, nil
}

func (d *Driver) updateHead(ctx context.Context, newHead chain.Cursor) error {
	d.log.Debugw("updating head", "new_head", newHead.String())

	// Check if the head appends cleanly to the previous one. This is the
	// most common case and it doesn't require any special handling.
	newHeadParent, err := d.provider.GetParentCursor(ctx, newHead)
	if err != nil {
		return fmt.Errorf("%w: failed to get parent cursor: %v", ErrCursorProvider, err)
	}

	if newHeadParent.Equal(d.head) {
		d.canonical[newHead.Number] = newHead
		d.head = newHead
		d.queued = append(d.queued, NewHead{Cursor: d.head})
		return nil
	}

	// These cursors have been invalidated.
	var invalidated []chain.Cursor

	// Check that the new head is not behind the current head. If that
	// happens, shrink the old chain until it reaches the same height as
	// the new chain, then handle it like any other reorg. This can happen
	// on chains with a centralized sequencer.
	if newHead.Number <= d.head.Number {
		d.log.Debugw("shrinking invalidated chain",
			"new_head", newHead.String(),
			"head", d.head.String(),
		)

		for number := d.head.Number; number >= newHead.Number; number-- {
			cursor, ok := d.canonical[number]
			if !ok {
				return fmt.Errorf("%w: missing block %d in canonical chain", ErrInvalidState, number)
			}
			delete(d.canonical, number)
			invalidated = append(invalidated, cursor)
		}
	}

	// Walk backwards from the new head until we find a block that belongs
	// to the canonical chain.
	current := newHead
	var inspected []chain.Cursor
	var commonAncestor chain.Cursor

	for {
		if current.Number <= d.finalized.Number {
			return fmt.Errorf(
				"%w: reorg is behind finalized (finalized: %s, new head: %s, head: %s)",
				ErrInvalidState, d.finalized, newHead, d.head,
			)
		}

		parent, err := d.provider.GetParentCursor(ctx, current)
		if err != nil {
			return fmt.Errorf("%w: failed to get parent cursor: %v", ErrCursorProvider, err)
		}

		inspected = append(inspected, current)

		if canonicalParent, ok := d.canonical[parent.Number]; ok {
			if canonicalParent.Equal(parent) {
				commonAncestor = parent
				break
			}
			// The cursor exists since we checked it above.
			delete(d.canonical, parent.Number)
			invalidated = append(invalidated, canonicalParent)
		}

		current = parent
	}

	// No cursor has been invalidated. It means that the new head belongs
	// to the same chain and it was just too far ahead.
	if len(invalidated) == 0 {
		for _, cursor := range inspected {
			d.canonical[cursor.Number] = cursor
		}

		d.head = newHead
		d.queued = append(d.queued, NewHead{Cursor: d.head})

		return nil
	}

	for _, cursor := range inspected {
		if _, exists := d.canonical[cursor.Number]; exists {
			return fmt.Errorf("%w: cursor already in canonical chain", ErrInvalidState)
		}
		d.canonical[cursor.Number] = cursor
	}

	d.head = newHead

	// If any emitted cursor is in the old canonical chain, adjust the
	// previous cursor to the common ancestor so downstream components can
	// continue from there.
	if d.previous != nil && d.previous.Number > commonAncestor.Number {
		removed := make([]chain.Cursor, 0, len(invalidated))
		for i := len(invalidated) - 1; i >= 0; i-- {
			if invalidated[i].Number <= d.previous.Number {
				removed = append(removed, invalidated[i])
			}
		}

		ancestor := commonAncestor
		d.previous = &ancestor

		d.queued = append(d.queued, Invalidate{
			NewHead: commonAncestor,
			Removed: removed,
		})
	}

	d.queued = append(d.queued, NewHead{Cursor: d.head})

	return nil
}

func (d *Driver) updateFinalized(finalized chain.Cursor) error {
	if finalized.Number < d.finalized.Number {
		return fmt.Errorf("%w: finalized is behind previous finalized", ErrInvalidState)
	}

	// Remove cursors that are not needed anymore.
	for number := range d.canonical {
		if number < finalized.Number {
			delete(d.canonical, number)
		}
	}
	d.finalized = finalized

	d.queued = append(d.queued, NewFinalized{Cursor: d.finalized})

	return nil
}

func (d *Driver) initializeCanonicalChain(ctx context.Context) error {
	current := d.head
	d.canonical[current.Number] = current

	for current.Number > d.finalized.Number {
		parent, err := d.provider.GetParentCursor(ctx, current)
		if err != nil {
			return fmt.Errorf("%w: failed to get parent cursor: %v", ErrCursorProvider, err)
		}

		d.canonical[parent.Number] = parent
		current = parent
	}

	return nil
}
