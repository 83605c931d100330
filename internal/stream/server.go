package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goran-ethernal/dna/internal/blockstore"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/chainview"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/metrics"
	"github.com/goran-ethernal/dna/internal/query"
	"github.com/goran-ethernal/dna/internal/wire"
	pkgconfig "github.com/goran-ethernal/dna/pkg/config"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// wireCodec marshals the hand-encoded protocol messages. The client sees
// standard length-delimited protobuf frames.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	message, ok := v.(wire.Message)
	if !ok {
		return nil, fmt.Errorf("unsupported message type %T", v)
	}
	return message.MarshalWire()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	message, ok := v.(wire.Message)
	if !ok {
		return fmt.Errorf("unsupported message type %T", v)
	}
	return message.UnmarshalWire(data)
}

func (wireCodec) Name() string { return "proto" }

// streamService is the handler contract of the DnaStream service.
type streamService interface {
	streamData(request *wire.StreamDataRequest, stream grpc.ServerStream) error
}

var streamServiceDesc = grpc.ServiceDesc{
	ServiceName: "dna.v2.DnaStream",
	HandlerType: (*streamService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamData",
			Handler:       streamDataHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dna/v2/stream.proto",
}

func streamDataHandler(srv interface{}, stream grpc.ServerStream) error {
	request := &wire.StreamDataRequest{}
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(streamService).streamData(request, stream)
}

// Server serves filtered data streams to clients.
type Server struct {
	config pkgconfig.ServerConfig

	view   *chainview.View
	reader *blockstore.Reader
	schema fragment.Schema

	streams *semaphore.Weighted
	log     *logger.Logger

	grpcServer *grpc.Server
}

// NewServer creates a streaming server.
func NewServer(
	config pkgconfig.ServerConfig,
	view *chainview.View,
	reader *blockstore.Reader,
	schema fragment.Schema,
	log *logger.Logger,
) (*Server, error) {
	if view == nil {
		return nil, errors.New("chain view is required")
	}
	if reader == nil {
		return nil, errors.New("block store reader is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &Server{
		config:  config,
		view:    view,
		reader:  reader,
		schema:  schema,
		streams: semaphore.NewWeighted(int64(config.MaxConcurrentStreams)),
		log:     log.WithComponent("stream-server"),
	}, nil
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(encoding.Codec(wireCodec{})))
	s.grpcServer.RegisterService(&streamServiceDesc, s)

	s.log.Infow("starting stream server", "address", s.config.ListenAddress)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			s.grpcServer.Stop()
		}
		return nil
	case err := <-serveErr:
		return err
	}
}

// streamData implements the DnaStream.StreamData RPC.
func (s *Server) streamData(request *wire.StreamDataRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	if !s.streams.TryAcquire(1) {
		return status.Error(codes.ResourceExhausted, "too many concurrent streams")
	}
	defer s.streams.Release(1)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	filters := make([]*query.BlockFilter, 0, len(request.Filter))
	for i, encoded := range request.Filter {
		filter, err := query.UnmarshalBlockFilter(encoded)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid filter %d", i)
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return status.Error(codes.InvalidArgument, "at least one filter is required")
	}

	finality := request.Finality
	if finality == wire.DataFinalityUnknown {
		finality = wire.DataFinalityAccepted
	}

	starting, invalidateFirst, err := s.resolveStartingCursor(request.StartingCursor)
	if err != nil {
		return err
	}

	s.log.Infow("stream opened",
		"starting_cursor", request.StartingCursor.ToChain().String(),
		"finality", finality.String(),
		"filters", len(filters),
	)

	dataStream := NewDataStream(
		filters,
		starting,
		finality,
		s.view,
		s.reader,
		s.schema,
		s.config.HeartbeatInterval.Duration,
		s.log,
	)

	// The engine writes into a bounded channel; a slow consumer blocks the
	// engine at the reserve point instead of inflating memory.
	ch := make(chan *wire.StreamDataResponse, s.config.StreamBufferSize)
	send := func(ctx context.Context, response *wire.StreamDataResponse) error {
		select {
		case ch <- response:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if invalidateFirst != nil {
		if err := send(ctx, invalidateFirst); err != nil {
			return nil
		}
	}

	runErr := make(chan error, 1)
	go func() {
		defer close(ch)
		runErr <- dataStream.Run(ctx, send)
	}()

	for response := range ch {
		metrics.StreamMessageInc(responseType(response))
		if err := stream.SendMsg(response); err != nil {
			// The client went away; the engine stops at its next
			// cancellation checkpoint.
			s.log.Debugw("stream closed by client", "error", err)
			return nil
		}
	}

	if err := <-runErr; err != nil {
		// Internal errors are not leaked to clients.
		return status.Error(codes.Internal, "internal server error")
	}

	return nil
}

func responseType(response *wire.StreamDataResponse) string {
	switch {
	case response.Data != nil:
		return "data"
	case response.Invalidate != nil:
		return "invalidate"
	case response.Finalize != nil:
		return "finalize"
	case response.Heartbeat != nil:
		return "heartbeat"
	case response.SystemMessage != nil:
		return "system_message"
	default:
		return "unknown"
	}
}

// resolveStartingCursor validates the client's cursor against the chain
// view. A reorged cursor produces an immediate Invalidate message so the
// client can roll back before receiving data.
func (s *Server) resolveStartingCursor(cursor *wire.Cursor) (*chain.Cursor, *wire.StreamDataResponse, error) {
	if cursor == nil {
		return nil, nil, nil
	}

	starting := cursor.ToChain()

	if !starting.HasHash() {
		return &starting, nil, nil
	}

	state := s.view.State()
	if state.Recent == nil || starting.Number < state.Recent.Info.FirstBlock.Number {
		// The cursor is in the sealed range: content is immutable, so the
		// number alone is enough.
		return &starting, nil, nil
	}

	action, target, err := state.Recent.Reconnect(starting)
	if err != nil {
		return nil, nil, status.Error(codes.InvalidArgument, "starting cursor is out of range")
	}

	switch action {
	case chain.ReconnectContinue:
		return &starting, nil, nil

	case chain.ReconnectOfflineReorg:
		removed := state.RemovedBlocks(target, starting.Number)
		removedCursors := make([]*wire.Cursor, 0, len(removed))
		for _, c := range removed {
			removedCursors = append(removedCursors, wire.CursorFromChain(c))
		}

		invalidate := &wire.StreamDataResponse{
			Invalidate: &wire.Invalidate{
				Cursor:  wire.CursorFromChain(target),
				Removed: removedCursors,
			},
		}
		return &target, invalidate, nil

	default:
		return nil, nil, status.Error(codes.InvalidArgument, "starting cursor is not on the canonical chain")
	}
}
