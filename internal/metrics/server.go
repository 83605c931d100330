package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/goran-ethernal/dna/internal/snapshot"
	"github.com/goran-ethernal/dna/pkg/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server that exposes Prometheus metrics, the health
// check, and the control-plane status endpoint.
type Server struct {
	config    *config.MetricsConfig
	snapshots *snapshot.Store
	server    *http.Server
	stopCh    chan struct{}
}

// NewServer creates a new metrics server. The snapshot store may be nil;
// the /status endpoint then reports 404.
func NewServer(config *config.MetricsConfig, snapshots *snapshot.Store) *Server {
	return &Server{
		config:    config,
		snapshots: snapshots,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the metrics HTTP server and begins collecting system metrics.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()

	mux.Handle(s.config.Path, promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.updateSystemMetrics(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// handleStatus serves the control-plane registers and snapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.NotFound(w, r)
		return
	}

	registers, err := s.snapshots.Registers()
	if err != nil {
		http.Error(w, "failed to read registers", http.StatusInternalServerError)
		return
	}

	snap, err := s.snapshots.Read()
	if err != nil {
		http.Error(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}

	status := map[string]any{
		"starting_block": registers.StartingBlock,
		"finalized":      registers.Finalized,
		"ingested":       registers.Ingested,
	}
	if snap != nil {
		status["snapshot"] = map[string]any{
			"revision": snap.Revision,
			"segment_options": map[string]any{
				"segment_size": snap.SegmentOptions.SegmentSize,
				"group_size":   snap.SegmentOptions.GroupSize,
			},
			"ingestion": map[string]any{
				"first_block_number":  snap.Ingestion.FirstBlockNumber,
				"group_count":         snap.Ingestion.GroupCount,
				"extra_segment_count": snap.Ingestion.ExtraSegmentCount,
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	close(s.stopCh)

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	return nil
}

// updateSystemMetrics periodically updates system-level metrics.
func (s *Server) updateSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			UpdateSystemMetrics()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}
