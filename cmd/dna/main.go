package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goran-ethernal/dna/internal/blockstore"
	"github.com/goran-ethernal/dna/internal/chainview"
	"github.com/goran-ethernal/dna/internal/common"
	"github.com/goran-ethernal/dna/internal/config"
	"github.com/goran-ethernal/dna/internal/db"
	"github.com/goran-ethernal/dna/internal/evm"
	"github.com/goran-ethernal/dna/internal/ingestion"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/metrics"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/snapshot"
	snapshotmig "github.com/goran-ethernal/dna/internal/snapshot/migrations"
	"github.com/goran-ethernal/dna/internal/storage"
	"github.com/goran-ethernal/dna/internal/stream"
	"github.com/invopop/jsonschema"
	pkgconfig "github.com/goran-ethernal/dna/pkg/config"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dna",
	Short: "DNA - Blockchain data indexer and streaming engine",
	Long: `DNA ingests blocks from a chain's RPC endpoint, indexes them into an
immutable, content-addressed storage layout, and serves filtered, resumable,
reorg-aware streams to many concurrent clients.`,
	Version: version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ingestion pipeline and the streaming server",
	RunE:  runStart,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := jsonschema.Reflect(&pkgconfig.Config{})
		encoded, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode schema: %w", err)
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	startCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	log := logger.NewComponentLoggerFromConfig(common.ComponentIngestion, cfg.Logging)
	defer log.Close()

	// Control plane.
	log.Info("running control-plane migrations")
	if err := snapshotmig.RunMigrations(cfg.ControlPlane.DB.Path); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.ControlPlane.DB)
	if err != nil {
		return fmt.Errorf("failed to open control-plane database: %w", err)
	}
	defer database.Close()

	snapshots, err := snapshot.NewStore(
		database,
		logger.NewComponentLoggerFromConfig(common.ComponentSnapshot, cfg.Logging),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	// Metrics.
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics, snapshots)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	// Object store.
	store, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	cached, err := storage.NewCachedStore(store, cfg.Storage.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create store cache: %w", err)
	}

	writer := blockstore.NewWriter(store)
	reader := blockstore.NewReader(cached)

	// Chain RPC.
	log.Infof("connecting to chain node at %s", cfg.Ingestion.RPCURL)
	client, err := evm.NewClient(ctx, cfg.Ingestion.RPCURL, cfg.Ingestion.Retry)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}
	defer client.Close()

	provider, err := evm.NewProvider(client, evm.ProviderOptions{
		PollInterval:          cfg.Ingestion.PollInterval.Duration,
		FinalizedPollInterval: cfg.Ingestion.FinalizedPollInterval.Duration,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create cursor provider: %w", err)
	}

	segmentOptions := segment.Options{
		SegmentSize: cfg.Ingestion.SegmentSize,
		GroupSize:   cfg.Ingestion.GroupSize,
	}

	// Ingestion, supervised: a fatal pipeline error tears ingestion down
	// while the process keeps serving sealed data; the supervisor then
	// reinitializes it.
	viewReady := make(chan *chainview.View, 1)
	go superviseIngestion(ctx, cfg, provider, writer, reader, snapshots, segmentOptions, viewReady, log)

	var view *chainview.View
	select {
	case view = <-viewReady:
	case <-ctx.Done():
		return nil
	}

	streamServer, err := stream.NewServer(
		cfg.Server,
		view,
		reader,
		evm.Schema,
		logger.NewComponentLoggerFromConfig(common.ComponentStreamServer, cfg.Logging),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream server: %w", err)
	}

	if err := streamServer.Start(ctx); err != nil {
		return fmt.Errorf("stream server failed: %w", err)
	}

	log.Info("DNA stopped")
	return nil
}

func superviseIngestion(
	ctx context.Context,
	cfg *pkgconfig.Config,
	provider *evm.Provider,
	writer *blockstore.Writer,
	reader *blockstore.Reader,
	snapshots *snapshot.Store,
	segmentOptions segment.Options,
	viewReady chan *chainview.View,
	log *logger.Logger,
) {
	var view *chainview.View

	for ctx.Err() == nil {
		driver, err := ingestion.NewDriver(
			provider,
			snapshots,
			ingestion.DriverOptions{
				OverrideStartingBlock: cfg.Ingestion.OverrideStartingBlock,
			},
			logger.NewComponentLoggerFromConfig(common.ComponentDriver, cfg.Logging),
		)
		if err != nil {
			log.Errorf("failed to create ingestion driver: %v", err)
			return
		}

		service, err := ingestion.NewService(
			ingestion.ServiceOptions{
				SegmentOptions:               segmentOptions,
				ChainSegmentSize:             cfg.Ingestion.ChainSegmentSize,
				ChainSegmentUploadOffsetSize: cfg.Ingestion.ChainSegmentUploadOffsetSize,
				MaxConcurrentTasks:           cfg.Ingestion.MaxConcurrentTasks,
			},
			driver,
			provider,
			writer,
			reader,
			snapshots,
			logger.NewComponentLoggerFromConfig(common.ComponentIngestion, cfg.Logging),
		)
		if err != nil {
			log.Errorf("failed to create ingestion service: %v", err)
			return
		}

		if view != nil {
			service.AdoptView(view)
		}

		metrics.ComponentHealthSet(common.ComponentIngestion, true)
		err = service.Run(ctx, viewReady)

		if service.View() != nil {
			view = service.View()
			// Delivered (or no longer needed): later runs adopt the view.
			viewReady = nil
		}

		if ctx.Err() != nil {
			return
		}

		metrics.ComponentHealthSet(common.ComponentIngestion, false)
		log.Errorf("ingestion pipeline failed, restarting: %v", err)

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}
