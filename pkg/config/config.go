package config

import (
	"fmt"
	"time"

	"github.com/goran-ethernal/dna/internal/common"
)

// Config represents the complete configuration for the DNA node.
type Config struct {
	// Ingestion contains the ingestion pipeline configuration
	Ingestion IngestionConfig `yaml:"ingestion" json:"ingestion" toml:"ingestion"`

	// Server contains the streaming server configuration
	Server ServerConfig `yaml:"server" json:"server" toml:"server"`

	// Storage contains the object store configuration
	Storage StorageConfig `yaml:"storage" json:"storage" toml:"storage"`

	// ControlPlane contains the control-plane database configuration
	ControlPlane ControlPlaneConfig `yaml:"control_plane" json:"control_plane" toml:"control_plane"`

	// Metrics contains the metrics server configuration
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics" toml:"metrics"`

	// Logging contains the logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" toml:"logging"`
}

// IngestionConfig represents the configuration for the ingestion pipeline.
type IngestionConfig struct {
	// RPCURL is the chain RPC endpoint URL
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// PollInterval is how often the head cursor is polled
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// FinalizedPollInterval is how often the finalized cursor is polled
	FinalizedPollInterval common.Duration `yaml:"finalized_poll_interval" json:"finalized_poll_interval" toml:"finalized_poll_interval"`

	// MaxConcurrentTasks caps the number of in-flight block fetches
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks" toml:"max_concurrent_tasks"`

	// OverrideStartingBlock forces ingestion to start above the snapshotted block
	OverrideStartingBlock uint64 `yaml:"override_starting_block" json:"override_starting_block" toml:"override_starting_block"`

	// SegmentSize is the number of blocks per sealed segment
	SegmentSize uint64 `yaml:"segment_size" json:"segment_size" toml:"segment_size"`

	// GroupSize is the number of segments per segment group
	GroupSize uint64 `yaml:"group_size" json:"group_size" toml:"group_size"`

	// ChainSegmentSize is the number of blocks per sealed canonical chain segment
	ChainSegmentSize uint64 `yaml:"chain_segment_size" json:"chain_segment_size" toml:"chain_segment_size"`

	// ChainSegmentUploadOffsetSize is how many blocks beyond a chain segment
	// boundary must accumulate before the segment is sealed and uploaded
	ChainSegmentUploadOffsetSize uint64 `yaml:"chain_segment_upload_offset_size" json:"chain_segment_upload_offset_size" toml:"chain_segment_upload_offset_size"`

	// Retry contains the RPC retry configuration
	Retry *RetryConfig `yaml:"retry" json:"retry" toml:"retry"`
}

// ApplyDefaults sets default values for optional ingestion configuration fields.
func (c *IngestionConfig) ApplyDefaults() {
	if c.PollInterval.Duration == 0 {
		c.PollInterval = common.NewDuration(3 * time.Second)
	}
	if c.FinalizedPollInterval.Duration == 0 {
		c.FinalizedPollInterval = common.NewDuration(30 * time.Second)
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = 100
	}
	if c.GroupSize == 0 {
		c.GroupSize = 10
	}
	if c.ChainSegmentSize == 0 {
		c.ChainSegmentSize = 10_000
	}
	if c.ChainSegmentUploadOffsetSize == 0 {
		c.ChainSegmentUploadOffsetSize = 100
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	c.Retry.ApplyDefaults()
}

// RetryConfig represents the RPC retry policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the backoff before the second attempt
	InitialBackoff common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// BackoffMultiplier grows the backoff between attempts
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`

	// MaxBackoff caps the backoff between attempts
	MaxBackoff common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`
}

// ApplyDefaults sets default values for optional retry configuration fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff.Duration == 0 {
		c.InitialBackoff = common.NewDuration(500 * time.Millisecond)
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff.Duration == 0 {
		c.MaxBackoff = common.NewDuration(30 * time.Second)
	}
}

// ServerConfig represents the streaming server configuration.
type ServerConfig struct {
	// ListenAddress is the gRPC listen address
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// HeartbeatInterval is how often heartbeats are sent on idle streams
	HeartbeatInterval common.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" toml:"heartbeat_interval"`

	// StreamBufferSize is the per-stream outgoing message buffer
	StreamBufferSize int `yaml:"stream_buffer_size" json:"stream_buffer_size" toml:"stream_buffer_size"`

	// MaxConcurrentStreams caps the number of connected clients
	MaxConcurrentStreams int `yaml:"max_concurrent_streams" json:"max_concurrent_streams" toml:"max_concurrent_streams"`
}

// ApplyDefaults sets default values for optional server configuration fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0:7007"
	}
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval = common.NewDuration(45 * time.Second)
	}
	if c.StreamBufferSize == 0 {
		c.StreamBufferSize = 64
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 1000
	}
}

// StorageConfig represents the object store configuration.
type StorageConfig struct {
	// Path is the root directory of the local object store
	Path string `yaml:"path" json:"path" toml:"path"`

	// CacheSize is the number of sealed objects kept in the read cache
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`
}

// ApplyDefaults sets default values for optional storage configuration fields.
func (c *StorageConfig) ApplyDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
}

// ControlPlaneConfig represents the control-plane database configuration.
type ControlPlaneConfig struct {
	// DB contains the SQLite database configuration
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`
}

// ApplyDefaults sets default values for optional control-plane configuration fields.
func (c *ControlPlaneConfig) ApplyDefaults() {
	c.DB.ApplyDefaults()
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (c *DatabaseConfig) ApplyDefaults() {
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.Synchronous == "" {
		c.Synchronous = "NORMAL"
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5000
	}
	if c.CacheSize == 0 {
		c.CacheSize = 10000
	}
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 25
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = 5
	}
}

// MetricsConfig represents the metrics server configuration.
type MetricsConfig struct {
	// Enabled turns the metrics server on
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the HTTP listen address
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the metrics endpoint path
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (c *MetricsConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0:9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// LoggingConfig represents the logging configuration.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `yaml:"level" json:"level" toml:"level"`

	// Development enables the console encoder and stack traces
	Development bool `yaml:"development" json:"development" toml:"development"`
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (c *LoggingConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.Ingestion.ApplyDefaults()
	c.Server.ApplyDefaults()
	c.Storage.ApplyDefaults()
	c.ControlPlane.ApplyDefaults()
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
	c.Logging.ApplyDefaults()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Ingestion.RPCURL == "" {
		return fmt.Errorf("ingestion.rpc_url is required")
	}

	if c.Ingestion.SegmentSize == 0 {
		return fmt.Errorf("ingestion.segment_size must be greater than zero")
	}

	if c.Ingestion.GroupSize == 0 {
		return fmt.Errorf("ingestion.group_size must be greater than zero")
	}

	if c.Ingestion.ChainSegmentSize == 0 {
		return fmt.Errorf("ingestion.chain_segment_size must be greater than zero")
	}

	if c.Ingestion.MaxConcurrentTasks < 1 {
		return fmt.Errorf("ingestion.max_concurrent_tasks must be at least 1")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.ControlPlane.DB.Path == "" {
		return fmt.Errorf("control_plane.db.path is required")
	}

	if c.ControlPlane.DB.JournalMode != "" && c.ControlPlane.DB.JournalMode != "WAL" &&
		c.ControlPlane.DB.JournalMode != "DELETE" && c.ControlPlane.DB.JournalMode != "TRUNCATE" &&
		c.ControlPlane.DB.JournalMode != "PERSIST" && c.ControlPlane.DB.JournalMode != "MEMORY" {
		return fmt.Errorf("control_plane.db.journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}

	if c.ControlPlane.DB.Synchronous != "" && c.ControlPlane.DB.Synchronous != "FULL" &&
		c.ControlPlane.DB.Synchronous != "NORMAL" && c.ControlPlane.DB.Synchronous != "OFF" {
		return fmt.Errorf("control_plane.db.synchronous must be one of: FULL, NORMAL, OFF")
	}

	if c.Logging.Level != "" && c.Logging.Level != "debug" && c.Logging.Level != "info" &&
		c.Logging.Level != "warn" && c.Logging.Level != "error" {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return nil
}
