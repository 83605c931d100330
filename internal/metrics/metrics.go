package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	headBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_head_block",
			Help: "The current chain head block number",
		},
	)

	finalizedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_finalized_block",
			Help: "The current finalized block number",
		},
	)

	ingestedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_ingested_block",
			Help: "The last block number successfully ingested",
		},
	)

	blocksIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dna_blocks_ingested_total",
			Help: "Total number of blocks ingested",
		},
	)

	segmentsSealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dna_segments_sealed_total",
			Help: "Total number of segments sealed and uploaded",
		},
	)

	groupsSealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dna_segment_groups_sealed_total",
			Help: "Total number of segment groups sealed and uploaded",
		},
	)

	reorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dna_reorgs_total",
			Help: "Total number of chain reorganizations applied",
		},
	)

	reorgedBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dna_reorged_blocks_total",
			Help: "Total number of blocks removed by reorganizations",
		},
	)

	// Stream metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_active_streams",
			Help: "Number of connected data streams",
		},
	)

	streamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_stream_messages_total",
			Help: "Total number of messages sent to stream clients",
		},
		[]string{"type"},
	)

	// RPC metrics
	rpcCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_rpc_calls_total",
			Help: "Total number of upstream RPC calls",
		},
		[]string{"method"},
	)

	rpcCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dna_rpc_call_duration_seconds",
			Help:    "Duration of upstream RPC calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_rpc_errors_total",
			Help: "Total number of upstream RPC errors",
		},
		[]string{"method"},
	)

	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_rpc_retries_total",
			Help: "Total number of upstream RPC retries",
		},
		[]string{"method"},
	)

	// Storage metrics
	objectReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_object_reads_total",
			Help: "Total number of object store reads",
		},
		[]string{"tier"},
	)

	objectWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dna_object_writes_total",
			Help: "Total number of object store writes",
		},
		[]string{"tier"},
	)

	// System metrics
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dna_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dna_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dna_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func HeadBlockSet(blockNum uint64) {
	headBlock.Set(float64(blockNum))
}

func FinalizedBlockSet(blockNum uint64) {
	finalizedBlock.Set(float64(blockNum))
}

func IngestedBlockSet(blockNum uint64) {
	ingestedBlock.Set(float64(blockNum))
}

func BlocksIngestedInc() {
	blocksIngested.Inc()
}

func SegmentsSealedInc() {
	segmentsSealed.Inc()
}

func GroupsSealedInc() {
	groupsSealed.Inc()
}

func ReorgsInc(removedBlocks uint64) {
	reorgs.Inc()
	reorgedBlocks.Add(float64(removedBlocks))
}

func StreamMessageInc(messageType string) {
	streamMessages.WithLabelValues(messageType).Inc()
}

func RPCCallInc(method string) {
	rpcCalls.WithLabelValues(method).Inc()
}

func RPCCallDuration(method string, duration time.Duration) {
	rpcCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RPCErrorInc(method string) {
	rpcErrors.WithLabelValues(method).Inc()
}

func RPCRetryInc(method string) {
	rpcRetries.WithLabelValues(method).Inc()
}

func ObjectReadInc(tier string) {
	objectReads.WithLabelValues(tier).Inc()
}

func ObjectWriteInc(tier string) {
	objectWrites.WithLabelValues(tier).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	boolAsFloat := float64(1)
	if !healthy {
		boolAsFloat = 0
	}

	ComponentHealth.WithLabelValues(component).Set(boolAsFloat)
}

// UpdateSystemMetrics updates runtime system metrics.
// This should be called periodically (e.g., every 15 seconds).
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
