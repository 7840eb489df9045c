package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceStateKeeper  = "statekeeper"
	namespaceCoordinator  = "coordinator"
	namespaceSynchronizer = "synchronizer"
)

var (
	// OpsAccepted accepted operations count
	OpsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "ops_accepted_total",
			Help:      "",
		}, []string{"op"})

	// OpsRejected rejected operations count
	OpsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "ops_rejected_total",
			Help:      "",
		}, []string{"reason"})

	// BlocksCommitted committed blocks count
	BlocksCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "blocks_committed_total",
			Help:      "",
		})

	// BlocksAborted aborted blocks count
	BlocksAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceStateKeeper,
			Name:      "blocks_aborted_total",
			Help:      "",
		})

	// LastCommittedBlock last committed block
	LastCommittedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceStateKeeper,
			Name:      "last_committed_block",
			Help:      "",
		})

	// PendingBlocks committed blocks without proof
	PendingBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCoordinator,
			Name:      "pending_blocks",
			Help:      "",
		})

	// LastProvenBlock last block with proof
	LastProvenBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCoordinator,
			Name:      "last_proven_block",
			Help:      "",
		})

	// StoreErrors failed writes to the history database
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "store_errors_total",
			Help:      "",
		}, []string{"table"})

	// WitnessDuration duration time to build the witness of a block
	WitnessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "witness_duration_ms",
			Help:      "",
		}, []string{"block"})

	// ProofDuration duration time to get the calculated proof from the
	// server.
	ProofDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "proof_duration_ms",
			Help:      "",
		}, []string{"block", "attempt"})

	// SyncedLastBlock last block replayed by the synchronizer
	SyncedLastBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSynchronizer,
			Name:      "synced_last_block",
			Help:      "",
		})
)

func init() {
	prometheus.MustRegister(OpsAccepted, OpsRejected, BlocksCommitted, BlocksAborted,
		LastCommittedBlock, PendingBlocks, LastProvenBlock, StoreErrors, WitnessDuration,
		ProofDuration, SyncedLastBlock)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
