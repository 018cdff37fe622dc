package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation kinds used as label values.
const (
	KindDeposit    = "deposit"
	KindWithdraw   = "withdraw"
	KindTransfer   = "transfer"
	KindCommission = "commission"
	KindSettlement = "settlement"
	KindSnapshot   = "snapshot"
)

// Recorder is the observability port handed to the engine and the workers.
type Recorder interface {
	RecordOperation(kind string)
	RecordReplay(kind string)
	RecordFailure(kind, code string)
	RecordLatency(kind string, d time.Duration)
	RecordSettled(n int)
	RecordSnapshots(n int)
}

type Prometheus struct {
	operations *prometheus.CounterVec
	replays    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settled    prometheus.Counter
	snapshots  prometheus.Counter
}

// NewPrometheus registers the wallet collectors on reg. Each call needs its own
// registry; registering twice on the same one panics.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_operations_total",
				Help: "Successful ledger operations by kind",
			},
			[]string{"kind"},
		),
		replays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_idempotent_replays_total",
				Help: "Calls answered with an already recorded transaction",
			},
			[]string{"kind"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_failures_total",
				Help: "Rejected or failed ledger operations by kind and error code",
			},
			[]string{"kind", "code"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_operation_duration_seconds",
				Help:    "Duration of ledger operations and background runs",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"kind"},
		),
		settled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_commissions_settled_total",
				Help: "Commission transactions moved from PENDING to COMPLETED",
			},
		),
		snapshots: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_balance_snapshots_total",
				Help: "Balance snapshots written to the snapshot store",
			},
		),
	}
}

func (p *Prometheus) RecordOperation(kind string) {
	p.operations.WithLabelValues(kind).Inc()
}

func (p *Prometheus) RecordReplay(kind string) {
	p.replays.WithLabelValues(kind).Inc()
}

func (p *Prometheus) RecordFailure(kind, code string) {
	p.failures.WithLabelValues(kind, code).Inc()
}

func (p *Prometheus) RecordLatency(kind string, d time.Duration) {
	p.latency.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Prometheus) RecordSettled(n int) {
	p.settled.Add(float64(n))
}

func (p *Prometheus) RecordSnapshots(n int) {
	p.snapshots.Add(float64(n))
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordOperation(string)              {}
func (Noop) RecordReplay(string)                 {}
func (Noop) RecordFailure(string, string)        {}
func (Noop) RecordLatency(string, time.Duration) {}
func (Noop) RecordSettled(int)                   {}
func (Noop) RecordSnapshots(int)                 {}
