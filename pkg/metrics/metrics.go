// Package metrics exposes Prometheus instrumentation for the sync service.
//
// Every collector lives on a dedicated registry so tests and embedded uses
// never collide with the process-global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortiblox/X1-Ledgersync/pkg/backfill"
	"github.com/fortiblox/X1-Ledgersync/pkg/indexer"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
)

const namespace = "ledgersync"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	rpcAttempts     *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	endpointHealthy *prometheus.GaugeVec

	backfillSlot      prometheus.Gauge
	backfillPercent   prometheus.Gauge
	backfillProcessed prometheus.Gauge
	backfillFailed    prometheus.Gauge

	reconcileRuns          *prometheus.CounterVec
	reconcileChecked       prometheus.Counter
	reconcileFound         prometheus.Counter
	reconcileResolved      prometheus.Counter
	reconcileDuration      prometheus.Histogram
	reconcileLastCompleted prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "RPC attempts by operation label, endpoint and outcome.",
		}, []string{"label", "endpoint", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "attempt_duration_seconds",
			Help:      "RPC attempt latency by operation label.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"label"}),
		endpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_healthy",
			Help:      "1 when the endpoint is eligible for selection.",
		}, []string{"endpoint"}),
		backfillSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "current_slot",
			Help:      "Slot reached by the running backfill.",
		}),
		backfillPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "progress_percent",
			Help:      "Backfill progress through the requested range.",
		}),
		backfillProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "processed",
			Help:      "References processed by the running backfill.",
		}),
		backfillFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "failed",
			Help:      "References that failed in the running backfill.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by final status.",
		}, []string{"status"}),
		reconcileChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_checked_total",
			Help:      "Tickets compared against the ledger.",
		}),
		reconcileFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "discrepancies_found_total",
			Help:      "Discrepancies detected.",
		}),
		reconcileResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "discrepancies_resolved_total",
			Help:      "Discrepancies corrected from the ledger.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Reconciliation run duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		reconcileLastCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_completed_timestamp_seconds",
			Help:      "Unix time of the last completed run.",
		}),
	}

	m.registry.MustRegister(
		m.rpcAttempts,
		m.rpcDuration,
		m.endpointHealthy,
		m.backfillSlot,
		m.backfillPercent,
		m.backfillProcessed,
		m.backfillFailed,
		m.reconcileRuns,
		m.reconcileChecked,
		m.reconcileFound,
		m.reconcileResolved,
		m.reconcileDuration,
		m.reconcileLastCompleted,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt matches rpcpool.Pool.SetOnAttempt.
func (m *Metrics) ObserveAttempt(label, url string, err error, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.rpcAttempts.WithLabelValues(label, url, outcome).Inc()
	m.rpcDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveHealth matches rpcpool.Pool.SetOnHealthChange.
func (m *Metrics) ObserveHealth(url string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.endpointHealthy.WithLabelValues(url).Set(v)
}

// ObserveRun matches reconcile.Engine.SetOnRun.
func (m *Metrics) ObserveRun(run reconcile.Run) {
	m.reconcileRuns.WithLabelValues(string(run.Status)).Inc()
	m.reconcileChecked.Add(float64(run.RecordsChecked))
	m.reconcileFound.Add(float64(run.DiscrepanciesFound))
	m.reconcileResolved.Add(float64(run.DiscrepanciesResolved))
	m.reconcileDuration.Observe(float64(run.DurationMs) / 1000)
	if run.Status == reconcile.RunStatusCompleted && run.CompletedAt != nil {
		m.reconcileLastCompleted.Set(float64(run.CompletedAt.Unix()))
	}
}

// ObserveBackfill matches backfill.Backfill.SetOnProgress.
func (m *Metrics) ObserveBackfill(p backfill.Progress) {
	m.backfillSlot.Set(float64(p.CurrentSlot))
	m.backfillPercent.Set(p.Percent)
	m.backfillProcessed.Set(float64(p.Result.Processed))
	m.backfillFailed.Set(float64(p.Result.Failed))
}

// RegisterIndexer exposes indexer counters and lag, read from status at
// scrape time.
func (m *Metrics) RegisterIndexer(status func() indexer.Status) {
	gauge := func(name, help string, v func(indexer.Status) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(status()) })
	}
	counter := func(name, help string, v func(indexer.Status) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(status())) })
	}

	m.registry.MustRegister(
		gauge("lag_slots", "Slots between the ledger head and the checkpoint.",
			func(s indexer.Status) float64 { return float64(s.Lag) }),
		gauge("last_processed_slot", "Checkpointed slot.",
			func(s indexer.Status) float64 { return float64(s.LastProcessedSlot) }),
		gauge("push_connected", "1 while the push subscription is connected.",
			func(s indexer.Status) float64 { return boolFloat(s.PushConnected) }),
		gauge("running", "1 while the indexer is in the RUNNING state.",
			func(s indexer.Status) float64 { return boolFloat(s.State == indexer.StateRunning) }),
		counter("ticks_total", "Poll ticks executed.",
			func(s indexer.Status) uint64 { return s.Ticks }),
		counter("ticks_skipped_total", "Poll ticks skipped because one was in flight.",
			func(s indexer.Status) uint64 { return s.SkippedTicks }),
		counter("processed_total", "References processed.",
			func(s indexer.Status) uint64 { return s.Processed }),
		counter("failed_total", "References whose processing failed.",
			func(s indexer.Status) uint64 { return s.Failed }),
		counter("push_triggered_total", "References delivered by push notifications.",
			func(s indexer.Status) uint64 { return s.PushTriggered }),
	)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
