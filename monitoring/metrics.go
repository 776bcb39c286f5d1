package monitoring

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/nodecore/lnnode/payments"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnnode"

// outcome returns the outcome label of an operation.
func outcome(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}

// Metrics holds the node's collectors. The Observe methods are meant to be
// plugged into the hooks of the subsystems. A nil *Metrics drops every
// observation.
type Metrics struct {
	registry *prometheus.Registry

	processingPasses *prometheus.CounterVec
	passDuration     prometheus.Histogram
	fatalPersists    prometheus.Counter

	syncPasses   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec

	broadcasts *prometheus.CounterVec

	writebackWrites *prometheus.CounterVec

	paymentUpdates *prometheus.CounterVec
}

// NewMetrics creates and registers the node's collectors on a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processingPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bgprocessor",
				Name:      "passes_total",
				Help:      "Number of background processing passes.",
			},
			[]string{"outcome"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bgprocessor",
				Name:      "pass_duration_seconds",
				Help:      "Duration of background processing passes.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		fatalPersists: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bgprocessor",
				Name:      "fatal_persist_failures_total",
				Help: "Number of channel manager persistence " +
					"failures that shut the node down.",
			},
		),
		syncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "passes_total",
				Help:      "Number of sync passes by task.",
			},
			[]string{"task", "outcome"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "pass_duration_seconds",
				Help:      "Duration of sync passes by task.",
				Buckets: prometheus.ExponentialBuckets(
					0.05, 2, 12,
				),
			},
			[]string{"task"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "txs_total",
				Help:      "Number of transaction broadcasts.",
			},
			[]string{"outcome"},
		),
		writebackWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "writeback",
				Name:      "writes_total",
				Help:      "Number of writeback document writes.",
			},
			[]string{"outcome"},
		),
		paymentUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "updates_total",
				Help: "Number of committed payment updates by " +
					"kind and status.",
			},
			[]string{"kind", "status"},
		),
	}

	m.registry.MustRegister(
		m.processingPasses, m.passDuration, m.fatalPersists,
		m.syncPasses, m.syncDuration, m.broadcasts,
		m.writebackWrites, m.paymentUpdates,
		prometheus.NewGoCollector(),
	)

	startTime := time.Now()
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Uptime of the node in seconds.",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	))

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterWalletBalance exports the wallet balance read from balance on each
// scrape.
func (m *Metrics) RegisterWalletBalance(
	balance func() (confirmed, unconfirmed btcutil.Amount)) {

	if m == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "confirmed_balance_sat",
			Help:      "Confirmed onchain balance in satoshis.",
		},
		func() float64 {
			confirmed, _ := balance()
			return float64(confirmed)
		},
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "unconfirmed_balance_sat",
			Help:      "Unconfirmed onchain balance in satoshis.",
		},
		func() float64 {
			_, unconfirmed := balance()
			return float64(unconfirmed)
		},
	))
}

// ObserveProcessingPass records a background processing pass.
func (m *Metrics) ObserveProcessingPass(elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	m.processingPasses.WithLabelValues(outcome(err)).Inc()
	m.passDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.fatalPersists.Inc()
	}
}

// SyncObserver returns a hook recording the passes of the named sync task.
func (m *Metrics) SyncObserver(task string) func(time.Duration, error) {
	return func(elapsed time.Duration, err error) {
		if m == nil {
			return
		}

		m.syncPasses.WithLabelValues(task, outcome(err)).Inc()
		m.syncDuration.WithLabelValues(task).Observe(elapsed.Seconds())
	}
}

// ObserveBroadcast records a transaction broadcast.
func (m *Metrics) ObserveBroadcast(err error) {
	if m == nil {
		return
	}

	m.broadcasts.WithLabelValues(outcome(err)).Inc()
}

// ObserveWritebackWrite records a writeback document write.
func (m *Metrics) ObserveWritebackWrite(err error) {
	if m == nil {
		return
	}

	m.writebackWrites.WithLabelValues(outcome(err)).Inc()
}

// ObservePayment records a committed payment update.
func (m *Metrics) ObservePayment(p payments.Payment) {
	if m == nil {
		return
	}

	m.paymentUpdates.WithLabelValues(
		p.Kind().String(), p.Status().String(),
	).Inc()
}
