// Package metrics exposes Prometheus metrics of a shard node.
package metrics

import (
	"net/http"
	"time"

	"cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shareledger.dev/ysl/internal/types"
)

const namespace = "ysl"

// Ledger is the point-in-time view of a shard exported as gauges.
type Ledger struct {
	Shard          string
	TotalAssets    math.Int
	TotalSupply    math.Int
	Unvested       math.Int
	Requested      math.Int
	ExchangeRate   math.Int // assets per 10^6 shares
	LastEpoch      uint64
	Paused         bool
	TreasuryShares math.Int
}

// Metrics holds the collectors of one node, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	txTotal     *prometheus.CounterVec
	txDuration  *prometheus.HistogramVec
	eventsTotal *prometheus.CounterVec
	height      prometheus.Gauge

	totalAssets    *prometheus.GaugeVec
	totalSupply    *prometheus.GaugeVec
	unvested       *prometheus.GaugeVec
	requested      *prometheus.GaugeVec
	exchangeRate   *prometheus.GaugeVec
	lastEpoch      *prometheus.GaugeVec
	paused         *prometheus.GaugeVec
	treasuryShares *prometheus.GaugeVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	shard := []string{"shard"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, shard)
	}

	return &Metrics{
		registry: reg,
		txTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Delivered transactions by type and result",
		}, []string{"type", "status"}),
		txDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time spent executing a delivered transaction",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"type"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed ledger events by kind",
		}, []string{"kind"}),
		height: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Height of the last committed block",
		}),
		totalAssets:    gauge("total_assets", "Vested assets backing outstanding shares"),
		totalSupply:    gauge("total_supply", "Outstanding shares"),
		unvested:       gauge("unvested_assets", "Distributed yield not yet vested"),
		requested:      gauge("requested_assets", "Assets frozen by open redemption requests"),
		exchangeRate:   gauge("exchange_rate", "Assets per 10^6 shares"),
		lastEpoch:      gauge("last_epoch", "Last applied distribution epoch"),
		paused:         gauge("paused", "1 while holder operations are paused"),
		treasuryShares: gauge("treasury_shares", "Shares held by the fee treasury"),
	}
}

// Registry returns the registry holding the node collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTx counts a delivered transaction.
func (m *Metrics) RecordTx(txType types.TransactionType, took time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.txTotal.WithLabelValues(string(txType), status).Inc()
	m.txDuration.WithLabelValues(string(txType)).Observe(took.Seconds())
}

// RecordEvent counts a committed event.
func (m *Metrics) RecordEvent(e types.Event) {
	m.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
}

// SetHeight records the last committed block height.
func (m *Metrics) SetHeight(h int64) { m.height.Set(float64(h)) }

// ObserveLedger updates the ledger gauges.
func (m *Metrics) ObserveLedger(l Ledger) {
	m.totalAssets.WithLabelValues(l.Shard).Set(toFloat(l.TotalAssets))
	m.totalSupply.WithLabelValues(l.Shard).Set(toFloat(l.TotalSupply))
	m.unvested.WithLabelValues(l.Shard).Set(toFloat(l.Unvested))
	m.requested.WithLabelValues(l.Shard).Set(toFloat(l.Requested))
	m.exchangeRate.WithLabelValues(l.Shard).Set(toFloat(l.ExchangeRate))
	m.lastEpoch.WithLabelValues(l.Shard).Set(float64(l.LastEpoch))
	m.treasuryShares.WithLabelValues(l.Shard).Set(toFloat(l.TreasuryShares))
	p := 0.0
	if l.Paused {
		p = 1
	}
	m.paused.WithLabelValues(l.Shard).Set(p)
}

func toFloat(v math.Int) float64 {
	if v.IsNil() {
		return 0
	}
	f, _ := v.BigInt().Float64()
	return f
}
