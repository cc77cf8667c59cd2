// Package metrics holds the Prometheus collectors of the market engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector.
type Metrics struct {
	VotesPlaced    *prometheus.CounterVec
	VotesRejected  *prometheus.CounterVec
	StakesSettled  *prometheus.CounterVec
	PayoutTotal    prometheus.Counter
	MarketsCreated prometheus.Counter
	MarketsEnded   *prometheus.CounterVec
	MarketsPurged  prometheus.Counter
	SweepDuration  prometheus.Histogram
	SweepErrors    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	WSClients      prometheus.Gauge
	CacheLookups   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VotesPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_votes_placed_total",
			Help: "Votes accepted, by side and whether they replaced an earlier vote",
		}, []string{"side", "update"}),

		VotesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_votes_rejected_total",
			Help: "Votes refused, by error kind",
		}, []string{"kind"}),

		StakesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_stakes_settled_total",
			Help: "Stakes settled, by result",
		}, []string{"result"}),

		PayoutTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "votemarket_payout_total",
			Help: "Sum of rewards credited to winning stakes",
		}),

		MarketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "votemarket_markets_created_total",
			Help: "Markets created",
		}),

		MarketsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_markets_ended_total",
			Help: "Markets ended, by outcome",
		}, []string{"outcome"}),

		MarketsPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "votemarket_markets_purged_total",
			Help: "Ended markets removed after retention",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "votemarket_sweep_duration_seconds",
			Help:    "Duration of one settlement sweep",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),

		SweepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_sweep_errors_total",
			Help: "Errors during a sweep, by phase",
		}, []string{"phase"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_http_requests_total",
			Help: "HTTP requests, by method and status code",
		}, []string{"method", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "votemarket_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "votemarket_ws_clients",
			Help: "Connected websocket clients",
		}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "votemarket_cache_lookups_total",
			Help: "Market cache lookups, by result",
		}, []string{"result"}),
	}
}

// VotePlaced records an accepted vote.
func (m *Metrics) VotePlaced(side string, update bool) {
	if m == nil {
		return
	}
	u := "false"
	if update {
		u = "true"
	}
	m.VotesPlaced.WithLabelValues(side, u).Inc()
}

// VoteRejected records a refused vote.
func (m *Metrics) VoteRejected(kind string) {
	if m == nil {
		return
	}
	m.VotesRejected.WithLabelValues(kind).Inc()
}

// StakeSettled records one settled stake and, for winners, its payout.
func (m *Metrics) StakeSettled(winner bool, payout float64) {
	if m == nil {
		return
	}
	if winner {
		m.StakesSettled.WithLabelValues("won").Inc()
		m.PayoutTotal.Add(payout)
		return
	}
	m.StakesSettled.WithLabelValues("lost").Inc()
}

// MarketCreated records a new market.
func (m *Metrics) MarketCreated() {
	if m == nil {
		return
	}
	m.MarketsCreated.Inc()
}

// MarketEnded records a market reaching its deadline.
func (m *Metrics) MarketEnded(outcome string) {
	if m == nil {
		return
	}
	m.MarketsEnded.WithLabelValues(outcome).Inc()
}

// MarketPurged records a purged market.
func (m *Metrics) MarketPurged() {
	if m == nil {
		return
	}
	m.MarketsPurged.Inc()
}

// SweepFinished records the duration of a sweep.
func (m *Metrics) SweepFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

// SweepError records a failure in a sweep phase.
func (m *Metrics) SweepError(phase string) {
	if m == nil {
		return
	}
	m.SweepErrors.WithLabelValues(phase).Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusLabel(code)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}

// WSClientsChanged adjusts the connected client gauge.
func (m *Metrics) WSClientsChanged(delta int) {
	if m == nil {
		return
	}
	m.WSClients.Add(float64(delta))
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
