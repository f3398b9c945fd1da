package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer, in which case every call is a
// no-op.
type Metrics struct {
	TokensIssued       *prometheus.CounterVec
	TokensRevoked      *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	Rotations          *prometheus.CounterVec
	SweepExpired       prometheus.Counter
	SweepFailures      prometheus.Counter
	SweepDuration      prometheus.Histogram
	HubConnections     prometheus.Gauge
	HubBound           prometheus.Gauge
	HubDelivered       prometheus.Counter
	HubDropped         *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "simplechat_tokens_issued_total",
			Help: "Tokens issued, by kind",
		}, []string{"kind"}),
		TokensRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "simplechat_tokens_revoked_total",
			Help: "Token records flipped to revoked, by cause",
		}, []string{"cause"}),
		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "simplechat_token_validation_failures_total",
			Help: "Failed token validations, by reason",
		}, []string{"reason"}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "simplechat_token_rotations_total",
			Help: "Rotation attempts, by outcome",
		}, []string{"outcome"}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "simplechat_sweep_expired_total",
			Help: "Token records marked expired by the sweep",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "simplechat_sweep_failures_total",
			Help: "Per record sweep failures",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "simplechat_sweep_duration_seconds",
			Help:    "Duration of a full sweep pass",
			Buckets: prometheus.DefBuckets,
		}),
		HubConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "simplechat_hub_connections",
			Help: "Open broadcast connections",
		}),
		HubBound: f.NewGauge(prometheus.GaugeOpts{
			Name: "simplechat_hub_bound_connections",
			Help: "Broadcast connections bound to an identity",
		}),
		HubDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "simplechat_hub_packets_delivered_total",
			Help: "Packets written to recipients",
		}),
		HubDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "simplechat_hub_packets_dropped_total",
			Help: "Packets dropped, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddRevoked(cause string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRevoked.WithLabelValues(cause).Add(float64(n))
}

func (m *Metrics) IncValidationFailure(reason string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRotation(outcome string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(seconds float64, expired, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failed))
}

func (m *Metrics) SetHub(connections, bound int) {
	if m == nil {
		return
	}
	m.HubConnections.Set(float64(connections))
	m.HubBound.Set(float64(bound))
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.HubDelivered.Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.HubDropped.WithLabelValues(reason).Inc()
}
