// Package metrics exposes Prometheus collectors for broadcast activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"castbot/internal/broadcast"
)

const namespace = "castbot"

// BroadcastMetrics counts deliveries, runs and conversation transitions.
// All methods are safe on a nil receiver.
type BroadcastMetrics struct {
	deliveries  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runTally    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome and media kind",
		}, []string{"status", "media"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "runs_total",
			Help:      "Completed broadcast runs by audience",
		}, []string{"audience"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a broadcast run including pacing delays",
			Buckets:   []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}, []string{"audience"}),
		runTally: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "run_recipients_total",
			Help:      "Recipients handled by finished runs, by outcome",
		}, []string{"audience", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Draft conversation steps by source, target and acceptance",
		}, []string{"from", "to", "accepted"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveries, m.runs, m.runDuration, m.runTally, m.transitions)
	return m
}

var _ broadcast.Observer = (*BroadcastMetrics)(nil)

// ObserveDelivery matches broadcast.WithDeliveryObserver.
func (m *BroadcastMetrics) ObserveDelivery(_ broadcast.Address, media broadcast.MediaKind, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.deliveries.WithLabelValues(status, media.String()).Inc()
}

func (m *BroadcastMetrics) ObserveRun(audience string, sent, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(audience).Inc()
	m.runDuration.WithLabelValues(audience).Observe(took.Seconds())
	m.runTally.WithLabelValues(audience, "sent").Add(float64(sent))
	m.runTally.WithLabelValues(audience, "failed").Add(float64(failed))
}

func (m *BroadcastMetrics) ObserveTransition(from, to string, accepted bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, strconv.FormatBool(accepted)).Inc()
}

// RegisterSessionGauge exports the number of open conversations.
func RegisterSessionGauge(reg prometheus.Registerer, active func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "conversation",
		Name:      "active_sessions",
		Help:      "Operators currently building a draft",
	}, func() float64 { return float64(active()) }))
}
