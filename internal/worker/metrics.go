package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results used as the "result" label
const (
	resultSuccess        = "success"
	resultProbeError     = "probe_error"
	resultReconcileError = "reconcile_error"
)

// Metrics are the poll worker's Prometheus collectors
type Metrics struct {
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	playersOnline   prometheus.Gauge
	playersCredited prometheus.Counter
	newPlayers      prometheus.Counter
	driftTotal      prometheus.Counter
	listenerErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	cyclesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		},
		[]string{"result"},
	)
	registerer.MustRegister(cyclesTotal)

	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "poll",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent probing and reconciling one cycle.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	registerer.MustRegister(cycleDuration)

	playersOnline := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence", Subsystem: "poll", Name: "players_online",
		Help: "Players in the latest snapshot.",
	})
	registerer.MustRegister(playersOnline)

	playersCredited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Subsystem: "poll", Name: "players_credited_total",
		Help: "Player sightings credited with playtime.",
	})
	registerer.MustRegister(playersCredited)

	newPlayers := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Subsystem: "poll", Name: "new_players_total",
		Help: "Players seen for the first time.",
	})
	registerer.MustRegister(newPlayers)

	driftTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Subsystem: "poll", Name: "drift_total",
		Help: "Cycles that started far from one interval after the previous one.",
	})
	registerer.MustRegister(driftTotal)

	listenerErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Subsystem: "poll", Name: "listener_errors_total",
		Help: "Cycle listener notifications that failed.",
	})
	registerer.MustRegister(listenerErrors)

	// Pre-create the result series so they export as zero.
	for _, result := range []string{resultSuccess, resultProbeError, resultReconcileError} {
		cyclesTotal.WithLabelValues(result)
	}

	return &Metrics{
		cyclesTotal:     cyclesTotal,
		cycleDuration:   cycleDuration,
		playersOnline:   playersOnline,
		playersCredited: playersCredited,
		newPlayers:      newPlayers,
		driftTotal:      driftTotal,
		listenerErrors:  listenerErrors,
	}
}
