package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	DispatchErrors   *prometheus.CounterVec
	ModerationHits   prometheus.Counter
	RateLimitHits    prometheus.Counter
	VotesTotal       *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	QueuedDispatches prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatmux",
				Name:      "turns_total",
				Help:      "Completed generation turns by model",
			}, []string{"model"}),
			DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatmux",
				Name:      "dispatch_errors_total",
				Help:      "Terminal dispatch errors by class",
			}, []string{"class"}),
			ModerationHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmux",
				Name:      "moderation_hits_total",
				Help:      "User turns redacted by the moderation filter",
			}),
			RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatmux",
				Name:      "rate_limit_hits_total",
				Help:      "Turns rejected by a rate limiter",
			}),
			VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatmux",
				Name:      "votes_total",
				Help:      "Vote records by kind",
			}, []string{"kind"}),
			ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chatmux",
				Name:      "active_streams",
				Help:      "In-flight backend streams",
			}),
			QueuedDispatches: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "chatmux",
				Name:      "queued_dispatches",
				Help:      "Dispatches waiting on the concurrency ceiling",
			}),
		}
		prometheus.MustRegister(
			global.TurnsTotal,
			global.DispatchErrors,
			global.ModerationHits,
			global.RateLimitHits,
			global.VotesTotal,
			global.ActiveStreams,
			global.QueuedDispatches,
		)
	})
	return global
}
