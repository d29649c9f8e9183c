package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal      *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	CascadeAttempts prometheus.Counter
	ToolExecutions  *prometheus.CounterVec
	EnqueuedJobs    prometheus.Counter
	ProcessedJobs   prometheus.Counter
	FailedJobs      prometheus.Counter
	TurnDuration    prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "turns_total",
				Help:      "Completed turns by outcome",
			}, []string{"outcome"}),
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "provider_calls_total",
				Help:      "Provider generate calls by outcome",
			}, []string{"outcome"}),
			CascadeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "cascade_attempts_total",
				Help:      "Credential/model candidates tried",
			}),
			ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "tool_executions_total",
				Help:      "Tool executions by tool and outcome",
			}, []string{"tool", "outcome"}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "queue_enqueued_total",
				Help:      "Total turn jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "queue_processed_total",
				Help:      "Total turn jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loombot",
				Name:      "queue_failed_total",
				Help:      "Total turn jobs failed during processing",
			}),
			TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "loombot",
				Name:      "turn_duration_seconds",
				Help:      "Wall time of one full turn",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.TurnsTotal, global.ProviderCalls, global.CascadeAttempts,
			global.ToolExecutions, global.EnqueuedJobs, global.ProcessedJobs,
			global.FailedJobs, global.TurnDuration,
		)
	})
	return global
}
