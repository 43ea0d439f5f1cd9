package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opqueue_jobs_enqueued_total", Help: "Jobs accepted into the queue"}, []string{"kind"})
	CompletedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opqueue_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"kind"})
	RetryCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opqueue_jobs_retried_total", Help: "Failed attempts scheduled for retry"}, []string{"kind"})
	DeadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opqueue_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter collection"}, []string{"kind"})
	ReinstateCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "opqueue_jobs_reinstated_total", Help: "Dead letters reinstated by operators"}, []string{"kind"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "opqueue_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	RetryDelay        = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "opqueue_retry_delay_seconds", Help: "Scheduled backoff before the next attempt", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})
	JobsGauge         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "opqueue_jobs", Help: "Jobs currently held per status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CompletedCounter,
			RetryCounter,
			DeadLetterCounter,
			ReinstateCounter,
			RateLimitRejects,
			RetryDelay,
			JobsGauge,
		)
	})
	return promhttp.Handler()
}

// StatsSource is the part of the queue the recorder reads gauges from.
type StatsSource interface {
	Stats() models.Stats
}

// Recorder turns queue lifecycle events into metrics.
type Recorder struct {
	stats StatsSource
}

// NewRecorder builds a recorder; stats may be nil to skip the per-status gauge.
func NewRecorder(stats StatsSource) *Recorder {
	return &Recorder{stats: stats}
}

// OnEvent implements opqueue.Listener.
func (r *Recorder) OnEvent(evt opqueue.Event) {
	kind := string(evt.Job.Kind)
	switch evt.Type {
	case opqueue.EventJobEnqueued:
		EnqueueCounter.WithLabelValues(kind).Inc()
	case opqueue.EventJobCompleted:
		CompletedCounter.WithLabelValues(kind).Inc()
	case opqueue.EventJobRetry:
		RetryCounter.WithLabelValues(kind).Inc()
		RetryDelay.Observe(evt.Delay.Seconds())
	case opqueue.EventJobDead:
		DeadLetterCounter.WithLabelValues(kind).Inc()
	case opqueue.EventJobReinstated:
		ReinstateCounter.WithLabelValues(kind).Inc()
	case opqueue.EventProcessingDue:
		return
	}
	r.refresh()
}

func (r *Recorder) refresh() {
	if r.stats == nil {
		return
	}
	s := r.stats.Stats()
	JobsGauge.WithLabelValues(string(models.StatusPending)).Set(float64(s.Pending))
	JobsGauge.WithLabelValues(string(models.StatusProcessing)).Set(float64(s.Processing))
	JobsGauge.WithLabelValues(string(models.StatusCompleted)).Set(float64(s.Completed))
	JobsGauge.WithLabelValues(string(models.StatusDead)).Set(float64(s.Dead))
}
