package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

func TestRecorder_CountsLifecycle(t *testing.T) {
	q := opqueue.New(opqueue.Config{MaxAttempts: 2, InitialDelay: time.Millisecond})
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	q.Subscribe(NewRecorder(q))

	kind := models.KindWhitelistProducer
	enq := testutil.ToFloat64(EnqueueCounter.WithLabelValues(string(kind)))
	retry := testutil.ToFloat64(RetryCounter.WithLabelValues(string(kind)))
	dead := testutil.ToFloat64(DeadLetterCounter.WithLabelValues(string(kind)))

	if _, err := q.Enqueue(kind, map[string]any{"producerId": "p-metrics"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fail := opqueue.ProcessorFunc(func(context.Context, models.Job) (opqueue.Result, error) {
		return opqueue.Result{}, errors.New("rejected")
	})
	q.Drain(context.Background(), fail)
	time.Sleep(5 * time.Millisecond)
	q.Drain(context.Background(), fail)

	if got := testutil.ToFloat64(EnqueueCounter.WithLabelValues(string(kind))) - enq; got != 1 {
		t.Fatalf("enqueued delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RetryCounter.WithLabelValues(string(kind))) - retry; got != 1 {
		t.Fatalf("retry delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DeadLetterCounter.WithLabelValues(string(kind))) - dead; got != 1 {
		t.Fatalf("dead letter delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(JobsGauge.WithLabelValues(string(models.StatusDead))); got != 1 {
		t.Fatalf("dead gauge = %v, want 1", got)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	EnqueueCounter.WithLabelValues(string(models.KindMint)).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	Handler() // registering twice must not panic

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "opqueue_jobs_enqueued_total") {
		t.Fatalf("metrics output missing enqueue counter")
	}
}
