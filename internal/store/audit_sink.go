package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledger-opqueue/internal/opqueue"
)

// AuditSink persists queue lifecycle events in the background so that slow
// database writes never hold up a drain cycle.
type AuditSink struct {
	store   *Store
	log     *zap.Logger
	timeout time.Duration

	events chan opqueue.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAuditSink starts a writer goroutine with room for buffer pending events.
func NewAuditSink(s *Store, log *zap.Logger, buffer int) *AuditSink {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	sink := &AuditSink{
		store:   s,
		log:     log.Named("audit"),
		timeout: 5 * time.Second,
		events:  make(chan opqueue.Event, buffer),
		done:    make(chan struct{}),
	}
	go sink.loop()
	return sink
}

// OnEvent implements opqueue.Listener. Events are dropped with a warning
// when the buffer is full.
func (a *AuditSink) OnEvent(evt opqueue.Event) {
	if evt.Type == opqueue.EventProcessingDue {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- evt:
	default:
		a.log.Warn("audit buffer full, dropping event",
			zap.String("event", string(evt.Type)),
			zap.String("job_id", evt.Job.ID),
		)
	}
}

// Close stops accepting events and waits for the backlog to flush.
func (a *AuditSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditSink) loop() {
	defer close(a.done)
	for evt := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.write(ctx, evt); err != nil {
			a.log.Error("persist event failed",
				zap.String("event", string(evt.Type)),
				zap.String("job_id", evt.Job.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (a *AuditSink) write(ctx context.Context, evt opqueue.Event) error {
	job := evt.Job
	switch evt.Type {
	case opqueue.EventJobPruned, opqueue.EventJobDiscarded:
		if err := a.store.MarkRemoved(ctx, job.ID, evt.Seq); err != nil {
			return err
		}
	default:
		if err := a.store.UpsertJob(ctx, job, evt.Seq); err != nil {
			return err
		}
	}
	return a.store.AppendAudit(ctx, job.ID, string(evt.Type), auditDetail(evt))
}

func auditDetail(evt opqueue.Event) string {
	job := evt.Job
	switch evt.Type {
	case opqueue.EventJobEnqueued:
		return fmt.Sprintf("kind=%s", job.Kind)
	case opqueue.EventJobCompleted:
		return fmt.Sprintf("attempt=%d ref=%s", job.Attempts, job.ResultReference)
	case opqueue.EventJobRetry:
		return fmt.Sprintf("attempt=%d delay=%s error=%s", job.Attempts, evt.Delay, job.Error)
	case opqueue.EventJobDead:
		return fmt.Sprintf("attempts=%d error=%s", job.Attempts, job.Error)
	}
	return ""
}
