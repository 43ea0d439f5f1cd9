package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledger-opqueue/internal/models"
)

// Result is what a processor reports for a successful attempt.
type Result struct {
	// Reference is an opaque success artifact, e.g. a transaction hash.
	Reference string
}

// Processor performs the external operation for a job. A non-nil error, a
// panic, or running past the processing timeout all count as a failed attempt.
// The context is cancelled when the processing timeout elapses.
type Processor interface {
	Process(ctx context.Context, job models.Job) (Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job models.Job) (Result, error)

// Process calls f(ctx, job).
func (f ProcessorFunc) Process(ctx context.Context, job models.Job) (Result, error) {
	return f(ctx, job)
}

// Drain runs one cycle over the PENDING jobs that are due, earliest
// NextAttemptAt first, and returns how many attempts it made. If another
// cycle is in flight or the queue is shut down it returns 0 immediately.
//
// Cancelling ctx stops the cycle from starting further jobs; attempts already
// started run to completion or timeout.
func (q *Queue) Drain(ctx context.Context, p Processor) int {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.drains.Add(1)
	due := q.dueLocked(q.now())
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.rescheduleLocked()
		q.mu.Unlock()
		q.drains.Done()
	}()

	if len(due) == 0 {
		return 0
	}
	q.log.Debug("drain cycle", zap.Int("due", len(due)))

	if q.cfg.Concurrency <= 1 {
		n := 0
		for _, id := range due {
			if q.process(ctx, id, p) {
				n++
			}
		}
		return n
	}

	attempted := make([]bool, len(due))
	g := new(errgroup.Group)
	g.SetLimit(q.cfg.Concurrency)
	for i, id := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			attempted[i] = q.process(ctx, id, p)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range attempted {
		if ok {
			n++
		}
	}
	return n
}

// Run drains on every wake-up and at least once per PollInterval until ctx
// is done.
func (q *Queue) Run(ctx context.Context, p Processor) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.Drain(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.due:
		case <-ticker.C:
		}
		q.Drain(ctx, p)
	}
}

// Shutdown stops the wake-up timer, refuses new work and waits for an
// in-flight drain cycle to finish or for ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.stopTimerLocked()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.drains.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for drain: %w", ctx.Err())
	}
}

func (q *Queue) dueLocked(now time.Time) []string {
	entries := make([]*entry, 0)
	for _, e := range q.jobs {
		if e.job.Status == models.StatusPending && !e.job.NextAttemptAt.After(now) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.job.NextAttemptAt.Equal(b.job.NextAttemptAt) {
			return a.job.NextAttemptAt.Before(b.job.NextAttemptAt)
		}
		return a.seq < b.seq
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.job.ID
	}
	return ids
}

// process makes one attempt at a job and records the outcome. It reports
// whether an attempt was made.
func (q *Queue) process(ctx context.Context, id string, p Processor) bool {
	if ctx.Err() != nil {
		return false
	}

	q.mu.Lock()
	e, ok := q.jobs[id]
	now := q.now()
	if !ok || e.job.Status != models.StatusPending || e.job.NextAttemptAt.After(now) {
		q.mu.Unlock()
		return false
	}
	e.job.Status = models.StatusProcessing
	e.job.Attempts++
	started := now
	e.job.LastAttemptAt = &started
	snap := e.snapshot()
	q.mu.Unlock()

	ref, err := q.invoke(ctx, p, snap)

	q.mu.Lock()
	now = q.now()
	var evt Event
	if err == nil {
		e.job.Status = models.StatusCompleted
		e.job.ResultReference = ref
		evt = Event{Type: EventJobCompleted, Job: e.snapshot(), At: now, Seq: q.nextEventLocked()}
	} else {
		evt = q.failLocked(e, err, now)
	}
	q.mu.Unlock()

	switch evt.Type {
	case EventJobCompleted:
		q.log.Info("job completed",
			zap.String("job_id", id),
			zap.String("kind", string(evt.Job.Kind)),
			zap.Int("attempts", evt.Job.Attempts),
			zap.String("reference", ref),
		)
	case EventJobRetry:
		q.log.Warn("job attempt failed, retry scheduled",
			zap.String("job_id", id),
			zap.String("kind", string(evt.Job.Kind)),
			zap.Int("attempts", evt.Job.Attempts),
			zap.Duration("backoff", evt.Delay),
			zap.Error(err),
		)
	case EventJobDead:
		q.log.Error("job moved to dead letter",
			zap.String("job_id", id),
			zap.String("kind", string(evt.Job.Kind)),
			zap.Int("attempts", evt.Job.Attempts),
			zap.Error(err),
		)
	}
	q.emit(evt)
	return true
}

// failLocked records a failed attempt: dead-letter once the attempt budget is
// spent, otherwise back to PENDING after the backoff delay.
func (q *Queue) failLocked(e *entry, cause error, now time.Time) Event {
	e.job.Error = cause.Error()
	if e.job.Attempts >= e.job.MaxAttempts {
		e.job.Status = models.StatusDead
		delete(q.jobs, e.job.ID)
		q.dead[e.job.ID] = e
		return Event{Type: EventJobDead, Job: e.snapshot(), At: now, Seq: q.nextEventLocked()}
	}
	delay := q.backoff.Delay(e.job.Attempts)
	e.job.Status = models.StatusPending
	e.job.NextAttemptAt = now.Add(delay)
	q.rescheduleLocked()
	return Event{Type: EventJobRetry, Job: e.snapshot(), At: now, Delay: delay, Seq: q.nextEventLocked()}
}

type outcome struct {
	ref string
	err error
}

// invoke races the processor against the processing timeout. A late result
// lands in a buffered channel nobody reads and is dropped.
func (q *Queue) invoke(ctx context.Context, p Processor, job models.Job) (string, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("processor panicked", zap.String("job_id", job.ID), zap.String("panic", fmt.Sprint(r)))
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := p.Process(runCtx, job)
		done <- outcome{ref: res.Reference, err: err}
	}()

	return q.await(runCtx, done)
}

// await settles one attempt. A reported success always wins, even when it
// lands together with the deadline: the ledger write already happened and
// retrying it would repeat it. A failure seen after the deadline is reported
// as a timeout.
func (q *Queue) await(runCtx context.Context, done <-chan outcome) (string, error) {
	timedOut := fmt.Errorf("%w after %s", ErrProcessingTimeout, q.cfg.ProcessingTimeout)
	select {
	case o := <-done:
		if o.err == nil {
			return o.ref, nil
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", timedOut
		}
		return "", o.err
	case <-runCtx.Done():
		select {
		case o := <-done:
			if o.err == nil {
				return o.ref, nil
			}
		default:
		}
		return "", timedOut
	}
}
