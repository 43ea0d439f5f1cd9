// Package opqueue is an in-process job queue for costly, irreversible ledger
// operations. It deduplicates submissions by idempotency key, retries failed
// attempts with exponential backoff, quarantines exhausted jobs in a
// dead-letter collection, and publishes lifecycle events.
//
// State lives only in process memory. Listeners (metrics, audit, dead-letter
// mirror, receipt archive) are the way to get data out of the process.
package opqueue

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-opqueue/internal/models"
)

var (
	ErrQueueClosed       = errors.New("opqueue: queue closed")
	ErrKindRequired      = errors.New("opqueue: kind is required")
	ErrPayloadRequired   = errors.New("opqueue: payload is required")
	ErrProcessingTimeout = errors.New("opqueue: processing timed out")
)

// Queue owns job records, idempotency keys, the dead-letter collection and
// the wake-up timer. All job mutation happens inside the queue; callers only
// ever see snapshots.
type Queue struct {
	cfg     Config
	backoff Backoff
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	jobs     map[string]*entry
	dead     map[string]*entry
	keys     map[string]string
	seq      uint64
	evtSeq   uint64
	timer    *time.Timer
	timerGen uint64
	wakeAt   time.Time
	draining bool
	closed   bool
	drains   sync.WaitGroup

	due chan struct{}

	lmu          sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

type entry struct {
	job models.Job
	seq uint64
}

func (e *entry) snapshot() models.Job {
	j := e.job
	j.Payload = maps.Clone(e.job.Payload)
	if e.job.LastAttemptAt != nil {
		t := *e.job.LastAttemptAt
		j.LastAttemptAt = &t
	}
	return j
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log.Named("opqueue")
		}
	}
}

// WithClock replaces time.Now for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs an empty queue. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		backoff:   NewBackoff(cfg),
		log:       zap.NewNop(),
		now:       time.Now,
		jobs:      make(map[string]*entry),
		dead:      make(map[string]*entry),
		keys:      make(map[string]string),
		due:       make(chan struct{}, 1),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective queue configuration.
func (q *Queue) Config() Config { return q.cfg }

type enqueueOptions struct {
	key string
}

// EnqueueOption configures a single submission.
type EnqueueOption func(*enqueueOptions)

// WithIdempotencyKey overrides the key derived from kind and payload.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.key = key }
}

// Enqueue registers a new job, or returns the id of the job already holding
// the same idempotency key. It never waits on external work.
func (q *Queue) Enqueue(kind models.Kind, payload map[string]any, opts ...EnqueueOption) (string, error) {
	if kind == "" {
		return "", ErrKindRequired
	}
	if payload == nil {
		return "", ErrPayloadRequired
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := o.key
	if key == "" {
		derived, err := DeriveKey(kind, payload)
		if err != nil {
			return "", fmt.Errorf("derive idempotency key: %w", err)
		}
		key = derived
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if id, ok := q.keys[key]; ok {
		q.mu.Unlock()
		q.log.Debug("duplicate submission", zap.String("job_id", id), zap.String("idempotency_key", key))
		return id, nil
	}
	now := q.now()
	q.seq++
	e := &entry{
		seq: q.seq,
		job: models.Job{
			ID:             uuid.NewString(),
			Kind:           kind,
			Payload:        maps.Clone(payload),
			Status:         models.StatusPending,
			MaxAttempts:    q.cfg.MaxAttempts,
			CreatedAt:      now,
			NextAttemptAt:  now,
			IdempotencyKey: key,
		},
	}
	q.jobs[e.job.ID] = e
	q.keys[key] = e.job.ID
	evt := Event{Type: EventJobEnqueued, Job: e.snapshot(), At: now, Seq: q.nextEventLocked()}
	q.rescheduleLocked()
	q.mu.Unlock()

	q.log.Debug("job enqueued", zap.String("job_id", evt.Job.ID), zap.String("kind", string(kind)))
	q.emit(evt)
	return evt.Job.ID, nil
}

// GetJob returns a snapshot of the job from the active or dead-letter collection.
func (q *Queue) GetJob(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.jobs[id]; ok {
		return e.snapshot(), true
	}
	if e, ok := q.dead[id]; ok {
		return e.snapshot(), true
	}
	return models.Job{}, false
}

// JobsByStatus lists active jobs in the given status, oldest first.
// DEAD jobs live in the dead-letter collection; see DeadLetters.
func (q *Queue) JobsByStatus(status models.Status) []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if status == models.StatusDead {
		return sortedSnapshots(q.dead)
	}
	matched := make(map[string]*entry)
	for id, e := range q.jobs {
		if e.job.Status == status {
			matched[id] = e
		}
	}
	return sortedSnapshots(matched)
}

// DeadLetters lists the dead-letter collection in the order jobs were enqueued.
func (q *Queue) DeadLetters() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedSnapshots(q.dead)
}

// Stats counts jobs per status across both collections.
func (q *Queue) Stats() models.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s models.Stats
	for _, e := range q.jobs {
		switch e.job.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusProcessing:
			s.Processing++
		case models.StatusCompleted:
			s.Completed++
		}
	}
	s.Dead = len(q.dead)
	s.Total = len(q.jobs) + len(q.dead)
	return s
}

// RetryDeadLetter moves a dead-lettered job back into the active collection
// with a fresh attempt budget. It reports whether the job was found.
func (q *Queue) RetryDeadLetter(id string) bool {
	q.mu.Lock()
	e, ok := q.dead[id]
	if !ok || q.closed {
		q.mu.Unlock()
		return false
	}
	now := q.now()
	delete(q.dead, id)
	e.job.Attempts = 0
	e.job.Status = models.StatusPending
	e.job.NextAttemptAt = now
	e.job.Error = ""
	q.jobs[id] = e
	if _, held := q.keys[e.job.IdempotencyKey]; !held {
		q.keys[e.job.IdempotencyKey] = id
	}
	evt := Event{Type: EventJobReinstated, Job: e.snapshot(), At: now, Seq: q.nextEventLocked()}
	q.rescheduleLocked()
	q.mu.Unlock()

	q.log.Info("dead letter reinstated", zap.String("job_id", id), zap.String("kind", string(evt.Job.Kind)))
	q.emit(evt)
	return true
}

// DiscardDeadLetter drops a dead-lettered job for good and releases its
// idempotency key so identical work can be submitted again.
func (q *Queue) DiscardDeadLetter(id string) bool {
	q.mu.Lock()
	e, ok := q.dead[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.dead, id)
	q.releaseKeyLocked(e)
	evt := Event{Type: EventJobDiscarded, Job: e.snapshot(), At: q.now(), Seq: q.nextEventLocked()}
	q.mu.Unlock()

	q.log.Info("dead letter discarded", zap.String("job_id", id))
	q.emit(evt)
	return true
}

// PruneCompleted removes COMPLETED jobs whose last attempt is older than
// olderThan and frees their idempotency keys. Dead letters are never pruned.
func (q *Queue) PruneCompleted(olderThan time.Duration) int {
	q.mu.Lock()
	now := q.now()
	cutoff := now.Add(-olderThan)
	var pruned []Event
	for id, e := range q.jobs {
		if e.job.Status != models.StatusCompleted || e.job.LastAttemptAt == nil {
			continue
		}
		if !e.job.LastAttemptAt.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		q.releaseKeyLocked(e)
		pruned = append(pruned, Event{Type: EventJobPruned, Job: e.snapshot(), At: now, Seq: q.nextEventLocked()})
	}
	q.mu.Unlock()

	if len(pruned) > 0 {
		q.log.Debug("pruned completed jobs", zap.Int("count", len(pruned)))
	}
	q.emit(pruned...)
	return len(pruned)
}

// nextEventLocked numbers events in the order the state changes happened,
// which can differ from the order listeners receive them.
func (q *Queue) nextEventLocked() uint64 {
	q.evtSeq++
	return q.evtSeq
}

func (q *Queue) releaseKeyLocked(e *entry) {
	if q.keys[e.job.IdempotencyKey] == e.job.ID {
		delete(q.keys, e.job.IdempotencyKey)
	}
}

func sortedSnapshots(m map[string]*entry) []models.Job {
	entries := make([]*entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}
