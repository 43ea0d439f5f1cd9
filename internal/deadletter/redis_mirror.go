package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

// RedisMirror copies the dead-letter collection into Redis for operational
// inspection. The in-process queue stays the source of truth. Writes happen
// on a background goroutine so a slow Redis never stalls the queue.
type RedisMirror struct {
	client  redis.UniversalClient
	listKey string
	jobsKey string
	log     *zap.Logger
	timeout time.Duration

	events chan opqueue.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRedisMirror builds a mirror writing to the list key and its ":jobs" hash
// and starts its writer with room for buffer pending events.
func NewRedisMirror(client redis.UniversalClient, key string, log *zap.Logger, buffer int) *RedisMirror {
	if key == "" {
		key = "opqueue:dlq"
	}
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	m := &RedisMirror{
		client:  client,
		listKey: key,
		jobsKey: key + ":jobs",
		log:     log.Named("dlq"),
		timeout: 2 * time.Second,
		events:  make(chan opqueue.Event, buffer),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// OnEvent implements opqueue.Listener. It never waits on Redis; events are
// dropped with a warning when the buffer is full.
func (m *RedisMirror) OnEvent(evt opqueue.Event) {
	switch evt.Type {
	case opqueue.EventJobDead, opqueue.EventJobReinstated, opqueue.EventJobDiscarded:
	default:
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- evt:
	default:
		m.log.Warn("dead letter mirror buffer full, dropping event",
			zap.String("event", string(evt.Type)),
			zap.String("job_id", evt.Job.ID),
		)
	}
}

// Close stops accepting events and waits for queued writes to finish.
func (m *RedisMirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *RedisMirror) loop() {
	defer close(m.done)
	for evt := range m.events {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		var err error
		if evt.Type == opqueue.EventJobDead {
			err = m.Push(ctx, evt.Job)
		} else {
			err = m.Remove(ctx, evt.Job.ID)
		}
		cancel()
		if err != nil {
			m.log.Error("mirror dead letter failed",
				zap.String("event", string(evt.Type)),
				zap.String("job_id", evt.Job.ID),
				zap.Error(err),
			)
		}
	}
}

// Push appends a dead-lettered job and stores its snapshot.
func (m *RedisMirror) Push(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, m.listKey, 0, job.ID)
	pipe.RPush(ctx, m.listKey, job.ID)
	pipe.HSet(ctx, m.jobsKey, job.ID, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops a job from the mirror.
func (m *RedisMirror) Remove(ctx context.Context, jobID string) error {
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, m.listKey, 0, jobID)
	pipe.HDel(ctx, m.jobsKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Peek reads up to count mirrored jobs, oldest first.
func (m *RedisMirror) Peek(ctx context.Context, count int64) ([]models.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	ids, err := m.client.LRange(ctx, m.listKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := m.client.HMGet(ctx, m.jobsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			m.log.Warn("dead letter snapshot missing", zap.String("job_id", ids[i]))
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, job)
	}
	return out, nil
}

// Depth returns how many jobs are mirrored.
func (m *RedisMirror) Depth(ctx context.Context) (int64, error) {
	return m.client.LLen(ctx, m.listKey).Result()
}
