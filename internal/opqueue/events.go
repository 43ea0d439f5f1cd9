package opqueue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"ledger-opqueue/internal/models"
)

// EventType tags a lifecycle event.
type EventType string

const (
	EventJobEnqueued   EventType = "jobEnqueued"
	EventJobCompleted  EventType = "jobCompleted"
	EventJobRetry      EventType = "jobRetry"
	EventJobDead       EventType = "jobDead"
	EventProcessingDue EventType = "processingDue"
	EventJobReinstated EventType = "jobReinstated"
	EventJobDiscarded  EventType = "jobDiscarded"
	EventJobPruned     EventType = "jobPruned"
)

// Event is published after each queue state change. Job is a snapshot taken
// at the time of the change and is the zero value for EventProcessingDue.
type Event struct {
	Type EventType
	Job  models.Job
	At   time.Time
	// Delay is the scheduled backoff for EventJobRetry.
	Delay time.Duration
	// Seq increases with every state change of the queue. Listeners on
	// different goroutines may observe events out of Seq order.
	Seq uint64
}

// Listener receives lifecycle events. OnEvent runs on the goroutine that
// changed the queue, outside the queue lock; it must not block for long.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(evt).
func (f ListenerFunc) OnEvent(evt Event) { f(evt) }

// Subscribe registers l for all future events. The returned func removes it.
func (q *Queue) Subscribe(l Listener) func() {
	q.lmu.Lock()
	q.nextListener++
	id := q.nextListener
	q.listeners[id] = l
	q.lmu.Unlock()

	return func() {
		q.lmu.Lock()
		delete(q.listeners, id)
		q.lmu.Unlock()
	}
}

func (q *Queue) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	q.lmu.RLock()
	ls := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		ls = append(ls, l)
	}
	q.lmu.RUnlock()

	for _, evt := range events {
		for _, l := range ls {
			q.deliver(l, evt)
		}
	}
}

func (q *Queue) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("listener panicked",
				zap.String("event", string(evt.Type)),
				zap.String("job_id", evt.Job.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.OnEvent(evt)
}
