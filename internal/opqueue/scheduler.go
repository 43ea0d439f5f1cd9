package opqueue

import (
	"time"

	"ledger-opqueue/internal/models"
)

// rescheduleLocked arms a one-shot timer for the earliest NextAttemptAt
// among PENDING jobs, replacing any timer armed for a different instant.
func (q *Queue) rescheduleLocked() {
	if q.closed {
		return
	}
	var earliest time.Time
	found := false
	for _, e := range q.jobs {
		if e.job.Status != models.StatusPending {
			continue
		}
		if !found || e.job.NextAttemptAt.Before(earliest) {
			earliest = e.job.NextAttemptAt
			found = true
		}
	}
	if !found {
		q.stopTimerLocked()
		return
	}
	if q.timer != nil && q.wakeAt.Equal(earliest) {
		return
	}
	q.stopTimerLocked()

	delay := earliest.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	q.timerGen++
	gen := q.timerGen
	q.wakeAt = earliest
	q.timer = time.AfterFunc(delay, func() { q.fire(gen) })
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.wakeAt = time.Time{}
}

// fire signals that processing is due. A timer that was replaced before it
// ran is ignored.
func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if q.closed || gen != q.timerGen || q.timer == nil {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.wakeAt = time.Time{}
	evt := Event{Type: EventProcessingDue, At: q.now(), Seq: q.nextEventLocked()}
	q.mu.Unlock()

	q.emit(evt)
	select {
	case q.due <- struct{}{}:
	default:
	}
}

// NextWakeUp returns when the armed wake-up timer fires, if any.
func (q *Queue) NextWakeUp() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeAt, q.timer != nil
}
