package queue

import (
	"context"

	"go.od2.network/nqueue/pkg/notify"
	"go.uber.org/zap"
)

// Pause stops handing out jobs to workers.
// Submits, results and reads carry on, waiting workers stay registered.
// Returns false if the queue was already paused.
func (q *Queue) Pause() bool {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.Log.Info("Paused queue", zap.String("queue.name", q.Name))
	}
	return changed
}

// Resume undoes Pause and wakes the waiting workers that may now get a job.
// Returns false if the queue was not paused.
func (q *Queue) Resume(ctx context.Context) bool {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	q.mu.Unlock()
	if !changed {
		return false
	}
	n := q.listeners.NotifyAvailable(ctx, q.Now(), notify.KindGet)
	q.Log.Info("Resumed queue", zap.String("queue.name", q.Name), zap.Int("queue.woken", n))
	return true
}

// IsPaused reports whether workers are refused jobs.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}
