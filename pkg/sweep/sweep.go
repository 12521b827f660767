// Package sweep runs the periodic maintenance of mounted queues.
package sweep

import (
	"context"
	"time"

	"go.od2.network/nqueue/pkg/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure the sweep intervals.
type Options struct {
	TimeoutInterval time.Duration // max sleep between execution timeout checks
	PurgeInterval   time.Duration // expired job and dictionary purge
	ClientsInterval time.Duration // client registry purge
	NotifyInterval  time.Duration // periodic listener wake-ups
	WaitInterval    time.Duration // listener deadline checks
}

// DefaultOptions are the default sweep intervals.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	TimeoutInterval: time.Second,
	PurgeInterval:   time.Minute,
	ClientsInterval: 10 * time.Second,
	NotifyInterval:  100 * time.Millisecond,
	WaitInterval:    time.Second,
}

// Sweeper runs all maintenance loops over a queue collection.
type Sweeper struct {
	Queues  *queue.Collection
	Options Options
	Log     *zap.Logger
}

// Run starts the loops and blocks until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.StepTimeouts) })
	g.Go(func() error { return s.loop(ctx, s.every(s.Options.PurgeInterval, s.StepPurge)) })
	g.Go(func() error { return s.loop(ctx, s.every(s.Options.ClientsInterval, s.StepClients)) })
	g.Go(func() error { return s.loop(ctx, s.every(s.Options.NotifyInterval, s.StepNotify)) })
	g.Go(func() error { return s.loop(ctx, s.every(s.Options.WaitInterval, s.StepWaits)) })
	return g.Wait()
}

type stepFunc func(ctx context.Context) time.Duration

// loop runs step and sleeps for the returned duration.
func (s *Sweeper) loop(ctx context.Context, step stepFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep := step(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Sweeper) every(interval time.Duration, fn func(ctx context.Context)) stepFunc {
	return func(ctx context.Context) time.Duration {
		fn(ctx)
		return interval
	}
}

// StepTimeouts reclaims expired leases on all queues.
// Returns the time until the next lease can expire, capped at TimeoutInterval.
func (s *Sweeper) StepTimeouts(ctx context.Context) time.Duration {
	sleep := s.Options.TimeoutInterval
	for _, q := range s.Queues.Queues() {
		n, err := q.CheckExecutionTimeout(ctx)
		if err != nil {
			s.Log.Warn("Execution timeout check failed",
				zap.String("queue.name", q.Name), zap.Error(err))
		} else if n > 0 {
			s.Log.Debug("Reclaimed expired leases",
				zap.String("queue.name", q.Name), zap.Int("jobs", n))
		}
		if next, ok := q.NextTimeout(); ok {
			if d := next.Sub(q.Now()); d < sleep {
				sleep = d
			}
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// StepPurge deletes expired jobs and collects unused dictionary entries.
func (s *Sweeper) StepPurge(ctx context.Context) {
	for _, q := range s.Queues.Queues() {
		if _, err := q.Purge(ctx); err != nil {
			s.Log.Warn("Purge failed",
				zap.String("queue.name", q.Name), zap.Error(err))
		}
	}
}

// StepClients purges inactive clients.
func (s *Sweeper) StepClients(_ context.Context) {
	for _, q := range s.Queues.Queues() {
		q.PurgeClients()
	}
}

// StepNotify wakes listeners that still have jobs available.
func (s *Sweeper) StepNotify(ctx context.Context) {
	for _, q := range s.Queues.Queues() {
		q.NotifyPeriodically(ctx)
	}
}

// StepWaits drops listeners past their deadline.
func (s *Sweeper) StepWaits(_ context.Context) {
	for _, q := range s.Queues.Queues() {
		q.CheckWaitTimeouts()
	}
}
