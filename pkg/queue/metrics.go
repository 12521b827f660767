package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.od2.network/nqueue/pkg/jobs"
)

type counter uint8

const (
	counterSubmitted counter = iota
	counterDispatched
	counterDone
	counterFailed
	counterRead
	counterCanceled
	counterTimeouts
	counterPurged
	counterConflicts
	numCounters
)

var counterNames = [numCounters]string{
	counterSubmitted:  "queue_jobs_submitted",
	counterDispatched: "queue_jobs_dispatched",
	counterDone:       "queue_jobs_done",
	counterFailed:     "queue_jobs_failed",
	counterRead:       "queue_jobs_read",
	counterCanceled:   "queue_jobs_canceled",
	counterTimeouts:   "queue_jobs_timeouts",
	counterPurged:     "queue_jobs_purged",
	counterConflicts:  "queue_tx_conflicts",
}

// Metrics are the counters shared by all queues.
// A nil *Metrics records nothing.
type Metrics struct {
	counters [numCounters]metric.Int64Counter
}

// NewMetrics registers the queue counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	for i, name := range counterNames {
		var err error
		metrics.counters[i], err = m.NewInt64Counter(name)
		if err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) add(ctx context.Context, c counter, queue string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.counters[c].Add(ctx, n, attribute.String("queue", queue))
}

// ObserveJobs registers a gauge of job counts per queue and status.
func ObserveJobs(m metric.Meter, c *Collection) error {
	_, err := m.NewInt64UpDownSumObserver("queue_jobs", func(_ context.Context, res metric.Int64ObserverResult) {
		for _, q := range c.Queues() {
			for _, s := range jobs.Statuses {
				res.Observe(int64(q.status.Count(s)),
					attribute.String("queue", q.Name),
					attribute.String("status", s.String()))
			}
		}
	})
	return err
}
