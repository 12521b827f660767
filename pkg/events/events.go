// Package events forwards committed job transitions to Kafka.
package events

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.od2.network/nqueue/pkg/queue"
	"go.od2.network/nqueue/pkg/topology"
	"go.uber.org/zap"
)

// Record is the Kafka message value of a job event.
type Record struct {
	ID        uuid.UUID `msgpack:"id"`
	Queue     string    `msgpack:"queue"`
	JobID     uint32    `msgpack:"job_id"`
	Index     int       `msgpack:"index"`
	Status    string    `msgpack:"status"`
	Kind      string    `msgpack:"kind"`
	Timestamp time.Time `msgpack:"ts"`
	Node      string    `msgpack:"node,omitempty"`
	RetCode   int32     `msgpack:"ret_code,omitempty"`
	ErrorMsg  string    `msgpack:"error_msg,omitempty"`
}

// NewRecord converts a job event.
func NewRecord(ev queue.JobEvent) Record {
	return Record{
		ID:        uuid.New(),
		Queue:     ev.Queue,
		JobID:     ev.JobID,
		Index:     ev.Index,
		Status:    ev.Event.Status.String(),
		Kind:      ev.Event.Kind.String(),
		Timestamp: ev.Event.Timestamp,
		Node:      ev.Event.Node,
		RetCode:   ev.Event.RetCode,
		ErrorMsg:  ev.Event.ErrorMsg,
	}
}

// Options configure the forwarder.
type Options struct {
	Backlog       int           // buffered events before dropping
	BatchSize     int           // max messages per produce call
	FlushInterval time.Duration // max delay of a partial batch
	MaxRetries    uint64        // produce attempts per batch
}

// DefaultOptions are the default forwarder options.
var DefaultOptions = Options{
	Backlog:       4096,
	BatchSize:     256,
	FlushInterval: 250 * time.Millisecond,
	MaxRetries:    5,
}

// Forwarder publishes job events to one Kafka topic per queue.
//
// Publish never blocks. Events are dropped when the backlog is full.
type Forwarder struct {
	Producer sarama.SyncProducer
	Options  Options
	Log      *zap.Logger

	ch      chan queue.JobEvent
	dropped int64
	sent    int64
}

// NewForwarder creates a forwarder. Call Run to start producing.
func NewForwarder(producer sarama.SyncProducer, opts Options, log *zap.Logger) *Forwarder {
	return &Forwarder{
		Producer: producer,
		Options:  opts,
		Log:      log,
		ch:       make(chan queue.JobEvent, opts.Backlog),
	}
}

// Publish enqueues an event.
func (f *Forwarder) Publish(ev queue.JobEvent) {
	select {
	case f.ch <- ev:
	default:
		if atomic.AddInt64(&f.dropped, 1) == 1 {
			f.Log.Warn("Event backlog full, dropping events", zap.Int("events.backlog", cap(f.ch)))
		}
	}
}

// Dropped returns the number of events lost to a full backlog.
func (f *Forwarder) Dropped() int64 {
	return atomic.LoadInt64(&f.dropped)
}

// Sent returns the number of produced events.
func (f *Forwarder) Sent() int64 {
	return atomic.LoadInt64(&f.sent)
}

// Run produces events until the context is canceled.
// Buffered events are flushed before returning.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		if err := f.step(ctx); err != nil {
			return err
		}
	}
}

// step collects one batch and produces it.
func (f *Forwarder) step(ctx context.Context) error {
	batch := make([]queue.JobEvent, 0, f.Options.BatchSize)
	select {
	case <-ctx.Done():
		return f.drain(ctx.Err())
	case ev := <-f.ch:
		batch = append(batch, ev)
	}
	timer := time.NewTimer(f.Options.FlushInterval)
	defer timer.Stop()
collect:
	for len(batch) < f.Options.BatchSize {
		select {
		case ev := <-f.ch:
			batch = append(batch, ev)
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	return f.produce(context.Background(), batch)
}

// drain flushes what is left in the backlog and returns cause.
func (f *Forwarder) drain(cause error) error {
	for {
		batch := make([]queue.JobEvent, 0, f.Options.BatchSize)
	fill:
		for len(batch) < f.Options.BatchSize {
			select {
			case ev := <-f.ch:
				batch = append(batch, ev)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return cause
		}
		if err := f.produce(context.Background(), batch); err != nil {
			return err
		}
	}
}

func (f *Forwarder) produce(ctx context.Context, batch []queue.JobEvent) error {
	msgs := make([]*sarama.ProducerMessage, len(batch))
	for i, ev := range batch {
		value, err := msgpack.Marshal(NewRecord(ev))
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], ev.JobID)
		msgs[i] = &sarama.ProducerMessage{
			Topic: topology.QueueTopic(ev.Queue, topology.TopicQueueEvents),
			Key:   sarama.ByteEncoder(key[:]),
			Value: sarama.ByteEncoder(value),
		}
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.Options.MaxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		return f.Producer.SendMessages(msgs)
	}, policy, func(err error, d time.Duration) {
		f.Log.Warn("Failed to produce events, retrying", zap.Error(err), zap.Duration("retry.delay", d))
	})
	if err != nil {
		return fmt.Errorf("failed to send events to Kafka: %w", err)
	}
	atomic.AddInt64(&f.sent, int64(len(msgs)))
	f.Log.Debug("Flushed events", zap.Int("events", len(msgs)))
	return nil
}
