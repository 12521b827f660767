package providers

import (
	"context"
	"fmt"

	"go.od2.network/nqueue/pkg/events"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/queue"
	"go.od2.network/nqueue/pkg/token"
	"go.od2.network/nqueue/pkg/topology"
	"go.uber.org/zap"
)

// NewQueueCollection mounts and loads every queue of the topology.
func NewQueueCollection(
	ctx context.Context,
	log *zap.Logger,
	topo *topology.Config,
	openStore StoreFactory,
	signer token.Signer,
	sender notify.Sender,
	metrics *queue.Metrics,
	forwarder *events.Forwarder,
) (*queue.Collection, error) {
	coll := queue.NewCollection()
	for _, qc := range topo.Queues {
		st, err := openStore(qc.Name)
		if err != nil {
			return nil, err
		}
		q := queue.New(qc.Name, st, signer, sender, qc.Options)
		q.SetLogger(log)
		q.Metrics = metrics
		if forwarder != nil {
			q.Sink = forwarder
		}
		if err := q.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load queue %s: %w", qc.Name, err)
		}
		if err := coll.Add(q); err != nil {
			return nil, err
		}
		log.Info("Mounted queue",
			zap.String("queue.name", qc.Name),
			zap.Uint64("queue.active_jobs", q.CountActiveJobs()))
	}
	return coll, nil
}
