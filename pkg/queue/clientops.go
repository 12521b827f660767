package queue

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// Touch registers client activity without doing anything else.
// Transports call it when a client connects.
func (q *Queue) Touch(ctx context.Context, ident clients.Identity, role clients.Role) (clients.TouchResult, error) {
	return q.touch(ctx, ident, role)
}

// ClearWorkerNode releases everything a node holds,
// as if its session had ended.
func (q *Queue) ClearWorkerNode(ctx context.Context, ident clients.Identity) error {
	if err := requireNode(ident); err != nil {
		return err
	}
	q.mu.Lock()
	clientID := q.clients.Lookup(ident.Node)
	res := q.clients.ClearWorkerNode(ident.Node)
	if res.Found {
		q.affinities.RemoveClientFromAffinities(clientID, res.Affinities)
		q.listeners.UnregisterPort(clientID, 0)
	}
	q.mu.Unlock()
	if !res.Found {
		q.Log.Debug("Clear of unknown node", zap.String("client.node", ident.Node))
		return nil
	}
	q.Log.Info("Clearing worker node",
		zap.String("client.node", ident.Node),
		zap.Uint64("client.running", res.Running.GetCardinality()),
		zap.Uint64("client.reading", res.Reading.GetCardinality()))
	return q.releaseJobs(ctx, res.Running, res.Reading, jobs.EventClear, ident)
}

// AffinityChange lists the preferences actually added and removed.
type AffinityChange struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// ChangeAffinity adds and removes preferred affinities of a worker.
// Added affinities are created if needed, unknown removed ones are ignored.
func (q *Queue) ChangeAffinity(ctx context.Context, ident clients.Identity, add, remove []string) (*AffinityChange, error) {
	return q.editAffinities(ctx, ident, add, func(clientID uint32, addIDs *roaring.Bitmap) (added, removed *roaring.Bitmap) {
		removeIDs := roaring.New()
		for _, tok := range remove {
			if id := q.affinities.GetIDByToken(tok); id != 0 {
				removeIDs.Add(id)
			}
		}
		return q.clients.UpdatePreferredAffinities(clientID, addIDs, removeIDs)
	})
}

// SetAffinity replaces the preferred affinities of a worker.
func (q *Queue) SetAffinity(ctx context.Context, ident clients.Identity, affinities []string) (*AffinityChange, error) {
	return q.editAffinities(ctx, ident, affinities, func(clientID uint32, ids *roaring.Bitmap) (added, removed *roaring.Bitmap) {
		return q.clients.SetPreferredAffinities(clientID, ids)
	})
}

func (q *Queue) editAffinities(ctx context.Context, ident clients.Identity, tokens []string,
	edit func(clientID uint32, ids *roaring.Bitmap) (added, removed *roaring.Bitmap)) (*AffinityChange, error) {
	if err := requireNode(ident); err != nil {
		return nil, err
	}
	touched, err := q.touch(ctx, ident, clients.RoleWorker)
	if err != nil {
		return nil, err
	}
	change := new(AffinityChange)
	var added *roaring.Bitmap
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		ids := roaring.New()
		for _, tok := range tokens {
			id, apply, err := q.affinities.ResolveToken(tx, tok)
			if err != nil {
				return err
			}
			if apply != nil {
				p.commit(apply)
			}
			if id != 0 {
				ids.Add(id)
			}
		}
		p.commit(func() {
			var removed *roaring.Bitmap
			added, removed = edit(touched.ID, ids)
			it := added.Iterator()
			for it.HasNext() {
				q.affinities.AddClientToAffinity(touched.ID, it.Next())
			}
			q.affinities.RemoveClientFromAffinities(touched.ID, removed)
			change.Added = q.affinityTokens(added)
			change.Removed = q.affinityTokens(removed)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Waiting workers may now match pending jobs of the new affinities.
	now := q.Now()
	it := added.Iterator()
	for it.HasNext() {
		q.listeners.Notify(ctx, now, notify.KindGet, it.Next(), 0)
	}
	return change, nil
}

func (q *Queue) affinityTokens(ids *roaring.Bitmap) []string {
	out := make([]string, 0, ids.GetCardinality())
	it := ids.Iterator()
	for it.HasNext() {
		if tok, ok := q.affinities.GetTokenByID(it.Next()); ok {
			out = append(out, tok)
		}
	}
	return out
}

// CancelWaitGet removes the Get listener of a client.
// Returns false if the client was not waiting.
func (q *Queue) CancelWaitGet(ident clients.Identity) bool {
	return q.cancelWait(ident, notify.KindGet, clients.WaitGet)
}

// CancelWaitRead removes the Read listener of a client.
func (q *Queue) CancelWaitRead(ident clients.Identity) bool {
	return q.cancelWait(ident, notify.KindRead, clients.WaitRead)
}

func (q *Queue) cancelWait(ident clients.Identity, kind notify.Kind, waitKind clients.WaitKind) bool {
	clientID := q.clients.Lookup(ident.Node)
	if clientID == 0 {
		q.Log.Debug("Cancel wait of unknown client", zap.String("client.node", ident.Node))
		return false
	}
	q.clients.ResetWaiting(clientID, waitKind)
	if !q.listeners.UnregisterListener(clientID, kind) {
		q.Log.Debug("Cancel wait without listener",
			zap.String("client.node", ident.Node),
			zap.Stringer("listener.kind", kind))
		return false
	}
	return true
}

func waitKindOf(kind notify.Kind) clients.WaitKind {
	if kind == notify.KindRead {
		return clients.WaitRead
	}
	return clients.WaitGet
}
