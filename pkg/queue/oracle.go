package queue

import (
	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/notify"
)

// oracle answers listener questions from queue state.
type oracle struct {
	q *Queue
}

func (o oracle) PreferredAffinities(clientID uint32) *roaring.Bitmap {
	return o.q.clients.GetPreferredAffinities(clientID)
}

func (o oracle) AffinityPreferred(affID, exceptClient uint32) bool {
	holders := o.q.affinities.GetClientsWithAffinity(affID)
	if exceptClient != 0 {
		holders.Remove(exceptClient)
	}
	return !holders.IsEmpty()
}

func (o oracle) JobsAvailable(l *notify.Listener) bool {
	f := &filter{
		clientID:     l.ClientID,
		affinities:   l.Affinities,
		wnode:        l.WNodeAffinity,
		exclusiveNew: l.ExclusiveNew,
		any:          l.AnyAffinity,
		groupID:      l.GroupID,
	}
	if f.affinities == nil {
		f.affinities = roaring.New()
	}
	now := o.q.Now()
	if l.Kind == notify.KindRead {
		return o.q.pickForRead(f, now) != 0
	}
	if o.q.IsPaused() {
		return false
	}
	jobID, _ := o.q.pickForGet(f, now)
	return jobID != 0
}
