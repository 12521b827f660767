// Package notify wakes clients waiting for jobs to run or read.
//
// Waiting clients register a listener and disconnect.
// When a matching job shows up, the registry sends a datagram to the listener's port.
// Delivery is at-least-once, listeners must re-check with the queue.
package notify

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/ratelimit"
	"go.uber.org/zap"
)

// Kind is what a listener waits for.
type Kind uint8

// Listener kinds.
const (
	KindGet Kind = iota
	KindRead
)

func (k Kind) String() string {
	if k == KindRead {
		return "read"
	}
	return "get"
}

// Listener is a client waiting for a job.
type Listener struct {
	ClientID uint32
	Node     string
	Addr     string
	Port     uint16
	Kind     Kind
	Deadline time.Time

	// Filters, mirroring the dispatch tiers.
	Affinities    *roaring.Bitmap
	WNodeAffinity bool
	ExclusiveNew  bool
	AnyAffinity   bool
	GroupID       uint32 // zero matches any group

	lastNotified time.Time
}

func (l *Listener) noFilters() bool {
	return (l.Affinities == nil || l.Affinities.IsEmpty()) && !l.WNodeAffinity && !l.ExclusiveNew
}

// Oracle answers questions about queue state on behalf of the registry.
type Oracle interface {
	// PreferredAffinities returns the preferred affinities of a client.
	PreferredAffinities(clientID uint32) *roaring.Bitmap
	// AffinityPreferred checks whether a client other than exceptClient prefers an affinity.
	AffinityPreferred(affID, exceptClient uint32) bool
	// JobsAvailable checks whether the listener could get a job right now.
	JobsAvailable(l *Listener) bool
}

// Options are the notification timing parameters.
type Options struct {
	HiFreqInterval   time.Duration // periodic sweep interval
	HiFreqPeriod     time.Duration // how long high frequency mode lasts after a Notify
	LoFreqMultiplier uint64        // low frequency sweeps run every n-th interval
	Handicap         time.Duration // minimum gap between immediate notifications of a listener
}

// DefaultOptions returns the default notification timing.
func DefaultOptions() Options {
	return Options{
		HiFreqInterval:   100 * time.Millisecond,
		HiFreqPeriod:     5 * time.Second,
		LoFreqMultiplier: 50,
	}
}

type listenerKey struct {
	clientID uint32
	kind     Kind
}

// Registry holds the listeners of a queue.
//
// Registry is safe for concurrent use.
type Registry struct {
	Queue   string
	Log     *zap.Logger
	Sender  Sender
	Oracle  Oracle
	Limiter *ratelimit.Limiter
	Options

	mu          sync.Mutex
	listeners   map[listenerKey]*Listener
	hiFreqUntil time.Time
	ticks       uint64
}

// NewRegistry creates an empty listener registry.
func NewRegistry(queue string, sender Sender, oracle Oracle, opts Options) *Registry {
	return &Registry{
		Queue:     queue,
		Log:       zap.NewNop(),
		Sender:    sender,
		Oracle:    oracle,
		Options:   opts,
		listeners: make(map[listenerKey]*Listener),
	}
}

// RegisterListener adds or replaces the listener of a client.
func (r *Registry) RegisterListener(l Listener) {
	if l.Affinities == nil {
		l.Affinities = roaring.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[listenerKey{l.ClientID, l.Kind}] = &l
}

// UnregisterListener removes a listener.
// Returns false if there was nothing to remove.
func (r *Registry) UnregisterListener(clientID uint32, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := listenerKey{clientID, kind}
	if _, ok := r.listeners[key]; !ok {
		return false
	}
	delete(r.listeners, key)
	return true
}

// UnregisterPort removes all listeners of a client using the given port.
func (r *Registry) UnregisterPort(clientID uint32, port uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, l := range r.listeners {
		if key.clientID == clientID && (port == 0 || l.Port == port) {
			delete(r.listeners, key)
			n++
		}
	}
	return n
}

// Matches checks whether a job with the given affinity and group may satisfy a listener.
func (r *Registry) Matches(l *Listener, affID, groupID uint32) bool {
	if l.GroupID != 0 && l.GroupID != groupID {
		return false
	}
	if l.AnyAffinity {
		return true
	}
	if affID != 0 && l.Affinities.Contains(affID) {
		return true
	}
	if l.WNodeAffinity && affID != 0 && r.Oracle != nil &&
		r.Oracle.PreferredAffinities(l.ClientID).Contains(affID) {
		return true
	}
	if l.ExclusiveNew && (affID == 0 || r.Oracle == nil || !r.Oracle.AffinityPreferred(affID, 0)) {
		return true
	}
	if l.noFilters() {
		return affID == 0 || r.Oracle == nil || !r.Oracle.AffinityPreferred(affID, l.ClientID)
	}
	return false
}

// Notify wakes listeners that may take a newly available job,
// and switches the periodic sweep to high frequency.
// Listeners notified within the handicap are left to the sweep.
func (r *Registry) Notify(ctx context.Context, now time.Time, kind Kind, affID, groupID uint32) int {
	r.mu.Lock()
	r.hiFreqUntil = now.Add(r.HiFreqPeriod)
	var targets []Listener
	for _, l := range r.listeners {
		if l.Kind != kind || now.After(l.Deadline) {
			continue
		}
		if r.Handicap > 0 && now.Sub(l.lastNotified) < r.Handicap {
			continue
		}
		if !r.Matches(l, affID, groupID) {
			continue
		}
		if !r.Limiter.Allow(now) {
			break
		}
		l.lastNotified = now
		targets = append(targets, *l)
	}
	r.mu.Unlock()
	r.send(ctx, targets)
	return len(targets)
}

// NotifyPeriodically runs one sweep tick.
// In low frequency mode only every LoFreqMultiplier-th tick does work.
func (r *Registry) NotifyPeriodically(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	r.ticks++
	hiFreq := now.Before(r.hiFreqUntil)
	mult := r.LoFreqMultiplier
	if mult == 0 {
		mult = 1
	}
	if !hiFreq && r.ticks%mult != 0 {
		r.mu.Unlock()
		return 0
	}
	r.mu.Unlock()
	return r.notifyAvailable(ctx, now, func(*Listener) bool { return true })
}

// NotifyAvailable wakes every listener of a kind that could take a job right now,
// and switches the periodic sweep to high frequency.
func (r *Registry) NotifyAvailable(ctx context.Context, now time.Time, kind Kind) int {
	r.mu.Lock()
	r.hiFreqUntil = now.Add(r.HiFreqPeriod)
	r.mu.Unlock()
	return r.notifyAvailable(ctx, now, func(l *Listener) bool { return l.Kind == kind })
}

func (r *Registry) notifyAvailable(ctx context.Context, now time.Time, match func(*Listener) bool) int {
	r.mu.Lock()
	candidates := make([]*Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		if !now.After(l.Deadline) && match(l) {
			candidates = append(candidates, l)
		}
	}
	r.mu.Unlock()

	var targets []Listener
	for _, l := range candidates {
		if r.Oracle != nil && !r.Oracle.JobsAvailable(l) {
			continue
		}
		if !r.Limiter.Allow(now) {
			break
		}
		r.mu.Lock()
		l.lastNotified = now
		targets = append(targets, *l)
		r.mu.Unlock()
	}
	r.send(ctx, targets)
	return len(targets)
}

// CheckTimeout removes and returns listeners past their deadline.
func (r *Registry) CheckTimeout(now time.Time) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Listener
	for key, l := range r.listeners {
		if now.After(l.Deadline) {
			out = append(out, *l)
			delete(r.listeners, key)
		}
	}
	return out
}

// Listeners returns snapshots ordered by client.
func (r *Registry) Listeners() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		c := *l
		c.Affinities = l.Affinities.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Count returns the number of listeners.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// NotifyJobStatus pushes a job status change to an explicit per-job target.
func (r *Registry) NotifyJobStatus(ctx context.Context, addr string, port uint16, jobKey string, status string, eventIndex int) {
	msg := url.Values{
		"queue":            {r.Queue},
		"job_key":          {jobKey},
		"job_status":       {status},
		"last_event_index": {strconv.Itoa(eventIndex)},
	}
	if err := r.Sender.Send(ctx, addr, port, []byte(msg.Encode())); err != nil {
		r.Log.Warn("Failed to send job status notification",
			zap.String("notif.addr", addr),
			zap.Uint16("notif.port", port),
			zap.String("job.key", jobKey),
			zap.Error(err))
	}
}

// WakeMessage is the datagram sent to waiting listeners.
func WakeMessage(queue string, kind Kind) []byte {
	msg := url.Values{
		"queue":  {queue},
		"reason": {kind.String()},
	}
	return []byte(msg.Encode())
}

func (r *Registry) send(ctx context.Context, targets []Listener) {
	for _, l := range targets {
		if err := r.Sender.Send(ctx, l.Addr, l.Port, WakeMessage(r.Queue, l.Kind)); err != nil {
			r.Log.Warn("Failed to notify listener",
				zap.String("client.node", l.Node),
				zap.String("notif.addr", l.Addr),
				zap.Uint16("notif.port", l.Port),
				zap.Error(err))
		}
	}
}
