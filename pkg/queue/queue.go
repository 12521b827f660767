// Package queue implements the job queue engine.
//
// A Queue owns the persisted jobs of one queue and the in-memory indexes
// used to dispatch them: status sets, affinity and group dictionaries,
// clients, waiting listeners, lifetimes and lease deadlines.
//
// Locking
//
// Each queue has one coarse lock. A unit of work locks the queue, opens a store transaction,
// decides and persists the change, commits, applies the in-memory changes and unlocks.
// Notifications and events go out after the lock is released.
// Store conflicts roll back and retry the whole unit of work.
//
// The affinity-aware pick of Get and Read runs without the lock.
// Its result is re-validated under the lock before committing.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cenkalti/backoff/v4"
	"go.od2.network/nqueue/pkg/affinity"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/gc"
	"go.od2.network/nqueue/pkg/group"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/ratelimit"
	"go.od2.network/nqueue/pkg/status"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/timeline"
	"go.od2.network/nqueue/pkg/token"
	"go.uber.org/zap"
)

// JobEvent is a committed job transition.
type JobEvent struct {
	Queue string
	JobID uint32
	Index int
	Event jobs.Event
}

// EventSink receives job events after commit.
// Publish must not block.
type EventSink interface {
	Publish(ev JobEvent)
}

// Queue is a persistent job queue.
type Queue struct {
	Name    string
	Options Options
	Store   store.Store
	Signer  token.Signer
	Log     *zap.Logger
	Metrics *Metrics
	Sink    EventSink
	Now     func() time.Time

	mu         sync.Mutex
	status     *status.Tracker
	affinities *affinity.Registry
	groups     *group.Registry
	clients    *clients.Registry
	listeners  *notify.Registry
	gc         *gc.Registry
	timeline   *timeline.Timeline
	nextID     uint32
	reservedTo uint32
	rand       *rand.Rand
	paused     bool
}

// New creates an empty queue. Call Load to restore persisted jobs.
func New(name string, st store.Store, signer token.Signer, sender notify.Sender, opts Options) *Queue {
	q := &Queue{
		Name:       name,
		Options:    opts,
		Store:      st,
		Signer:     signer,
		Log:        zap.NewNop(),
		Now:        time.Now,
		status:     status.NewTracker(),
		affinities: affinity.NewRegistry(opts.AffinityGC),
		groups:     group.NewRegistry(opts.GroupGC),
		clients:    clients.NewRegistry(opts.Clients),
		gc:         gc.NewRegistry(),
		timeline:   timeline.New(),
		nextID:     1,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	q.clients.Now = func() time.Time { return q.Now() }
	q.listeners = notify.NewRegistry(name, sender, oracle{q}, opts.Notif)
	if opts.NotifRateLimit > 0 {
		q.listeners.Limiter = ratelimit.NewLimiter(opts.NotifRateLimit, 1)
	}
	return q
}

// SetLogger replaces the logger of the queue and its registries.
func (q *Queue) SetLogger(log *zap.Logger) {
	q.Log = log.With(zap.String("queue.name", q.Name))
	q.listeners.Log = q.Log
}

func (q *Queue) timeouts() *jobs.Timeouts {
	return &jobs.Timeouts{
		Timeout:        q.Options.Timeout,
		RunTimeout:     q.Options.RunTimeout,
		ReadTimeout:    q.Options.ReadTimeout,
		PendingTimeout: q.Options.PendingTimeout,
	}
}

// post collects what a unit of work does after its transaction commits.
type post struct {
	onCommit     []func()
	wakes        []wake
	statusNotifs []statusNotif
	events       []JobEvent
	counters     [numCounters]int64
}

type wake struct {
	kind    notify.Kind
	affID   uint32
	groupID uint32
}

type statusNotif struct {
	target jobs.NotifTarget
	jobID  uint32
	status jobs.Status
	index  int
}

func (p *post) commit(fn func()) {
	p.onCommit = append(p.onCommit, fn)
}

func (p *post) wake(kind notify.Kind, affID, groupID uint32) {
	p.wakes = append(p.wakes, wake{kind, affID, groupID})
}

func (p *post) count(c counter, n int64) {
	p.counters[c] += n
}

// update runs fn as a unit of work, retrying on store conflicts.
func (q *Queue) update(ctx context.Context, fn func(tx store.Tx, p *post) error) error {
	var policy backoff.BackOff = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(q.Options.RetryDelay), q.Options.MaxRetries)
	policy = backoff.WithContext(policy, ctx)
	err := backoff.Retry(func() error {
		p, err := q.attempt(ctx, fn)
		if errors.Is(err, store.ErrConflict) {
			q.Metrics.add(ctx, counterConflicts, q.Name, 1)
			q.Log.Debug("Transaction conflict", zap.Error(err))
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		q.deliver(ctx, p)
		return nil
	}, policy)
	if errors.Is(err, store.ErrConflict) {
		q.Log.Warn("Giving up after repeated transaction conflicts", zap.Error(err))
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return err
}

func (q *Queue) attempt(ctx context.Context, fn func(tx store.Tx, p *post) error) (*post, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.Store.Begin(ctx, true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	p := new(post)
	if err := fn(tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, apply := range p.onCommit {
		apply()
	}
	return p, nil
}

// deliver sends notifications and events of a committed unit of work.
func (q *Queue) deliver(ctx context.Context, p *post) {
	now := q.Now()
	paused := q.IsPaused()
	for _, w := range p.wakes {
		if paused && w.kind == notify.KindGet {
			continue
		}
		q.listeners.Notify(ctx, now, w.kind, w.affID, w.groupID)
	}
	for _, n := range p.statusNotifs {
		q.listeners.NotifyJobStatus(ctx, n.target.Addr, n.target.Port,
			token.JobKey(q.Name, n.jobID), n.status.String(), n.index)
	}
	if q.Sink != nil {
		for _, ev := range p.events {
			q.Sink.Publish(ev)
		}
	}
	for c, n := range p.counters {
		q.Metrics.add(ctx, counter(c), q.Name, n)
	}
}

// fetchJob reads a job and checks it against the status index.
func (q *Queue) fetchJob(tx store.Tx, jobID uint32) (*jobs.Job, error) {
	tracked := q.status.GetStatus(jobID)
	if tracked == jobs.NotFound {
		return nil, ErrJobNotFound
	}
	job, err := tx.FetchJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		q.Log.Error("Tracked job missing from store",
			zap.Uint32("job.id", jobID),
			zap.Stringer("job.status", tracked))
		return nil, fmt.Errorf("%w: job %d is %s in memory but not stored", ErrInvariant, jobID, tracked)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch job %d: %w", jobID, err)
	}
	if job.Status != tracked {
		q.Log.Error("Job status mismatch",
			zap.Uint32("job.id", jobID),
			zap.Stringer("job.status", job.Status),
			zap.Stringer("job.status_tracked", tracked))
		return nil, fmt.Errorf("%w: job %d is %s in memory but %s in store", ErrInvariant, jobID, tracked, job.Status)
	}
	return job, nil
}

// transition appends an event, persists the job and schedules the index updates.
func (q *Queue) transition(tx store.Tx, p *post, job *jobs.Job, ev jobs.Event) error {
	if err := q.appendEvent(tx, p, job, ev); err != nil {
		return err
	}
	q.track(p, job)
	switch job.Status {
	case jobs.Pending:
		p.wake(notify.KindGet, job.AffinityID, job.GroupID)
	case jobs.Done, jobs.Failed, jobs.Canceled:
		p.wake(notify.KindRead, job.AffinityID, job.GroupID)
	}
	return nil
}

// appendEvent persists a job with a new event and queues its publication
// and status notifications.
func (q *Queue) appendEvent(tx store.Tx, p *post, job *jobs.Job, ev jobs.Event) error {
	now := q.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	job.AppendEvent(ev)
	if err := tx.FlushJob(job); err != nil {
		return fmt.Errorf("failed to flush job %d: %w", job.ID, err)
	}
	index := len(job.Events) - 1
	p.events = append(p.events, JobEvent{Queue: q.Name, JobID: job.ID, Index: index, Event: job.Events[index]})
	for _, target := range []jobs.NotifTarget{job.SubmNotif, job.ListenerNotif} {
		if target.Active(now) {
			p.statusNotifs = append(p.statusNotifs, statusNotif{target, job.ID, job.Status, index})
		}
	}
	return nil
}

// track schedules status, lifetime and lease deadline updates.
func (q *Queue) track(p *post, job *jobs.Job) {
	jobID, st := job.ID, job.Status
	expiration := job.Expiration(q.timeouts())
	deadline := job.LeaseDeadline(q.timeouts())
	p.commit(func() {
		q.status.SetStatus(jobID, st)
		q.gc.UpdateLifetime(jobID, expiration)
		if st.Leased() && !deadline.IsZero() {
			q.timeline.Add(jobID, ceilSecond(deadline))
		} else {
			q.timeline.Remove(jobID)
		}
	})
}

func ceilSecond(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

// allocIDs hands out n consecutive job IDs,
// persisting the reservation counter in batches.
func (q *Queue) allocIDs(tx store.Tx, p *post, n uint32) (uint32, error) {
	first := q.nextID
	last := first + n - 1
	if last > q.reservedTo {
		reserved := last + q.Options.IDBatch
		if err := tx.WriteCounter(store.CounterJobID, uint64(reserved)); err != nil {
			return 0, fmt.Errorf("failed to reserve job IDs: %w", err)
		}
		p.commit(func() { q.reservedTo = reserved })
	}
	p.commit(func() { q.nextID = last + 1 })
	return first, nil
}

func (q *Queue) authToken(job *jobs.Job) (string, error) {
	sp, err := q.Signer.Sign(job.AuthPayload())
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}
	return token.Marshal(sp), nil
}

// checkAuth compares a client-provided token against the current lease.
func (q *Queue) checkAuth(job *jobs.Job, authToken string) (jobs.AuthMatch, error) {
	sp := token.Unmarshal(authToken)
	if sp == nil || !q.Signer.VerifyTag(sp) {
		return jobs.NoMatch, ErrInvalidAuthToken
	}
	match := job.CompareAuthToken(sp.Payload)
	if match == jobs.NoMatch {
		return match, ErrAuthTokenMismatch
	}
	return match, nil
}

// resolveTokens looks up or creates affinity and group IDs in tx.
func (q *Queue) resolveTokens(tx store.Tx, p *post, affToken, groupToken string) (affID, groupID uint32, err error) {
	affID, apply, err := q.affinities.ResolveToken(tx, affToken)
	if err != nil {
		return 0, 0, err
	}
	if apply != nil {
		p.commit(apply)
	}
	groupID, apply, err = q.groups.ResolveToken(tx, groupToken)
	if err != nil {
		return 0, 0, err
	}
	if apply != nil {
		p.commit(apply)
	}
	return affID, groupID, nil
}

// forEachBatch runs fn on ids, one transaction per batch.
func (q *Queue) forEachBatch(ctx context.Context, ids *roaring.Bitmap, fn func(tx store.Tx, p *post, jobID uint32) error) error {
	batch := q.Options.PurgeBatch
	if batch <= 0 {
		batch = 1000
	}
	all := ids.ToArray()
	for len(all) > 0 {
		n := batch
		if n > len(all) {
			n = len(all)
		}
		chunk := all[:n]
		all = all[n:]
		err := q.update(ctx, func(tx store.Tx, p *post) error {
			for _, jobID := range chunk {
				if err := fn(tx, p, jobID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Load restores the queue from the store.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.Store.Begin(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to begin load: %w", err)
	}
	defer tx.Rollback()
	if err := q.affinities.Load(tx); err != nil {
		return err
	}
	if err := q.groups.Load(tx); err != nil {
		return err
	}
	reserved, err := tx.ReadCounter(store.CounterJobID)
	if err != nil {
		return fmt.Errorf("failed to read job ID counter: %w", err)
	}
	q.status.Clear()
	q.gc.Clear()
	q.timeline.Clear()
	var maxID uint32
	var count int
	err = q.Store.ScanJobs(ctx, func(job *jobs.Job) error {
		q.register(job)
		if job.ID > maxID {
			maxID = job.ID
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan jobs: %w", err)
	}
	q.reservedTo = uint32(reserved)
	if maxID > q.reservedTo {
		q.reservedTo = maxID
	}
	q.nextID = q.reservedTo + 1
	q.Log.Info("Loaded queue",
		zap.Int("queue.jobs", count),
		zap.Uint32("queue.next_id", q.nextID),
		zap.Int("queue.affinities", q.affinities.Count()),
		zap.Int("queue.groups", q.groups.Count()))
	return nil
}

// register adds a stored job to the in-memory indexes.
func (q *Queue) register(job *jobs.Job) {
	q.status.SetStatus(job.ID, job.Status)
	q.affinities.AddJob(job.AffinityID, job.ID)
	q.groups.AddJob(job.GroupID, job.ID)
	q.gc.RegisterJob(job.ID, job.SubmitTime, job.AffinityID, job.GroupID, job.Expiration(q.timeouts()))
	if job.Status.Leased() {
		if deadline := job.LeaseDeadline(q.timeouts()); !deadline.IsZero() {
			q.timeline.Add(job.ID, ceilSecond(deadline))
		}
	}
}

// requireNode rejects anonymous clients for operations that take leases.
func requireNode(ident clients.Identity) error {
	if ident.Node == "" {
		return fmt.Errorf("%w: client node name required", ErrInvalidParameter)
	}
	return nil
}

// touch registers client activity.
// A new session releases what the previous session of the node held.
func (q *Queue) touch(ctx context.Context, ident clients.Identity, role clients.Role) (clients.TouchResult, error) {
	q.mu.Lock()
	res := q.clients.Touch(ident, role)
	if res.SessionChanged {
		q.affinities.RemoveClientFromAffinities(res.ID, res.ResetAffinities)
		if res.WaitPortToCancel != 0 {
			q.listeners.UnregisterPort(res.ID, res.WaitPortToCancel)
		}
	}
	q.mu.Unlock()
	if !res.SessionChanged {
		return res, nil
	}
	q.Log.Info("Client session changed",
		zap.String("client.node", ident.Node),
		zap.String("client.session_old", res.OldSession),
		zap.String("client.session", ident.Session),
		zap.Uint64("client.running", res.Running.GetCardinality()),
		zap.Uint64("client.reading", res.Reading.GetCardinality()))
	return res, q.releaseJobs(ctx, res.Running, res.Reading, jobs.EventSessionChanged, ident)
}

// releaseJobs returns leased jobs of a vanished client,
// counting them like timeouts.
func (q *Queue) releaseJobs(ctx context.Context, running, reading *roaring.Bitmap, kind jobs.EventKind, ident clients.Identity) error {
	err := q.forEachBatch(ctx, running, func(tx store.Tx, p *post, jobID uint32) error {
		if q.status.GetStatus(jobID) != jobs.Running {
			return nil
		}
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		next := q.runFailStatus(job, false)
		p.commit(func() { q.clients.ClearExecuting(jobID) })
		if next == jobs.Failed {
			p.count(counterFailed, 1)
		}
		return q.transition(tx, p, job, jobs.Event{
			Status:  next,
			Kind:    kind,
			Node:    ident.Node,
			Session: ident.Session,
		})
	})
	if err != nil {
		return err
	}
	return q.forEachBatch(ctx, reading, func(tx store.Tx, p *post, jobID uint32) error {
		if q.status.GetStatus(jobID) != jobs.Reading {
			return nil
		}
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		p.commit(func() { q.clients.ClearReading(jobID) })
		return q.transition(tx, p, job, jobs.Event{
			Status:  q.readFailStatus(job, false),
			Kind:    kind,
			Node:    ident.Node,
			Session: ident.Session,
		})
	})
}

// runFailStatus applies the retry budget to a failed run.
// A job that ran more than FailedRetries times fails for good.
func (q *Queue) runFailStatus(job *jobs.Job, noRetries bool) jobs.Status {
	if noRetries || job.RunCount > q.Options.FailedRetries {
		return jobs.Failed
	}
	return jobs.Pending
}

// readFailStatus applies the read retry budget to a failed read.
func (q *Queue) readFailStatus(job *jobs.Job, noRetries bool) jobs.Status {
	if noRetries || job.ReadCount > q.Options.ReadFailedRetries {
		return jobs.ReadFailed
	}
	return job.StatusBeforeReading()
}
