package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/cachegc"
)

// RolePolicy bounds how long idle clients of a role are kept.
type RolePolicy struct {
	Timeout time.Duration
	Min     int // never purge below this many clients
}

// Options configure the registry.
type Options struct {
	Policies   map[Role]RolePolicy
	MemoSize   int           // purged workers remembered
	MemoTTL    time.Duration // how long purged workers are remembered
	MaxClients int           // 0 means unbounded
}

// DefaultOptions returns the default purge policies.
func DefaultOptions() Options {
	return Options{
		Policies: map[Role]RolePolicy{
			RoleWorker:    {Timeout: time.Hour, Min: 20},
			RoleAdmin:     {Timeout: 10 * time.Minute, Min: 10},
			RoleSubmitter: {Timeout: time.Hour, Min: 10},
			RoleReader:    {Timeout: time.Hour, Min: 10},
			RoleUnknown:   {Timeout: 10 * time.Minute, Min: 20},
		},
		MemoSize: 10000,
		MemoTTL:  24 * time.Hour,
	}
}

// Registry holds all clients of a queue, keyed by node name.
//
// A job is in at most one client's running set and one client's reading set.
// Registry is safe for concurrent use.
type Registry struct {
	Options
	Now func() time.Time

	mu        sync.RWMutex
	byNode    map[string]*client
	byID      map[uint32]*client
	lastID    uint32
	runOwner  map[uint32]uint32
	readOwner map[uint32]uint32
	purged    *cachegc.Cache
}

// NewRegistry creates an empty client registry.
func NewRegistry(opts Options) *Registry {
	memoSize := opts.MemoSize
	if memoSize <= 0 {
		memoSize = 1
	}
	r := &Registry{
		Options:   opts,
		Now:       time.Now,
		byNode:    make(map[string]*client),
		byID:      make(map[uint32]*client),
		runOwner:  make(map[uint32]uint32),
		readOwner: make(map[uint32]uint32),
		purged:    cachegc.NewCache(memoSize, opts.MemoTTL),
	}
	r.purged.Now = func() time.Time { return r.Now() }
	return r
}

// TouchResult reports what changed when a client showed up.
type TouchResult struct {
	ID             uint32
	WasFound       bool
	SessionChanged bool
	OldSession     string
	// PrefAffinitiesWereReset is set when a returning worker lost its preferences,
	// either to a session change or to an earlier purge.
	PrefAffinitiesWereReset bool
	// ResetAffinities are the preferences dropped by this touch.
	ResetAffinities *roaring.Bitmap
	// WaitPortToCancel is the wait port registered by the old session.
	WaitPortToCancel uint16
	// Running and Reading are the leases held by the old session.
	Running *roaring.Bitmap
	Reading *roaring.Bitmap
}

// Touch registers client activity in a role.
//
// A new session under a known node releases everything the old session held.
// Clients without a node name are anonymous and not tracked.
func (r *Registry) Touch(ident Identity, role Role) TouchResult {
	res := TouchResult{
		ResetAffinities: roaring.New(),
		Running:         roaring.New(),
		Reading:         roaring.New(),
	}
	if ident.Node == "" {
		return res
	}
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byNode[ident.Node]
	if !ok {
		r.lastID++
		c = newClient(r.lastID, ident, now)
		r.byNode[ident.Node] = c
		r.byID[c.id] = c
		if r.purged.Contains(ident.Node) {
			r.purged.Remove(ident.Node)
			res.PrefAffinitiesWereReset = true
		}
	} else {
		res.WasFound = true
		if r.purged.Contains(ident.Node) {
			r.purged.Remove(ident.Node)
			res.PrefAffinitiesWereReset = true
		}
		if ident.Session != "" && c.session != "" && ident.Session != c.session {
			res.SessionChanged = true
			res.OldSession = c.session
			res.Running, res.Reading = r.releaseLeases(c)
			res.WaitPortToCancel = c.waitPort()
			c.wait = [2]*waitState{}
			if !c.prefs.IsEmpty() {
				res.PrefAffinitiesWereReset = true
				res.ResetAffinities = c.prefs
				c.prefs = roaring.New()
			}
			c.blacklist = make(map[uint32]time.Time)
			c.readBlacklist = make(map[uint32]time.Time)
		}
		if ident.Session != "" {
			c.session = ident.Session
		}
		if ident.Addr != "" {
			c.addr = ident.Addr
		}
	}
	c.roles |= role
	c.lastAccess = now
	res.ID = c.id
	return res
}

func (r *Registry) releaseLeases(c *client) (running, reading *roaring.Bitmap) {
	running, reading = c.running, c.reading
	for _, jobID := range running.ToArray() {
		delete(r.runOwner, jobID)
	}
	for _, jobID := range reading.ToArray() {
		delete(r.readOwner, jobID)
	}
	c.running = roaring.New()
	c.reading = roaring.New()
	return
}

// Lookup returns the client ID of a node, or 0.
func (r *Registry) Lookup(node string) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byNode[node]; ok {
		return c.id
	}
	return 0
}

// Node returns the node name of a client.
func (r *Registry) Node(clientID uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[clientID]; ok {
		return c.node
	}
	return ""
}

// SetWaiting registers that a client waits for jobs on a port.
func (r *Registry) SetWaiting(clientID uint32, kind WaitKind, port uint16, affinities *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok {
		return
	}
	if affinities == nil {
		affinities = roaring.New()
	}
	c.wait[kind] = &waitState{port: port, affinities: affinities.Clone()}
}

// ResetWaiting clears the wait state and returns the port it used.
func (r *Registry) ResetWaiting(clientID uint32, kind WaitKind) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok || c.wait[kind] == nil {
		return 0
	}
	port := c.wait[kind].port
	c.wait[kind] = nil
	return port
}

// AddToRunning leases a job to a client.
// Returns the previous holder if the lease was not released properly.
func (r *Registry) AddToRunning(clientID, jobID uint32) (prev uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.clearOwner(r.runOwner, jobID, func(c *client) *roaring.Bitmap { return c.running })
	if c, ok := r.byID[clientID]; ok {
		c.running.Add(jobID)
		c.dispatched++
		r.runOwner[jobID] = clientID
	}
	return
}

// AddToReading leases a job to a reader.
func (r *Registry) AddToReading(clientID, jobID uint32) (prev uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.clearOwner(r.readOwner, jobID, func(c *client) *roaring.Bitmap { return c.reading })
	if c, ok := r.byID[clientID]; ok {
		c.reading.Add(jobID)
		c.read++
		r.readOwner[jobID] = clientID
	}
	return
}

func (r *Registry) clearOwner(owners map[uint32]uint32, jobID uint32, set func(*client) *roaring.Bitmap) uint32 {
	owner, ok := owners[jobID]
	if !ok {
		return 0
	}
	delete(owners, jobID)
	if c, ok := r.byID[owner]; ok {
		set(c).Remove(jobID)
	}
	return owner
}

// ClearExecuting releases a run lease and returns its holder.
func (r *Registry) ClearExecuting(jobID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearOwner(r.runOwner, jobID, func(c *client) *roaring.Bitmap { return c.running })
}

// ClearExecutingSetBlacklist releases a run lease and keeps the job
// away from its holder for the given duration.
func (r *Registry) ClearExecutingSetBlacklist(jobID uint32, blacklist time.Duration) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.clearOwner(r.runOwner, jobID, func(c *client) *roaring.Bitmap { return c.running })
	if c, ok := r.byID[owner]; ok && blacklist > 0 {
		c.blacklist[jobID] = addSaturating(r.Now(), blacklist)
	}
	return owner
}

// ClearReading releases a read lease and returns its holder.
func (r *Registry) ClearReading(jobID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearOwner(r.readOwner, jobID, func(c *client) *roaring.Bitmap { return c.reading })
}

// ClearReadingSetBlacklist releases a read lease and blacklists the job for its reader.
func (r *Registry) ClearReadingSetBlacklist(jobID uint32, blacklist time.Duration) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.clearOwner(r.readOwner, jobID, func(c *client) *roaring.Bitmap { return c.reading })
	if c, ok := r.byID[owner]; ok && blacklist > 0 {
		c.readBlacklist[jobID] = addSaturating(r.Now(), blacklist)
	}
	return owner
}

func addSaturating(t time.Time, d time.Duration) time.Time {
	out := t.Add(d)
	if out.Before(t) {
		return time.Unix(1<<62, 0)
	}
	return out
}

// GetBlacklist returns the jobs a client must not get, or read with kind WaitRead.
func (r *Registry) GetBlacklist(clientID uint32, kind WaitKind) *roaring.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok {
		return roaring.New()
	}
	if kind == WaitRead {
		return blacklisted(c.readBlacklist, r.Now())
	}
	return blacklisted(c.blacklist, r.Now())
}

// RunningOwner returns the client holding the run lease of a job.
func (r *Registry) RunningOwner(jobID uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runOwner[jobID]
}

// ReadingOwner returns the client holding the read lease of a job.
func (r *Registry) ReadingOwner(jobID uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOwner[jobID]
}

// UpdatePreferredAffinities edits the preferences of a client.
// Returns the affinities actually added and removed.
func (r *Registry) UpdatePreferredAffinities(clientID uint32, add, remove *roaring.Bitmap) (added, removed *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added, removed = roaring.New(), roaring.New()
	c, ok := r.byID[clientID]
	if !ok {
		return
	}
	if remove != nil {
		removed = roaring.And(c.prefs, remove)
		c.prefs.AndNot(remove)
	}
	if add != nil {
		added = roaring.AndNot(add, c.prefs)
		c.prefs.Or(add)
		removed.AndNot(added)
	}
	return
}

// SetPreferredAffinities replaces the preferences of a client.
func (r *Registry) SetPreferredAffinities(clientID uint32, prefs *roaring.Bitmap) (added, removed *roaring.Bitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok {
		return roaring.New(), roaring.New()
	}
	if prefs == nil {
		prefs = roaring.New()
	}
	added = roaring.AndNot(prefs, c.prefs)
	removed = roaring.AndNot(c.prefs, prefs)
	c.prefs = prefs.Clone()
	return
}

// GetPreferredAffinities returns a copy of the preferences of a client.
func (r *Registry) GetPreferredAffinities(clientID uint32) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[clientID]; ok {
		return c.prefs.Clone()
	}
	return roaring.New()
}

// AddSubmitted counts submitted jobs.
func (r *Registry) AddSubmitted(clientID uint32, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[clientID]; ok {
		c.submitted += n
	}
}

// ClearResult lists what a cleared node held.
type ClearResult struct {
	Found      bool
	Running    *roaring.Bitmap
	Reading    *roaring.Bitmap
	Affinities *roaring.Bitmap
	WaitPort   uint16
}

// ClearWorkerNode drops all leases, preferences and wait state of a node.
func (r *Registry) ClearWorkerNode(node string) ClearResult {
	res := ClearResult{
		Running:    roaring.New(),
		Reading:    roaring.New(),
		Affinities: roaring.New(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byNode[node]
	if !ok {
		return res
	}
	res.Found = true
	res.Running, res.Reading = r.releaseLeases(c)
	res.WaitPort = c.waitPort()
	c.wait = [2]*waitState{}
	res.Affinities = c.prefs
	c.prefs = roaring.New()
	return res
}

// Purged describes a client removed by Purge.
type Purged struct {
	ID         uint32
	Node       string
	Affinities *roaring.Bitmap
}

// Purge removes inactive clients, oldest first, per role.
// A role never shrinks below its minimum population.
func (r *Registry) Purge() []Purged {
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	byRole := make(map[Role][]*client)
	for _, c := range r.byID {
		role := c.roles.Primary()
		byRole[role] = append(byRole[role], c)
	}
	var out []Purged
	for role, list := range byRole {
		policy, ok := r.Policies[role]
		if !ok {
			continue
		}
		excess := len(list) - policy.Min
		if excess <= 0 {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].lastAccess.Before(list[j].lastAccess)
		})
		for _, c := range list {
			if excess <= 0 {
				break
			}
			if !c.inactive(now, policy.Timeout) {
				continue
			}
			delete(r.byID, c.id)
			delete(r.byNode, c.node)
			if c.roles&RoleWorker != 0 && !c.prefs.IsEmpty() {
				r.purged.Add(c.node, c.id)
			}
			out = append(out, Purged{ID: c.id, Node: c.node, Affinities: c.prefs})
			excess--
		}
	}
	return out
}

// WasGarbageCollected checks whether a worker node with preferences was recently purged.
func (r *Registry) WasGarbageCollected(node string) bool {
	return r.purged.Contains(node)
}

// Count returns the number of clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns snapshots of all clients ordered by ID.
func (r *Registry) List() []Info {
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.info(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops all leases, keeping client identities.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		c.running = roaring.New()
		c.reading = roaring.New()
		c.blacklist = make(map[uint32]time.Time)
		c.readBlacklist = make(map[uint32]time.Time)
	}
	r.runOwner = make(map[uint32]uint32)
	r.readOwner = make(map[uint32]uint32)
}

// ResetStalePreferences drops the preferences of idle workers
// that hold no jobs and are not waiting.
// Reset workers are remembered like purged ones.
func (r *Registry) ResetStalePreferences(timeout time.Duration) []Purged {
	if timeout <= 0 {
		return nil
	}
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Purged
	for _, c := range r.byID {
		if c.roles&RoleWorker == 0 || c.prefs.IsEmpty() || !c.inactive(now, timeout) {
			continue
		}
		out = append(out, Purged{ID: c.id, Node: c.node, Affinities: c.prefs})
		c.prefs = roaring.New()
		r.purged.Add(c.node, c.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResetStaleReadBlacklists forgets the read blacklists of idle readers.
func (r *Registry) ResetStaleReadBlacklists(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.byID {
		if c.roles&RoleReader == 0 || len(c.readBlacklist) == 0 || !c.inactive(now, timeout) {
			continue
		}
		c.readBlacklist = make(map[uint32]time.Time)
		n++
	}
	return n
}
