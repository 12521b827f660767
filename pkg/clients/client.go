// Package clients keeps per-client state: roles, leases, blacklists,
// affinity preferences and wait registrations.
package clients

import (
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Role is a bitmask of what a client did so far.
type Role uint8

// Client roles.
const (
	RoleSubmitter Role = 1 << iota
	RoleWorker
	RoleReader
	RoleAdmin
	RoleUnknown Role = 0
)

// Roles lists the roles in purge priority order.
var Roles = []Role{RoleWorker, RoleReader, RoleSubmitter, RoleAdmin, RoleUnknown}

func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	var names []string
	if r&RoleSubmitter != 0 {
		names = append(names, "submitter")
	}
	if r&RoleWorker != 0 {
		names = append(names, "worker")
	}
	if r&RoleReader != 0 {
		names = append(names, "reader")
	}
	if r&RoleAdmin != 0 {
		names = append(names, "admin")
	}
	return strings.Join(names, "|")
}

// Primary returns the most significant role for purging.
func (r Role) Primary() Role {
	for _, role := range Roles {
		if r&role != 0 {
			return role
		}
	}
	return RoleUnknown
}

// Identity identifies a client connection.
type Identity struct {
	Node    string
	Session string
	Addr    string
}

// WaitKind tells which operation a client waits on.
type WaitKind uint8

// Wait kinds.
const (
	WaitGet WaitKind = iota
	WaitRead
)

type waitState struct {
	port       uint16
	affinities *roaring.Bitmap
}

// client is the mutable record. Guarded by Registry.mu.
type client struct {
	id         uint32
	node       string
	session    string
	addr       string
	roles      Role
	registered time.Time
	lastAccess time.Time

	running       *roaring.Bitmap
	reading       *roaring.Bitmap
	blacklist     map[uint32]time.Time
	readBlacklist map[uint32]time.Time
	prefs         *roaring.Bitmap
	wait          [2]*waitState

	submitted  uint64
	dispatched uint64
	read       uint64
}

func newClient(id uint32, ident Identity, now time.Time) *client {
	return &client{
		id:            id,
		node:          ident.Node,
		session:       ident.Session,
		addr:          ident.Addr,
		registered:    now,
		lastAccess:    now,
		running:       roaring.New(),
		reading:       roaring.New(),
		blacklist:     make(map[uint32]time.Time),
		readBlacklist: make(map[uint32]time.Time),
		prefs:         roaring.New(),
	}
}

func (c *client) waiting() bool {
	return c.wait[WaitGet] != nil || c.wait[WaitRead] != nil
}

func (c *client) waitPort() uint16 {
	for _, w := range c.wait {
		if w != nil {
			return w.port
		}
	}
	return 0
}

func (c *client) inactive(now time.Time, timeout time.Duration) bool {
	return c.running.IsEmpty() && c.reading.IsEmpty() && !c.waiting() &&
		now.Sub(c.lastAccess) > timeout
}

func blacklisted(list map[uint32]time.Time, now time.Time) *roaring.Bitmap {
	out := roaring.New()
	for jobID, until := range list {
		if now.Before(until) {
			out.Add(jobID)
		} else {
			delete(list, jobID)
		}
	}
	return out
}

// Info is a snapshot of a client.
type Info struct {
	ID            uint32    `json:"id"`
	Node          string    `json:"node"`
	Session       string    `json:"session"`
	Addr          string    `json:"addr"`
	Roles         string    `json:"roles"`
	Registered    time.Time `json:"registered"`
	LastAccess    time.Time `json:"last_access"`
	Running       []uint32  `json:"running"`
	Reading       []uint32  `json:"reading"`
	Blacklist     []uint32  `json:"blacklist"`
	ReadBlacklist []uint32  `json:"read_blacklist"`
	Affinities    []uint32  `json:"preferred_affinities"`
	WaitGetPort   uint16    `json:"wait_get_port,omitempty"`
	WaitReadPort  uint16    `json:"wait_read_port,omitempty"`
	Submitted     uint64    `json:"submitted"`
	Dispatched    uint64    `json:"dispatched"`
	Read          uint64    `json:"read"`
}

func (c *client) info(now time.Time) Info {
	info := Info{
		ID:            c.id,
		Node:          c.node,
		Session:       c.session,
		Addr:          c.addr,
		Roles:         c.roles.String(),
		Registered:    c.registered,
		LastAccess:    c.lastAccess,
		Running:       c.running.ToArray(),
		Reading:       c.reading.ToArray(),
		Blacklist:     blacklisted(c.blacklist, now).ToArray(),
		ReadBlacklist: blacklisted(c.readBlacklist, now).ToArray(),
		Affinities:    c.prefs.ToArray(),
		Submitted:     c.submitted,
		Dispatched:    c.dispatched,
		Read:          c.read,
	}
	if w := c.wait[WaitGet]; w != nil {
		info.WaitGetPort = w.port
	}
	if w := c.wait[WaitRead]; w != nil {
		info.WaitReadPort = w.port
	}
	return info
}
