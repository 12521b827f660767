// Package store defines the persistent job store used by queues.
//
// A store is a transactional key-value or table engine.
// Queues open at most one write transaction per unit of work.
package store

import (
	"context"
	"errors"

	"go.od2.network/nqueue/pkg/jobs"
)

// Store errors.
var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict marks transient failures (lock conflicts, deadlocks, oversized transactions).
	// The operation may succeed when retried from scratch.
	ErrConflict = errors.New("store: transaction conflict")
)

// Dictionary kinds.
const (
	DictAffinity = "affinity"
	DictGroup    = "group"
)

// CounterJobID is the counter holding the highest reserved job ID.
const CounterJobID = "job_id"

// Store opens transactions on persisted queue state.
type Store interface {
	// Begin opens a transaction. Read-only transactions see a snapshot.
	Begin(ctx context.Context, writable bool) (Tx, error)
	// ScanJobs iterates all jobs including their events, in ID order.
	ScanJobs(ctx context.Context, fn func(job *jobs.Job) error) error
	Close() error
}

// Dict persists token dictionaries.
type Dict interface {
	LoadDict(kind string) (map[string]uint32, error)
	PutDictEntry(kind, token string, id uint32) error
	DeleteDictEntry(kind, token string) error
	ReadCounter(key string) (uint64, error)
	WriteCounter(key string, value uint64) error
}

// Tx is a store transaction.
// Rollback after Commit is a no-op.
type Tx interface {
	Dict
	// FetchJob reads a job and its events. Returns ErrNotFound for unknown jobs.
	FetchJob(id uint32) (*jobs.Job, error)
	// FlushJob writes the job record and all of its events.
	FlushJob(job *jobs.Job) error
	// DeleteJob removes the job record and its events.
	DeleteJob(id uint32) error
	FetchEvents(id uint32) ([]jobs.Event, error)
	AppendEvent(id uint32, index int, ev *jobs.Event) error
	DeleteEvents(id uint32) error
	Commit() error
	Rollback()
}
