package queue

import (
	"context"
	"errors"
	"fmt"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/store"
)

// Stat summarizes a queue.
type Stat struct {
	Queue      string            `json:"queue"`
	Jobs       map[string]uint64 `json:"jobs"`
	Total      uint64            `json:"total"`
	Affinities int               `json:"affinities"`
	Groups     int               `json:"groups"`
	Clients    int               `json:"clients"`
	Listeners  int               `json:"listeners"`
	Paused     bool              `json:"paused"`
}

// JobsStat counts jobs per status, optionally restricted to a group and an affinity.
func (q *Queue) JobsStat(group, affinity string) (*Stat, error) {
	selected, err := q.selectJobs(group, affinity, nil)
	if err != nil {
		return nil, err
	}
	stat := &Stat{
		Queue:      q.Name,
		Jobs:       make(map[string]uint64, len(jobs.Statuses)),
		Affinities: q.affinities.Count(),
		Groups:     q.groups.Count(),
		Clients:    q.clients.Count(),
		Listeners:  q.listeners.Count(),
		Paused:     q.IsPaused(),
	}
	for _, s := range jobs.Statuses {
		n := q.status.GetJobs(s).AndCardinality(selected)
		stat.Jobs[s.String()] = n
		stat.Total += n
	}
	return stat, nil
}

// DumpFilter selects jobs for DumpJobs.
type DumpFilter struct {
	Statuses []jobs.Status
	Group    string
	Affinity string
	Start    uint32 // lowest job ID
	Count    int    // zero means all
}

// DumpJobs reads the selected jobs from the store.
// The result is a snapshot and may miss concurrent changes.
func (q *Queue) DumpJobs(ctx context.Context, f DumpFilter) ([]*jobs.Job, error) {
	selected, err := q.selectJobs(f.Group, f.Affinity, f.Statuses)
	if err != nil {
		return nil, err
	}
	if f.Start > 0 {
		selected.RemoveRange(0, uint64(f.Start))
	}
	tx, err := q.Store.Begin(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dump: %w", err)
	}
	defer tx.Rollback()
	var out []*jobs.Job
	it := selected.Iterator()
	for it.HasNext() && (f.Count <= 0 || len(out) < f.Count) {
		job, err := tx.FetchJob(it.Next())
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// CountActiveJobs returns the number of pending and running jobs.
func (q *Queue) CountActiveJobs() uint64 {
	return q.status.Count(jobs.Pending) + q.status.Count(jobs.Running)
}

// AffinityInfo describes a registered affinity.
type AffinityInfo struct {
	ID      uint32 `json:"id"`
	Token   string `json:"token"`
	Jobs    uint64 `json:"jobs"`
	Pending uint64 `json:"pending"`
	Running uint64 `json:"running"`
	Clients uint64 `json:"clients"`
}

// GetAffinityList lists registered affinities ordered by ID.
func (q *Queue) GetAffinityList() []AffinityInfo {
	pending := q.status.GetJobs(jobs.Pending)
	running := q.status.GetJobs(jobs.Running)
	entries := q.affinities.List()
	out := make([]AffinityInfo, 0, len(entries))
	for _, e := range entries {
		affJobs := q.affinities.GetJobs(e.ID)
		out = append(out, AffinityInfo{
			ID:      e.ID,
			Token:   e.Token,
			Jobs:    e.Jobs,
			Pending: affJobs.AndCardinality(pending),
			Running: affJobs.AndCardinality(running),
			Clients: q.affinities.GetClientsWithAffinity(e.ID).GetCardinality(),
		})
	}
	return out
}

// GetStatus returns the status of a job, or jobs.NotFound.
func (q *Queue) GetStatus(jobID uint32) jobs.Status {
	return q.status.GetStatus(jobID)
}

// GetJob reads a job including its events.
func (q *Queue) GetJob(ctx context.Context, jobID uint32) (*jobs.Job, error) {
	tx, err := q.Store.Begin(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()
	job, err := tx.FetchJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Clients lists the known clients.
func (q *Queue) Clients() []clients.Info {
	return q.clients.List()
}

// Listeners lists the waiting clients.
func (q *Queue) Listeners() []notify.Listener {
	return q.listeners.Listeners()
}
