// Package group tracks job group tokens.
package group

import (
	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/tokenreg"
)

// Registry is the group dictionary.
type Registry struct {
	*tokenreg.Registry
}

// NewRegistry creates an empty group registry.
func NewRegistry(opts tokenreg.Options) *Registry {
	return &Registry{Registry: tokenreg.New(store.DictGroup, opts)}
}

// AddJobToGroup adds a job to a group.
func (r *Registry) AddJobToGroup(groupID, jobID uint32) {
	r.AddJob(groupID, jobID)
}

// AddJobsToGroup adds the jobs [first, last] to a group.
func (r *Registry) AddJobsToGroup(groupID, first, last uint32) {
	r.AddJobs(groupID, first, last)
}

// RemoveJobFromGroup removes a job from a group.
func (r *Registry) RemoveJobFromGroup(groupID, jobID uint32) {
	r.RemoveJob(groupID, jobID)
}

// GetJobsInGroup returns the jobs of a group.
func (r *Registry) GetJobsInGroup(groupID uint32) *roaring.Bitmap {
	return r.GetJobs(groupID)
}

// CollectGarbage removes empty groups following the GC policy.
func (r *Registry) CollectGarbage(d store.Dict) (int, func(), error) {
	return r.Registry.CollectGarbage(d, r.GCLimit(), nil)
}
