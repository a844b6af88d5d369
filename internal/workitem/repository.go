package workitem

import (
	"sort"
	"sync"

	"go-net-flow/internal/models"
)

// Repository holds the work items of one case.
// Mutation happens only from the owning case runner; the lock lets readers take
// consistent copies.
type Repository struct {
	workItems map[string]*models.WorkItem // Work Item ID -> Work Item
	mutex     sync.RWMutex
}

// NewRepository creates an empty work item repository
func NewRepository() *Repository {
	return &Repository{
		workItems: make(map[string]*models.WorkItem),
	}
}

// Add stores a work item
func (r *Repository) Add(item *models.WorkItem) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.workItems[item.ID] = item
}

// Get returns the stored work item itself; callers must be the owning runner
func (r *Repository) Get(id string) (*models.WorkItem, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	item, ok := r.workItems[id]
	if !ok {
		return nil, models.NotFoundf("work item %s", id)
	}
	return item, nil
}

// Snapshot returns a copy of the work item
func (r *Repository) Snapshot(id string) (*models.WorkItem, error) {
	item, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return item.Clone(), nil
}

// Children returns the instances of a parent item ordered by instance index
func (r *Repository) Children(parentID string) []*models.WorkItem {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	parent, ok := r.workItems[parentID]
	if !ok {
		return nil
	}
	out := make([]*models.WorkItem, 0, len(parent.Children))
	for _, id := range parent.Children {
		if child, ok := r.workItems[id]; ok {
			out = append(out, child)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceIndex < out[j].InstanceIndex })
	return out
}

// Find returns the stored items matching the filter, in creation order
func (r *Repository) Find(filter *models.WorkItemFilter) []*models.WorkItem {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []*models.WorkItem
	for _, item := range r.workItems {
		if filter == nil || filter.Matches(item) {
			out = append(out, item)
		}
	}
	models.SortWorkItems(out)
	return out
}

// Query returns copies of the items matching the filter, in creation order
func (r *Repository) Query(filter *models.WorkItemFilter) []*models.WorkItem {
	items := r.Find(filter)
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]*models.WorkItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// Count returns the number of stored items
func (r *Repository) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.workItems)
}

// GetWorkItemStatistics counts items per status
func (r *Repository) GetWorkItemStatistics() map[models.WorkItemStatus]int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	stats := make(map[models.WorkItemStatus]int)
	for _, item := range r.workItems {
		stats[item.Status]++
	}
	return stats
}
