package worker

import (
	"sort"
	"sync"
	"time"
)

// ProjectPriority is a project with the bookkeeping used to order it
type ProjectPriority struct {
	ProjectID string
	LastRun   time.Time
	Failures  int
}

// ProjectQueue orders projects for a worker cycle. Projects never run come
// first, then those with recent failures, then the least recently run.
type ProjectQueue struct {
	mu       sync.RWMutex
	projects map[string]*ProjectPriority
}

// NewProjectQueue creates an empty queue
func NewProjectQueue() *ProjectQueue {
	return &ProjectQueue{projects: make(map[string]*ProjectPriority)}
}

// Refresh replaces the tracked set with projectIDs, keeping history for
// projects that are still present
func (q *ProjectQueue) Refresh(projectIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := make(map[string]*ProjectPriority, len(projectIDs))
	for _, id := range projectIDs {
		if p, ok := q.projects[id]; ok {
			next[id] = p
			continue
		}
		next[id] = &ProjectPriority{ProjectID: id}
	}
	q.projects = next
}

// Ordered returns project ids in processing order
func (q *ProjectQueue) Ordered() []string {
	q.mu.RLock()
	list := make([]ProjectPriority, 0, len(q.projects))
	for _, p := range q.projects {
		list = append(list, *p)
	}
	q.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.LastRun.IsZero() != b.LastRun.IsZero() {
			return a.LastRun.IsZero()
		}
		if a.Failures != b.Failures {
			return a.Failures > b.Failures
		}
		if !a.LastRun.Equal(b.LastRun) {
			return a.LastRun.Before(b.LastRun)
		}
		return a.ProjectID < b.ProjectID
	})

	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ProjectID
	}
	return ids
}

// MarkRun records the outcome of processing a project
func (q *ProjectQueue) MarkRun(projectID string, at time.Time, failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.projects[projectID]
	if !ok {
		p = &ProjectPriority{ProjectID: projectID}
		q.projects[projectID] = p
	}
	p.LastRun = at
	if failed {
		p.Failures++
	} else {
		p.Failures = 0
	}
}

// Len returns the number of tracked projects
func (q *ProjectQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.projects)
}
