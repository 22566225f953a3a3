// Package registry keeps the current snapshot of cluster nodes as published
// by the coordinator.
package registry

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// shortKeyLength is how many characters of an identity key are displayed
const shortKeyLength = 10

// Registry holds the node set from the last successful fetch. A snapshot is
// always replaced wholesale.
type Registry struct {
	mu sync.RWMutex

	nodes     []Node
	byID      map[string]Node
	version   uint64
	loaded    bool
	updatedAt time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		byID: make(map[string]Node),
	}
}

// Replace installs a new snapshot and reports whether the node set or any
// node address changed.
func (r *Registry) Replace(nodes []Node, at time.Time) bool {
	byID := make(map[string]Node, len(nodes))
	sorted := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			continue
		}
		byID[n.ID] = n
		sorted = append(sorted, n)
	}
	SortNodes(sorted)

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := !r.loaded || !sameNodes(r.byID, byID)
	r.nodes = sorted
	r.byID = byID
	r.loaded = true
	r.updatedAt = at
	if changed {
		r.version++
	}
	return changed
}

// Nodes returns the current snapshot ordered by id
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Node(nil), r.nodes...)
}

// Lookup returns the node with the given id
func (r *Registry) Lookup(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byID[id]
	return n, ok
}

// IDs returns the ids of the current snapshot
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for _, n := range r.nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Version increments every time the node set changes
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Loaded reports whether at least one snapshot has been installed
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// UpdatedAt returns when the current snapshot was installed
func (r *Registry) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

func sameNodes(a, b map[string]Node) bool {
	if len(a) != len(b) {
		return false
	}
	for id, n := range a {
		other, ok := b[id]
		if !ok || other.IdentityKey != n.IdentityKey || other.Address.String() != n.Address.String() {
			return false
		}
	}
	return true
}

// SortNodes orders nodes by id, numerically when both ids are integers
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return LessID(nodes[i].ID, nodes[j].ID)
	})
}

// LessID compares node ids, numerically when both are integers
func LessID(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	if (errA == nil) != (errB == nil) {
		return errA == nil
	}
	return a < b
}
