package logs

import (
	"sync"
	"sync/atomic"
)

// buffer is the state of one origin. Until the first snapshot after a reset
// lands, entries holds only live increments; the snapshot is then placed in
// front of them. Later snapshots replace everything.
type buffer struct {
	entries     []Entry
	hasSnapshot bool
}

type views map[Origin][]Entry

// Aggregator owns one log buffer per origin. Writers are serialized; readers
// load an immutable published view and never block.
type Aggregator struct {
	mu      sync.Mutex
	limit   int
	buffers map[Origin]*buffer

	published atomic.Pointer[views]
}

// NewAggregator creates an aggregator. A positive limit caps each buffer,
// evicting the oldest entries first.
func NewAggregator(limit int) *Aggregator {
	a := &Aggregator{
		limit:   limit,
		buffers: make(map[Origin]*buffer),
	}
	a.published.Store(&views{})
	return a
}

// ApplySnapshot installs a history snapshot for origin. Increments that were
// appended before the first snapshot since the last reset are kept after it
// in arrival order; increments preceding any later snapshot are dropped.
func (a *Aggregator) ApplySnapshot(origin Origin, entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buffer(origin)
	next := make([]Entry, 0, len(entries)+len(b.entries))
	next = append(next, entries...)
	if !b.hasSnapshot {
		next = append(next, b.entries...)
	}
	b.entries = next
	b.hasSnapshot = true
	a.trim(b)
	a.publish()
}

// AppendLive appends one live increment for origin
func (a *Aggregator) AppendLive(origin Origin, entry Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.buffer(origin)
	b.entries = append(b.entries, entry)
	a.trim(b)
	a.publish()
}

// Reset clears every buffer
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffers = make(map[Origin]*buffer)
	a.publish()
}

// ResetOrigin clears one buffer
func (a *Aggregator) ResetOrigin(origin Origin) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.buffers, origin)
	a.publish()
}

// Retain drops every node buffer whose id is not in ids. The coordinator
// buffer is always kept. It returns the origins removed.
func (a *Aggregator) Retain(ids []string) []Origin {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []Origin
	for origin := range a.buffers {
		if origin.IsCoordinator() {
			continue
		}
		if _, ok := keep[origin.NodeID]; !ok {
			delete(a.buffers, origin)
			removed = append(removed, origin)
		}
	}
	if len(removed) > 0 {
		a.publish()
	}
	SortOrigins(removed)
	return removed
}

// Buffer returns the entries of origin. The slice must not be modified.
func (a *Aggregator) Buffer(origin Origin) []Entry {
	return (*a.published.Load())[origin]
}

// Origins returns every origin that has a buffer
func (a *Aggregator) Origins() []Origin {
	v := *a.published.Load()
	origins := make([]Origin, 0, len(v))
	for o := range v {
		origins = append(origins, o)
	}
	SortOrigins(origins)
	return origins
}

// Len returns the number of entries held for origin
func (a *Aggregator) Len(origin Origin) int {
	return len(a.Buffer(origin))
}

func (a *Aggregator) buffer(origin Origin) *buffer {
	b, ok := a.buffers[origin]
	if !ok {
		b = &buffer{}
		a.buffers[origin] = b
	}
	return b
}

func (a *Aggregator) trim(b *buffer) {
	if a.limit > 0 && len(b.entries) > a.limit {
		b.entries = b.entries[len(b.entries)-a.limit:]
	}
}

// publish must be called with mu held
func (a *Aggregator) publish() {
	next := make(views, len(a.buffers))
	for origin, b := range a.buffers {
		n := len(b.entries)
		next[origin] = b.entries[:n:n]
	}
	a.published.Store(&next)
}
