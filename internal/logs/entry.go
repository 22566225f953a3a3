// Package logs merges log history snapshots and live increments into one
// ordered buffer per origin.
package logs

import (
	"sort"
	"strings"

	"ledgerwatch/internal/registry"
)

// Source kinds carried by each entry
const (
	SourceServer = "server"
	SourceNode   = "node"
)

// Origin identifies who produced a log line: the coordinator or one node
type Origin struct {
	NodeID string
}

// Coordinator is the origin of the coordinator's own lines
func Coordinator() Origin {
	return Origin{}
}

// Node is the origin of lines produced by node id
func Node(id string) Origin {
	return Origin{NodeID: id}
}

// IsCoordinator reports whether o is the coordinator origin
func (o Origin) IsCoordinator() bool {
	return o.NodeID == ""
}

func (o Origin) String() string {
	if o.IsCoordinator() {
		return "coordinator"
	}
	return "node:" + o.NodeID
}

// ParseOrigin is the inverse of Origin.String
func ParseOrigin(s string) (Origin, bool) {
	if s == "coordinator" {
		return Coordinator(), true
	}
	if id, ok := strings.CutPrefix(s, "node:"); ok && id != "" {
		return Node(id), true
	}
	return Origin{}, false
}

// Entry is one log line
type Entry struct {
	Text       string
	Origin     Origin
	SourceKind string
}

// Kind is "coordinator" or "node"
func (o Origin) Kind() string {
	if o.IsCoordinator() {
		return "coordinator"
	}
	return "node"
}

// Record is the JSON shape of an entry sent to external consumers
type Record struct {
	Origin     string `json:"origin"`
	NodeID     string `json:"node_id,omitempty"`
	Text       string `json:"text"`
	SourceKind string `json:"source_kind"`
}

// Record converts e for serialization
func (e Entry) Record() Record {
	return Record{
		Origin:     e.Origin.Kind(),
		NodeID:     e.Origin.NodeID,
		Text:       e.Text,
		SourceKind: e.SourceKind,
	}
}

// Records converts entries for serialization
func Records(entries []Entry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record())
	}
	return out
}

// SortOrigins puts the coordinator first, then nodes by id
func SortOrigins(origins []Origin) {
	sort.Slice(origins, func(i, j int) bool {
		a, b := origins[i], origins[j]
		if a.IsCoordinator() != b.IsCoordinator() {
			return a.IsCoordinator()
		}
		return registry.LessID(a.NodeID, b.NodeID)
	})
}
