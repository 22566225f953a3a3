// Package ledger mirrors the committed blocks and relays block proposals to
// nodes.
package ledger

import (
	"context"
	"sync"
	"time"

	"ledgerwatch/internal/protocol"
)

// commitTimeLayouts are tried in order. The coordinator emits naive
// timestamps without a zone, which are read as UTC.
var commitTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Block is one committed ledger entry
type Block struct {
	Data          string
	CommittedBy   string
	CommitTime    time.Time
	RawCommitTime string
}

// HasCommitTime reports whether the raw commit time could be parsed
func (b Block) HasCommitTime() bool {
	return !b.CommitTime.IsZero()
}

// Fetcher retrieves the ledger from the coordinator
type Fetcher interface {
	Blockchain(ctx context.Context) ([]protocol.BlockRecord, error)
}

// View holds the last successfully fetched ledger
type View struct {
	fetcher Fetcher

	mu        sync.RWMutex
	blocks    []Block
	lastErr   error
	updatedAt time.Time
}

// NewView creates an empty ledger view
func NewView(fetcher Fetcher) *View {
	return &View{fetcher: fetcher}
}

// Fetch retrieves and converts the ledger without touching the view
func (v *View) Fetch(ctx context.Context) ([]Block, error) {
	records, err := v.fetcher.Blockchain(ctx)
	if err != nil {
		return nil, err
	}
	return ConvertBlocks(records), nil
}

// Refresh fetches the ledger and replaces the view. On failure the previous
// blocks are kept and the error is returned.
func (v *View) Refresh(ctx context.Context) ([]Block, error) {
	blocks, err := v.Fetch(ctx)
	if err != nil {
		v.SetError(err)
		return v.Blocks(), err
	}
	v.Apply(blocks, time.Now())
	return blocks, nil
}

// Apply replaces the view wholesale
func (v *View) Apply(blocks []Block, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blocks = blocks
	v.lastErr = nil
	v.updatedAt = at
}

// SetError records a failed refresh without touching the blocks
func (v *View) SetError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastErr = err
}

// Blocks returns the last good ledger in source order
func (v *View) Blocks() []Block {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.blocks
}

// LastError returns the error of the last refresh, nil if it succeeded
func (v *View) LastError() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastErr
}

// UpdatedAt returns when the blocks were last replaced
func (v *View) UpdatedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updatedAt
}

// ConvertBlocks converts wire records, keeping their order
func ConvertBlocks(records []protocol.BlockRecord) []Block {
	blocks := make([]Block, 0, len(records))
	for _, r := range records {
		blocks = append(blocks, Block{
			Data:          r.BlockData,
			CommittedBy:   string(r.CommittedBy),
			CommitTime:    parseCommitTime(r.CommitTime),
			RawCommitTime: r.CommitTime,
		})
	}
	return blocks
}

func parseCommitTime(raw string) time.Time {
	for _, layout := range commitTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
