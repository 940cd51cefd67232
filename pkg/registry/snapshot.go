package registry

import (
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// TableSummary is the per-tablet row count and storage estimate.
type TableSummary struct {
	Count int64
	Bytes int64
}

// TableSummaries maps tablets to summaries. Nil until the lazy summary
// bootstrap completes.
type TableSummaries map[types.TabletID]TableSummary

func (s TableSummaries) clone() TableSummaries {
	if s == nil {
		return nil
	}
	c := make(TableSummaries, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Snapshot is an immutable handle on the metadata state at one commit
// timestamp. Readers clone the handle out of the manager; writers build a
// new snapshot and publish it.
type Snapshot struct {
	Ts        types.Timestamp
	Tables    *TableMapping
	Indexes   *IndexRegistry
	Summaries TableSummaries
}

// WithTables derives a snapshot with a new table mapping.
func (s *Snapshot) WithTables(tables *TableMapping) *Snapshot {
	c := *s
	c.Tables = tables
	return &c
}

// WithIndexes derives a snapshot with a new index registry.
func (s *Snapshot) WithIndexes(indexes *IndexRegistry) *Snapshot {
	c := *s
	c.Indexes = indexes
	return &c
}

// WithTs derives a snapshot at a new commit timestamp.
func (s *Snapshot) WithTs(ts types.Timestamp) *Snapshot {
	c := *s
	c.Ts = ts
	return &c
}

// WithSummaryDelta derives a snapshot with one tablet's summary adjusted.
func (s *Snapshot) WithSummaryDelta(tabletID types.TabletID, countDelta, bytesDelta int64) *Snapshot {
	if s.Summaries == nil {
		return s
	}
	c := *s
	c.Summaries = s.Summaries.clone()
	sum := c.Summaries[tabletID]
	sum.Count += countDelta
	sum.Bytes += bytesDelta
	c.Summaries[tabletID] = sum
	return &c
}

// Manager is the reader/writer cell holding the current snapshot. The
// committer swaps the inner value; readers clone the handle in O(1) and
// never hold the lock across a suspension point.
type Manager struct {
	mu  sync.RWMutex
	cur *Snapshot
}

// NewManager seeds the manager with the bootstrap snapshot.
func NewManager(s *Snapshot) *Manager {
	return &Manager{cur: s}
}

// Current returns the published snapshot handle.
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Publish swaps in a new snapshot. Single writer: the committer.
func (m *Manager) Publish(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = s
}
