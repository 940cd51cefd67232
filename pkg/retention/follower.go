package retention

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
)

// FollowerManager validates snapshot reads for processes that do not hold
// the lease, backed only by persistence globals. The optimistic check uses
// the cached floor; the authoritative check refreshes it when the cache is
// stale or the optimistic check fails.
type FollowerManager struct {
	p          persistence.Reader
	refreshAge time.Duration

	mu          sync.Mutex
	minIndexTs  types.Timestamp
	minDocTs    types.Timestamp
	refreshedAt time.Time
}

// NewFollower builds a follower validator over a persistence reader.
func NewFollower(ctx context.Context, p persistence.Reader) (*FollowerManager, error) {
	m := &FollowerManager{p: p, refreshAge: 30 * time.Second}
	if err := m.refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *FollowerManager) refresh(ctx context.Context) error {
	var idx, doc uint64
	if _, err := m.p.GetPersistenceGlobal(ctx, persistence.GlobalMinSnapshotTs, &idx); err != nil {
		return err
	}
	if _, err := m.p.GetPersistenceGlobal(ctx, persistence.GlobalMinDocumentSnapshotTs, &doc); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if types.Timestamp(idx) > m.minIndexTs {
		m.minIndexTs = types.Timestamp(idx)
	}
	if types.Timestamp(doc) > m.minDocTs {
		m.minDocTs = types.Timestamp(doc)
	}
	m.refreshedAt = time.Now()
	return nil
}

func (m *FollowerManager) cached() (types.Timestamp, types.Timestamp, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minIndexTs, m.minDocTs, time.Since(m.refreshedAt) < m.refreshAge
}

// ValidateIndexSnapshot checks ts against the index floor, refreshing the
// cached floor when stale.
func (m *FollowerManager) ValidateIndexSnapshot(ctx context.Context, ts types.Timestamp) error {
	idx, _, fresh := m.cached()
	if ts >= idx && fresh {
		return nil
	}
	if !fresh || ts < idx {
		if err := m.refresh(ctx); err != nil {
			return err
		}
	}
	idx, _, _ = m.cached()
	if ts < idx {
		return types.NewOutOfRetentionError(ts, idx)
	}
	return nil
}

// ValidateDocumentSnapshot checks ts against the document floor.
func (m *FollowerManager) ValidateDocumentSnapshot(ctx context.Context, ts types.Timestamp) error {
	_, doc, fresh := m.cached()
	if ts >= doc && fresh {
		return nil
	}
	if !fresh || ts < doc {
		if err := m.refresh(ctx); err != nil {
			return err
		}
	}
	_, doc, _ = m.cached()
	if ts < doc {
		return types.NewOutOfRetentionError(ts, doc)
	}
	return nil
}

// MinIndexSnapshotTs returns the cached index floor.
func (m *FollowerManager) MinIndexSnapshotTs() types.Timestamp {
	idx, _, _ := m.cached()
	return idx
}

// MinDocumentSnapshotTs returns the cached document floor.
func (m *FollowerManager) MinDocumentSnapshotTs() types.Timestamp {
	_, doc, _ := m.cached()
	return doc
}
