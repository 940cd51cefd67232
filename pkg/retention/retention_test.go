package retention

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestPersistence(t *testing.T) *persistence.BoltPersistence {
	t.Helper()
	p, err := persistence.NewBoltPersistence(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IndexDelay = time.Second
	cfg.DocumentDelay = 2 * time.Second
	return cfg
}

func newLeader(t *testing.T, p *persistence.BoltPersistence, maxRep types.Timestamp, indexes []types.IndexMetadata) *LeaderManager {
	t.Helper()
	m, err := NewLeader(context.Background(), p, testConfig(),
		func() types.Timestamp { return maxRep },
		func() []types.IndexMetadata { return indexes },
		nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAdvanceCursorsPersistsBeforePublishing(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	now := types.TimestampFromTime(time.Now())

	m := newLeader(t, p, now, nil)
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}

	wantIdx := now.Sub(time.Second)
	if got := m.MinIndexSnapshotTs(); got != wantIdx {
		t.Errorf("MinIndexSnapshotTs = %s, want %s", got, wantIdx)
	}
	var stored uint64
	found, err := p.GetPersistenceGlobal(ctx, persistence.GlobalMinSnapshotTs, &stored)
	if err != nil || !found || types.Timestamp(stored) != wantIdx {
		t.Errorf("persisted floor = (%v, %v, %v)", stored, found, err)
	}
	if m.MinDocumentSnapshotTs() != now.Sub(2*time.Second) {
		t.Errorf("document floor = %s", m.MinDocumentSnapshotTs())
	}

	// Cursors are monotonic: an older max repeatable does not regress them.
	m.maxRep = func() types.Timestamp { return now.Sub(time.Hour) }
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}
	if m.MinIndexSnapshotTs() != wantIdx {
		t.Error("cursor regressed")
	}
}

func TestValidatorsRejectBelowFloor(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	now := types.TimestampFromTime(time.Now())

	m := newLeader(t, p, now, nil)
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}

	old := now.Sub(time.Hour)
	if err := m.ValidateIndexSnapshot(ctx, old); !types.IsOutOfRetention(err) {
		t.Errorf("expected OutOfRetention, got %v", err)
	}
	if err := m.ValidateIndexSnapshot(ctx, now); err != nil {
		t.Errorf("fresh snapshot rejected: %v", err)
	}
	if err := m.ValidateDocumentSnapshot(ctx, old); !types.IsOutOfRetention(err) {
		t.Errorf("document path: expected OutOfRetention, got %v", err)
	}
}

func TestFollowerValidator(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	now := types.TimestampFromTime(time.Now())

	leader := newLeader(t, p, now, nil)
	if err := leader.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}

	follower, err := NewFollower(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := follower.ValidateIndexSnapshot(ctx, now); err != nil {
		t.Errorf("follower rejected fresh snapshot: %v", err)
	}
	if err := follower.ValidateIndexSnapshot(ctx, now.Sub(time.Hour)); !types.IsOutOfRetention(err) {
		t.Errorf("follower accepted ancient snapshot: %v", err)
	}
}

func writeRevision(t *testing.T, p *persistence.BoltPersistence, meta types.IndexMetadata, id types.InternalID, ts types.Timestamp, value, prevValue types.Object, prevTs types.Timestamp) {
	t.Helper()
	var entries []types.IndexEntry
	var newKey types.IndexKey
	if value != nil {
		key, err := types.IndexKeyForDocument(meta.Fields, value, id)
		if err != nil {
			t.Fatal(err)
		}
		newKey = key
		entries = append(entries, types.NewIndexEntry(meta, key, meta.TabletID, id, ts, false))
	}
	if prevValue != nil {
		oldKey, err := types.IndexKeyForDocument(meta.Fields, prevValue, id)
		if err != nil {
			t.Fatal(err)
		}
		if newKey == nil || !oldKey.Equal(newKey) {
			entries = append(entries, types.NewIndexEntry(meta, oldKey, meta.TabletID, id, ts, true))
		}
	}
	err := p.Write(context.Background(), []persistence.DocumentLogEntry{
		{Ts: ts, TabletID: meta.TabletID, ID: id, Value: value, PrevTs: prevTs},
	}, entries, persistence.ConflictError)
	if err != nil {
		t.Fatal(err)
	}
}

func TestExpiredIndexEntries(t *testing.T) {
	tablet := types.NewTabletID()
	meta := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_age", Fields: []string{"age"}, State: types.IndexState{Phase: types.IndexEnabled}}
	id := types.NewInternalID()

	prev := persistence.DocumentLogEntry{Ts: 10, TabletID: tablet, ID: id, Value: types.Object{"age": float64(30)}}

	// Key change: delete the old entry and its tombstone.
	pair := persistence.RevisionPair{
		Rev:  persistence.DocumentLogEntry{Ts: 20, TabletID: tablet, ID: id, Value: types.Object{"age": float64(40)}, PrevTs: 10},
		Prev: &prev,
	}
	expired, err := expiredIndexEntries(pair, []types.IndexMetadata{meta})
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Fatalf("key change: %d expired entries, want 2", len(expired))
	}
	if expired[0].Ts != 10 || expired[1].Ts != 20 || !expired[1].Deleted {
		t.Errorf("expired = %+v", expired)
	}

	// Same key: only the superseded entry goes.
	pair.Rev.Value = types.Object{"age": float64(30)}
	expired, err = expiredIndexEntries(pair, []types.IndexMetadata{meta})
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 {
		t.Fatalf("same key: %d expired entries, want 1", len(expired))
	}

	// Document deletion: old entry plus the deletion tombstone.
	pair.Rev.Value = nil
	expired, err = expiredIndexEntries(pair, []types.IndexMetadata{meta})
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Fatalf("deletion: %d expired entries, want 2", len(expired))
	}

	// First revision: nothing to expire.
	expired, err = expiredIndexEntries(persistence.RevisionPair{Rev: pair.Rev}, []types.IndexMetadata{meta})
	if err != nil || len(expired) != 0 {
		t.Errorf("first revision: %v, %v", expired, err)
	}
}

func TestRetainedIndexesSkipsEarlyBackfills(t *testing.T) {
	tablet := types.NewTabletID()
	enabled := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, State: types.IndexState{Phase: types.IndexEnabled}}
	early := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, State: types.IndexState{Phase: types.IndexBackfilling}}
	started := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, State: types.IndexState{Phase: types.IndexBackfilling, RetentionStarted: true}}

	byTablet := retainedIndexes([]types.IndexMetadata{enabled, early, started})
	if len(byTablet[tablet]) != 2 {
		t.Errorf("retained %d indexes, want 2 (early backfill excluded)", len(byTablet[tablet]))
	}
}

func TestIndexDeleterCycle(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	meta := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_age", Fields: []string{"age"}, State: types.IndexState{Phase: types.IndexEnabled}}
	id := types.NewInternalID()

	base := types.TimestampFromTime(time.Now().Add(-time.Hour))
	v1 := types.Object{"age": float64(30)}
	v2 := types.Object{"age": float64(40)}
	writeRevision(t, p, meta, id, base, v1, nil, 0)
	writeRevision(t, p, meta, id, base+1000, v2, v1, base)

	m := newLeader(t, p, types.TimestampFromTime(time.Now()), []types.IndexMetadata{meta})
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.deleteExpiredIndexEntries(ctx); err != nil {
		t.Fatal(err)
	}

	// The checkpoint advanced to the floor.
	var confirmed uint64
	if _, err := p.GetPersistenceGlobal(ctx, persistence.GlobalConfirmedDeletedTs, &confirmed); err != nil {
		t.Fatal(err)
	}
	if types.Timestamp(confirmed) != m.MinIndexSnapshotTs() {
		t.Errorf("checkpoint = %d, want %s", confirmed, m.MinIndexSnapshotTs())
	}

	// The old key's entries are gone: a scan at the head sees only v2.
	scan := p.IndexScan(meta.ID, tablet, types.MaxTimestamp, types.FullInterval(), persistence.Ascending, 0, persistence.NoopRetentionValidator{})
	var ages []any
	for {
		e, ok, err := scan.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		ages = append(ages, e.Doc.Value["age"])
	}
	if len(ages) != 1 || ages[0] != float64(40) {
		t.Errorf("post-retention scan = %v", ages)
	}
}

func TestIndexDeleterSkipsCheckpointWhenIndexesChange(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	meta := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_age", Fields: []string{"age"}, State: types.IndexState{Phase: types.IndexEnabled}}

	indexes := []types.IndexMetadata{meta}
	calls := 0
	m, err := NewLeader(ctx, p, testConfig(),
		func() types.Timestamp { return types.TimestampFromTime(time.Now()) },
		func() []types.IndexMetadata {
			calls++
			if calls > 1 {
				// An index appears mid-batch.
				extra := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_name", Fields: []string{"name"}, State: types.IndexState{Phase: types.IndexEnabled}}
				return append([]types.IndexMetadata{extra}, indexes...)
			}
			return indexes
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}
	before := m.confirmedIdx.Load()
	if err := m.deleteExpiredIndexEntries(ctx); err != nil {
		t.Fatal(err)
	}
	if m.confirmedIdx.Load() != before {
		t.Error("checkpoint advanced although the index set changed mid-cycle")
	}
}

func TestDocumentDeleterCycle(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	meta := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_age", Fields: []string{"age"}, State: types.IndexState{Phase: types.IndexEnabled}}

	base := types.TimestampFromTime(time.Now().Add(-time.Hour))
	survivor := types.NewInternalID()
	deleted := types.NewInternalID()
	writeRevision(t, p, meta, survivor, base, types.Object{"age": float64(1)}, nil, 0)
	writeRevision(t, p, meta, survivor, base+1000, types.Object{"age": float64(2)}, types.Object{"age": float64(1)}, base)
	writeRevision(t, p, meta, deleted, base, types.Object{"age": float64(3)}, nil, 0)
	writeRevision(t, p, meta, deleted, base+1000, nil, types.Object{"age": float64(3)}, base)

	m := newLeader(t, p, types.TimestampFromTime(time.Now()), []types.IndexMetadata{meta})
	if err := m.advanceCursors(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.deleteExpiredDocuments(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := p.TableSizeStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Of four revisions, only the survivor's latest remains: superseded
	// revisions and the tombstone past the floor are gone.
	if stats[tablet].Revisions != 1 {
		t.Errorf("remaining revisions = %d, want 1", stats[tablet].Revisions)
	}
}

func TestFailIfFallingBehind(t *testing.T) {
	p := newTestPersistence(t)
	m := newLeader(t, p, types.TimestampFromTime(time.Now()), nil)

	// Fresh checkpoint: no shedding.
	m.confirmedIdx.Store(uint64(types.TimestampFromTime(time.Now())))
	if err := m.FailIfFallingBehind(); err != nil {
		t.Errorf("healthy instance shed a write: %v", err)
	}

	// Checkpoint far behind the full-rejection threshold: always shed.
	m.confirmedIdx.Store(uint64(types.TimestampFromTime(time.Now().Add(-time.Hour))))
	if err := m.FailIfFallingBehind(); !types.IsRateLimited(err) {
		t.Errorf("lagging instance did not shed: %v", err)
	}
}
