package persistence

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestPersistence(t *testing.T) *BoltPersistence {
	t.Helper()
	p, err := NewBoltPersistence(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open persistence: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func doc(tablet types.TabletID, id types.InternalID, ts types.Timestamp, value types.Object, prev types.Timestamp) DocumentLogEntry {
	return DocumentLogEntry{Ts: ts, TabletID: tablet, ID: id, Value: value, PrevTs: prev}
}

func TestWriteAndMaxTs(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	if _, found, err := p.MaxTs(ctx); err != nil || found {
		t.Fatalf("fresh store: found=%v err=%v", found, err)
	}

	tablet := types.NewTabletID()
	id := types.NewInternalID()
	err := p.Write(ctx, []DocumentLogEntry{doc(tablet, id, 100, types.Object{"a": float64(1)}, 0)}, nil, ConflictError)
	if err != nil {
		t.Fatal(err)
	}
	ts, found, err := p.MaxTs(ctx)
	if err != nil || !found || ts != 100 {
		t.Fatalf("MaxTs = (%v, %v, %v), want (100, true, nil)", ts, found, err)
	}
}

func TestWriteConflictStrategy(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	id := types.NewInternalID()

	entry := doc(tablet, id, 100, types.Object{"a": float64(1)}, 0)
	if err := p.Write(ctx, []DocumentLogEntry{entry}, nil, ConflictError); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(ctx, []DocumentLogEntry{entry}, nil, ConflictError); err == nil {
		t.Error("duplicate write with ConflictError should fail")
	}
	if err := p.Write(ctx, []DocumentLogEntry{entry}, nil, ConflictOverwrite); err != nil {
		t.Errorf("duplicate write with ConflictOverwrite should succeed: %v", err)
	}
}

func collectDocs(t *testing.T, s *DocumentStream) []DocumentLogEntry {
	t.Helper()
	var out []DocumentLogEntry
	for {
		e, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestLoadDocumentsPaging(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()

	// Two rows share ts 20 to exercise the (ts, tablet, id) cursor.
	var docs []DocumentLogEntry
	ids := make([]types.InternalID, 4)
	for i := range ids {
		ids[i] = types.NewInternalID()
	}
	docs = append(docs,
		doc(tablet, ids[0], 10, types.Object{"n": float64(0)}, 0),
		doc(tablet, ids[1], 20, types.Object{"n": float64(1)}, 0),
		doc(tablet, ids[2], 20, types.Object{"n": float64(2)}, 0),
		doc(tablet, ids[3], 30, types.Object{"n": float64(3)}, 0),
	)
	if err := p.Write(ctx, docs, nil, ConflictError); err != nil {
		t.Fatal(err)
	}

	got := collectDocs(t, p.LoadDocuments(TsRange{Start: 0, End: 100}, Ascending, 2, NoopRetentionValidator{}))
	if len(got) != 4 {
		t.Fatalf("got %d entries, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Ts < got[i-1].Ts {
			t.Error("ascending scan out of order")
		}
	}

	// Window bounds are half-open.
	got = collectDocs(t, p.LoadDocuments(TsRange{Start: 20, End: 30}, Ascending, 2, NoopRetentionValidator{}))
	if len(got) != 2 {
		t.Fatalf("windowed scan got %d entries, want 2", len(got))
	}

	// Descending covers the same rows in reverse.
	got = collectDocs(t, p.LoadDocuments(TsRange{Start: 0, End: 100}, Descending, 3, NoopRetentionValidator{}))
	if len(got) != 4 {
		t.Fatalf("descending scan got %d entries, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Ts > got[i-1].Ts {
			t.Error("descending scan out of order")
		}
	}
}

type failingValidator struct {
	floor types.Timestamp
}

func (v failingValidator) ValidateIndexSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < v.floor {
		return types.NewOutOfRetentionError(ts, v.floor)
	}
	return nil
}

func (v failingValidator) ValidateDocumentSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < v.floor {
		return types.NewOutOfRetentionError(ts, v.floor)
	}
	return nil
}

func TestLoadDocumentsValidatesRetentionAtPageBoundary(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	if err := p.Write(ctx, []DocumentLogEntry{
		doc(tablet, types.NewInternalID(), 10, types.Object{}, 0),
	}, nil, ConflictError); err != nil {
		t.Fatal(err)
	}

	s := p.LoadDocuments(TsRange{Start: 0, End: 100}, Ascending, 10, failingValidator{floor: 50})
	_, _, err := s.Next(ctx)
	if !types.IsOutOfRetention(err) {
		t.Errorf("expected OutOfRetention, got %v", err)
	}
}

func indexMeta(tablet types.TabletID) types.IndexMetadata {
	return types.IndexMetadata{
		ID:       types.NewIndexID(),
		TabletID: tablet,
		Name:     "by_age",
		Fields:   []string{"age"},
		State:    types.IndexState{Phase: types.IndexEnabled},
	}
}

func writeIndexedDoc(t *testing.T, p *BoltPersistence, meta types.IndexMetadata, id types.InternalID, ts types.Timestamp, value types.Object, prevValue types.Object, prevTs types.Timestamp) {
	t.Helper()
	ctx := context.Background()
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
	if err := p.Write(ctx, []DocumentLogEntry{doc(meta.TabletID, id, ts, value, prevTs)}, entries, ConflictError); err != nil {
		t.Fatal(err)
	}
}

func collectScan(t *testing.T, s *IndexStream) []IndexScanEntry {
	t.Helper()
	var out []IndexScanEntry
	for {
		e, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("scan error: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestIndexScanLiveAtSnapshot(t *testing.T) {
	p := newTestPersistence(t)
	tablet := types.NewTabletID()
	meta := indexMeta(tablet)
	id := types.NewInternalID()

	v1 := types.Object{"age": float64(30)}
	v2 := types.Object{"age": float64(40)}
	writeIndexedDoc(t, p, meta, id, 10, v1, nil, 0)
	writeIndexedDoc(t, p, meta, id, 20, v2, v1, 10)

	// At ts 15 the document is live at its old key.
	got := collectScan(t, p.IndexScan(meta.ID, tablet, 15, types.FullInterval(), Ascending, 0, NoopRetentionValidator{}))
	if len(got) != 1 {
		t.Fatalf("scan@15 returned %d entries, want 1", len(got))
	}
	if got[0].Doc.Value["age"] != float64(30) {
		t.Errorf("scan@15 value = %v", got[0].Doc.Value)
	}

	// At ts 25 only the new key is live; the old key is tombstoned.
	got = collectScan(t, p.IndexScan(meta.ID, tablet, 25, types.FullInterval(), Ascending, 0, NoopRetentionValidator{}))
	if len(got) != 1 {
		t.Fatalf("scan@25 returned %d entries, want 1", len(got))
	}
	if got[0].Doc.Value["age"] != float64(40) {
		t.Errorf("scan@25 value = %v", got[0].Doc.Value)
	}
}

func TestIndexScanInterval(t *testing.T) {
	p := newTestPersistence(t)
	tablet := types.NewTabletID()
	meta := indexMeta(tablet)

	for _, age := range []float64{10, 20, 30, 40, 50} {
		writeIndexedDoc(t, p, meta, types.NewInternalID(), types.Timestamp(100+uint64(age)), types.Object{"age": age}, nil, 0)
	}

	iv, err := types.IntervalForValuePrefix([]any{float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	got := collectScan(t, p.IndexScan(meta.ID, tablet, 1000, iv, Ascending, 0, NoopRetentionValidator{}))
	if len(got) != 1 {
		t.Fatalf("equality scan returned %d entries, want 1", len(got))
	}

	lo, err := types.AppendIndexValue(nil, float64(20))
	if err != nil {
		t.Fatal(err)
	}
	hi, err := types.AppendIndexValue(nil, float64(45))
	if err != nil {
		t.Fatal(err)
	}
	got = collectScan(t, p.IndexScan(meta.ID, tablet, 1000, types.Interval{Start: lo, End: hi}, Ascending, 0, NoopRetentionValidator{}))
	if len(got) != 3 {
		t.Fatalf("range scan returned %d entries, want 3 (ages 20..40)", len(got))
	}
}

func TestIndexScanSplitKeyOrdering(t *testing.T) {
	p := newTestPersistence(t)
	tablet := types.NewTabletID()
	meta := types.IndexMetadata{
		ID:       types.NewIndexID(),
		TabletID: tablet,
		Name:     "by_name",
		Fields:   []string{"name"},
		State:    types.IndexState{Phase: types.IndexEnabled},
	}

	// Keys sharing a maximal-length prefix: storage orders them by sha256,
	// the scan must re-sort by full key.
	long := make([]byte, types.MaxIndexKeyPrefixLen)
	for i := range long {
		long[i] = 'x'
	}
	suffixes := []string{"dd", "aa", "cc", "bb"}
	for i, suffix := range suffixes {
		value := types.Object{"name": string(long) + suffix}
		writeIndexedDoc(t, p, meta, types.NewInternalID(), types.Timestamp(100+uint64(i)), value, nil, 0)
	}

	got := collectScan(t, p.IndexScan(meta.ID, tablet, 1000, types.FullInterval(), Ascending, 0, NoopRetentionValidator{}))
	if len(got) != 4 {
		t.Fatalf("scan returned %d entries, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if string(got[i].Key) <= string(got[i-1].Key) {
			t.Fatalf("split keys emitted out of full-key order at %d", i)
		}
	}
}

func TestPreviousRevisions(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	id := types.NewInternalID()

	if err := p.Write(ctx, []DocumentLogEntry{
		doc(tablet, id, 10, types.Object{"v": float64(1)}, 0),
		doc(tablet, id, 20, types.Object{"v": float64(2)}, 10),
	}, nil, ConflictError); err != nil {
		t.Fatal(err)
	}

	q := RevisionQuery{TabletID: tablet, ID: id, Ts: 20}
	got, err := p.PreviousRevisions(ctx, []RevisionQuery{q}, NoopRetentionValidator{})
	if err != nil {
		t.Fatal(err)
	}
	if prev, ok := got[q]; !ok || prev.Ts != 10 {
		t.Fatalf("PreviousRevisions = %v", got)
	}

	eq := ExactRevisionQuery{TabletID: tablet, ID: id, Ts: 20, PrevTs: 10}
	exact, err := p.PreviousRevisionsOfDocuments(ctx, []ExactRevisionQuery{eq}, NoopRetentionValidator{})
	if err != nil {
		t.Fatal(err)
	}
	if prev, ok := exact[eq]; !ok || prev.Value["v"] != float64(1) {
		t.Fatalf("PreviousRevisionsOfDocuments = %v", exact)
	}
}

func TestRevisionPairs(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	id := types.NewInternalID()

	if err := p.Write(ctx, []DocumentLogEntry{
		doc(tablet, id, 10, types.Object{"v": float64(1)}, 0),
		doc(tablet, id, 20, nil, 10),
	}, nil, ConflictError); err != nil {
		t.Fatal(err)
	}

	s := p.LoadRevisionPairs(nil, TsRange{Start: 15, End: 100}, 10, NoopRetentionValidator{})
	pair, ok, err := s.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v)", ok, err)
	}
	if !pair.Rev.IsTombstone() {
		t.Error("revision at 20 should be a tombstone")
	}
	if pair.Prev == nil || pair.Prev.Ts != 10 {
		t.Errorf("prev revision = %+v, want ts 10", pair.Prev)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	id := types.NewInternalID()
	if err := p.Write(ctx, []DocumentLogEntry{doc(tablet, id, 10, types.Object{}, 0)}, nil, ConflictError); err != nil {
		t.Fatal(err)
	}

	keys := []types.DocumentRevisionKey{{TabletID: tablet, ID: id, Ts: 10}}
	n, err := p.DeleteDocuments(ctx, keys)
	if err != nil || n != 1 {
		t.Fatalf("first delete = (%d, %v), want (1, nil)", n, err)
	}
	n, err = p.DeleteDocuments(ctx, keys)
	if err != nil || n != 0 {
		t.Fatalf("second delete = (%d, %v), want (0, nil)", n, err)
	}
}

func TestPersistenceGlobals(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	if err := p.WritePersistenceGlobal(ctx, GlobalMinSnapshotTs, uint64(123)); err != nil {
		t.Fatal(err)
	}
	var v uint64
	found, err := p.GetPersistenceGlobal(ctx, GlobalMinSnapshotTs, &v)
	if err != nil || !found || v != 123 {
		t.Fatalf("GetPersistenceGlobal = (%v, %v, %v)", v, found, err)
	}
	found, err = p.GetPersistenceGlobal(ctx, GlobalConfirmedDeletedTs, &v)
	if err != nil || found {
		t.Fatalf("missing global reported found")
	}
}

func TestLeaseLostOnNewerHolder(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	if err := p.AcquireLease(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	tablet := types.NewTabletID()
	if err := p.Write(ctx, []DocumentLogEntry{doc(tablet, types.NewInternalID(), 10, types.Object{}, 0)}, nil, ConflictError); err != nil {
		t.Fatalf("write under own lease failed: %v", err)
	}

	// Another process takes the lease with a later timestamp.
	stolen := leaseRecord{Ts: uint64(1) << 62, Holder: "second"}
	data, _ := json.Marshal(stolen)
	if err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Put(leaseKey, data)
	}); err != nil {
		t.Fatal(err)
	}

	err := p.Write(ctx, []DocumentLogEntry{doc(tablet, types.NewInternalID(), 20, types.Object{}, 0)}, nil, ConflictError)
	if !types.IsLeaseLost(err) {
		t.Errorf("expected LeaseLost, got %v", err)
	}
	if _, err := p.DeleteDocuments(ctx, []types.DocumentRevisionKey{{TabletID: tablet}}); !types.IsLeaseLost(err) {
		t.Errorf("deletes must be lease-gated, got %v", err)
	}
}

func TestImportBatchBypassesLease(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	// No lease acquired: the bulk import path still writes.
	tablet := types.NewTabletID()
	if err := p.ImportDocumentsBatch(ctx, []DocumentLogEntry{doc(tablet, types.NewInternalID(), 10, types.Object{}, 0)}); err != nil {
		t.Fatal(err)
	}
	stats, err := p.TableSizeStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[tablet].Revisions != 1 {
		t.Errorf("stats = %+v", stats[tablet])
	}
}
