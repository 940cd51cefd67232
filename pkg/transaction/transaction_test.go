package transaction

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// testEnv builds a bootstrapped persistence with one user table.
type testEnv struct {
	p        *persistence.BoltPersistence
	snapshot *registry.Snapshot
	table    registry.TableEntry
	byAge    types.IndexMetadata
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	p, err := persistence.NewBoltPersistence(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	ctx := context.Background()

	meta, _, err := registry.LoadOrCreateMetadata(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	maxTs, _, err := p.MaxTs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := registry.Load(ctx, p, meta, maxTs, persistence.NoopRetentionValidator{})
	if err != nil {
		t.Fatal(err)
	}

	// Register a user table with a by_age index directly in the snapshot;
	// the committer normally does this through a registry mutation.
	tablet := types.NewTabletID()
	entry := registry.TableEntry{
		Name: "users", Namespace: registry.DefaultNamespace, Number: 10001,
		TabletID: tablet, State: registry.TableActive,
	}
	byID := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: types.IndexByID, State: types.IndexState{Phase: types.IndexEnabled}}
	byAge := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: "by_age", Fields: []string{"age"}, State: types.IndexState{Phase: types.IndexEnabled}}
	snapshot = snapshot.WithTables(snapshot.Tables.With(entry))
	snapshot = snapshot.WithIndexes(snapshot.Indexes.With(byID, types.NewInternalID()).With(byAge, types.NewInternalID()))

	return &testEnv{p: p, snapshot: snapshot, table: entry, byAge: byAge}
}

// commit persists a transaction's staged writes at the given ts and
// advances env.snapshot to it.
func (env *testEnv) commit(t *testing.T, tx *Transaction, ts types.Timestamp) {
	t.Helper()
	docs, entries, _, err := tx.CommitPayload(ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.p.Write(context.Background(), docs, entries, persistence.ConflictError); err != nil {
		t.Fatal(err)
	}
	env.snapshot = env.snapshot.WithTs(ts)
}

func (env *testEnv) begin(identity types.Identity) *Transaction {
	return New(identity, env.snapshot, env.p, persistence.NoopRetentionValidator{})
}

func TestInsertGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx := env.begin(types.Identity{Subject: "alice"})
	docID, err := tx.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"name": "A", "age": float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	if docID.Table != env.table.Number {
		t.Errorf("document id carries table number %d, want %d", docID.Table, env.table.Number)
	}

	// Read-your-writes inside the transaction.
	value, found, err := tx.Get(ctx, registry.DefaultNamespace, "users", docID.Internal)
	if err != nil || !found {
		t.Fatalf("Get staged = (%v, %v)", found, err)
	}
	if value["name"] != "A" {
		t.Errorf("staged value = %v", value)
	}
	if value[types.FieldID] != docID.String() {
		t.Errorf("_id = %v, want %s", value[types.FieldID], docID)
	}
	if _, ok := value[types.FieldCreationTime].(float64); !ok {
		t.Error("_creationTime missing")
	}

	env.commit(t, tx, env.snapshot.Ts+10)

	// Visible to a later transaction.
	tx2 := env.begin(types.Identity{Subject: "bob"})
	value, found, err = tx2.Get(ctx, registry.DefaultNamespace, "users", docID.Internal)
	if err != nil || !found {
		t.Fatalf("Get committed = (%v, %v)", found, err)
	}
	if value["age"] != float64(30) {
		t.Errorf("committed value = %v", value)
	}
}

func TestReadSetRecordsIntervals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx := env.begin(types.Identity{Subject: "alice"})
	iv, err := types.IntervalForValuePrefix([]any{float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.IndexRange(ctx, registry.DefaultNamespace, "users", "by_age", iv, persistence.Ascending, 10); err != nil {
		t.Fatal(err)
	}
	reads := tx.Reads.Reads()
	if len(reads) != 1 || reads[0].IndexID != env.byAge.ID {
		t.Fatalf("read set = %+v", reads)
	}
	if !reads[0].Interval.Overlaps(iv) {
		t.Error("recorded interval lost")
	}
}

func TestIndexRangeMergesPendingWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// One committed document.
	setup := env.begin(types.SystemIdentity)
	if _, err := setup.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"age": float64(20)}); err != nil {
		t.Fatal(err)
	}
	env.commit(t, setup, env.snapshot.Ts+10)

	tx := env.begin(types.Identity{Subject: "alice"})
	if _, err := tx.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"age": float64(25)}); err != nil {
		t.Fatal(err)
	}
	entries, err := tx.IndexRange(ctx, registry.DefaultNamespace, "users", "by_age", types.FullInterval(), persistence.Ascending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("merged scan returned %d entries, want 2", len(entries))
	}
	if !bytes.Equal(entries[0].Key[:1], entries[1].Key[:1]) {
		// Both keys start with the number tag; ordering checked below.
		t.Logf("keys: %x %x", entries[0].Key, entries[1].Key)
	}
	if entries[0].Doc.Value["age"] != float64(20) || entries[1].Doc.Value["age"] != float64(25) {
		t.Errorf("merged order wrong: %v, %v", entries[0].Doc.Value["age"], entries[1].Doc.Value["age"])
	}
}

func TestReplaceTombstonesOldKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	setup := env.begin(types.SystemIdentity)
	docID, err := setup.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"age": float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	env.commit(t, setup, env.snapshot.Ts+10)

	tx := env.begin(types.SystemIdentity)
	if err := tx.Replace(ctx, registry.DefaultNamespace, "users", docID.Internal, types.Object{"age": float64(40)}); err != nil {
		t.Fatal(err)
	}
	commitTs := env.snapshot.Ts + 20
	docs, entries, updates, err := tx.CommitPayload(commitTs)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].PrevTs == 0 {
		t.Fatalf("docs = %+v", docs)
	}

	// by_age gets an insert for the new key and a tombstone for the old;
	// by_id keeps the same key so no tombstone there.
	var tombstones, inserts int
	for _, e := range entries {
		if e.IndexID != env.byAge.ID {
			continue
		}
		if e.Deleted {
			tombstones++
		} else {
			inserts++
		}
	}
	if tombstones != 1 || inserts != 1 {
		t.Errorf("by_age entries: %d inserts, %d tombstones", inserts, tombstones)
	}
	for _, e := range entries {
		if e.IndexID == envByID(env, t) && e.Deleted {
			t.Error("by_id key unchanged, must not tombstone")
		}
	}
	if len(updates) == 0 {
		t.Error("write log updates missing")
	}
}

func envByID(env *testEnv, t *testing.T) types.IndexID {
	t.Helper()
	byID, err := env.snapshot.Indexes.ByIDIndex(env.table.TabletID)
	if err != nil {
		t.Fatal(err)
	}
	return byID.ID
}

func TestDeleteStagesTombstone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	setup := env.begin(types.SystemIdentity)
	docID, err := setup.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"age": float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	env.commit(t, setup, env.snapshot.Ts+10)

	tx := env.begin(types.SystemIdentity)
	if err := tx.Delete(ctx, registry.DefaultNamespace, "users", docID.Internal); err != nil {
		t.Fatal(err)
	}
	if _, found, err := tx.Get(ctx, registry.DefaultNamespace, "users", docID.Internal); err != nil || found {
		t.Errorf("deleted document still visible in transaction: found=%v err=%v", found, err)
	}
	docs, _, _, err := tx.CommitPayload(env.snapshot.Ts + 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || !docs[0].IsTombstone() {
		t.Errorf("payload = %+v, want tombstone", docs)
	}
}

func TestSystemTableWriteGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tx := env.begin(types.Identity{Subject: "alice"})
	_, err := tx.Insert(ctx, registry.DefaultNamespace, registry.TableTables, types.Object{"name": "evil"})
	if !types.IsUserError(err) {
		t.Errorf("user write to system table should fail, got %v", err)
	}

	system := env.begin(types.SystemIdentity)
	if _, err := system.Insert(ctx, registry.DefaultNamespace, registry.TableTables, registry.TableEntryToDocument(registry.TableEntry{
		Name: "ok", Number: 10002, TabletID: types.NewTabletID(), State: registry.TableActive,
	})); err != nil {
		t.Errorf("system write to system table failed: %v", err)
	}
}

func TestUnknownTable(t *testing.T) {
	env := newTestEnv(t)
	tx := env.begin(types.Identity{Subject: "alice"})
	_, _, err := tx.Get(context.Background(), registry.DefaultNamespace, "missing", types.NewInternalID())
	if !types.IsUserError(err) {
		t.Errorf("expected user error, got %v", err)
	}
}

func TestWriteSetRestageKeepsPredecessor(t *testing.T) {
	w := NewWriteSet()
	tablet := types.NewTabletID()
	id := types.NewInternalID()
	w.Stage(WriteOp{TabletID: tablet, ID: id, Value: types.Object{"v": float64(1)}, PrevTs: 10, PrevValue: types.Object{"v": float64(0)}})
	w.Stage(WriteOp{TabletID: tablet, ID: id, Value: types.Object{"v": float64(2)}})

	if w.Len() != 1 {
		t.Fatalf("write set length = %d, want 1", w.Len())
	}
	op, _ := w.Get(tablet, id)
	if op.Value["v"] != float64(2) {
		t.Error("restage lost the newer value")
	}
	if op.PrevTs != 10 || op.PrevValue == nil {
		t.Error("restage must keep the original predecessor")
	}
}

func TestIDGeneratorMonotonicCreationTime(t *testing.T) {
	g := NewIDGenerator(types.Timestamp(1 << 60))
	var last float64
	for i := 0; i < 10; i++ {
		ct := g.NextCreationTime()
		if ct <= last {
			t.Fatalf("creation time not strictly increasing: %v after %v", ct, last)
		}
		last = ct
	}
}
