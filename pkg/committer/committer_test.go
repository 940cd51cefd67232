package committer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/writelog"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type env struct {
	p     *persistence.BoltPersistence
	mgr   *registry.Manager
	wlog  *writelog.WriteLog
	c     *Committer
	table registry.TableEntry
}

func newEnv(t *testing.T) *env {
	return newEnvWithShed(t, nil)
}

func newEnvWithShed(t *testing.T, shed func() error) *env {
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

	tablet := types.NewTabletID()
	entry := registry.TableEntry{
		Name: "users", Namespace: registry.DefaultNamespace, Number: 10001,
		TabletID: tablet, State: registry.TableActive,
	}
	byID := types.IndexMetadata{ID: types.NewIndexID(), TabletID: tablet, Name: types.IndexByID, State: types.IndexState{Phase: types.IndexEnabled}}
	snapshot = snapshot.WithTables(snapshot.Tables.With(entry))
	snapshot = snapshot.WithIndexes(snapshot.Indexes.With(byID, types.NewInternalID()))

	mgr := registry.NewManager(snapshot)
	wl := writelog.New(maxTs, 64, time.Hour)
	c := New(p, mgr, wl, shed, nil)
	c.Start(ctx)
	t.Cleanup(c.Stop)
	return &env{p: p, mgr: mgr, wlog: wl, c: c, table: entry}
}

func (e *env) begin() *transaction.Transaction {
	return transaction.New(types.SystemIdentity, e.mgr.Current(), e.p, persistence.NoopRetentionValidator{})
}

func TestCommitAssignsIncreasingTimestamps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var last types.Timestamp
	for i := 0; i < 3; i++ {
		tx := e.begin()
		if _, err := tx.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"n": float64(i)}); err != nil {
			t.Fatal(err)
		}
		ts, err := e.c.Commit(ctx, &Request{Tx: tx, Source: "test"})
		if err != nil {
			t.Fatal(err)
		}
		if ts <= last {
			t.Fatalf("commit ts %s not greater than %s", ts, last)
		}
		last = ts
		if e.mgr.Current().Ts != ts {
			t.Error("published snapshot not at the commit ts")
		}
		if e.c.MaxRepeatableTs() != ts {
			t.Error("max repeatable not advanced with the commit")
		}
	}
	if e.wlog.Size() != 3 {
		t.Errorf("write log holds %d commits, want 3", e.wlog.Size())
	}
}

func TestPreconditionAbortsBeforeWrite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tx := e.begin()
	if _, err := tx.Insert(ctx, registry.DefaultNamespace, "users", types.Object{"n": float64(1)}); err != nil {
		t.Fatal(err)
	}
	boom := types.NewUserError("SchemaViolation", "value out of range")
	_, err := e.c.Commit(ctx, &Request{
		Tx:     tx,
		Source: "test",
		Preconditions: []Precondition{func(*registry.Snapshot) error {
			return boom
		}},
	})
	if !types.IsUserError(err) {
		t.Fatalf("expected the precondition's user error, got %v", err)
	}
	// Nothing was persisted or logged.
	if e.wlog.Size() != 0 {
		t.Error("aborted commit reached the write log")
	}
	stats, err := e.p.TableSizeStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[e.table.TabletID].Revisions != 0 {
		t.Error("aborted commit reached persistence")
	}
}

func TestShedRejectsUserCommits(t *testing.T) {
	e := newEnvWithShed(t, func() error {
		return types.NewRateLimitedError("TooManyWritesInTimePeriod", "shedding")
	})
	ctx := context.Background()

	user := transaction.New(types.Identity{Subject: "alice"}, e.mgr.Current(), e.p, persistence.NoopRetentionValidator{})
	if _, err := user.Insert(ctx, registry.DefaultNamespace, "users", types.Object{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.Commit(ctx, &Request{Tx: user, Source: "user"}); !types.IsRateLimited(err) {
		t.Errorf("user commit not shed: %v", err)
	}

	// System commits bypass shedding.
	system := e.begin()
	if _, err := system.Insert(ctx, registry.DefaultNamespace, "users", types.Object{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.Commit(ctx, &Request{Tx: system, Source: "system"}); err != nil {
		t.Errorf("system commit was shed: %v", err)
	}
}

func TestBumpAdvancesRepeatableWithoutWrites(t *testing.T) {
	e := newEnv(t)
	before := e.c.MaxRepeatableTs()
	e.c.bumpMaxRepeatableTs()
	if e.c.MaxRepeatableTs() <= before {
		t.Error("bump did not advance max repeatable")
	}
	if e.mgr.Current().Ts != e.c.MaxRepeatableTs() {
		t.Error("bump did not publish the snapshot at the new horizon")
	}
}
