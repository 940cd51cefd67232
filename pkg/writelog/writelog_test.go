package writelog

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func update(indexID types.IndexID, key string) types.IndexUpdate {
	return types.IndexUpdate{IndexID: indexID, Key: types.IndexKey(key)}
}

func read(indexID types.IndexID, start, end string) types.IndexRead {
	return types.IndexRead{IndexID: indexID, Interval: types.Interval{Start: types.IndexKey(start), End: types.IndexKey(end)}}
}

func TestEnumerateWindow(t *testing.T) {
	l := New(100, 16, time.Hour)
	idx := types.NewIndexID()
	for _, ts := range []types.Timestamp{110, 120, 130} {
		l.Append(CommitRecord{Ts: ts, Updates: []types.IndexUpdate{update(idx, "k")}})
	}

	records, err := l.Enumerate(110, 130)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Ts != 120 || records[1].Ts != 130 {
		t.Fatalf("Enumerate(110, 130] = %+v", records)
	}

	if _, err := l.Enumerate(50, 130); err != ErrEvicted {
		t.Errorf("window below base should report eviction, got %v", err)
	}
}

func TestRingEvictsByCount(t *testing.T) {
	l := New(0, 2, time.Hour)
	idx := types.NewIndexID()
	for ts := types.Timestamp(1); ts <= 5; ts++ {
		l.Append(CommitRecord{Ts: ts, Updates: []types.IndexUpdate{update(idx, "k")}})
	}
	if l.Size() != 2 {
		t.Fatalf("ring size = %d, want 2", l.Size())
	}
	if l.OldestTs() != 3 {
		t.Errorf("OldestTs = %s, want 3", l.OldestTs())
	}
	if _, err := l.Enumerate(2, 5); err != ErrEvicted {
		t.Error("enumerating from an evicted ts should fail")
	}
}

func TestRefreshToken(t *testing.T) {
	l := New(100, 16, time.Hour)
	idx := types.NewIndexID()
	other := types.NewIndexID()

	token := Token{Ts: 100, Reads: []types.IndexRead{read(idx, "b", "d")}}

	// A non-intersecting commit refreshes through.
	l.Append(CommitRecord{Ts: 110, Updates: []types.IndexUpdate{update(idx, "x")}})
	l.Append(CommitRecord{Ts: 120, Updates: []types.IndexUpdate{update(other, "c")}})
	refreshed, conflict, err := l.RefreshToken(token, 120)
	if err != nil || conflict != nil {
		t.Fatalf("refresh = (%v, %v)", conflict, err)
	}
	if refreshed.Ts != 120 {
		t.Errorf("refreshed ts = %s", refreshed.Ts)
	}

	// An intersecting commit reports the first conflicting ts.
	l.Append(CommitRecord{Ts: 130, Updates: []types.IndexUpdate{update(idx, "c")}})
	_, conflict, err = l.RefreshToken(refreshed, 130)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || *conflict != 130 {
		t.Fatalf("conflict = %v, want 130", conflict)
	}
}

func TestSubscriptionFiresOnIntersectingCommit(t *testing.T) {
	l := New(100, 16, time.Hour)
	idx := types.NewIndexID()

	sub := l.Subscribe(Token{Ts: 100, Reads: []types.IndexRead{read(idx, "b", "d")}})

	// Non-intersecting commit: no notification.
	l.Append(CommitRecord{Ts: 110, Updates: []types.IndexUpdate{update(idx, "z")}})
	select {
	case n := <-sub.C:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}

	l.Append(CommitRecord{Ts: 120, Updates: []types.IndexUpdate{update(idx, "c")}})
	select {
	case n := <-sub.C:
		if n.Ts != 120 || n.Evicted {
			t.Errorf("notification = %+v", n)
		}
	default:
		t.Fatal("subscription did not fire")
	}
}

func TestSubscriptionFiresOnEviction(t *testing.T) {
	l := New(0, 1, time.Hour)
	idx := types.NewIndexID()
	sub := l.Subscribe(Token{Ts: 0, Reads: []types.IndexRead{read(idx, "a", "b")}})

	// Pushing two non-intersecting commits evicts ts 0 from the ring.
	l.Append(CommitRecord{Ts: 10, Updates: []types.IndexUpdate{update(idx, "z")}})
	l.Append(CommitRecord{Ts: 20, Updates: []types.IndexUpdate{update(idx, "z")}})

	select {
	case n := <-sub.C:
		if !n.Evicted {
			t.Errorf("notification = %+v, want eviction", n)
		}
	default:
		t.Fatal("aged-out token did not fire")
	}
}

func TestSubscribeAlreadyStale(t *testing.T) {
	l := New(100, 16, time.Hour)
	idx := types.NewIndexID()
	l.Append(CommitRecord{Ts: 110, Updates: []types.IndexUpdate{update(idx, "c")}})

	// Token predates a commit already in the ring that intersects it.
	sub := l.Subscribe(Token{Ts: 100, Reads: []types.IndexRead{read(idx, "b", "d")}})
	select {
	case n := <-sub.C:
		if n.Ts != 110 {
			t.Errorf("notification ts = %s, want 110", n.Ts)
		}
	default:
		t.Fatal("stale token should fire immediately")
	}
}
