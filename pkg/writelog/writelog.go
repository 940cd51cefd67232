package writelog

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrEvicted is returned when a requested window reaches below the oldest
// commit still in the ring. Holders of older tokens must re-read.
var ErrEvicted = errors.New("write log window evicted")

// CommitRecord is one commit in the ring: its timestamp, attribution, and
// the index keys it wrote.
type CommitRecord struct {
	Ts      types.Timestamp
	Source  types.WriteSource
	Updates []types.IndexUpdate
}

// Token captures a read set at a timestamp. Refreshing a token advances its
// timestamp past commits that do not intersect the reads.
type Token struct {
	Ts    types.Timestamp
	Reads []types.IndexRead
}

func (t Token) intersects(rec CommitRecord) bool {
	for _, read := range t.Reads {
		for _, u := range rec.Updates {
			if read.OverlapsUpdate(u) {
				return true
			}
		}
	}
	return false
}

// Notification is delivered to a subscriber when its token is invalidated.
type Notification struct {
	// Ts is the first commit intersecting the token's reads, or the
	// eviction horizon when the token aged out of the ring.
	Ts types.Timestamp
	// Evicted marks tokens older than the ring; the subscriber must
	// re-read rather than refresh.
	Evicted bool
}

// Subscription fires at most once, on the first intersecting commit or on
// eviction of the token's timestamp from the ring.
type Subscription struct {
	C     chan Notification
	token Token
	fired bool
}

// WriteLog is the bounded ring of recent commits. Single writer (the
// committer appends), multiple readers through the lookup API.
type WriteLog struct {
	mu       sync.RWMutex
	records  []CommitRecord
	baseTs   types.Timestamp
	maxCount int
	maxAge   time.Duration
	subs     map[*Subscription]struct{}
	logger   zerolog.Logger
}

// New creates a write log covering commits after loadTs.
func New(loadTs types.Timestamp, maxCount int, maxAge time.Duration) *WriteLog {
	return &WriteLog{
		baseTs:   loadTs,
		maxCount: maxCount,
		maxAge:   maxAge,
		subs:     make(map[*Subscription]struct{}),
		logger:   log.WithComponent("writelog"),
	}
}

// Append adds a commit to the ring, evicts per the count and age bounds,
// and fires intersecting subscriptions.
func (l *WriteLog) Append(rec CommitRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	horizon := rec.Ts.Sub(l.maxAge)
	for len(l.records) > l.maxCount || (len(l.records) > 0 && l.records[0].Ts < horizon) {
		l.baseTs = l.records[0].Ts
		l.records = l.records[1:]
	}
	metrics.WriteLogSize.Set(float64(len(l.records)))

	for sub := range l.subs {
		if sub.fired {
			continue
		}
		switch {
		case sub.token.Ts < l.baseTs:
			sub.fire(Notification{Ts: l.baseTs, Evicted: true})
			delete(l.subs, sub)
		case rec.Ts > sub.token.Ts && sub.token.intersects(rec):
			sub.fire(Notification{Ts: rec.Ts})
			delete(l.subs, sub)
		}
	}
}

func (s *Subscription) fire(n Notification) {
	s.fired = true
	select {
	case s.C <- n:
	default:
	}
}

// OldestTs returns the timestamp at or before which commits may have been
// evicted; a window starting at it is still complete.
func (l *WriteLog) OldestTs() types.Timestamp {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseTs
}

// Enumerate returns the commits with ts in (start, end]. ErrEvicted means
// the window reaches below the ring.
func (l *WriteLog) Enumerate(start, end types.Timestamp) ([]CommitRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < l.baseTs {
		return nil, ErrEvicted
	}
	var out []CommitRecord
	for _, rec := range l.records {
		if rec.Ts > start && rec.Ts <= end {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RefreshToken advances the token to newTs if no commit in (token.Ts,
// newTs] intersects its read set. On conflict it returns the first
// conflicting timestamp.
func (l *WriteLog) RefreshToken(token Token, newTs types.Timestamp) (Token, *types.Timestamp, error) {
	if newTs <= token.Ts {
		return token, nil, nil
	}
	records, err := l.Enumerate(token.Ts, newTs)
	if err != nil {
		return token, nil, err
	}
	for _, rec := range records {
		if token.intersects(rec) {
			ts := rec.Ts
			return token, &ts, nil
		}
	}
	token.Ts = newTs
	return token, nil, nil
}

// Subscribe registers interest in the token's read set. The subscription
// fires on the first intersecting commit, or immediately if the token has
// already aged out of the ring.
func (l *WriteLog) Subscribe(token Token) *Subscription {
	sub := &Subscription{C: make(chan Notification, 1), token: token}
	l.mu.Lock()
	defer l.mu.Unlock()
	if token.Ts < l.baseTs {
		sub.fire(Notification{Ts: l.baseTs, Evicted: true})
		return sub
	}
	// Commits already in the ring past the token are checked here so a
	// racing append is never missed.
	for _, rec := range l.records {
		if rec.Ts > token.Ts && token.intersects(rec) {
			sub.fire(Notification{Ts: rec.Ts})
			return sub
		}
	}
	l.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription that has not fired.
func (l *WriteLog) Unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, sub)
}

// Size returns the number of commits in the ring.
func (l *WriteLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
