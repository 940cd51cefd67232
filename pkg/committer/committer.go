package committer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/writelog"
	"github.com/rs/zerolog"
)

// Precondition runs just before the write against the snapshot published
// before this commit, ahead of the request's RegistryMutation; it does not
// see the snapshot the mutation produces. Schema validations and import
// activations hook in here; failures abort the commit as deterministic user
// errors.
type Precondition func(*registry.Snapshot) error

// RegistryMutation transforms the published snapshot for metadata commits
// (table creation, index changes, import activation).
type RegistryMutation func(*registry.Snapshot) (*registry.Snapshot, error)

// Request is one commit submitted to the single writer.
type Request struct {
	Tx            *transaction.Transaction
	Source        types.WriteSource
	Preconditions []Precondition
	Mutation      RegistryMutation

	reply chan outcome
}

type outcome struct {
	ts  types.Timestamp
	err error
}

// Committer is the sole owner of the write path. Requests arrive on a
// channel and are serviced serially; commit timestamps are strictly
// increasing. It also bumps max_repeatable_ts during idle periods so
// retention keeps advancing without writes.
type Committer struct {
	p         persistence.Persistence
	snapshots *registry.Manager
	wlog      *writelog.WriteLog
	shed      func() error
	fatal     func(error)
	logger    zerolog.Logger

	requests      chan *Request
	maxRepeatable atomic.Uint64
	lastCommit    types.Timestamp

	bumpInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds the committer. shed is consulted before user commits; fatal is
// invoked on lease loss.
func New(p persistence.Persistence, snapshots *registry.Manager, wlog *writelog.WriteLog, shed func() error, fatal func(error)) *Committer {
	c := &Committer{
		p:            p,
		snapshots:    snapshots,
		wlog:         wlog,
		shed:         shed,
		fatal:        fatal,
		logger:       log.WithComponent("committer"),
		requests:     make(chan *Request),
		bumpInterval: 30 * time.Second,
	}
	if c.shed == nil {
		c.shed = func() error { return nil }
	}
	if c.fatal == nil {
		c.fatal = func(error) {}
	}
	c.lastCommit = snapshots.Current().Ts
	c.maxRepeatable.Store(uint64(c.lastCommit))
	return c
}

// MaxRepeatableTs returns the greatest timestamp proven safe for snapshot
// reads.
func (c *Committer) MaxRepeatableTs() types.Timestamp {
	return types.Timestamp(c.maxRepeatable.Load())
}

// Start launches the commit loop.
func (c *Committer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	c.logger.Info().Str("last_commit", c.lastCommit.String()).Msg("Committer started")
}

// Stop drains the loop and waits for it.
func (c *Committer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Committer stopped")
}

// Commit submits a transaction and awaits its commit timestamp.
func (c *Committer) Commit(ctx context.Context, req *Request) (types.Timestamp, error) {
	req.reply = make(chan outcome, 1)
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	// The request is in the committer's hands now: the attempt completes
	// even if the caller goes away, so idempotency records persist.
	out := <-req.reply
	return out.ts, out.err
}

func (c *Committer) run(ctx context.Context) {
	ticker := time.NewTicker(c.bumpInterval)
	defer ticker.Stop()
	for {
		select {
		case req := <-c.requests:
			ts, err := c.commit(ctx, req)
			req.reply <- outcome{ts: ts, err: err}
		case <-ticker.C:
			c.bumpMaxRepeatableTs()
		case <-ctx.Done():
			return
		}
	}
}

// nextTs assigns the commit timestamp: wall clock, but never at or below
// the previous commit.
func (c *Committer) nextTs() types.Timestamp {
	ts := types.TimestampFromTime(time.Now())
	if ts <= c.lastCommit {
		ts = c.lastCommit + 1
	}
	return ts
}

// bumpMaxRepeatableTs advances the repeatable horizon during idle periods
// so retention targets keep moving.
func (c *Committer) bumpMaxRepeatableTs() {
	ts := c.nextTs()
	c.lastCommit = ts
	c.maxRepeatable.Store(uint64(ts))
	metrics.MaxRepeatableTs.Set(float64(ts))
	c.snapshots.Publish(c.snapshots.Current().WithTs(ts))
}

func (c *Committer) commit(ctx context.Context, req *Request) (types.Timestamp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	tx := req.Tx
	if !tx.Identity().System {
		if err := c.shed(); err != nil {
			metrics.CommitsTotal.WithLabelValues("shed").Inc()
			return 0, err
		}
	}

	ts := c.nextTs()

	// OCC validation: any write in (begin, lastCommit] that falls inside
	// the transaction's read set aborts the commit.
	if err := c.validateReads(tx, ts); err != nil {
		metrics.CommitsTotal.WithLabelValues("occ").Inc()
		metrics.OCCConflictsTotal.Inc()
		return 0, err
	}

	snapshot := c.snapshots.Current()
	for _, pre := range req.Preconditions {
		if err := pre(snapshot); err != nil {
			metrics.CommitsTotal.WithLabelValues("precondition").Inc()
			return 0, err
		}
	}

	docs, entries, updates, err := tx.CommitPayload(ts)
	if err != nil {
		return 0, types.NewSystemError(err)
	}

	next := snapshot
	if req.Mutation != nil {
		next, err = req.Mutation(snapshot)
		if err != nil {
			metrics.CommitsTotal.WithLabelValues("mutation").Inc()
			return 0, err
		}
	}

	if err := c.p.Write(ctx, docs, entries, persistence.ConflictError); err != nil {
		if types.IsLeaseLost(err) {
			c.logger.Error().Msg("Write lease lost, signaling shutdown")
			c.fatal(err)
			return 0, err
		}
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return 0, types.NewSystemError(err)
	}

	next = next.WithTs(ts)
	for tabletID, delta := range countDeltas(docs) {
		next = next.WithSummaryDelta(tabletID, delta, 0)
	}
	c.lastCommit = ts
	c.maxRepeatable.Store(uint64(ts))
	metrics.MaxRepeatableTs.Set(float64(ts))
	c.snapshots.Publish(next)
	c.wlog.Append(writelog.CommitRecord{Ts: ts, Source: req.Source, Updates: updates})

	metrics.CommitsTotal.WithLabelValues("ok").Inc()
	return ts, nil
}

// validateReads scans the write log between the transaction's begin and
// the head for writes intersecting the read set.
func (c *Committer) validateReads(tx *transaction.Transaction, commitTs types.Timestamp) error {
	records, err := c.wlog.Enumerate(tx.BeginTs(), commitTs)
	if err != nil {
		// The begin timestamp aged out of the ring: too old to validate,
		// the transaction must restart at a fresh snapshot.
		return types.NewOCCError(nil)
	}
	for _, rec := range records {
		for _, read := range tx.Reads.Reads() {
			for _, u := range rec.Updates {
				if read.OverlapsUpdate(u) {
					return types.NewOCCError(c.conflictDetail(rec, u))
				}
			}
		}
	}
	return nil
}

// conflictDetail resolves the conflicting write to a table name and
// document id for the error message.
func (c *Committer) conflictDetail(rec writelog.CommitRecord, u types.IndexUpdate) *types.OCCConflict {
	conflict := &types.OCCConflict{WriteSource: rec.Source, Ts: rec.Ts}
	snapshot := c.snapshots.Current()
	if meta, ok := snapshot.Indexes.Get(u.IndexID); ok {
		if entry, ok := snapshot.Tables.ByTablet(meta.TabletID); ok {
			conflict.TableName = entry.Name
			if id, ok := documentIDFromKey(u.Key); ok {
				conflict.DocumentID = types.DocumentID{Table: entry.Number, Internal: id}.String()
			}
		}
	}
	return conflict
}

// documentIDFromKey extracts the id tiebreak from the tail of an index key.
func documentIDFromKey(key types.IndexKey) (types.InternalID, bool) {
	var id types.InternalID
	if len(key) < len(id) {
		return id, false
	}
	copy(id[:], key[len(key)-len(id):])
	return id, true
}

// countDeltas computes the per-tablet live-document count change of a
// commit payload.
func countDeltas(docs []persistence.DocumentLogEntry) map[types.TabletID]int64 {
	deltas := make(map[types.TabletID]int64)
	for _, doc := range docs {
		switch {
		case doc.Value == nil:
			deltas[doc.TabletID]--
		case doc.PrevTs == 0:
			deltas[doc.TabletID]++
		}
	}
	return deltas
}
