package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/committer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/retention"
	"github.com/cuemby/burrow/pkg/transaction"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/writelog"
	"github.com/rs/zerolog"
)

// Options configures a database instance.
type Options struct {
	// InstanceName identifies this process as the lease holder.
	InstanceName string
	// WriteLogMaxCount bounds the commit ring by count.
	WriteLogMaxCount int
	// WriteLogMaxAge bounds the commit ring by age.
	WriteLogMaxAge time.Duration
	// Retention tunes the retention manager.
	Retention retention.Config
	// ListSnapshotMaxAge rejects list_snapshot requests older than this.
	ListSnapshotMaxAge time.Duration
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions(instance string) Options {
	return Options{
		InstanceName:       instance,
		WriteLogMaxCount:   4096,
		WriteLogMaxAge:     30 * time.Second,
		Retention:          retention.DefaultConfig(),
		ListSnapshotMaxAge: 45 * time.Minute,
	}
}

// Database ties the snapshot registry, the single-writer committer, the
// write log and retention together behind one handle.
type Database struct {
	p         persistence.Persistence
	opts      Options
	meta      registry.BootstrapMetadata
	snapshots *registry.Manager
	wlog      *writelog.WriteLog
	committer *committer.Committer
	retention *retention.LeaderManager
	logger    zerolog.Logger

	commitsSinceLoad atomic.Int64
	fatalCh          chan error

	iterMu    sync.Mutex
	iterCache *snapshotIterCacheEntry
}

// Load bootstraps a database over persistence: acquire the lease, create or
// read the genesis metadata, build the snapshot, and start the committer
// and retention workers.
func Load(ctx context.Context, p persistence.Persistence, opts Options) (*Database, error) {
	if err := p.AcquireLease(ctx, opts.InstanceName); err != nil {
		return nil, err
	}

	meta, created, err := registry.LoadOrCreateMetadata(ctx, p)
	if err != nil {
		return nil, err
	}

	maxTs, found, err := p.MaxTs(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no committed timestamps after bootstrap")
	}

	follower, err := retention.NewFollower(ctx, p)
	if err != nil {
		return nil, err
	}
	snapshot, err := registry.Load(ctx, p, meta, maxTs, follower)
	if err != nil {
		return nil, err
	}

	d := &Database{
		p:         p,
		opts:      opts,
		meta:      meta,
		snapshots: registry.NewManager(snapshot),
		wlog:      writelog.New(maxTs, opts.WriteLogMaxCount, opts.WriteLogMaxAge),
		logger:    log.WithComponent("database"),
		fatalCh:   make(chan error, 1),
	}

	d.committer = committer.New(p, d.snapshots, d.wlog, d.shedCheck, d.signalFatal)
	d.retention, err = retention.NewLeader(ctx, p, opts.Retention,
		d.committer.MaxRepeatableTs,
		func() []types.IndexMetadata { return d.snapshots.Current().Indexes.All() },
		d.signalFatal)
	if err != nil {
		return nil, err
	}

	d.committer.Start(ctx)
	d.retention.Start(ctx)

	d.logger.Info().
		Bool("genesis", created).
		Str("load_ts", maxTs.String()).
		Msg("Database loaded")
	return d, nil
}

func (d *Database) signalFatal(err error) {
	select {
	case d.fatalCh <- err:
	default:
	}
}

// shedCheck defers to retention's overload shedding once it is running.
func (d *Database) shedCheck() error {
	if d.retention == nil {
		return nil
	}
	return d.retention.FailIfFallingBehind()
}

// Fatal delivers the error that requires shutdown, if one occurred.
func (d *Database) Fatal() <-chan error {
	return d.fatalCh
}

// Persistence exposes the underlying reader for export paths.
func (d *Database) Persistence() persistence.Persistence {
	return d.p
}

// RetentionValidator returns the leader's snapshot validator.
func (d *Database) RetentionValidator() persistence.RetentionValidator {
	return d.retention
}

// LatestSnapshot returns the current published snapshot handle.
func (d *Database) LatestSnapshot() *registry.Snapshot {
	return d.snapshots.Current()
}

// NowTsForReads returns the greatest repeatable timestamp.
func (d *Database) NowTsForReads() types.Timestamp {
	return d.committer.MaxRepeatableTs()
}

// Begin opens a transaction at the latest snapshot.
func (d *Database) Begin(identity types.Identity) *transaction.Transaction {
	return transaction.New(identity, d.snapshots.Current(), d.p, d.retention)
}

// Commit submits a transaction. Read-only transactions commit at their
// begin timestamp without touching the committer.
func (d *Database) Commit(ctx context.Context, tx *transaction.Transaction, source types.WriteSource) (types.Timestamp, error) {
	if tx.ReadOnly() {
		return tx.BeginTs(), nil
	}
	ts, err := d.committer.Commit(ctx, &committer.Request{Tx: tx, Source: source})
	if err == nil {
		d.commitsSinceLoad.Add(1)
	}
	return ts, err
}

// CommitSystem submits a commit with preconditions and a registry
// mutation. Metadata operations (table creation, import activation) go
// through here.
func (d *Database) CommitSystem(ctx context.Context, tx *transaction.Transaction, source types.WriteSource, pre []committer.Precondition, mut committer.RegistryMutation) (types.Timestamp, error) {
	ts, err := d.committer.Commit(ctx, &committer.Request{Tx: tx, Source: source, Preconditions: pre, Mutation: mut})
	if err == nil {
		d.commitsSinceLoad.Add(1)
	}
	return ts, err
}

// Subscribe registers a token with the write log.
func (d *Database) Subscribe(token writelog.Token) *writelog.Subscription {
	return d.wlog.Subscribe(token)
}

// Unsubscribe removes an unfired subscription.
func (d *Database) Unsubscribe(sub *writelog.Subscription) {
	d.wlog.Unsubscribe(sub)
}

// RefreshToken advances a token past non-intersecting commits.
func (d *Database) RefreshToken(token writelog.Token, newTs types.Timestamp) (writelog.Token, *types.Timestamp, error) {
	return d.wlog.RefreshToken(token, newTs)
}

// TokenForTransaction captures a subscription token from a transaction's
// read set.
func (d *Database) TokenForTransaction(tx *transaction.Transaction) writelog.Token {
	return writelog.Token{Ts: tx.BeginTs(), Reads: tx.Reads.Reads()}
}

// WriteCommitsSinceLoad counts commits this process performed.
func (d *Database) WriteCommitsSinceLoad() int64 {
	return d.commitsSinceLoad.Load()
}

// FinishTableSummaryBootstrap loads the lazy table summaries and merges
// them into the published snapshot through the commit path.
func (d *Database) FinishTableSummaryBootstrap(ctx context.Context) error {
	snapshot := d.snapshots.Current()
	summaries, err := registry.LoadSummaries(ctx, d.p, snapshot, d.retention)
	if err != nil {
		return err
	}
	tx := d.Begin(types.SystemIdentity)
	_, err = d.CommitSystem(ctx, tx, "_table_summaries", nil, func(s *registry.Snapshot) (*registry.Snapshot, error) {
		c := *s
		c.Summaries = summaries
		return &c, nil
	})
	return err
}

// TableSizeStats reports per-table physical size estimates.
func (d *Database) TableSizeStats(ctx context.Context) (map[string]persistence.TableStats, error) {
	stats, err := d.p.TableSizeStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]persistence.TableStats)
	snapshot := d.snapshots.Current()
	for tabletID, s := range stats {
		if entry, ok := snapshot.Tables.ByTablet(tabletID); ok {
			out[entry.Name] = s
		}
	}
	return out, nil
}

// MemoryConsistencyCheck verifies the registry invariants of the published
// snapshot.
func (d *Database) MemoryConsistencyCheck() error {
	snapshot := d.snapshots.Current()
	for _, entry := range snapshot.Tables.All() {
		byID, err := snapshot.Indexes.ByIDIndex(entry.TabletID)
		if err != nil {
			return fmt.Errorf("table %q: %w", entry.Name, err)
		}
		if !byID.Enabled() {
			return fmt.Errorf("table %q: by_id index is not enabled", entry.Name)
		}
	}
	return nil
}

// Shutdown tears the instance down in reverse bootstrap order: retention
// workers, committer, persistence.
func (d *Database) Shutdown() error {
	d.retention.Stop()
	d.committer.Stop()
	err := d.p.Close()
	d.logger.Info().Msg("Database shut down")
	return err
}
