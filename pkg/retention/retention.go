package retention

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the retention manager.
type Config struct {
	// IndexDelay is how far the index retention floor trails max repeatable.
	IndexDelay time.Duration
	// DocumentDelay is how far the document retention floor trails.
	DocumentDelay time.Duration
	// AdvanceInterval is how often the timestamp advancer runs.
	AdvanceInterval time.Duration
	// DeleteChunkSize bounds one physical delete batch.
	DeleteChunkSize int
	// DeleteParallel is the number of hash-sharded delete workers.
	DeleteParallel int
	// DocumentDeleteRate bounds document deletions in rows per second.
	DocumentDeleteRate int
	// DocumentBatchInterval paces document deleter cycles.
	DocumentBatchInterval time.Duration
	// MaxScannedDocuments bounds one deleter cycle's scan.
	MaxScannedDocuments int
	// ShedStartFactor and ShedFullFactor control overload shedding: writes
	// start being rejected when the checkpoint lags ShedStartFactor×delay,
	// and are all rejected at ShedFullFactor×delay.
	ShedStartFactor float64
	ShedFullFactor  float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		IndexDelay:            10 * time.Minute,
		DocumentDelay:         60 * time.Minute,
		AdvanceInterval:       30 * time.Second,
		DeleteChunkSize:       256,
		DeleteParallel:        4,
		DocumentDeleteRate:    1024,
		DocumentBatchInterval: 10 * time.Second,
		MaxScannedDocuments:   4096,
		ShedStartFactor:       2,
		ShedFullFactor:        8,
	}
}

// MaxRepeatableSource reports the committer's current max repeatable
// timestamp.
type MaxRepeatableSource func() types.Timestamp

// IndexSource lists the current index metadata. Backfilling indexes that
// have not started retention are filtered by the deleter itself.
type IndexSource func() []types.IndexMetadata

// LeaderManager owns the retention cursors for the instance holding the
// lease: it advances the floors, physically deletes expired rows, and
// validates snapshot reads.
type LeaderManager struct {
	p       persistence.Persistence
	cfg     Config
	maxRep  MaxRepeatableSource
	indexes IndexSource
	logger  zerolog.Logger

	minIndexTs   atomic.Uint64
	minDocTs     atomic.Uint64
	confirmedIdx atomic.Uint64
	confirmedDoc atomic.Uint64

	indexWake chan struct{}
	docWake   chan struct{}

	// fatal is invoked on lease loss.
	fatal func(error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeader builds the leader retention manager, loading cursor positions
// from persistence globals.
func NewLeader(ctx context.Context, p persistence.Persistence, cfg Config, maxRep MaxRepeatableSource, indexes IndexSource, fatal func(error)) (*LeaderManager, error) {
	m := &LeaderManager{
		p:         p,
		cfg:       cfg,
		maxRep:    maxRep,
		indexes:   indexes,
		logger:    log.WithComponent("retention"),
		indexWake: make(chan struct{}, 1),
		docWake:   make(chan struct{}, 1),
		fatal:     fatal,
	}
	if m.fatal == nil {
		m.fatal = func(error) {}
	}
	for _, g := range []struct {
		key persistence.GlobalKey
		dst *atomic.Uint64
	}{
		{persistence.GlobalMinSnapshotTs, &m.minIndexTs},
		{persistence.GlobalMinDocumentSnapshotTs, &m.minDocTs},
		{persistence.GlobalConfirmedDeletedTs, &m.confirmedIdx},
		{persistence.GlobalDocConfirmedDeletedTs, &m.confirmedDoc},
	} {
		var v uint64
		if _, err := p.GetPersistenceGlobal(ctx, g.key, &v); err != nil {
			return nil, err
		}
		g.dst.Store(v)
	}
	return m, nil
}

// Start launches the advancer and deleter loops.
func (m *LeaderManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.advanceLoop(ctx) }()
	go func() { defer m.wg.Done(); m.indexDeleterLoop(ctx) }()
	go func() { defer m.wg.Done(); m.documentDeleterLoop(ctx) }()
	m.logger.Info().
		Dur("index_delay", m.cfg.IndexDelay).
		Dur("document_delay", m.cfg.DocumentDelay).
		Msg("Retention manager started")
}

// Stop shuts the loops down and waits for them.
func (m *LeaderManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Retention manager stopped")
}

// MinIndexSnapshotTs returns the index retention floor.
func (m *LeaderManager) MinIndexSnapshotTs() types.Timestamp {
	return types.Timestamp(m.minIndexTs.Load())
}

// MinDocumentSnapshotTs returns the document retention floor.
func (m *LeaderManager) MinDocumentSnapshotTs() types.Timestamp {
	return types.Timestamp(m.minDocTs.Load())
}

// advanceLoop is the timestamp advancer: each cursor's candidate is
// max_repeatable − delay, persisted before it is published in memory so
// followers never observe a floor implying data they can still request is
// gone.
func (m *LeaderManager) advanceLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.AdvanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.advanceCursors(ctx); err != nil {
				if types.IsLeaseLost(err) {
					m.fatal(err)
					return
				}
				m.logger.Error().Err(err).Msg("Failed to advance retention cursors")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *LeaderManager) advanceCursors(ctx context.Context) error {
	maxRep := m.maxRep()

	idxCandidate := maxRep.Sub(m.cfg.IndexDelay)
	if uint64(idxCandidate) > m.minIndexTs.Load() {
		if err := m.p.WritePersistenceGlobal(ctx, persistence.GlobalMinSnapshotTs, uint64(idxCandidate)); err != nil {
			return err
		}
		m.minIndexTs.Store(uint64(idxCandidate))
		metrics.RetentionMinSnapshotTs.WithLabelValues("index").Set(float64(idxCandidate))
		wake(m.indexWake)
	}

	docCandidate := maxRep.Sub(m.cfg.DocumentDelay)
	if uint64(docCandidate) > m.minDocTs.Load() {
		if err := m.p.WritePersistenceGlobal(ctx, persistence.GlobalMinDocumentSnapshotTs, uint64(docCandidate)); err != nil {
			return err
		}
		m.minDocTs.Store(uint64(docCandidate))
		metrics.RetentionMinSnapshotTs.WithLabelValues("document").Set(float64(docCandidate))
		wake(m.docWake)
	}
	return nil
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ValidateIndexSnapshot is the authoritative index-path retention check.
func (m *LeaderManager) ValidateIndexSnapshot(ctx context.Context, ts types.Timestamp) error {
	if min := m.MinIndexSnapshotTs(); ts < min {
		return types.NewOutOfRetentionError(ts, min)
	}
	return nil
}

// ValidateDocumentSnapshot is the authoritative document-path retention
// check.
func (m *LeaderManager) ValidateDocumentSnapshot(ctx context.Context, ts types.Timestamp) error {
	if min := m.MinDocumentSnapshotTs(); ts < min {
		return types.NewOutOfRetentionError(ts, min)
	}
	return nil
}

// FailIfFallingBehind sheds a random fraction of writes when the index
// retention checkpoint lags too far behind now. Probabilistic so the
// instance degrades gradually instead of brickly.
func (m *LeaderManager) FailIfFallingBehind() error {
	confirmed := types.Timestamp(m.confirmedIdx.Load())
	if confirmed == 0 {
		return nil
	}
	lag := time.Duration(types.TimestampFromTime(time.Now()) - confirmed)
	metrics.RetentionLagSeconds.WithLabelValues("index").Set(lag.Seconds())
	start := time.Duration(m.cfg.ShedStartFactor * float64(m.cfg.IndexDelay))
	if lag <= start {
		return nil
	}
	full := m.cfg.ShedFullFactor * float64(m.cfg.IndexDelay)
	fraction := float64(lag) / full
	if fraction > 1 {
		fraction = 1
	}
	if rand.Float64() < fraction {
		metrics.WritesShedTotal.Inc()
		return types.NewRateLimitedError("TooManyWritesInTimePeriod",
			"retention is %s behind; a fraction of writes is being rejected until it catches up", lag)
	}
	return nil
}
