package retention

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
)

// documentDeleterLoop trims document revisions below the document retention
// floor. Rate-limited so physical deletion never starves foreground I/O.
func (m *LeaderManager) documentDeleterLoop(ctx context.Context) {
	for {
		select {
		case <-m.docWake:
		case <-time.After(jitter(m.cfg.DocumentBatchInterval)):
		case <-ctx.Done():
			return
		}
		if err := m.deleteExpiredDocuments(ctx); err != nil {
			if types.IsLeaseLost(err) {
				m.fatal(err)
				return
			}
			m.logger.Error().Err(err).Msg("Document retention cycle failed")
		}
	}
}

// jitter spreads deleter cycles so parallel instances do not align.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// deleteExpiredDocuments scans revision pairs in the open window. A prior
// revision is deletable once a newer revision of the same id exists below
// the floor; a tombstone is deletable once its own ts is below the floor.
// The cycle stops at the scan budget and resumes from the checkpoint.
func (m *LeaderManager) deleteExpiredDocuments(ctx context.Context) error {
	cursor := types.Timestamp(m.confirmedDoc.Load())
	floor := m.MinDocumentSnapshotTs()
	if floor <= cursor {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionCycleDuration, "document")

	budget := m.cfg.DocumentDeleteRate * int(m.cfg.DocumentBatchInterval/time.Second)
	if budget <= 0 {
		budget = m.cfg.DeleteChunkSize
	}

	var chunk []types.DocumentRevisionKey
	scanned := 0
	totalDeleted := 0
	// checkpoint is the last timestamp whose revisions were all processed.
	checkpoint := cursor
	lastSeen := cursor

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := m.p.DeleteDocuments(ctx, chunk)
		if err != nil {
			return err
		}
		totalDeleted += n
		chunk = chunk[:0]
		return nil
	}

	pairs := m.p.LoadRevisionPairs(nil, persistence.TsRange{Start: cursor, End: floor}, m.cfg.DeleteChunkSize, persistence.NoopRetentionValidator{})
	for {
		pair, ok, err := pairs.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			checkpoint = floor
			break
		}
		if pair.Rev.Ts != lastSeen {
			checkpoint = lastSeen
			lastSeen = pair.Rev.Ts
		}
		scanned++
		if pair.Prev != nil {
			chunk = append(chunk, types.DocumentRevisionKey{TabletID: pair.Prev.TabletID, ID: pair.Prev.ID, Ts: pair.Prev.Ts})
		}
		if pair.Rev.IsTombstone() {
			chunk = append(chunk, types.DocumentRevisionKey{TabletID: pair.Rev.TabletID, ID: pair.Rev.ID, Ts: pair.Rev.Ts})
		}
		if len(chunk) >= m.cfg.DeleteChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if scanned >= m.cfg.MaxScannedDocuments || totalDeleted >= budget {
			// The cycle may stop inside a timestamp; the checkpoint only
			// covers fully processed timestamps.
			break
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if checkpoint > cursor {
		if err := m.p.WritePersistenceGlobal(ctx, persistence.GlobalDocConfirmedDeletedTs, uint64(checkpoint)); err != nil {
			return err
		}
		m.confirmedDoc.Store(uint64(checkpoint))
		metrics.RetentionConfirmedDeletedTs.WithLabelValues("document").Set(float64(checkpoint))
	}
	metrics.RetentionRowsDeleted.WithLabelValues("document").Add(float64(totalDeleted))
	if totalDeleted > 0 {
		m.logger.Debug().Int("deleted", totalDeleted).Int("scanned", scanned).Msg("Document retention cycle complete")
	}
	return nil
}
