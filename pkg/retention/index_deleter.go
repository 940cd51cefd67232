package retention

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
	"golang.org/x/sync/errgroup"
)

const deleterInitialBackoff = 50 * time.Millisecond

// indexDeleterLoop deletes expired index entries in the window between the
// confirmed-deleted checkpoint and the index retention floor, then advances
// the checkpoint.
func (m *LeaderManager) indexDeleterLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = deleterInitialBackoff
	bo.MaxInterval = m.cfg.AdvanceInterval
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-m.indexWake:
		case <-time.After(m.cfg.AdvanceInterval):
		case <-ctx.Done():
			return
		}
		if err := m.deleteExpiredIndexEntries(ctx); err != nil {
			if types.IsLeaseLost(err) {
				m.fatal(err)
				return
			}
			m.logger.Error().Err(err).Msg("Index retention cycle failed")
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
	}
}

// retainedIndexes maps tablets to the indexes whose entries retention must
// maintain. Backfilling indexes that have not started retention are
// excluded: their entries are still being written in bulk.
func retainedIndexes(all []types.IndexMetadata) map[types.TabletID][]types.IndexMetadata {
	byTablet := make(map[types.TabletID][]types.IndexMetadata)
	for _, meta := range all {
		if meta.State.Phase == types.IndexBackfilling && !meta.State.RetentionStarted {
			continue
		}
		byTablet[meta.TabletID] = append(byTablet[meta.TabletID], meta)
	}
	return byTablet
}

func indexSetFingerprint(byTablet map[types.TabletID][]types.IndexMetadata) map[types.IndexID]struct{} {
	fp := make(map[types.IndexID]struct{})
	for _, list := range byTablet {
		for _, meta := range list {
			fp[meta.ID] = struct{}{}
		}
	}
	return fp
}

func sameIndexSet(a, b map[types.IndexID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (m *LeaderManager) deleteExpiredIndexEntries(ctx context.Context) error {
	cursor := types.Timestamp(m.confirmedIdx.Load())
	floor := m.MinIndexSnapshotTs()
	if floor <= cursor {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionCycleDuration, "index")

	before := indexSetFingerprint(retainedIndexes(m.indexes()))
	byTablet := retainedIndexes(m.indexes())

	var chunk []types.IndexEntryKey
	totalDeleted := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := m.deleteIndexChunk(ctx, chunk)
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
			break
		}
		expired, err := expiredIndexEntries(pair, byTablet[pair.Rev.TabletID])
		if err != nil {
			return err
		}
		chunk = append(chunk, expired...)
		if len(chunk) >= m.cfg.DeleteChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	// Indexes created mid-batch may have rows this pass never considered;
	// skip the checkpoint and let the next cycle cover them.
	after := indexSetFingerprint(retainedIndexes(m.indexes()))
	if !sameIndexSet(before, after) {
		m.logger.Info().Msg("Index set changed during retention cycle, skipping checkpoint")
		return nil
	}
	if err := m.p.WritePersistenceGlobal(ctx, persistence.GlobalConfirmedDeletedTs, uint64(floor)); err != nil {
		return err
	}
	m.confirmedIdx.Store(uint64(floor))
	metrics.RetentionConfirmedDeletedTs.WithLabelValues("index").Set(float64(floor))
	metrics.RetentionRowsDeleted.WithLabelValues("index").Add(float64(totalDeleted))
	if totalDeleted > 0 {
		m.logger.Debug().Int("deleted", totalDeleted).Str("floor", floor.String()).Msg("Index retention cycle complete")
	}
	return nil
}

// expiredIndexEntries computes the index rows made unreachable by a
// revision pair once the floor passed the pair's revision:
//
//   - the entry for the previous revision's key at prev.ts;
//   - the tombstone written at rev.ts when the key changed or the document
//     was deleted.
func expiredIndexEntries(pair persistence.RevisionPair, indexes []types.IndexMetadata) ([]types.IndexEntryKey, error) {
	if pair.Prev == nil || len(indexes) == 0 {
		return nil, nil
	}
	var out []types.IndexEntryKey
	for _, meta := range indexes {
		if pair.Prev.Value == nil {
			continue
		}
		prevKey, err := types.IndexKeyForDocument(meta.Fields, pair.Prev.Value, pair.Rev.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, types.IndexEntryKey{IndexID: meta.ID, Key: prevKey, Ts: pair.Prev.Ts})
		if pair.Rev.IsTombstone() {
			out = append(out, types.IndexEntryKey{IndexID: meta.ID, Key: prevKey, Ts: pair.Rev.Ts, Deleted: true})
			continue
		}
		curKey, err := types.IndexKeyForDocument(meta.Fields, pair.Rev.Value, pair.Rev.ID)
		if err != nil {
			return nil, err
		}
		if !curKey.Equal(prevKey) {
			out = append(out, types.IndexEntryKey{IndexID: meta.ID, Key: prevKey, Ts: pair.Rev.Ts, Deleted: true})
		}
	}
	return out, nil
}

// deleteIndexChunk hash-shards the chunk on key sha256 into parallel
// workers; within one shard the deletes stay ts-ordered.
func (m *LeaderManager) deleteIndexChunk(ctx context.Context, chunk []types.IndexEntryKey) (int, error) {
	shards := make([][]types.IndexEntryKey, m.cfg.DeleteParallel)
	for _, k := range chunk {
		_, _, sum := k.Key.Split()
		shard := int(binary.BigEndian.Uint32(sum[:4])) % len(shards)
		shards[shard] = append(shards[shard], k)
	}
	deleted := make([]int, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		if len(shards[i]) == 0 {
			continue
		}
		shard := shards[i]
		idx := i
		sort.Slice(shard, func(a, b int) bool { return shard[a].Ts < shard[b].Ts })
		g.Go(func() error {
			n, err := m.p.DeleteIndexEntries(gctx, shard)
			deleted[idx] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range deleted {
		total += n
	}
	return total, nil
}
