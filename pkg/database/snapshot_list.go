package database

import (
	"context"
	"sort"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

// SnapshotCursor resumes a list_snapshot pagination: the next document to
// emit is the first id at or past Internal in the cursor's tablet, then
// subsequent tablets in order.
type SnapshotCursor struct {
	TabletID types.TabletID
	Internal types.InternalID
}

// SnapshotDocument is one row of a key-ordered snapshot page.
type SnapshotDocument struct {
	Table string
	ID    types.DocumentID
	Ts    types.Timestamp
	Value types.Object
}

// SnapshotPage is one page of list_snapshot. A nil Cursor means the
// snapshot is fully emitted.
type SnapshotPage struct {
	Documents  []SnapshotDocument
	SnapshotTs types.Timestamp
	Cursor     *SnapshotCursor
	HasMore    bool
}

// snapshotIterCacheEntry keeps the most recent historical snapshot
// resolution alive so successive pages skip the bootstrap walk.
type snapshotIterCacheEntry struct {
	ts       types.Timestamp
	snapshot *registry.Snapshot
}

// historicalSnapshot resolves the table mapping and index registry at a
// past timestamp, consulting the single-entry iterator cache first.
func (d *Database) historicalSnapshot(ctx context.Context, ts types.Timestamp) (*registry.Snapshot, error) {
	d.iterMu.Lock()
	cached := d.iterCache
	d.iterMu.Unlock()
	if cached != nil && cached.ts == ts {
		return cached.snapshot, nil
	}
	snapshot, err := registry.Load(ctx, d.p, d.meta, ts, d.retention)
	if err != nil {
		return nil, err
	}
	d.iterMu.Lock()
	d.iterCache = &snapshotIterCacheEntry{ts: ts, snapshot: snapshot}
	d.iterMu.Unlock()
	return snapshot, nil
}

// ListSnapshot pages through a snapshot in (tablet, id) order. Tables are
// visited in table-number order; when one tablet is exhausted the cursor
// jumps to the start of the next.
func (d *Database) ListSnapshot(ctx context.Context, snapshotTs types.Timestamp, cursor *SnapshotCursor, filter ExportFilter, returnLimit int) (*SnapshotPage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExportPageDuration, "list_snapshot")
	if returnLimit <= 0 {
		returnLimit = 1024
	}

	now := d.NowTsForReads()
	if snapshotTs == 0 {
		snapshotTs = now
	}
	if snapshotTs > now {
		return nil, types.NewUserError("SnapshotInFuture", "snapshot timestamp %s has not been committed yet", snapshotTs)
	}
	if snapshotTs < now.Sub(d.opts.ListSnapshotMaxAge) {
		return nil, types.NewUserError("SnapshotTooOld",
			"snapshot timestamp %s is older than the supported snapshot window", snapshotTs)
	}

	snapshot, err := d.historicalSnapshot(ctx, snapshotTs)
	if err != nil {
		return nil, err
	}

	// Tablets in stable order: by namespace then table number.
	entries := snapshot.Tables.All()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].Number < entries[j].Number
	})
	var selected []registry.TableEntry
	for _, e := range entries {
		if filter.selectsTable(e) {
			selected = append(selected, e)
		}
	}

	page := &SnapshotPage{SnapshotTs: snapshotTs}
	start := 0
	var resumeID types.InternalID
	if cursor != nil {
		for i, e := range selected {
			if e.TabletID == cursor.TabletID {
				start = i
				resumeID = cursor.Internal
				break
			}
		}
	}

	for i := start; i < len(selected); i++ {
		entry := selected[i]
		byID, err := snapshot.Indexes.ByIDIndex(entry.TabletID)
		if err != nil {
			return nil, types.NewSystemError(err)
		}
		startKey, err := types.IndexKeyForDocument(nil, nil, resumeID)
		if err != nil {
			return nil, err
		}
		resumeID = types.MinInternalID

		scan := d.p.IndexScan(byID.ID, entry.TabletID, snapshotTs,
			types.Interval{Start: startKey, End: nil}, persistence.Ascending, returnLimit, d.retention)
		for {
			res, ok, err := scan.Next(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if len(page.Documents) >= returnLimit {
				// Page full: resume at this document next call.
				page.HasMore = true
				page.Cursor = &SnapshotCursor{TabletID: entry.TabletID, Internal: res.Doc.ID}
				metrics.ExportRowsTotal.WithLabelValues("list_snapshot").Add(float64(len(page.Documents)))
				return page, nil
			}
			page.Documents = append(page.Documents, SnapshotDocument{
				Table: entry.Name,
				ID:    types.DocumentID{Table: entry.Number, Internal: res.Doc.ID},
				Ts:    res.Doc.Ts,
				Value: filter.project(entry.Name, res.Doc.Value),
			})
		}
		if len(page.Documents) >= returnLimit && i+1 < len(selected) {
			// The page filled exactly at a tablet boundary; the cursor
			// jumps to the start of the next tablet.
			page.HasMore = true
			page.Cursor = &SnapshotCursor{TabletID: selected[i+1].TabletID, Internal: types.MinInternalID}
			break
		}
	}
	metrics.ExportRowsTotal.WithLabelValues("list_snapshot").Add(float64(len(page.Documents)))
	return page, nil
}
