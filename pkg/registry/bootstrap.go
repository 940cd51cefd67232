package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/types"
)

// BootstrapMetadata is the set of persistence globals pointing at the
// system tablets and their by_id indexes. Everything else bootstraps from
// these four values plus the log.
type BootstrapMetadata struct {
	TablesTabletID types.TabletID
	IndexTabletID  types.TabletID
	TablesByID     types.IndexID
	IndexByID      types.IndexID
}

// LoadOrCreateMetadata reads the bootstrap globals, creating the genesis
// system tablets on a fresh instance.
func LoadOrCreateMetadata(ctx context.Context, p persistence.Persistence) (BootstrapMetadata, bool, error) {
	var meta BootstrapMetadata
	var raw string
	found, err := p.GetPersistenceGlobal(ctx, persistence.GlobalTablesTabletID, &raw)
	if err != nil {
		return meta, false, err
	}
	if found {
		meta, err = readMetadata(ctx, p)
		return meta, false, err
	}
	meta, err = createGenesis(ctx, p)
	if err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

func readMetadata(ctx context.Context, p persistence.Reader) (BootstrapMetadata, error) {
	var meta BootstrapMetadata
	read := func(key persistence.GlobalKey) (types.TabletID, error) {
		var raw string
		found, err := p.GetPersistenceGlobal(ctx, key, &raw)
		if err != nil {
			return types.TabletID{}, err
		}
		if !found {
			return types.TabletID{}, fmt.Errorf("persistence global %q missing", key)
		}
		return types.ParseTabletID(raw)
	}
	var err error
	if meta.TablesTabletID, err = read(persistence.GlobalTablesTabletID); err != nil {
		return meta, err
	}
	if meta.IndexTabletID, err = read(persistence.GlobalIndexTabletID); err != nil {
		return meta, err
	}
	tablesByID, err := read(persistence.GlobalTablesByID)
	if err != nil {
		return meta, err
	}
	indexByID, err := read(persistence.GlobalIndexByID)
	if err != nil {
		return meta, err
	}
	meta.TablesByID = types.IndexID(tablesByID)
	meta.IndexByID = types.IndexID(indexByID)
	return meta, nil
}

// createGenesis writes the _tables and _index tablets, their metadata
// documents, the by_id index entries covering them, and the bootstrap
// globals. Deterministic: no network, one write batch plus globals.
func createGenesis(ctx context.Context, p persistence.Persistence) (BootstrapMetadata, error) {
	logger := log.WithComponent("bootstrap")
	ts := types.TimestampFromTime(time.Now())

	meta := BootstrapMetadata{
		TablesTabletID: types.NewTabletID(),
		IndexTabletID:  types.NewTabletID(),
		TablesByID:     types.NewIndexID(),
		IndexByID:      types.NewIndexID(),
	}

	tablesEntry := TableEntry{
		Name: TableTables, Namespace: DefaultNamespace, Number: TablesNumber,
		TabletID: meta.TablesTabletID, State: TableActive, DocID: types.NewInternalID(),
	}
	indexEntry := TableEntry{
		Name: TableIndex, Namespace: DefaultNamespace, Number: IndexNumber,
		TabletID: meta.IndexTabletID, State: TableActive, DocID: types.NewInternalID(),
	}

	indexes := []types.IndexMetadata{
		{ID: meta.TablesByID, TabletID: meta.TablesTabletID, Name: types.IndexByID, State: types.IndexState{Phase: types.IndexEnabled}},
		{ID: meta.IndexByID, TabletID: meta.IndexTabletID, Name: types.IndexByID, State: types.IndexState{Phase: types.IndexEnabled}},
		// Every tablet carries by_creation_time except _index itself.
		{ID: types.NewIndexID(), TabletID: meta.TablesTabletID, Name: types.IndexByCreationTime, Fields: []string{types.FieldCreationTime}, State: types.IndexState{Phase: types.IndexEnabled}},
	}

	var docs []persistence.DocumentLogEntry
	var entries []types.IndexEntry

	addDoc := func(tabletID types.TabletID, number types.TableNumber, docID types.InternalID, value types.Object) error {
		value = value.Clone()
		value[types.FieldID] = types.DocumentID{Table: number, Internal: docID}.String()
		value[types.FieldCreationTime] = float64(ts.Time().UnixMilli())
		docs = append(docs, persistence.DocumentLogEntry{
			Ts: ts, TabletID: tabletID, ID: docID, Value: value,
		})
		for _, im := range indexes {
			if im.TabletID != tabletID {
				continue
			}
			key, err := types.IndexKeyForDocument(im.Fields, value, docID)
			if err != nil {
				return err
			}
			entries = append(entries, types.NewIndexEntry(im, key, tabletID, docID, ts, false))
		}
		return nil
	}

	for _, e := range []TableEntry{tablesEntry, indexEntry} {
		if err := addDoc(meta.TablesTabletID, TablesNumber, e.DocID, TableEntryToDocument(e)); err != nil {
			return meta, err
		}
	}
	for _, im := range indexes {
		docID := types.NewInternalID()
		if err := addDoc(meta.IndexTabletID, IndexNumber, docID, IndexMetadataToDocument(im)); err != nil {
			return meta, err
		}
	}

	if err := p.Write(ctx, docs, entries, persistence.ConflictError); err != nil {
		return meta, err
	}

	globals := map[persistence.GlobalKey]string{
		persistence.GlobalTablesTabletID: meta.TablesTabletID.String(),
		persistence.GlobalIndexTabletID:  meta.IndexTabletID.String(),
		persistence.GlobalTablesByID:     types.TabletID(meta.TablesByID).String(),
		persistence.GlobalIndexByID:      types.TabletID(meta.IndexByID).String(),
	}
	for key, val := range globals {
		if err := p.WritePersistenceGlobal(ctx, key, val); err != nil {
			return meta, err
		}
	}
	for _, key := range []persistence.GlobalKey{
		persistence.GlobalMinSnapshotTs,
		persistence.GlobalMinDocumentSnapshotTs,
		persistence.GlobalConfirmedDeletedTs,
		persistence.GlobalDocConfirmedDeletedTs,
	} {
		if err := p.WritePersistenceGlobal(ctx, key, uint64(ts)); err != nil {
			return meta, err
		}
	}

	logger.Info().
		Str("tables_tablet", meta.TablesTabletID.String()).
		Str("index_tablet", meta.IndexTabletID.String()).
		Msg("Created genesis system tablets")
	return meta, nil
}

// Load builds the snapshot at the given repeatable timestamp by scanning
// the system tablets' by_id indexes.
func Load(ctx context.Context, p persistence.Reader, meta BootstrapMetadata, at types.Timestamp, rv persistence.RetentionValidator) (*Snapshot, error) {
	indexes := NewIndexRegistry()
	scan := p.IndexScan(meta.IndexByID, meta.IndexTabletID, at, types.FullInterval(), persistence.Ascending, 0, rv)
	for {
		entry, ok, err := scan.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap _index scan: %w", err)
		}
		if !ok {
			break
		}
		m, err := IndexMetadataFromDocument(entry.Doc.ID, entry.Doc.Value)
		if err != nil {
			return nil, err
		}
		indexes = indexes.With(m, entry.Doc.ID)
	}

	tables := NewTableMapping()
	scan = p.IndexScan(meta.TablesByID, meta.TablesTabletID, at, types.FullInterval(), persistence.Ascending, 0, rv)
	for {
		entry, ok, err := scan.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap _tables scan: %w", err)
		}
		if !ok {
			break
		}
		e, err := TableEntryFromDocument(entry.Doc.ID, entry.Doc.Value)
		if err != nil {
			return nil, err
		}
		tables = tables.With(e)
	}

	return &Snapshot{Ts: at, Tables: tables, Indexes: indexes}, nil
}

// LoadSummaries builds the table summaries from persistence size stats.
// Runs lazily on its own task; the committer merges deltas afterwards.
func LoadSummaries(ctx context.Context, p persistence.Reader, snapshot *Snapshot, rv persistence.RetentionValidator) (TableSummaries, error) {
	stats, err := p.TableSizeStats(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make(TableSummaries)
	for _, e := range snapshot.Tables.All() {
		byID, err := snapshot.Indexes.ByIDIndex(e.TabletID)
		if err != nil {
			continue
		}
		var count int64
		scan := p.IndexScan(byID.ID, e.TabletID, snapshot.Ts, types.FullInterval(), persistence.Ascending, 0, rv)
		for {
			_, ok, err := scan.Next(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			count++
		}
		summaries[e.TabletID] = TableSummary{Count: count, Bytes: stats[e.TabletID].Bytes}
	}
	return summaries, nil
}
