package transaction

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

// Usage tracks the rows and bytes a transaction touched, for attribution
// and billing rollups.
type Usage struct {
	RowsRead     int64
	RowsWritten  int64
	BytesRead    int64
	BytesWritten int64
}

// Add folds another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.RowsRead += other.RowsRead
	u.RowsWritten += other.RowsWritten
	u.BytesRead += other.BytesRead
	u.BytesWritten += other.BytesWritten
}

// Transaction is one unit of repeatable-read work against a snapshot.
// Reads are recorded for OCC validation; writes stage until the committer
// assigns the commit timestamp.
type Transaction struct {
	identity types.Identity
	beginTs  types.Timestamp
	snapshot *registry.Snapshot
	reader   persistence.Reader
	rv       persistence.RetentionValidator

	Reads  *ReadSet
	Writes *WriteSet
	IDGen  *IDGenerator
	Usage  Usage
}

// New begins a transaction at the snapshot's timestamp.
func New(identity types.Identity, snapshot *registry.Snapshot, reader persistence.Reader, rv persistence.RetentionValidator) *Transaction {
	return &Transaction{
		identity: identity,
		beginTs:  snapshot.Ts,
		snapshot: snapshot,
		reader:   reader,
		rv:       rv,
		Reads:    &ReadSet{},
		Writes:   NewWriteSet(),
		IDGen:    NewIDGenerator(snapshot.Ts),
	}
}

// Identity returns the caller identity.
func (t *Transaction) Identity() types.Identity {
	return t.identity
}

// BeginTs returns the snapshot timestamp the transaction reads at.
func (t *Transaction) BeginTs() types.Timestamp {
	return t.beginTs
}

// Snapshot returns the metadata snapshot the transaction was begun at.
func (t *Transaction) Snapshot() *registry.Snapshot {
	return t.snapshot
}

// ReadOnly reports whether the transaction staged no writes.
func (t *Transaction) ReadOnly() bool {
	return t.Writes.Len() == 0
}

// resolveTable resolves an active table, failing with a user error when the
// table does not exist.
func (t *Transaction) resolveTable(namespace, table string) (registry.TableEntry, error) {
	entry, ok := t.snapshot.Tables.LookupActive(namespace, table)
	if !ok {
		return registry.TableEntry{}, types.NewUserError("TableNotFound", "table %q does not exist", table)
	}
	return entry, nil
}

// requireWritable enforces the identity/capability check: system tables
// accept writes only from system identities.
func (t *Transaction) requireWritable(table string) error {
	if strings.HasPrefix(table, "_") && !t.identity.System {
		return types.NewUserError("SystemTableWrite", "table %q is read-only", table)
	}
	return nil
}

// Get reads one document by internal id at the transaction snapshot,
// observing this transaction's pending writes.
func (t *Transaction) Get(ctx context.Context, namespace, table string, id types.InternalID) (types.Object, bool, error) {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return nil, false, err
	}
	if op, staged := t.Writes.Get(entry.TabletID, id); staged {
		return op.Value, op.Value != nil, nil
	}
	byID, err := t.snapshot.Indexes.ByIDIndex(entry.TabletID)
	if err != nil {
		return nil, false, types.NewSystemError(err)
	}
	key, err := types.IndexKeyForDocument(nil, nil, id)
	if err != nil {
		return nil, false, err
	}
	t.Reads.RecordPoint(byID.ID, key)

	scan := t.reader.IndexScan(byID.ID, entry.TabletID, t.beginTs,
		types.Interval{Start: key, End: types.PrefixSuccessor(key)},
		persistence.Ascending, 1, t.rv)
	res, ok, err := scan.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	t.Usage.RowsRead++
	return res.Doc.Value, true, nil
}

// IndexRange scans an index interval at the transaction snapshot, merging
// this transaction's pending writes over the persisted entries. The
// interval is recorded in the read set.
func (t *Transaction) IndexRange(ctx context.Context, namespace, table, indexName string, interval types.Interval, order persistence.Order, limit int) ([]persistence.IndexScanEntry, error) {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return nil, err
	}
	meta, ok := t.snapshot.Indexes.ByName(entry.TabletID, indexName)
	if !ok {
		return nil, types.NewUserError("IndexNotFound", "index %q does not exist on table %q", indexName, table)
	}
	if !meta.Enabled() {
		return nil, types.NewUserError("IndexBackfilling", "index %q on table %q is not yet available", indexName, table)
	}
	t.Reads.Record(types.IndexRead{IndexID: meta.ID, Interval: interval})

	var out []persistence.IndexScanEntry
	staged := t.stagedEntries(meta, entry.TabletID, interval)
	scan := t.reader.IndexScan(meta.ID, entry.TabletID, t.beginTs, interval, order, limit, t.rv)
	for limit <= 0 || len(out) < limit+len(staged) {
		res, more, err := scan.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		if _, overridden := t.Writes.Get(res.Doc.TabletID, res.Doc.ID); overridden {
			continue
		}
		out = append(out, res)
	}
	out = append(out, staged...)
	sort.Slice(out, func(i, j int) bool {
		if order == persistence.Ascending {
			return bytes.Compare(out[i].Key, out[j].Key) < 0
		}
		return bytes.Compare(out[i].Key, out[j].Key) > 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	t.Usage.RowsRead += int64(len(out))
	return out, nil
}

// stagedEntries renders this transaction's pending writes as index scan
// entries inside the interval.
func (t *Transaction) stagedEntries(meta types.IndexMetadata, tabletID types.TabletID, interval types.Interval) []persistence.IndexScanEntry {
	var out []persistence.IndexScanEntry
	for _, op := range t.Writes.ByTablet(tabletID) {
		if op.Value == nil {
			continue
		}
		key, err := types.IndexKeyForDocument(meta.Fields, op.Value, op.ID)
		if err != nil || !interval.Contains(key) {
			continue
		}
		out = append(out, persistence.IndexScanEntry{
			Key: key,
			Doc: persistence.LatestDocument{
				TabletID: tabletID,
				ID:       op.ID,
				Ts:       t.beginTs,
				Value:    op.Value,
				PrevTs:   op.PrevTs,
			},
		})
	}
	return out
}

// Insert stages a new document and returns its developer-facing id.
func (t *Transaction) Insert(ctx context.Context, namespace, table string, value types.Object) (types.DocumentID, error) {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return types.DocumentID{}, err
	}
	if err := t.requireWritable(table); err != nil {
		return types.DocumentID{}, err
	}
	id := t.IDGen.NewInternalID()
	docID := types.DocumentID{Table: entry.Number, Internal: id}
	value = value.Clone()
	value[types.FieldID] = docID.String()
	value[types.FieldCreationTime] = t.IDGen.NextCreationTime()
	t.Writes.Stage(WriteOp{TabletID: entry.TabletID, ID: id, Value: value})
	t.Usage.RowsWritten++
	return docID, nil
}

// Replace stages a full replacement of an existing document, preserving its
// creation time.
func (t *Transaction) Replace(ctx context.Context, namespace, table string, id types.InternalID, value types.Object) error {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return err
	}
	if err := t.requireWritable(table); err != nil {
		return err
	}
	prev, prevTs, err := t.currentRevision(ctx, entry, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return types.NewUserError("DocumentNotFound", "document %s does not exist in table %q", id, table)
	}
	value = value.Clone()
	value[types.FieldID] = types.DocumentID{Table: entry.Number, Internal: id}.String()
	value[types.FieldCreationTime] = prev[types.FieldCreationTime]
	t.Writes.Stage(WriteOp{TabletID: entry.TabletID, ID: id, Value: value, PrevTs: prevTs, PrevValue: prev})
	t.Usage.RowsWritten++
	return nil
}

// Delete stages a tombstone for an existing document.
func (t *Transaction) Delete(ctx context.Context, namespace, table string, id types.InternalID) error {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return err
	}
	if err := t.requireWritable(table); err != nil {
		return err
	}
	prev, prevTs, err := t.currentRevision(ctx, entry, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return types.NewUserError("DocumentNotFound", "document %s does not exist in table %q", id, table)
	}
	t.Writes.Stage(WriteOp{TabletID: entry.TabletID, ID: id, PrevTs: prevTs, PrevValue: prev})
	t.Usage.RowsWritten++
	return nil
}

// currentRevision resolves the revision a write will replace: a pending
// write in this transaction, or the persisted revision at the snapshot.
func (t *Transaction) currentRevision(ctx context.Context, entry registry.TableEntry, id types.InternalID) (types.Object, types.Timestamp, error) {
	if op, staged := t.Writes.Get(entry.TabletID, id); staged {
		return op.Value, op.PrevTs, nil
	}
	byID, err := t.snapshot.Indexes.ByIDIndex(entry.TabletID)
	if err != nil {
		return nil, 0, types.NewSystemError(err)
	}
	key, err := types.IndexKeyForDocument(nil, nil, id)
	if err != nil {
		return nil, 0, err
	}
	t.Reads.RecordPoint(byID.ID, key)
	scan := t.reader.IndexScan(byID.ID, entry.TabletID, t.beginTs,
		types.Interval{Start: key, End: types.PrefixSuccessor(key)},
		persistence.Ascending, 1, t.rv)
	res, ok, err := scan.Next(ctx)
	if err != nil || !ok {
		return nil, 0, err
	}
	return res.Doc.Value, res.Doc.Ts, nil
}

// InsertIntoTablet stages a new document directly into a tablet, active or
// hidden. The import pipeline writes staged tablets through here.
func (t *Transaction) InsertIntoTablet(tabletID types.TabletID, number types.TableNumber, value types.Object) (types.DocumentID, error) {
	id := t.IDGen.NewInternalID()
	docID := types.DocumentID{Table: number, Internal: id}
	value = value.Clone()
	value[types.FieldID] = docID.String()
	if _, ok := value[types.FieldCreationTime]; !ok {
		value[types.FieldCreationTime] = t.IDGen.NextCreationTime()
	}
	t.Writes.Stage(WriteOp{TabletID: tabletID, ID: id, Value: value})
	t.Usage.RowsWritten++
	return docID, nil
}

// SystemInsert stages a new document bypassing the system-table write
// guard. Internal bookkeeping (session-request records, import state) rides
// in user transactions through here.
func (t *Transaction) SystemInsert(ctx context.Context, namespace, table string, value types.Object) (types.DocumentID, error) {
	entry, err := t.resolveTable(namespace, table)
	if err != nil {
		return types.DocumentID{}, err
	}
	id := t.IDGen.NewInternalID()
	docID := types.DocumentID{Table: entry.Number, Internal: id}
	value = value.Clone()
	value[types.FieldID] = docID.String()
	value[types.FieldCreationTime] = t.IDGen.NextCreationTime()
	t.Writes.Stage(WriteOp{TabletID: entry.TabletID, ID: id, Value: value})
	t.Usage.RowsWritten++
	return docID, nil
}

// MergeFunctionResult folds an executor's reads, writes and usage into the
// transaction.
func (t *Transaction) MergeFunctionResult(reads []types.IndexRead, writes []WriteOp, usage Usage) {
	t.Reads.Merge(reads)
	for _, op := range writes {
		t.Writes.Stage(op)
	}
	t.Usage.Add(usage)
}

// CommitPayload renders the staged writes at the assigned commit timestamp:
// document log entries, index entries (inserts plus old-key tombstones),
// and the index updates recorded in the write log.
func (t *Transaction) CommitPayload(commitTs types.Timestamp) ([]persistence.DocumentLogEntry, []types.IndexEntry, []types.IndexUpdate, error) {
	var docs []persistence.DocumentLogEntry
	var entries []types.IndexEntry
	var updates []types.IndexUpdate

	for _, op := range t.Writes.Ops() {
		docs = append(docs, persistence.DocumentLogEntry{
			Ts:       commitTs,
			TabletID: op.TabletID,
			ID:       op.ID,
			Value:    op.Value,
			PrevTs:   op.PrevTs,
		})
		for _, meta := range t.snapshot.Indexes.ByTablet(op.TabletID) {
			if meta.State.Phase == types.IndexDisabled {
				continue
			}
			var newKey types.IndexKey
			if op.Value != nil {
				key, err := types.IndexKeyForDocument(meta.Fields, op.Value, op.ID)
				if err != nil {
					return nil, nil, nil, err
				}
				newKey = key
				entries = append(entries, types.NewIndexEntry(meta, key, op.TabletID, op.ID, commitTs, false))
				updates = append(updates, types.IndexUpdate{IndexID: meta.ID, Key: key})
			}
			if op.PrevValue != nil {
				oldKey, err := types.IndexKeyForDocument(meta.Fields, op.PrevValue, op.ID)
				if err != nil {
					return nil, nil, nil, err
				}
				if newKey == nil || !bytes.Equal(oldKey, newKey) {
					entries = append(entries, types.NewIndexEntry(meta, oldKey, op.TabletID, op.ID, commitTs, true))
					updates = append(updates, types.IndexUpdate{IndexID: meta.ID, Key: oldKey, Deleted: true})
				}
			}
		}
	}
	return docs, entries, updates, nil
}
