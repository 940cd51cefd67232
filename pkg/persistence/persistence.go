package persistence

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

// GlobalKey names a persistence-global value. Globals are the bootstrap
// pointers and retention cursors shared between the writer and followers.
type GlobalKey string

const (
	GlobalTablesByID            GlobalKey = "TablesByIdIndex"
	GlobalIndexByID             GlobalKey = "IndexByIdIndex"
	GlobalTablesTabletID        GlobalKey = "TablesTabletId"
	GlobalIndexTabletID         GlobalKey = "IndexTabletId"
	GlobalMinSnapshotTs         GlobalKey = "RetentionMinSnapshotTimestamp"
	GlobalMinDocumentSnapshotTs GlobalKey = "DocumentRetentionMinSnapshotTimestamp"
	GlobalConfirmedDeletedTs    GlobalKey = "RetentionConfirmedDeletedTimestamp"
	GlobalDocConfirmedDeletedTs GlobalKey = "DocumentRetentionConfirmedDeletedTimestamp"
)

// ConflictStrategy controls what a batch write does when a row already
// exists at the same key.
type ConflictStrategy int

const (
	ConflictError ConflictStrategy = iota
	ConflictOverwrite
)

// Order is a scan direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// DocumentLogEntry is one document revision in the append-only log. A nil
// Value is a tombstone. PrevTs is zero when this is the first revision of
// the id.
type DocumentLogEntry struct {
	Ts       types.Timestamp
	TabletID types.TabletID
	ID       types.InternalID
	Value    types.Object
	PrevTs   types.Timestamp
}

// IsTombstone reports whether the revision is a deletion marker.
func (e DocumentLogEntry) IsTombstone() bool {
	return e.Value == nil
}

// RevisionPair is a revision together with the immediately preceding
// revision of the same internal id, if one exists.
type RevisionPair struct {
	Rev  DocumentLogEntry
	Prev *DocumentLogEntry
}

// TsRange is a half-open timestamp window [Start, End).
type TsRange struct {
	Start types.Timestamp
	End   types.Timestamp
}

// Contains reports whether ts falls inside the range.
func (r TsRange) Contains(ts types.Timestamp) bool {
	return ts >= r.Start && ts < r.End
}

// RetentionValidator checks snapshot timestamps against the retention
// floors. The persistence layer consults it at page boundaries, document
// streams with the minimum timestamp of the page and index scans with their
// snapshot timestamp, so a reader never consumes a page that
// retention may already have trimmed.
type RetentionValidator interface {
	ValidateIndexSnapshot(ctx context.Context, ts types.Timestamp) error
	ValidateDocumentSnapshot(ctx context.Context, ts types.Timestamp) error
}

// NoopRetentionValidator skips retention checks. The retention deleters use
// it for their own scans, which read below the floors.
type NoopRetentionValidator struct{}

func (NoopRetentionValidator) ValidateIndexSnapshot(context.Context, types.Timestamp) error {
	return nil
}

func (NoopRetentionValidator) ValidateDocumentSnapshot(context.Context, types.Timestamp) error {
	return nil
}

// LatestDocument is the document revision an index entry points at.
type LatestDocument struct {
	TabletID types.TabletID
	ID       types.InternalID
	Ts       types.Timestamp
	Value    types.Object
	PrevTs   types.Timestamp
}

// IndexScanEntry is one emitted row of an index scan: the full index key and
// the document revision live at the snapshot.
type IndexScanEntry struct {
	Key types.IndexKey
	Doc LatestDocument
}

// RevisionQuery asks for the greatest revision of ID strictly before Ts.
type RevisionQuery struct {
	TabletID types.TabletID
	ID       types.InternalID
	Ts       types.Timestamp
}

// ExactRevisionQuery asks for the named prior revision of a document.
type ExactRevisionQuery struct {
	TabletID types.TabletID
	ID       types.InternalID
	Ts       types.Timestamp
	PrevTs   types.Timestamp
}

// TableStats is a per-tablet physical size estimate.
type TableStats struct {
	Revisions int64
	Bytes     int64
}

// Reader is the read half of the persistence contract. Reads are
// linearizable within a session; streams are lazy, restartable via their
// internal cursors, and consult the retention validator at page boundaries.
type Reader interface {
	// LoadDocuments streams the document log over the ts window in the
	// given order. The cursor is the triple (ts, tablet, id) with strict
	// inequality in the scan direction.
	LoadDocuments(rng TsRange, order Order, pageSize int, rv RetentionValidator) *DocumentStream

	// LoadDocumentsFromTable is LoadDocuments filtered to one tablet.
	LoadDocumentsFromTable(tabletID types.TabletID, rng TsRange, order Order, pageSize int, rv RetentionValidator) *DocumentStream

	// LoadRevisionPairs streams revisions in the window together with each
	// revision's immediate predecessor. A nil tabletID covers all tablets.
	LoadRevisionPairs(tabletID *types.TabletID, rng TsRange, pageSize int, rv RetentionValidator) *RevisionPairStream

	// IndexScan streams the entries of one index live at snapshotTs inside
	// the key interval, strictly ordered by full index key. Split keys are
	// re-sorted before emission.
	IndexScan(indexID types.IndexID, tabletID types.TabletID, snapshotTs types.Timestamp, interval types.Interval, order Order, sizeHint int, rv RetentionValidator) *IndexStream

	// PreviousRevisions resolves, for each query, the greatest revision
	// strictly before the query ts.
	PreviousRevisions(ctx context.Context, queries []RevisionQuery, rv RetentionValidator) (map[RevisionQuery]DocumentLogEntry, error)

	// PreviousRevisionsOfDocuments resolves exact named prior revisions.
	PreviousRevisionsOfDocuments(ctx context.Context, queries []ExactRevisionQuery, rv RetentionValidator) (map[ExactRevisionQuery]DocumentLogEntry, error)

	// GetPersistenceGlobal unmarshals the global into out, reporting
	// whether the key exists.
	GetPersistenceGlobal(ctx context.Context, key GlobalKey, out any) (bool, error)

	// TableSizeStats estimates per-tablet physical size for observability.
	TableSizeStats(ctx context.Context) (map[types.TabletID]TableStats, error)

	// MaxTs returns the greatest committed timestamp, if any exists.
	MaxTs(ctx context.Context) (types.Timestamp, bool, error)
}

// Persistence is the only durable substrate. Writes have at-least-once
// semantics, deletes are idempotent, and every mutating call other than the
// bulk import paths enforces the lease predicate atomically.
type Persistence interface {
	Reader

	// Write atomically appends document revisions and index entries.
	Write(ctx context.Context, docs []DocumentLogEntry, indexes []types.IndexEntry, strategy ConflictStrategy) error

	// WritePersistenceGlobal stores one global as JSON.
	WritePersistenceGlobal(ctx context.Context, key GlobalKey, value any) error

	// DeleteIndexEntries physically removes index rows. Returns the number
	// of rows that existed.
	DeleteIndexEntries(ctx context.Context, keys []types.IndexEntryKey) (int, error)

	// DeleteDocuments physically removes document revisions. Returns the
	// number of rows that existed.
	DeleteDocuments(ctx context.Context, keys []types.DocumentRevisionKey) (int, error)

	// ImportDocumentsBatch bulk-ingests document revisions, bypassing the
	// lease predicate. Initial bulk load only.
	ImportDocumentsBatch(ctx context.Context, docs []DocumentLogEntry) error

	// ImportIndexesBatch bulk-ingests index entries, bypassing the lease
	// predicate. Initial bulk load only.
	ImportIndexesBatch(ctx context.Context, entries []types.IndexEntry) error

	// AcquireLease takes the single-writer lease. After it returns, writes
	// by any previous holder fail with a lease-lost error.
	AcquireLease(ctx context.Context, holder string) error

	Close() error
}
