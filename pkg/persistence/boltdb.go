package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDocuments    = []byte("documents")
	bucketDocumentsLog = []byte("documents_log")
	bucketIndexes      = []byte("indexes")
	bucketGlobals      = []byte("persistence_globals")
	bucketLeases       = []byte("leases")

	leaseKey = []byte("writer")
)

// docRecord is the stored form of a document revision. A null value is a
// tombstone.
type docRecord struct {
	Value  types.Object `json:"v"`
	PrevTs uint64       `json:"p,omitempty"`
}

// indexRecord is the stored form of an index entry. The prefix, sha and ts
// live in the key.
type indexRecord struct {
	Suffix  []byte `json:"s,omitempty"`
	Deleted bool   `json:"d,omitempty"`
	Tablet  string `json:"t"`
	ID      string `json:"i"`
}

// leaseRecord is the single-writer lease row.
type leaseRecord struct {
	Ts     uint64 `json:"ts"`
	Holder string `json:"holder"`
}

// BoltPersistence implements Persistence using BoltDB
type BoltPersistence struct {
	db      *bolt.DB
	logger  zerolog.Logger
	leaseTs atomic.Uint64
}

// NewBoltPersistence opens (or creates) the BoltDB-backed persistence
func NewBoltPersistence(dataDir string) (*BoltPersistence, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDocuments,
			bucketDocumentsLog,
			bucketIndexes,
			bucketGlobals,
			bucketLeases,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltPersistence{db: db, logger: log.WithComponent("persistence")}, nil
}

// Close closes the database
func (p *BoltPersistence) Close() error {
	return p.db.Close()
}

// AcquireLease takes the single-writer lease by writing a candidate
// timestamp that must be strictly greater than the stored one. The previous
// holder's next write fails its lease precondition.
func (p *BoltPersistence) AcquireLease(ctx context.Context, holder string) error {
	candidate := uint64(time.Now().UnixNano())
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get(leaseKey); data != nil {
			var cur leaseRecord
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("corrupt lease row: %w", err)
			}
			if cur.Ts >= candidate {
				return types.NewSystemError(fmt.Errorf("lease acquisition at ts %d lost to holder %q at ts %d", candidate, cur.Holder, cur.Ts))
			}
		}
		data, err := json.Marshal(leaseRecord{Ts: candidate, Holder: holder})
		if err != nil {
			return err
		}
		return b.Put(leaseKey, data)
	})
	if err != nil {
		return err
	}
	p.leaseTs.Store(candidate)
	p.logger.Info().Uint64("lease_ts", candidate).Str("holder", holder).Msg("Acquired write lease")
	return nil
}

// checkLease is the locking lease precondition run inside every mutating
// transaction. A stored lease that is not ours means another process took
// over: fatal for this writer.
func (p *BoltPersistence) checkLease(tx *bolt.Tx) error {
	data := tx.Bucket(bucketLeases).Get(leaseKey)
	if data == nil {
		// Fresh instance, nobody has ever leased. Bootstrap writes run here.
		return nil
	}
	var cur leaseRecord
	if err := json.Unmarshal(data, &cur); err != nil {
		return fmt.Errorf("corrupt lease row: %w", err)
	}
	if cur.Ts != p.leaseTs.Load() {
		return types.NewLeaseLostError()
	}
	return nil
}

// Write atomically appends document revisions and index entries under the
// lease precondition.
func (p *BoltPersistence) Write(ctx context.Context, docs []DocumentLogEntry, indexes []types.IndexEntry, strategy ConflictStrategy) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := p.checkLease(tx); err != nil {
			return err
		}
		if err := putDocuments(tx, docs, strategy); err != nil {
			return err
		}
		return putIndexEntries(tx, indexes, strategy)
	})
}

func putDocuments(tx *bolt.Tx, docs []DocumentLogEntry, strategy ConflictStrategy) error {
	b := tx.Bucket(bucketDocuments)
	lb := tx.Bucket(bucketDocumentsLog)
	for _, doc := range docs {
		key := documentKey(doc.TabletID, doc.ID, doc.Ts)
		if strategy == ConflictError && b.Get(key) != nil {
			return types.NewSystemError(fmt.Errorf("document revision (%s, %s, %s) already exists", doc.TabletID, doc.ID, doc.Ts))
		}
		data, err := json.Marshal(docRecord{Value: doc.Value, PrevTs: uint64(doc.PrevTs)})
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		if err := lb.Put(logKey(doc.Ts, doc.TabletID, doc.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func putIndexEntries(tx *bolt.Tx, entries []types.IndexEntry, strategy ConflictStrategy) error {
	b := tx.Bucket(bucketIndexes)
	for _, e := range entries {
		key := indexEntryKey(e.IndexID, e.KeyPrefix, e.KeySHA256, e.Ts)
		if strategy == ConflictError && b.Get(key) != nil {
			return types.NewSystemError(fmt.Errorf("index entry (%s, %s) already exists", e.IndexID, e.Ts))
		}
		data, err := json.Marshal(indexRecord{
			Suffix:  e.KeySuffix,
			Deleted: e.Deleted,
			Tablet:  e.TabletID.String(),
			ID:      e.ID.String(),
		})
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

// WritePersistenceGlobal stores one global as JSON under the lease
// precondition.
func (p *BoltPersistence) WritePersistenceGlobal(ctx context.Context, key GlobalKey, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := p.checkLease(tx); err != nil {
			return err
		}
		return tx.Bucket(bucketGlobals).Put([]byte(key), data)
	})
}

// GetPersistenceGlobal unmarshals the global into out
func (p *BoltPersistence) GetPersistenceGlobal(ctx context.Context, key GlobalKey, out any) (bool, error) {
	var found bool
	err := p.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGlobals).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

// DeleteIndexEntries physically removes index rows. Deletion is idempotent:
// rows already gone are skipped.
func (p *BoltPersistence) DeleteIndexEntries(ctx context.Context, keys []types.IndexEntryKey) (int, error) {
	deleted := 0
	err := p.db.Update(func(tx *bolt.Tx) error {
		if err := p.checkLease(tx); err != nil {
			return err
		}
		b := tx.Bucket(bucketIndexes)
		for _, k := range keys {
			prefix, _, sum := k.Key.Split()
			storageKey := indexEntryKey(k.IndexID, prefix, sum, k.Ts)
			if b.Get(storageKey) == nil {
				continue
			}
			if err := b.Delete(storageKey); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// DeleteDocuments physically removes document revisions from both the
// primary and the log ordering.
func (p *BoltPersistence) DeleteDocuments(ctx context.Context, keys []types.DocumentRevisionKey) (int, error) {
	deleted := 0
	err := p.db.Update(func(tx *bolt.Tx) error {
		if err := p.checkLease(tx); err != nil {
			return err
		}
		b := tx.Bucket(bucketDocuments)
		lb := tx.Bucket(bucketDocumentsLog)
		for _, k := range keys {
			key := documentKey(k.TabletID, k.ID, k.Ts)
			if b.Get(key) == nil {
				continue
			}
			if err := b.Delete(key); err != nil {
				return err
			}
			if err := lb.Delete(logKey(k.Ts, k.TabletID, k.ID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ImportDocumentsBatch bulk-ingests revisions without the lease predicate.
func (p *BoltPersistence) ImportDocumentsBatch(ctx context.Context, docs []DocumentLogEntry) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return putDocuments(tx, docs, ConflictOverwrite)
	})
}

// ImportIndexesBatch bulk-ingests index entries without the lease predicate.
func (p *BoltPersistence) ImportIndexesBatch(ctx context.Context, entries []types.IndexEntry) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return putIndexEntries(tx, entries, ConflictOverwrite)
	})
}

// PreviousRevisions resolves the greatest revision strictly before each
// query timestamp.
func (p *BoltPersistence) PreviousRevisions(ctx context.Context, queries []RevisionQuery, rv RetentionValidator) (map[RevisionQuery]DocumentLogEntry, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	minTs := types.MaxTimestamp
	for _, q := range queries {
		if q.Ts < minTs {
			minTs = q.Ts
		}
	}
	if err := rv.ValidateDocumentSnapshot(ctx, minTs); err != nil {
		return nil, err
	}
	out := make(map[RevisionQuery]DocumentLogEntry)
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		for _, q := range queries {
			prefix := documentKeyPrefix(q.TabletID, q.ID)
			k, v := c.Seek(documentKey(q.TabletID, q.ID, q.Ts))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
			if k == nil || len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				continue
			}
			entry, err := decodeDocEntry(k, v)
			if err != nil {
				return err
			}
			if entry.Ts >= q.Ts {
				continue
			}
			out[q] = entry
		}
		return nil
	})
	return out, err
}

// PreviousRevisionsOfDocuments resolves exact named prior revisions.
func (p *BoltPersistence) PreviousRevisionsOfDocuments(ctx context.Context, queries []ExactRevisionQuery, rv RetentionValidator) (map[ExactRevisionQuery]DocumentLogEntry, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	minTs := types.MaxTimestamp
	for _, q := range queries {
		if q.PrevTs < minTs {
			minTs = q.PrevTs
		}
	}
	if err := rv.ValidateDocumentSnapshot(ctx, minTs); err != nil {
		return nil, err
	}
	out := make(map[ExactRevisionQuery]DocumentLogEntry)
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, q := range queries {
			key := documentKey(q.TabletID, q.ID, q.PrevTs)
			data := b.Get(key)
			if data == nil {
				continue
			}
			entry, err := decodeDocEntry(key, data)
			if err != nil {
				return err
			}
			out[q] = entry
		}
		return nil
	})
	return out, err
}

// TableSizeStats estimates per-tablet physical size.
func (p *BoltPersistence) TableSizeStats(ctx context.Context) (map[types.TabletID]TableStats, error) {
	stats := make(map[types.TabletID]TableStats)
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			tabletID, _, _, err := decodeDocumentKey(k)
			if err != nil {
				return err
			}
			s := stats[tabletID]
			s.Revisions++
			s.Bytes += int64(len(v))
			stats[tabletID] = s
			return nil
		})
	})
	return stats, err
}

// MaxTs returns the greatest committed timestamp.
func (p *BoltPersistence) MaxTs(ctx context.Context) (types.Timestamp, bool, error) {
	var ts types.Timestamp
	var found bool
	err := p.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketDocumentsLog).Cursor().Last()
		if k == nil {
			return nil
		}
		maxTs, _, _, err := decodeLogKey(k)
		if err != nil {
			return err
		}
		ts, found = maxTs, true
		return nil
	})
	return ts, found, err
}

func decodeDocEntry(key, value []byte) (DocumentLogEntry, error) {
	tabletID, id, ts, err := decodeDocumentKey(key)
	if err != nil {
		return DocumentLogEntry{}, err
	}
	var rec docRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return DocumentLogEntry{}, err
	}
	return DocumentLogEntry{
		Ts:       ts,
		TabletID: tabletID,
		ID:       id,
		Value:    rec.Value,
		PrevTs:   types.Timestamp(rec.PrevTs),
	}, nil
}
