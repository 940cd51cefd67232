package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const defaultPageSize = 128

// DocumentStream pages through the document log. The cursor is the last
// emitted (ts, tablet, id) storage key with strict inequality in the scan
// direction, so rows sharing a timestamp are neither duplicated nor skipped
// across pages.
type DocumentStream struct {
	p        *BoltPersistence
	rng      TsRange
	order    Order
	pageSize int
	rv       RetentionValidator
	tablet   *types.TabletID

	cursor []byte
	buf    []DocumentLogEntry
	done   bool
}

// LoadDocuments streams the document log over the ts window.
func (p *BoltPersistence) LoadDocuments(rng TsRange, order Order, pageSize int, rv RetentionValidator) *DocumentStream {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &DocumentStream{p: p, rng: rng, order: order, pageSize: pageSize, rv: rv}
}

// LoadDocumentsFromTable streams the document log filtered to one tablet.
func (p *BoltPersistence) LoadDocumentsFromTable(tabletID types.TabletID, rng TsRange, order Order, pageSize int, rv RetentionValidator) *DocumentStream {
	s := p.LoadDocuments(rng, order, pageSize, rv)
	s.tablet = &tabletID
	return s
}

// Next returns the next log entry. The second result is false when the
// stream is exhausted.
func (s *DocumentStream) Next(ctx context.Context) (DocumentLogEntry, bool, error) {
	for len(s.buf) == 0 {
		if s.done {
			return DocumentLogEntry{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return DocumentLogEntry{}, false, err
		}
		if err := s.loadPage(ctx); err != nil {
			return DocumentLogEntry{}, false, err
		}
	}
	e := s.buf[0]
	s.buf = s.buf[1:]
	return e, true, nil
}

func (s *DocumentStream) loadPage(ctx context.Context) error {
	var page []DocumentLogEntry
	err := s.p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocumentsLog).Cursor()
		k, v := s.seek(c)
		for ; k != nil; k, v = s.step(c) {
			ts, tabletID, id, err := decodeLogKey(k)
			if err != nil {
				return err
			}
			if !s.rng.Contains(ts) {
				s.done = true
				return nil
			}
			s.cursor = append(s.cursor[:0], k...)
			if s.tablet != nil && tabletID != *s.tablet {
				continue
			}
			entry, err := decodeDocEntry(documentKey(tabletID, id, ts), v)
			if err != nil {
				return err
			}
			page = append(page, entry)
			if len(page) >= s.pageSize {
				return nil
			}
		}
		s.done = true
		return nil
	})
	if err != nil {
		return err
	}
	if len(page) == 0 {
		s.done = true
		return nil
	}
	// Authoritative retention check at the page boundary, with the minimum
	// timestamp of the page.
	minTs := page[0].Ts
	if s.order == Descending {
		minTs = page[len(page)-1].Ts
	}
	if err := s.rv.ValidateDocumentSnapshot(ctx, minTs); err != nil {
		return err
	}
	s.buf = page
	return nil
}

func (s *DocumentStream) seek(c *bolt.Cursor) ([]byte, []byte) {
	if s.cursor == nil {
		if s.order == Ascending {
			return c.Seek(appendTs(nil, s.rng.Start))
		}
		// Descending: position at the last key strictly below rng.End.
		k, _ := c.Seek(appendTs(nil, s.rng.End))
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	// Resume strictly past the cursor in the scan direction.
	k, v := c.Seek(s.cursor)
	if s.order == Ascending {
		if k != nil && bytes.Equal(k, s.cursor) {
			return c.Next()
		}
		return k, v
	}
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

func (s *DocumentStream) step(c *bolt.Cursor) ([]byte, []byte) {
	if s.order == Ascending {
		return c.Next()
	}
	return c.Prev()
}

// RevisionPairStream streams revisions in a window together with each
// revision's immediate predecessor.
type RevisionPairStream struct {
	docs *DocumentStream
}

// LoadRevisionPairs streams revision pairs in ascending ts order. A nil
// tabletID covers all tablets.
func (p *BoltPersistence) LoadRevisionPairs(tabletID *types.TabletID, rng TsRange, pageSize int, rv RetentionValidator) *RevisionPairStream {
	var docs *DocumentStream
	if tabletID != nil {
		docs = p.LoadDocumentsFromTable(*tabletID, rng, Ascending, pageSize, rv)
	} else {
		docs = p.LoadDocuments(rng, Ascending, pageSize, rv)
	}
	return &RevisionPairStream{docs: docs}
}

// Next returns the next revision pair.
func (s *RevisionPairStream) Next(ctx context.Context) (RevisionPair, bool, error) {
	entry, ok, err := s.docs.Next(ctx)
	if err != nil || !ok {
		return RevisionPair{}, ok, err
	}
	pair := RevisionPair{Rev: entry}
	if entry.PrevTs != 0 {
		err := s.docs.p.db.View(func(tx *bolt.Tx) error {
			key := documentKey(entry.TabletID, entry.ID, entry.PrevTs)
			data := tx.Bucket(bucketDocuments).Get(key)
			if data == nil {
				return nil
			}
			prev, err := decodeDocEntry(key, data)
			if err != nil {
				return err
			}
			pair.Prev = &prev
			return nil
		})
		if err != nil {
			return RevisionPair{}, false, err
		}
	}
	return pair, true, nil
}

// rawIndexRow is one stored index row before grouping.
type rawIndexRow struct {
	prefix []byte
	sum    [32]byte
	ts     types.Timestamp
	rec    indexRecord
}

// IndexStream streams the live entries of one index at a snapshot, strictly
// ordered by full index key. Storage orders rows by (prefix, sha256, ts),
// so rows whose prefix is maximal length are buffered until a distinct
// prefix arrives and re-sorted by full key before emission.
type IndexStream struct {
	p        *BoltPersistence
	indexID  types.IndexID
	snapshot types.Timestamp
	interval types.Interval
	order    Order
	pageSize int
	rv       RetentionValidator

	lo, hi []byte
	cursor []byte
	done   bool

	group      []rawIndexRow
	pendingKey []byte
	pending    []IndexScanEntry
	out        []IndexScanEntry
}

// IndexScan streams index entries live at snapshotTs inside the interval.
// The tablet is implied by the index id in the storage layout, so the
// argument only documents intent.
func (p *BoltPersistence) IndexScan(indexID types.IndexID, _ types.TabletID, snapshotTs types.Timestamp, interval types.Interval, order Order, sizeHint int, rv RetentionValidator) *IndexStream {
	if sizeHint <= 0 {
		sizeHint = defaultPageSize
	}
	lo, hi := indexScanBounds(indexID, interval)
	return &IndexStream{
		p:        p,
		indexID:  indexID,
		snapshot: snapshotTs,
		interval: interval,
		order:    order,
		pageSize: sizeHint,
		rv:       rv,
		lo:       lo,
		hi:       hi,
	}
}

// Next returns the next live index entry in full-key order.
func (s *IndexStream) Next(ctx context.Context) (IndexScanEntry, bool, error) {
	for len(s.out) == 0 {
		if s.done {
			return IndexScanEntry{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return IndexScanEntry{}, false, err
		}
		if err := s.loadPage(ctx); err != nil {
			return IndexScanEntry{}, false, err
		}
	}
	e := s.out[0]
	s.out = s.out[1:]
	return e, true, nil
}

func (s *IndexStream) loadPage(ctx context.Context) error {
	if err := s.rv.ValidateIndexSnapshot(ctx, s.snapshot); err != nil {
		return err
	}
	var emitted int
	err := s.p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIndexes).Cursor()
		k, v := s.seek(c)
		for ; k != nil; k, v = s.stepCursor(c) {
			if !s.inBounds(k) {
				s.finish(tx)
				s.done = true
				return nil
			}
			s.cursor = append(s.cursor[:0], k...)
			_, prefix, sum, ts, err := decodeIndexEntryKey(k)
			if err != nil {
				return err
			}
			var rec indexRecord
			if err := unmarshalIndexRecord(v, &rec); err != nil {
				return err
			}
			row := rawIndexRow{prefix: append([]byte(nil), prefix...), sum: sum, ts: ts, rec: rec}
			if len(s.group) > 0 && !sameGroup(s.group[0], row) {
				s.resolveGroup(tx)
				emitted++
			}
			s.group = append(s.group, row)
			if emitted >= s.pageSize {
				return nil
			}
		}
		s.finish(tx)
		s.done = true
		return nil
	})
	return err
}

// finish resolves the trailing group and flushes the split-key buffer.
func (s *IndexStream) finish(tx *bolt.Tx) {
	if len(s.group) > 0 {
		s.resolveGroup(tx)
	}
	s.flushPending()
}

func sameGroup(a, b rawIndexRow) bool {
	return bytes.Equal(a.prefix, b.prefix) && a.sum == b.sum
}

// resolveGroup picks the live row of one (prefix, sha) group at the
// snapshot and stages it for emission.
func (s *IndexStream) resolveGroup(tx *bolt.Tx) {
	rows := s.group
	s.group = s.group[len(s.group):]
	var live *rawIndexRow
	for i := range rows {
		if rows[i].ts > s.snapshot {
			continue
		}
		if live == nil || rows[i].ts > live.ts {
			live = &rows[i]
		}
	}
	if live == nil || live.rec.Deleted {
		return
	}
	key := types.JoinIndexKey(live.prefix, live.rec.Suffix)
	if !s.interval.Contains(key) {
		return
	}
	tabletID, err1 := types.ParseTabletID(live.rec.Tablet)
	id, err2 := types.ParseInternalID(live.rec.ID)
	if err1 != nil || err2 != nil {
		return
	}
	entry := IndexScanEntry{Key: key, Doc: LatestDocument{TabletID: tabletID, ID: id, Ts: live.ts}}
	if data := tx.Bucket(bucketDocuments).Get(documentKey(tabletID, id, live.ts)); data != nil {
		if doc, err := decodeDocEntry(documentKey(tabletID, id, live.ts), data); err == nil {
			entry.Doc.Value = doc.Value
			entry.Doc.PrevTs = doc.PrevTs
		}
	}
	if len(live.prefix) >= types.MaxIndexKeyPrefixLen {
		// Maximal-length prefix: storage orders the group by sha256, not by
		// suffix. Hold until a distinct prefix arrives, then re-sort.
		if s.pendingKey != nil && !bytes.Equal(s.pendingKey, live.prefix) {
			s.flushPending()
		}
		s.pendingKey = append(s.pendingKey[:0], live.prefix...)
		s.pending = append(s.pending, entry)
		return
	}
	s.flushPending()
	s.out = append(s.out, entry)
}

func (s *IndexStream) flushPending() {
	if len(s.pending) == 0 {
		return
	}
	asc := s.order == Ascending
	sort.Slice(s.pending, func(i, j int) bool {
		if asc {
			return bytes.Compare(s.pending[i].Key, s.pending[j].Key) < 0
		}
		return bytes.Compare(s.pending[i].Key, s.pending[j].Key) > 0
	})
	s.out = append(s.out, s.pending...)
	s.pending = nil
	s.pendingKey = nil
}

func (s *IndexStream) seek(c *bolt.Cursor) ([]byte, []byte) {
	if s.cursor == nil {
		if s.order == Ascending {
			return c.Seek(s.lo)
		}
		if s.hi == nil {
			return c.Last()
		}
		k, _ := c.Seek(s.hi)
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	k, v := c.Seek(s.cursor)
	if s.order == Ascending {
		if k != nil && bytes.Equal(k, s.cursor) {
			return c.Next()
		}
		return k, v
	}
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

func (s *IndexStream) stepCursor(c *bolt.Cursor) ([]byte, []byte) {
	if s.order == Ascending {
		return c.Next()
	}
	return c.Prev()
}

func (s *IndexStream) inBounds(k []byte) bool {
	if s.order == Ascending {
		return s.hi == nil || bytes.Compare(k, s.hi) < 0
	}
	return bytes.Compare(k, s.lo) >= 0
}

func unmarshalIndexRecord(v []byte, rec *indexRecord) error {
	return json.Unmarshal(v, rec)
}
