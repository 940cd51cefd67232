package types

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// IndexID identifies a secondary index.
type IndexID [16]byte

// NewIndexID returns a random index id.
func NewIndexID() IndexID {
	return IndexID(uuid.New())
}

func (id IndexID) String() string {
	return TabletID(id).String()
}

func (id IndexID) IsZero() bool {
	return id == IndexID{}
}

// System index names. by_id is present on every tablet, by_creation_time on
// every tablet except the _index system tablet.
const (
	IndexByID           = "by_id"
	IndexByCreationTime = "by_creation_time"
)

// IndexPhase is the lifecycle phase of an index.
type IndexPhase string

const (
	IndexBackfilling IndexPhase = "backfilling"
	IndexEnabled     IndexPhase = "enabled"
	IndexDisabled    IndexPhase = "disabled"
)

// IndexState is the index lifecycle state. RetentionStarted is only
// meaningful while backfilling: until it is set, the retention index deleter
// skips the index entirely.
type IndexState struct {
	Phase            IndexPhase `json:"phase"`
	RetentionStarted bool       `json:"retention_started,omitempty"`
}

// IndexMetadata describes one index over one tablet.
type IndexMetadata struct {
	ID       IndexID    `json:"id"`
	TabletID TabletID   `json:"tablet_id"`
	Name     string     `json:"name"`
	Fields   []string   `json:"fields"`
	State    IndexState `json:"state"`
}

// Enabled reports whether reads may use the index.
func (m IndexMetadata) Enabled() bool {
	return m.State.Phase == IndexEnabled
}

// MaxIndexKeyPrefixLen is the split point for stored index keys. Keys longer
// than this store the first MaxIndexKeyPrefixLen bytes as the prefix, the
// rest as the suffix, with sha256 of the full key as the storage tiebreak.
const MaxIndexKeyPrefixLen = 256

// IndexKey is the order-preserving encoded form of an index key. Keys
// compare bytewise.
type IndexKey []byte

func (k IndexKey) Clone() IndexKey {
	return append(IndexKey(nil), k...)
}

// Equal compares two keys bytewise.
func (k IndexKey) Equal(other IndexKey) bool {
	return bytes.Equal(k, other)
}

// Split divides a key into its stored prefix and suffix parts. The suffix is
// nil for keys at or under the prefix length.
func (k IndexKey) Split() (prefix, suffix []byte, sum [32]byte) {
	sum = sha256.Sum256(k)
	if len(k) <= MaxIndexKeyPrefixLen {
		return k, nil, sum
	}
	return k[:MaxIndexKeyPrefixLen], k[MaxIndexKeyPrefixLen:], sum
}

// JoinIndexKey reassembles a full key from its stored parts.
func JoinIndexKey(prefix, suffix []byte) IndexKey {
	if len(suffix) == 0 {
		return IndexKey(prefix)
	}
	k := make(IndexKey, 0, len(prefix)+len(suffix))
	k = append(k, prefix...)
	k = append(k, suffix...)
	return k
}

// Interval is a half-open key range [Start, End). A nil End is unbounded.
type Interval struct {
	Start IndexKey
	End   IndexKey
}

// FullInterval covers every key of an index.
func FullInterval() Interval {
	return Interval{Start: nil, End: nil}
}

// Contains reports whether key falls inside the interval.
func (iv Interval) Contains(key IndexKey) bool {
	if bytes.Compare(key, iv.Start) < 0 {
		return false
	}
	return iv.End == nil || bytes.Compare(key, iv.End) < 0
}

// Overlaps reports whether two intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	if iv.End != nil && bytes.Compare(iv.End, other.Start) <= 0 {
		return false
	}
	if other.End != nil && bytes.Compare(other.End, iv.Start) <= 0 {
		return false
	}
	return true
}

func (iv Interval) String() string {
	end := "∞"
	if iv.End != nil {
		end = fmt.Sprintf("%x", []byte(iv.End))
	}
	return fmt.Sprintf("[%x, %s)", []byte(iv.Start), end)
}

// IndexEntry is one stored index row.
type IndexEntry struct {
	IndexID   IndexID
	KeyPrefix []byte
	KeySuffix []byte
	KeySHA256 [32]byte
	Ts        Timestamp
	Deleted   bool
	TabletID  TabletID
	ID        InternalID
}

// Key reassembles the full index key of the entry.
func (e IndexEntry) Key() IndexKey {
	return JoinIndexKey(e.KeyPrefix, e.KeySuffix)
}

// IndexUpdate is the in-memory form of an index write carried through the
// commit path and the write log.
type IndexUpdate struct {
	IndexID IndexID
	Key     IndexKey
	Deleted bool
}

// IndexEntryKey names a stored index row for physical deletion.
type IndexEntryKey struct {
	IndexID IndexID
	Key     IndexKey
	Ts      Timestamp
	Deleted bool
}

// DocumentRevisionKey names a stored document revision for physical deletion.
type DocumentRevisionKey struct {
	TabletID TabletID
	ID       InternalID
	Ts       Timestamp
}
