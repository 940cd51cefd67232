package types

// NewIndexEntry builds the stored index entry for a document under one
// index. Deleted entries are tombstones written when the old key of a
// document stops being current.
func NewIndexEntry(meta IndexMetadata, key IndexKey, tabletID TabletID, id InternalID, ts Timestamp, deleted bool) IndexEntry {
	prefix, suffix, sum := key.Split()
	return IndexEntry{
		IndexID:   meta.ID,
		KeyPrefix: prefix,
		KeySuffix: suffix,
		KeySHA256: sum,
		Ts:        ts,
		Deleted:   deleted,
		TabletID:  tabletID,
		ID:        id,
	}
}
