package persistence

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Storage key codecs. bbolt orders keys bytewise, so every composite key is
// encoded big-endian and, where a variable-length component is followed by
// more data, escaped so the tuple order survives concatenation.
//
//	documents:     tablet(16) | id(16) | ts(8)
//	documents_log: ts(8) | tablet(16) | id(16)
//	indexes:       index(16) | esc(prefix) 00 00 | sha(32) | ts(8)

const tsLen = 8

func appendTs(buf []byte, ts types.Timestamp) []byte {
	var raw [tsLen]byte
	binary.BigEndian.PutUint64(raw[:], uint64(ts))
	return append(buf, raw[:]...)
}

func decodeTs(b []byte) types.Timestamp {
	return types.Timestamp(binary.BigEndian.Uint64(b))
}

func documentKey(tabletID types.TabletID, id types.InternalID, ts types.Timestamp) []byte {
	buf := make([]byte, 0, 16+16+tsLen)
	buf = append(buf, tabletID[:]...)
	buf = append(buf, id[:]...)
	return appendTs(buf, ts)
}

func documentKeyPrefix(tabletID types.TabletID, id types.InternalID) []byte {
	buf := make([]byte, 0, 16+16)
	buf = append(buf, tabletID[:]...)
	return append(buf, id[:]...)
}

func decodeDocumentKey(key []byte) (tabletID types.TabletID, id types.InternalID, ts types.Timestamp, err error) {
	if len(key) != 16+16+tsLen {
		return tabletID, id, ts, fmt.Errorf("malformed document key of length %d", len(key))
	}
	copy(tabletID[:], key[:16])
	copy(id[:], key[16:32])
	return tabletID, id, decodeTs(key[32:]), nil
}

func logKey(ts types.Timestamp, tabletID types.TabletID, id types.InternalID) []byte {
	buf := make([]byte, 0, tsLen+16+16)
	buf = appendTs(buf, ts)
	buf = append(buf, tabletID[:]...)
	return append(buf, id[:]...)
}

func decodeLogKey(key []byte) (ts types.Timestamp, tabletID types.TabletID, id types.InternalID, err error) {
	if len(key) != tsLen+16+16 {
		return ts, tabletID, id, fmt.Errorf("malformed log key of length %d", len(key))
	}
	ts = decodeTs(key[:tsLen])
	copy(tabletID[:], key[tsLen:tsLen+16])
	copy(id[:], key[tsLen+16:])
	return ts, tabletID, id, nil
}

// appendEscapedPrefix writes the key prefix with 0x00 escaped as 0x00 0xff
// and a 0x00 0x00 terminator, so shorter prefixes sort before longer ones
// that extend them.
func appendEscapedPrefix(buf, prefix []byte) []byte {
	for _, c := range prefix {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xff)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x00)
}

func indexEntryKey(indexID types.IndexID, prefix []byte, sum [32]byte, ts types.Timestamp) []byte {
	buf := make([]byte, 0, 16+len(prefix)+2+32+tsLen)
	buf = append(buf, indexID[:]...)
	buf = appendEscapedPrefix(buf, prefix)
	buf = append(buf, sum[:]...)
	return appendTs(buf, ts)
}

// indexScanBounds maps a full-key interval to loose storage bounds over
// (prefix, sha): the scan starts at the first row of the start key's prefix
// group and the exact interval is enforced on full keys after reassembly.
func indexScanBounds(indexID types.IndexID, interval types.Interval) (lo, hi []byte) {
	startPrefix, _, _ := interval.Start.Split()
	lo = append(lo, indexID[:]...)
	lo = appendEscapedPrefix(lo, startPrefix)
	if interval.End == nil {
		hi = prefixSuccessorBytes(indexID[:])
		return lo, hi
	}
	endPrefix, endSuffix, _ := interval.End.Split()
	hi = append(hi, indexID[:]...)
	hi = appendEscapedPrefix(hi, endPrefix)
	if len(endSuffix) > 0 {
		// The end key splits, so rows sharing its prefix group may still
		// fall inside the interval. Include the whole group.
		hi = prefixSuccessorBytes(hi)
	}
	return lo, hi
}

// prefixSuccessorBytes returns the smallest byte string greater than every
// string with the given prefix, or nil when none exists.
func prefixSuccessorBytes(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := append([]byte(nil), prefix[:i+1]...)
			succ[len(succ)-1]++
			return succ
		}
	}
	return nil
}

// decodeIndexEntryKey splits a stored index key back into its parts.
func decodeIndexEntryKey(key []byte) (indexID types.IndexID, prefix []byte, sum [32]byte, ts types.Timestamp, err error) {
	if len(key) < 16+2+32+tsLen {
		return indexID, nil, sum, ts, fmt.Errorf("malformed index key of length %d", len(key))
	}
	copy(indexID[:], key[:16])
	rest := key[16:]
	// Unescape up to the 0x00 0x00 terminator.
	for i := 0; i < len(rest); i++ {
		if rest[i] != 0x00 {
			prefix = append(prefix, rest[i])
			continue
		}
		if i+1 >= len(rest) {
			return indexID, nil, sum, ts, fmt.Errorf("truncated index key prefix")
		}
		if rest[i+1] == 0xff {
			prefix = append(prefix, 0x00)
			i++
			continue
		}
		rest = rest[i+2:]
		if len(rest) != 32+tsLen {
			return indexID, nil, sum, ts, fmt.Errorf("malformed index key tail of length %d", len(rest))
		}
		copy(sum[:], rest[:32])
		return indexID, prefix, sum, decodeTs(rest[32:]), nil
	}
	return indexID, nil, sum, ts, fmt.Errorf("unterminated index key prefix")
}
