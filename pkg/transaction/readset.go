package transaction

import (
	"github.com/cuemby/burrow/pkg/types"
)

// ReadSet accumulates the index intervals a transaction has observed. The
// committer validates them against the write log at commit time.
type ReadSet struct {
	reads []types.IndexRead
}

// Record adds one scanned interval.
func (r *ReadSet) Record(read types.IndexRead) {
	r.reads = append(r.reads, read)
}

// RecordPoint records a single-key read as a unit interval.
func (r *ReadSet) RecordPoint(indexID types.IndexID, key types.IndexKey) {
	r.Record(types.IndexRead{
		IndexID:  indexID,
		Interval: types.Interval{Start: key, End: types.PrefixSuccessor(key)},
	})
}

// Reads returns the recorded intervals.
func (r *ReadSet) Reads() []types.IndexRead {
	return r.reads
}

// Merge folds another read set into this one.
func (r *ReadSet) Merge(other []types.IndexRead) {
	r.reads = append(r.reads, other...)
}

// Len returns the number of recorded intervals.
func (r *ReadSet) Len() int {
	return len(r.reads)
}
