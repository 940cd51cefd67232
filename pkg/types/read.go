package types

// IndexRead is one recorded index read: the scanned interval of one index.
// The committer checks commits between a transaction's begin and commit
// timestamps against these intervals, and subscription tokens carry them to
// detect invalidation.
type IndexRead struct {
	IndexID  IndexID
	Interval Interval
}

// OverlapsUpdate reports whether an index write falls inside the read.
func (r IndexRead) OverlapsUpdate(u IndexUpdate) bool {
	return r.IndexID == u.IndexID && r.Interval.Contains(u.Key)
}
