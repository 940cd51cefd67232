package transaction

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// WriteOp is one staged document write. A nil Value is a deletion. Prev is
// the revision the write replaces, if any; its timestamp becomes prev_ts in
// the log and its index keys get tombstoned.
type WriteOp struct {
	TabletID  types.TabletID
	ID        types.InternalID
	Value     types.Object
	PrevTs    types.Timestamp
	PrevValue types.Object
}

type writeKey struct {
	tablet types.TabletID
	id     types.InternalID
}

// WriteSet stages document writes in insertion order. Restaging the same
// document replaces the earlier op but keeps the original predecessor, so a
// transaction that writes a document twice commits a single revision.
type WriteSet struct {
	ops   map[writeKey]int
	order []WriteOp
}

// NewWriteSet returns an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{ops: make(map[writeKey]int)}
}

// Stage adds or replaces a write.
func (w *WriteSet) Stage(op WriteOp) {
	k := writeKey{tablet: op.TabletID, id: op.ID}
	if i, ok := w.ops[k]; ok {
		op.PrevTs = w.order[i].PrevTs
		op.PrevValue = w.order[i].PrevValue
		w.order[i] = op
		return
	}
	w.ops[k] = len(w.order)
	w.order = append(w.order, op)
}

// Get returns the staged write for a document, if any.
func (w *WriteSet) Get(tabletID types.TabletID, id types.InternalID) (WriteOp, bool) {
	i, ok := w.ops[writeKey{tablet: tabletID, id: id}]
	if !ok {
		return WriteOp{}, false
	}
	return w.order[i], true
}

// Ops returns the staged writes in insertion order.
func (w *WriteSet) Ops() []WriteOp {
	return w.order
}

// Len returns the number of staged writes.
func (w *WriteSet) Len() int {
	return len(w.order)
}

// ByTablet returns the staged writes touching one tablet.
func (w *WriteSet) ByTablet(tabletID types.TabletID) []WriteOp {
	var out []WriteOp
	for _, op := range w.order {
		if op.TabletID == tabletID {
			out = append(out, op)
		}
	}
	return out
}

func (w *WriteSet) String() string {
	return fmt.Sprintf("WriteSet(%d ops)", len(w.order))
}
