package transaction

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// IDGenerator produces internal document ids and creation times for one
// transaction. Creation times derive from max(begin ts, now) and are
// strictly monotonic within the transaction so by_creation_time keys never
// collide.
type IDGenerator struct {
	beginTs          types.Timestamp
	lastCreationTime float64
}

// NewIDGenerator seeds the generator at the transaction's begin timestamp.
func NewIDGenerator(beginTs types.Timestamp) *IDGenerator {
	return &IDGenerator{beginTs: beginTs}
}

// NewInternalID returns a fresh random internal id.
func (g *IDGenerator) NewInternalID() types.InternalID {
	return types.NewInternalID()
}

// NextCreationTime returns the next creation time in epoch milliseconds.
func (g *IDGenerator) NextCreationTime() float64 {
	now := types.TimestampFromTime(time.Now())
	base := g.beginTs
	if now > base {
		base = now
	}
	ct := float64(base.Time().UnixMilli())
	if ct <= g.lastCreationTime {
		ct = g.lastCreationTime + 1
	}
	g.lastCreationTime = ct
	return ct
}
