package record

import (
	"math"
	"strconv"
)

// RID identifies a stored document. RIDs are strictly ordered; an index
// entry maps a key back to the document through its RID.
type RID int64

const (
	// NullRID is the zero value and never names a document.
	NullRID RID = 0
	// MinRID and MaxRID are reserved for range bounds.
	MinRID RID = math.MinInt64
	MaxRID RID = math.MaxInt64
)

// NewRID creates a RID from its int64 representation.
func NewRID(repr int64) RID {
	return RID(repr)
}

// Repr returns the int64 representation.
func (r RID) Repr() int64 {
	return int64(r)
}

func (r RID) IsNull() bool {
	return r == NullRID
}

// IsNormal reports whether r can name a real document: positive and not
// one of the reserved bounds.
func (r RID) IsNormal() bool {
	return r > 0 && r != MaxRID
}

// Compare returns -1, 0 or 1.
func (r RID) Compare(other RID) int {
	switch {
	case r < other:
		return -1
	case r > other:
		return 1
	default:
		return 0
	}
}

func (r RID) String() string {
	return "RID(" + strconv.FormatInt(int64(r), 10) + ")"
}
