package keystring

import "github.com/yashagw/craneidx/internal/value"

// MaxFields is the number of key fields an Ordering can describe.
const MaxFields = 32

// Ordering records, per key field, whether the field sorts descending.
// Bit i set means field i is descending.
type Ordering uint32

// AllAscending is the ordering of a key pattern with no descending fields.
const AllAscending Ordering = 0

// MakeOrdering derives an Ordering from a key pattern such as {a: 1, b: -1}.
// A field is descending when its pattern value is a negative number.
// Fields past MaxFields are ignored; index options reject such patterns.
func MakeOrdering(pattern value.Key) Ordering {
	var o Ordering
	for i, f := range pattern {
		if i >= MaxFields {
			break
		}
		if f.Value.IsNumber() && f.Value.AsDouble() < 0 {
			o |= 1 << uint(i)
		}
	}
	return o
}

// Get returns 1 for an ascending field and -1 for a descending one.
func (o Ordering) Get(i int) int {
	if o.IsDescending(i) {
		return -1
	}
	return 1
}

func (o Ordering) IsDescending(i int) bool {
	if i < 0 || i >= MaxFields {
		return false
	}
	return o&(1<<uint(i)) != 0
}
