package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a Value. Kinds are listed in their canonical sort
// order, except that Int and Double share the numeric class and compare
// by numeric value.
type Kind uint8

const (
	KindMinKey Kind = iota
	KindNull
	KindInt
	KindDouble
	KindString
	KindBool
	KindMaxKey
)

func (k Kind) String() string {
	switch k {
	case KindMinKey:
		return "minKey"
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindMaxKey:
		return "maxKey"
	}
	return "unknown"
}

// Value is a single logical field value of an index key.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

func Int(v int64) Value      { return Value{kind: KindInt, i: v} }
func Double(v float64) Value { return Value{kind: KindDouble, f: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Null() Value            { return Value{kind: KindNull} }
func MinKey() Value          { return Value{kind: KindMinKey} }
func MaxKey() Value          { return Value{kind: KindMaxKey} }

func (v Value) Kind() Kind { return v.kind }

// IsNumber reports whether v belongs to the numeric class.
func (v Value) IsNumber() bool {
	return v.kind == KindInt || v.kind == KindDouble
}

func (v Value) AsInt() int64 {
	if v.kind == KindDouble {
		return int64(v.f)
	}
	return v.i
}

func (v Value) AsDouble() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) AsString() string { return v.s }
func (v Value) AsBool() bool     { return v.b }

// canonicalType maps kinds to their sort class.
func (v Value) canonicalType() int {
	switch v.kind {
	case KindMinKey:
		return 0
	case KindNull:
		return 5
	case KindInt, KindDouble:
		return 10
	case KindString:
		return 15
	case KindBool:
		return 40
	case KindMaxKey:
		return 100
	}
	return 200
}

// Compare returns -1, 0, or 1 if v is less than, equal to, or greater than
// other. Values of different classes compare by class.
func (v Value) Compare(other Value) int {
	ct, ot := v.canonicalType(), other.canonicalType()
	if ct != ot {
		return cmp3(ct, ot)
	}
	switch v.kind {
	case KindMinKey, KindMaxKey, KindNull:
		return 0
	case KindString:
		return strings.Compare(v.s, other.s)
	case KindBool:
		if v.b == other.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	}
	return compareNumbers(v, other)
}

// Equals reports whether v and other compare equal.
func (v Value) Equals(other Value) bool {
	return v.Compare(other) == 0
}

func compareNumbers(a, b Value) int {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return cmp3(a.i, b.i)
	case a.kind == KindDouble && b.kind == KindDouble:
		return compareDoubles(a.f, b.f)
	case a.kind == KindInt:
		return compareIntDouble(a.i, b.f)
	default:
		return -compareIntDouble(b.i, a.f)
	}
}

// compareDoubles orders NaN before every other number.
func compareDoubles(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	case math.IsNaN(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareIntDouble(i int64, f float64) int {
	if math.IsNaN(f) {
		return 1
	}
	if f >= math.Exp2(63) {
		return -1
	}
	if f < -math.Exp2(63) {
		return 1
	}
	whole := math.Trunc(f)
	if c := cmp3(i, int64(whole)); c != 0 {
		return c
	}
	frac := f - whole
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	}
	return 0
}

func cmp3[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// String renders v the way it appears in key dumps and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindMinKey:
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	case KindNull:
		return "null"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return fmt.Sprintf("<kind %d>", v.kind)
}
