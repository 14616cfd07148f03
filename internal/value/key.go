package value

import "strings"

// Field is one named element of a key.
type Field struct {
	Name  string
	Value Value
}

// Key is an ordered tuple of fields. Index keys are compared by value only;
// names are carried for display and are stripped before encoding.
type Key []Field

// NewKey builds an unnamed key from values.
func NewKey(values ...Value) Key {
	k := make(Key, len(values))
	for i, v := range values {
		k[i] = Field{Value: v}
	}
	return k
}

// IsEmpty reports whether the key has no fields.
func (k Key) IsEmpty() bool {
	return len(k) == 0
}

// HasFieldNames reports whether any field carries a name.
func (k Key) HasFieldNames() bool {
	for _, f := range k {
		if f.Name != "" {
			return true
		}
	}
	return false
}

// StripFieldNames returns k with every field name cleared. k itself is
// returned when it has no names.
func (k Key) StripFieldNames() Key {
	if !k.HasFieldNames() {
		return k
	}
	out := make(Key, len(k))
	for i, f := range k {
		out[i] = Field{Value: f.Value}
	}
	return out
}

// Values returns the field values in order.
func (k Key) Values() []Value {
	out := make([]Value, len(k))
	for i, f := range k {
		out[i] = f.Value
	}
	return out
}

// Compare compares two keys field by field; a field's result is negated
// when desc reports that position as descending. A shorter key that is a
// prefix of a longer one sorts first.
func (k Key) Compare(other Key, desc func(i int) bool) int {
	n := min(len(k), len(other))
	for i := 0; i < n; i++ {
		c := k[i].Value.Compare(other[i].Value)
		if c == 0 {
			continue
		}
		if desc != nil && desc(i) {
			return -c
		}
		return c
	}
	return cmp3(len(k), len(other))
}

// String renders k as "{ a: 1, : "x" }".
func (k Key) String() string {
	if len(k) == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteString("{ ")
	for i, f := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value.String())
	}
	sb.WriteString(" }")
	return sb.String()
}
