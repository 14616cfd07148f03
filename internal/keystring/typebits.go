package keystring

import "fmt"

// TypeBits preserves the type information the order-preserving encoding
// drops. One bit is recorded per numeric field: 0 for int, 1 for double.
// The zero value is the all-default (all ints, or no numeric fields).
type TypeBits struct {
	bits  []byte
	count int
}

func (tb *TypeBits) appendBit(set bool) {
	if tb.count%8 == 0 {
		tb.bits = append(tb.bits, 0)
	}
	if set {
		tb.bits[tb.count/8] |= 1 << uint(tb.count%8)
	}
	tb.count++
}

// IsAllZeros reports whether every recorded bit is the default.
func (tb TypeBits) IsAllZeros() bool {
	for _, b := range tb.bits {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the self-delimiting serialized form: a length byte
// followed by that many bit bytes. The all-default form is a single 0x00.
func (tb TypeBits) Bytes() []byte {
	trimmed := tb.bits
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}
	out := make([]byte, 0, 1+len(trimmed))
	out = append(out, byte(len(trimmed)))
	return append(out, trimmed...)
}

// Equal compares the logical bits of two TypeBits.
func (tb TypeBits) Equal(other TypeBits) bool {
	a, b := tb.Bytes(), other.Bytes()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReadTypeBits reads a serialized TypeBits from r. An exhausted reader
// yields the all-default TypeBits, which is how omitted type bits decode.
func ReadTypeBits(r *Reader) (TypeBits, error) {
	if r.AtEOF() {
		return TypeBits{}, nil
	}
	n, err := r.ReadByte()
	if err != nil {
		return TypeBits{}, err
	}
	if n > MaxFields/8+1 {
		return TypeBits{}, fmt.Errorf("%w: type bits length %d", ErrInvalidEncoding, n)
	}
	raw, err := r.ReadN(int(n))
	if err != nil {
		return TypeBits{}, err
	}
	bits := make([]byte, len(raw))
	copy(bits, raw)
	return TypeBits{bits: bits, count: len(bits) * 8}, nil
}

// typeBitsReader hands out bits in the order they were appended. Bits past
// the stored ones read as the default.
type typeBitsReader struct {
	tb  TypeBits
	pos int
}

func (r *typeBitsReader) next() bool {
	i := r.pos
	r.pos++
	if i/8 >= len(r.tb.bits) {
		return false
	}
	return r.tb.bits[i/8]&(1<<uint(i%8)) != 0
}
