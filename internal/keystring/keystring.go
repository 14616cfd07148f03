// Package keystring encodes index keys into byte strings whose bytewise
// order matches the logical order of the keys under an Ordering.
//
// Layout of an encoded key:
//
//	field* [discriminator] end [rid]
//
// Each field is a type tag followed by its content; descending fields have
// every byte inverted. A discriminator (less/greater) is only written into
// query boundaries, never into stored keys, so a boundary can never equal
// a stored key. Keys of standard indexes carry the RID after the end byte.
package keystring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

var ErrInvalidEncoding = errors.New("keystring: invalid encoding")

// Discriminator places a boundary key relative to stored keys that share
// its field prefix.
type Discriminator uint8

const (
	Inclusive Discriminator = iota
	ExclusiveBefore
	ExclusiveAfter
)

func (d Discriminator) String() string {
	switch d {
	case ExclusiveBefore:
		return "exclusiveBefore"
	case ExclusiveAfter:
		return "exclusiveAfter"
	}
	return "inclusive"
}

const (
	byteLess    byte = 0x01
	byteEnd     byte = 0x04
	byteGreater byte = 0xFE

	tagMinKey byte = 0x0A
	tagNull   byte = 0x14
	tagNumber byte = 0x1E
	tagString byte = 0x3C
	tagBool   byte = 0x64
	tagMaxKey byte = 0xF0

	ridSize    = 8
	numberSize = 10
)

// exactFloatLimit is the magnitude below which every int64 converts to a
// float64 exactly.
const exactFloatLimit = 1 << 53

// KeyString is an encoded key together with the type bits needed to
// decode it back into values.
type KeyString struct {
	buf      []byte
	typeBits TypeBits
}

// New encodes values as a stored key without a RID.
func New(values []value.Value, ord Ordering) *KeyString {
	ks := &KeyString{}
	ks.ResetToKey(values, ord, Inclusive)
	return ks
}

// NewBoundary encodes values as a query boundary with the given discriminator.
func NewBoundary(values []value.Value, ord Ordering, disc Discriminator) *KeyString {
	ks := &KeyString{}
	ks.ResetToKey(values, ord, disc)
	return ks
}

// NewWithRID encodes values followed by rid, the stored key format of a
// standard index.
func NewWithRID(values []value.Value, ord Ordering, rid record.RID) *KeyString {
	ks := &KeyString{}
	ks.ResetToKeyWithRID(values, ord, rid)
	return ks
}

func (ks *KeyString) ResetToKey(values []value.Value, ord Ordering, disc Discriminator) {
	ks.reset()
	for i, v := range values {
		ks.appendValue(v, ord.IsDescending(i))
	}
	switch disc {
	case ExclusiveBefore:
		ks.buf = append(ks.buf, byteLess)
	case ExclusiveAfter:
		ks.buf = append(ks.buf, byteGreater)
	}
	ks.buf = append(ks.buf, byteEnd)
}

func (ks *KeyString) ResetToKeyWithRID(values []value.Value, ord Ordering, rid record.RID) {
	ks.ResetToKey(values, ord, Inclusive)
	ks.buf = AppendRID(ks.buf, rid)
}

func (ks *KeyString) ResetFromBuffer(b []byte) {
	ks.buf = append(ks.buf[:0], b...)
	ks.typeBits = TypeBits{}
}

func (ks *KeyString) reset() {
	ks.buf = ks.buf[:0]
	ks.typeBits = TypeBits{}
}

func (ks *KeyString) Bytes() []byte     { return ks.buf }
func (ks *KeyString) Size() int         { return len(ks.buf) }
func (ks *KeyString) IsEmpty() bool     { return len(ks.buf) == 0 }
func (ks *KeyString) TypeBits() TypeBits { return ks.typeBits }

// Compare orders two encoded keys bytewise.
func (ks *KeyString) Compare(other *KeyString) int {
	return bytes.Compare(ks.buf, other.buf)
}

func (ks *KeyString) appendValue(v value.Value, invert bool) {
	start := len(ks.buf)
	switch v.Kind() {
	case value.KindMinKey:
		ks.buf = append(ks.buf, tagMinKey)
	case value.KindNull:
		ks.buf = append(ks.buf, tagNull)
	case value.KindMaxKey:
		ks.buf = append(ks.buf, tagMaxKey)
	case value.KindBool:
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		ks.buf = append(ks.buf, tagBool, b)
	case value.KindString:
		ks.buf = append(ks.buf, tagString)
		s := v.AsString()
		for i := 0; i < len(s); i++ {
			ks.buf = append(ks.buf, s[i])
			if s[i] == 0x00 {
				ks.buf = append(ks.buf, 0xFF)
			}
		}
		ks.buf = append(ks.buf, 0x00)
	case value.KindInt, value.KindDouble:
		ks.buf = append(ks.buf, tagNumber)
		ks.buf = appendNumber(ks.buf, v)
		ks.typeBits.appendBit(v.Kind() == value.KindDouble)
	}
	if invert {
		for i := start; i < len(ks.buf); i++ {
			ks.buf[i] = ^ks.buf[i]
		}
	}
}

// appendNumber writes an order-preserving float64 key followed by a signed
// 16-bit residual holding the exact distance of an int64 from that float.
func appendNumber(buf []byte, v value.Value) []byte {
	var f float64
	var residual int64
	if v.Kind() == value.KindInt {
		i := v.AsInt()
		f = float64(i)
		if i > exactFloatLimit || i < -exactFloatLimit {
			exact, _ := new(big.Float).SetFloat64(f).Int(nil)
			residual = new(big.Int).Sub(big.NewInt(i), exact).Int64()
		}
	} else {
		f = v.AsDouble()
	}
	buf = binary.BigEndian.AppendUint64(buf, floatKey(f))
	return binary.BigEndian.AppendUint16(buf, uint16(int16(residual))^0x8000)
}

func floatKey(f float64) uint64 {
	if math.IsNaN(f) {
		return 0
	}
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

func floatFromKey(k uint64) float64 {
	if k == 0 {
		return math.NaN()
	}
	if k&(1<<63) != 0 {
		return math.Float64frombits(k &^ (1 << 63))
	}
	return math.Float64frombits(^k)
}

// AppendRID appends rid in its order-preserving 8-byte form.
func AppendRID(dst []byte, rid record.RID) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(rid.Repr())^(1<<63))
}

// AppendTypeBits appends the serialized form of tb.
func AppendTypeBits(dst []byte, tb TypeBits) []byte {
	return append(dst, tb.Bytes()...)
}

// DecodeRID reads one RID from r.
func DecodeRID(r *Reader) (record.RID, error) {
	raw, err := r.ReadN(ridSize)
	if err != nil {
		return record.NullRID, err
	}
	return record.NewRID(int64(binary.BigEndian.Uint64(raw) ^ (1 << 63))), nil
}

// DecodeRIDAtEnd reads the RID stored in the last bytes of a standard
// index key.
func DecodeRIDAtEnd(buf []byte) (record.RID, error) {
	if len(buf) < ridSize+1 {
		return record.NullRID, fmt.Errorf("%w: key of %d bytes has no record id", ErrInvalidEncoding, len(buf))
	}
	return DecodeRID(NewReader(buf[len(buf)-ridSize:]))
}

// ToKey decodes the fields of an encoded key into an unnamed value.Key,
// using tb to restore numeric types. Decoding stops at the end byte or a
// discriminator.
func ToKey(buf []byte, ord Ordering, tb TypeBits) (value.Key, error) {
	r := NewReader(buf)
	bits := &typeBitsReader{tb: tb}
	var out value.Key
	for i := 0; ; i++ {
		b, ok := r.peek()
		if !ok {
			return nil, fmt.Errorf("%w: missing end byte", ErrInvalidEncoding)
		}
		if b == byteEnd || b == byteLess || b == byteGreater {
			return out, nil
		}
		var mask byte
		if ord.IsDescending(i) {
			mask = 0xFF
		}
		v, err := readValue(r, mask, bits)
		if err != nil {
			return nil, err
		}
		out = append(out, value.Field{Value: v})
	}
}

func readValue(r *Reader, mask byte, bits *typeBitsReader) (value.Value, error) {
	raw, err := r.ReadByte()
	if err != nil {
		return value.Value{}, err
	}
	switch tag := raw ^ mask; tag {
	case tagMinKey:
		return value.MinKey(), nil
	case tagNull:
		return value.Null(), nil
	case tagMaxKey:
		return value.MaxKey(), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b^mask == 1), nil
	case tagString:
		var s []byte
		for {
			c, err := r.ReadByte()
			if err != nil {
				return value.Value{}, err
			}
			c ^= mask
			if c != 0x00 {
				s = append(s, c)
				continue
			}
			next, ok := r.peek()
			if ok && next^mask == 0xFF {
				_, _ = r.ReadByte()
				s = append(s, 0x00)
				continue
			}
			return value.String(string(s)), nil
		}
	case tagNumber:
		raw, err := r.ReadN(numberSize)
		if err != nil {
			return value.Value{}, err
		}
		var num [numberSize]byte
		for i := range raw {
			num[i] = raw[i] ^ mask
		}
		f := floatFromKey(binary.BigEndian.Uint64(num[:8]))
		residual := int64(int16(binary.BigEndian.Uint16(num[8:]) ^ 0x8000))
		if bits.next() {
			return value.Double(f), nil
		}
		if residual == 0 && math.Abs(f) <= exactFloatLimit {
			return value.Int(int64(f)), nil
		}
		exact, _ := new(big.Float).SetFloat64(f).Int(nil)
		return value.Int(exact.Add(exact, big.NewInt(residual)).Int64()), nil
	default:
		return value.Value{}, fmt.Errorf("%w: unknown type tag 0x%02x", ErrInvalidEncoding, tag)
	}
}
