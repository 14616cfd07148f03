package keystring

import "github.com/yashagw/craneidx/internal/record"

// RecordEntry is one (RID, type bits) member of a unique index value.
type RecordEntry struct {
	RID      record.RID
	TypeBits TypeBits
}

// PackRecords encodes the value of a unique index entry. Type bits are
// omitted only when there is exactly one member and its bits are all
// default; every other member carries its type bits explicitly.
func PackRecords(entries []RecordEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = AppendRID(out, e.RID)
		if !(len(entries) == 1 && e.TypeBits.IsAllZeros()) {
			out = AppendTypeBits(out, e.TypeBits)
		}
	}
	return out
}

// UnpackRecords decodes every member of a unique index value.
func UnpackRecords(buf []byte) ([]RecordEntry, error) {
	r := NewReader(buf)
	var out []RecordEntry
	for !r.AtEOF() {
		rid, err := DecodeRID(r)
		if err != nil {
			return nil, err
		}
		tb, err := ReadTypeBits(r)
		if err != nil {
			return nil, err
		}
		out = append(out, RecordEntry{RID: rid, TypeBits: tb})
	}
	return out, nil
}
