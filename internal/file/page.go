package file

import (
	"encoding/binary"
	"fmt"
)

// pageHeaderSize holds the entry count.
const pageHeaderSize = 4

// Page is the in-memory form of a block: a count followed by
// length-prefixed key/value entries.
//
//	[count u32] ([klen u32][key][vlen u32][val])*
type Page struct {
	bytes []byte
	limit int
}

// NewPage creates an empty page that holds up to limit bytes.
func NewPage(limit int) *Page {
	p := &Page{
		bytes: make([]byte, pageHeaderSize, min(limit, 64*1024)),
		limit: limit,
	}
	return p
}

// NewPageFromBytes wraps a decoded block.
func NewPageFromBytes(b []byte) *Page {
	return &Page{
		bytes: b,
		limit: len(b),
	}
}

// Bytes returns the underlying byte array
func (p *Page) Bytes() []byte {
	return p.bytes
}

// Size returns the encoded size of the page.
func (p *Page) Size() int {
	return len(p.bytes)
}

// GetInt reads an integer from the specified offset
func (p *Page) GetInt(offset int) int {
	return int(binary.BigEndian.Uint32(p.bytes[offset : offset+4]))
}

// SetInt writes an integer at the specified offset
func (p *Page) SetInt(offset int, val int) {
	binary.BigEndian.PutUint32(p.bytes[offset:offset+4], uint32(val))
}

// GetBytesArray reads a byte array from the specified offset.
// The format is:
//   - First 4 bytes: length of the array
//   - Next N bytes: the actual array data
func (p *Page) GetBytesArray(offset int) ([]byte, error) {
	if offset+4 > len(p.bytes) {
		return nil, fmt.Errorf("%w: length at offset %d", ErrShortBlock, offset)
	}
	length := p.GetInt(offset)
	if length < 0 || offset+4+length > len(p.bytes) {
		return nil, fmt.Errorf("%w: %d bytes at offset %d", ErrShortBlock, length, offset)
	}
	return p.bytes[offset+4 : offset+4+length], nil
}

// Count returns the number of entries in the page.
func (p *Page) Count() int {
	if len(p.bytes) < pageHeaderSize {
		return 0
	}
	return p.GetInt(0)
}

// Fits reports whether an entry of the given sizes can be appended. An
// empty page always accepts one entry so oversized entries still land.
func (p *Page) Fits(key, val []byte) bool {
	if p.Count() == 0 {
		return true
	}
	return len(p.bytes)+8+len(key)+len(val) <= p.limit
}

// Append adds an entry to the page.
func (p *Page) Append(key, val []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(key)))
	p.bytes = append(p.bytes, n[:]...)
	p.bytes = append(p.bytes, key...)
	binary.BigEndian.PutUint32(n[:], uint32(len(val)))
	p.bytes = append(p.bytes, n[:]...)
	p.bytes = append(p.bytes, val...)
	p.SetInt(0, p.Count()+1)
}

// Reset empties the page for reuse.
func (p *Page) Reset() {
	p.bytes = p.bytes[:pageHeaderSize]
	p.SetInt(0, 0)
}

// Entries calls fn for each entry in order. The slices alias the page.
func (p *Page) Entries(fn func(key, val []byte) error) error {
	if len(p.bytes) < pageHeaderSize {
		return fmt.Errorf("%w: page header", ErrShortBlock)
	}
	off := pageHeaderSize
	for i, n := 0, p.Count(); i < n; i++ {
		key, err := p.GetBytesArray(off)
		if err != nil {
			return err
		}
		off += 4 + len(key)
		val, err := p.GetBytesArray(off)
		if err != nil {
			return err
		}
		off += 4 + len(val)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}
