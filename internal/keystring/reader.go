package keystring

import "fmt"

// Reader consumes an encoded buffer front to back.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) AtEOF() bool {
	return r.pos >= len(r.buf)
}

func (r *Reader) ReadByte() (byte, error) {
	if r.AtEOF() {
		return 0, fmt.Errorf("%w: unexpected end of buffer", ErrInvalidEncoding)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) peek() (byte, bool) {
	if r.AtEOF() {
		return 0, false
	}
	return r.buf[r.pos], true
}

// ReadN returns the next n bytes without copying.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidEncoding, n, r.Remaining())
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}
