package index

import (
	"errors"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

// RequestedInfo says which parts of an entry the caller needs.
type RequestedInfo uint8

const (
	JustExistence RequestedInfo = 0
	WantKey       RequestedInfo = 1 << 0
	WantRID       RequestedInfo = 1 << 1
	KeyAndRID                   = WantKey | WantRID
)

// Entry is one logical index entry. Key is only filled in when WantKey
// was requested; its fields are unnamed.
type Entry struct {
	Key value.Key
	RID record.RID
}

// Cursor iterates over index entries in one direction. A cursor is used
// by one goroutine at a time. Methods returning *Entry return nil once the
// scan is exhausted or has passed the end position.
type Cursor interface {
	// Next advances and returns the new current entry.
	Next(parts RequestedInfo) (*Entry, error)
	// Seek positions on the first entry at or after key in scan direction,
	// or strictly after it when inclusive is false.
	Seek(key value.Key, inclusive bool, parts RequestedInfo) (*Entry, error)
	// SeekPoint positions using a per-field seek specification.
	SeekPoint(sp SeekPoint, parts RequestedInfo) (*Entry, error)
	// SeekExact returns the entry whose key equals key, if any.
	SeekExact(key value.Key, parts RequestedInfo) (*Entry, error)
	// SetEndPosition bounds the scan. An empty key removes the bound.
	SetEndPosition(key value.Key, inclusive bool)

	// SavePositioned releases the store cursor's position while keeping
	// the logical position for Restore.
	SavePositioned()
	// SaveUnpositioned is SavePositioned that also ends the scan.
	SaveUnpositioned()
	// Restore re-establishes the saved position in the session's current
	// transaction.
	Restore() error
	// Detach drops the store cursor and session.
	Detach()
	// Reattach binds the cursor to sess. Restore must follow.
	Reattach(sess *kv.Session)

	Close() error
}

// locDecoder fills in the record id and type bits of the current entry.
type locDecoder interface {
	updateLocAndTypeBits() error
}

// cursorBase holds the position and bookkeeping shared by standard and
// unique cursors.
type cursorBase struct {
	idx     *Index
	sess    *kv.Session
	c       *kv.Cursor
	forward bool
	decoder locDecoder

	// Current position. Unchanged by a failing Next.
	key      keystring.KeyString
	typeBits keystring.TypeBits
	rid      record.RID
	eof      bool

	// Result of the most recent reposition of c, unlike eof which also
	// covers the end position.
	cursorAtEOF bool

	// Next returns the current entry without moving when set. Cleared by
	// every move other than save/restore pairs.
	lastMoveWasRestore bool

	query       keystring.KeyString
	endPosition *keystring.KeyString
}

func newCursorBase(idx *Index, sess *kv.Session, forward bool) (*cursorBase, error) {
	c, err := idx.openCursor(sess)
	if err != nil {
		return nil, err
	}
	return &cursorBase{
		idx:     idx,
		sess:    sess,
		c:       c,
		forward: forward,
	}, nil
}

func (b *cursorBase) Next(parts RequestedInfo) (*Entry, error) {
	// Advancing a cursor at the end is a no-op.
	if b.eof {
		return nil, nil
	}
	if b.c == nil {
		return nil, ErrCursorDetached
	}
	if !b.lastMoveWasRestore {
		if err := b.advance(); err != nil {
			return nil, err
		}
	}
	if err := b.updatePosition(); err != nil {
		return nil, err
	}
	return b.curr(parts)
}

func (b *cursorBase) SetEndPosition(key value.Key, inclusive bool) {
	if key.IsEmpty() {
		b.endPosition = nil
		return
	}
	// A forward scan ends after the key when inclusive and before it
	// otherwise, the reverse of seek.
	disc := keystring.ExclusiveBefore
	if b.forward == inclusive {
		disc = keystring.ExclusiveAfter
	}
	b.endPosition = keystring.NewBoundary(key.Values(), b.idx.ordering, disc)
}

func (b *cursorBase) Seek(key value.Key, inclusive bool, parts RequestedInfo) (*Entry, error) {
	disc := keystring.ExclusiveAfter
	if b.forward == inclusive {
		disc = keystring.ExclusiveBefore
	}
	// Boundary keys share the field prefix of both unique and standard
	// stored keys, so one form serves both.
	b.query.ResetToKey(key.StripFieldNames().Values(), b.idx.ordering, disc)
	return b.seekQuery(parts)
}

func (b *cursorBase) SeekPoint(sp SeekPoint, parts RequestedInfo) (*Entry, error) {
	values, disc, err := sp.queryKey(b.forward)
	if err != nil {
		return nil, err
	}
	b.query.ResetToKey(values, b.idx.ordering, disc)
	return b.seekQuery(parts)
}

func (b *cursorBase) seekQuery(parts RequestedInfo) (*Entry, error) {
	if b.c == nil {
		return nil, ErrCursorDetached
	}
	if _, err := b.seekKV(&b.query); err != nil {
		return nil, err
	}
	if err := b.updatePosition(); err != nil {
		return nil, err
	}
	return b.curr(parts)
}

// SeekExact is an inclusive seek that only accepts an entry whose key
// equals key.
func (b *cursorBase) SeekExact(key value.Key, parts RequestedInfo) (*Entry, error) {
	values := key.StripFieldNames().Values()
	e, err := b.Seek(key, true, parts|WantRID)
	if err != nil || e == nil {
		return nil, err
	}
	want := keystring.NewWithRID(values, b.idx.ordering, e.RID)
	if b.key.Compare(want) != 0 {
		return nil, nil
	}
	return e, nil
}

func (b *cursorBase) SavePositioned() {
	if b.c == nil {
		return
	}
	if err := b.c.Reset(); err != nil {
		// The transaction is about to be discarded.
		b.idx.logger.Debug("ignoring cursor reset error on save", "err", err)
	}
}

func (b *cursorBase) SaveUnpositioned() {
	b.SavePositioned()
	b.eof = true
}

func (b *cursorBase) Restore() error {
	if b.sess == nil {
		return ErrCursorDetached
	}
	if b.c == nil {
		c, err := b.idx.openCursor(b.sess)
		if err != nil {
			return err
		}
		b.c = c
	}
	// A cursor that never moved has no key to return to; the next Next
	// starts from the first entry in scan direction.
	if !b.eof && !b.key.IsEmpty() {
		exact, err := b.seekKV(&b.key)
		if err != nil {
			return err
		}
		b.lastMoveWasRestore = !exact
	}
	return nil
}

func (b *cursorBase) Detach() {
	if b.c != nil {
		_ = b.c.Close()
	}
	b.c = nil
	b.sess = nil
}

// Reattach binds the cursor to sess. The store cursor is recreated by
// Restore.
func (b *cursorBase) Reattach(sess *kv.Session) {
	b.sess = sess
}

func (b *cursorBase) Close() error {
	if b.c == nil {
		return nil
	}
	err := b.c.Close()
	b.c = nil
	return err
}

// curr returns the current entry, decoding the key only when asked to.
func (b *cursorBase) curr(parts RequestedInfo) (*Entry, error) {
	if b.eof {
		return nil, nil
	}
	e := &Entry{RID: b.rid}
	if parts&WantKey != 0 {
		key, err := keystring.ToKey(b.key.Bytes(), b.idx.ordering, b.typeBits)
		if err != nil {
			return nil, fatal(0, "decode index key", err)
		}
		e.Key = key
	}
	return e, nil
}

func (b *cursorBase) atOrPastEndPointAfterSeeking() bool {
	if b.eof {
		return true
	}
	if b.endPosition == nil {
		return false
	}
	// The end position sits between the last in-range key and the first
	// out-of-range one and never equals a stored key.
	cmp := b.key.Compare(b.endPosition)
	if b.forward {
		return cmp > 0
	}
	return cmp < 0
}

func (b *cursorBase) advance() error {
	var err error
	if b.forward {
		err = b.c.Next()
	} else {
		err = b.c.Prev()
	}
	if errors.Is(err, kv.ErrNotFound) {
		b.cursorAtEOF = true
		return nil
	}
	if err != nil {
		return storeErr("advance", err)
	}
	b.cursorAtEOF = false
	return nil
}

// seekKV positions the store cursor on the first key at or past query in
// scan direction. It reports an exact match.
func (b *cursorBase) seekKV(query *keystring.KeyString) (bool, error) {
	b.c.SetKey(query.Bytes())
	cmp, err := b.c.SearchNear()
	if errors.Is(err, kv.ErrNotFound) {
		b.cursorAtEOF = true
		return false, nil
	}
	if err != nil {
		return false, storeErr("search near", err)
	}
	b.cursorAtEOF = false
	if cmp == 0 {
		return true, nil
	}

	// Land on a matching key: after query going forward, before it going
	// backward.
	if (b.forward && cmp < 0) || (!b.forward && cmp > 0) {
		if err := b.advance(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// updatePosition refreshes the cached position after the store cursor
// moved. It is not called after a restore that landed elsewhere; that
// restore does not logically move the cursor until the next Next.
func (b *cursorBase) updatePosition() error {
	b.lastMoveWasRestore = false
	if b.cursorAtEOF {
		b.eof = true
		b.rid = record.NullRID
		return nil
	}
	b.eof = false

	k, err := b.c.Key()
	if err != nil {
		return storeErr("get key", err)
	}
	b.key.ResetFromBuffer(k)

	if b.atOrPastEndPointAfterSeeking() {
		b.eof = true
		return nil
	}
	return b.decoder.updateLocAndTypeBits()
}
