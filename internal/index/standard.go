package index

import (
	"errors"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

var (
	_ Cursor      = (*standardCursor)(nil)
	_ BulkBuilder = (*standardBulkBuilder)(nil)
)

// standardWriter stores encode(key, rid) as the physical key and the type
// bits, empty when all default, as the value.
type standardWriter struct {
	idx *Index
}

func typeBitsValue(tb keystring.TypeBits) []byte {
	if tb.IsAllZeros() {
		return nil
	}
	return tb.Bytes()
}

func (w *standardWriter) insert(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error {
	if !dupsAllowed {
		return fatal(0, "insert", errors.New("non-unique index requires dupsAllowed"))
	}
	ks := keystring.NewWithRID(key.Values(), w.idx.ordering, rid)
	c.SetKey(ks.Bytes())
	c.SetValue(typeBitsValue(ks.TypeBits()))

	err := c.Insert()
	// The entry may already be there, for example when a background build
	// races with writers reindexing the same record.
	if errors.Is(err, kv.ErrDuplicateKey) {
		return nil
	}
	return storeErr("insert", err)
}

func (w *standardWriter) unindex(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error {
	if !dupsAllowed {
		return fatal(0, "unindex", errors.New("non-unique index requires dupsAllowed"))
	}
	c.SetKey(keystring.NewWithRID(key.Values(), w.idx.ordering, rid).Bytes())
	err := c.Remove()
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return storeErr("unindex", err)
}

func (w *standardWriter) newCursor(sess *kv.Session, forward bool) (Cursor, error) {
	base, err := newCursorBase(w.idx, sess, forward)
	if err != nil {
		return nil, err
	}
	sc := &standardCursor{cursorBase: base}
	base.decoder = sc
	return sc, nil
}

func (w *standardWriter) newBulkBuilder(sess *kv.Session, dupsAllowed bool) (BulkBuilder, error) {
	if !dupsAllowed {
		return nil, fatal(0, "bulk builder", errors.New("non-unique index requires dupsAllowed"))
	}
	base, err := newBulkBase(w.idx, sess)
	if err != nil {
		return nil, err
	}
	return &standardBulkBuilder{bulkBase: base}, nil
}

type standardCursor struct {
	*cursorBase
}

// updateLocAndTypeBits reads the record id from the key tail and the type
// bits from the value.
func (sc *standardCursor) updateLocAndTypeBits() error {
	rid, err := keystring.DecodeRIDAtEnd(sc.key.Bytes())
	if err != nil {
		return fatal(0, "decode record id", err)
	}
	val, err := sc.c.Value()
	if err != nil {
		return storeErr("get value", err)
	}
	tb, err := keystring.ReadTypeBits(keystring.NewReader(val))
	if err != nil {
		return fatal(0, "decode type bits", err)
	}
	sc.rid = rid
	sc.typeBits = tb
	return nil
}

// standardBulkBuilder appends each (key, rid) as its own entry.
type standardBulkBuilder struct {
	*bulkBase
}

func (sb *standardBulkBuilder) AddKey(key value.Key, rid record.RID) error {
	key = key.StripFieldNames()
	if err := sb.idx.checkKey(key); err != nil {
		return err
	}
	ks := keystring.NewWithRID(key.Values(), sb.idx.ordering, rid)
	return sb.insert(ks.Bytes(), typeBitsValue(ks.TypeBits()))
}

func (sb *standardBulkBuilder) Commit() error {
	return sb.commit()
}
