package index

import (
	"errors"
	"fmt"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

var (
	_ Cursor      = (*uniqueCursor)(nil)
	_ BulkBuilder = (*uniqueBulkBuilder)(nil)
)

// uniqueWriter stores encode(key) as the physical key and the packed
// (rid, type bits) list as the value. The list normally has one member;
// more only when duplicates are allowed, which requires callers to hold
// locks that keep the multi-valued state from being observed.
type uniqueWriter struct {
	idx *Index
}

func (w *uniqueWriter) insert(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error {
	ks := keystring.New(key.Values(), w.idx.ordering)
	c.SetKey(ks.Bytes())
	c.SetValue(keystring.PackRecords([]keystring.RecordEntry{{RID: rid, TypeBits: ks.TypeBits()}}))

	err := c.Insert()
	if !errors.Is(err, kv.ErrDuplicateKey) {
		return storeErr("insert", err)
	}

	// The key exists. It may already hold rid, or several rids when
	// duplicates were allowed before.
	if err := c.Search(); err != nil {
		return storeErr("insert", err)
	}
	old, err := c.Value()
	if err != nil {
		return storeErr("insert", err)
	}
	records, err := keystring.UnpackRecords(old)
	if err != nil {
		return fatal(0, "insert", err)
	}

	merged := make([]keystring.RecordEntry, 0, len(records)+1)
	inserted := false
	for _, r := range records {
		if r.RID == rid {
			return nil
		}
		if !inserted && rid < r.RID {
			merged = append(merged, keystring.RecordEntry{RID: rid, TypeBits: ks.TypeBits()})
			inserted = true
		}
		merged = append(merged, r)
	}
	if !dupsAllowed {
		return w.idx.dupKeyError(key)
	}
	if !inserted {
		merged = append(merged, keystring.RecordEntry{RID: rid, TypeBits: ks.TypeBits()})
	}

	c.SetKey(ks.Bytes())
	c.SetValue(keystring.PackRecords(merged))
	return storeErr("insert", c.Update())
}

func (w *uniqueWriter) unindex(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error {
	ks := keystring.New(key.Values(), w.idx.ordering)
	c.SetKey(ks.Bytes())

	if !dupsAllowed {
		err := c.Remove()
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return storeErr("unindex", err)
	}

	err := c.Search()
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("unindex", err)
	}
	old, err := c.Value()
	if err != nil {
		return storeErr("unindex", err)
	}
	records, err := keystring.UnpackRecords(old)
	if err != nil {
		return fatal(0, "unindex", err)
	}

	found := false
	remaining := make([]keystring.RecordEntry, 0, len(records))
	for _, r := range records {
		if r.RID == rid {
			found = true
			continue
		}
		remaining = append(remaining, r)
	}
	if !found {
		w.idx.logger.Warn("record id not found in index for key", "rid", rid, "key", key)
		return nil
	}

	c.SetKey(ks.Bytes())
	if len(remaining) == 0 {
		// The common case: the only record for this key.
		return storeErr("unindex", c.Remove())
	}
	c.SetValue(keystring.PackRecords(remaining))
	return storeErr("unindex", c.Update())
}

func (w *uniqueWriter) newCursor(sess *kv.Session, forward bool) (Cursor, error) {
	base, err := newCursorBase(w.idx, sess, forward)
	if err != nil {
		return nil, err
	}
	uc := &uniqueCursor{cursorBase: base}
	base.decoder = uc
	return uc, nil
}

func (w *uniqueWriter) newBulkBuilder(sess *kv.Session, dupsAllowed bool) (BulkBuilder, error) {
	base, err := newBulkBase(w.idx, sess)
	if err != nil {
		return nil, err
	}
	return &uniqueBulkBuilder{bulkBase: base, dupsAllowed: dupsAllowed}, nil
}

type uniqueCursor struct {
	*cursorBase
}

// Restore also checks that the record id under the restored key is on the
// right side of the saved one; a duplicate merge may have rewritten the
// entry in between.
func (uc *uniqueCursor) Restore() error {
	if err := uc.cursorBase.Restore(); err != nil {
		return err
	}
	// On a different key, at the end or never positioned: nothing to check.
	if uc.lastMoveWasRestore || uc.eof || uc.key.IsEmpty() {
		return nil
	}

	val, err := uc.c.Value()
	if err != nil {
		return storeErr("restore", err)
	}
	inIndex, err := keystring.DecodeRID(keystring.NewReader(val))
	if err != nil {
		return fatal(0, "restore", err)
	}
	if inIndex == uc.rid {
		return nil
	}

	uc.lastMoveWasRestore = true
	if (uc.forward && inIndex < uc.rid) || (!uc.forward && inIndex > uc.rid) {
		return uc.advance()
	}
	return nil
}

// updateLocAndTypeBits decodes the single (rid, type bits) member of the
// current value. Cursors never see multi-valued entries; one here means
// the caller's locking is broken.
func (uc *uniqueCursor) updateLocAndTypeBits() error {
	val, err := uc.c.Value()
	if err != nil {
		return storeErr("get value", err)
	}
	r := keystring.NewReader(val)
	rid, err := keystring.DecodeRID(r)
	if err != nil {
		return fatal(0, "decode record id", err)
	}
	tb, err := keystring.ReadTypeBits(r)
	if err != nil {
		return fatal(0, "decode type bits", err)
	}
	uc.rid = rid
	uc.typeBits = tb

	if !r.AtEOF() {
		key, _ := keystring.ToKey(uc.key.Bytes(), uc.idx.ordering, tb)
		uc.idx.logger.Error("unique index cursor seeing multiple records for key", "key", key)
		return fatal(28608, "unique index cursor", fmt.Errorf("multiple records for key %s", key))
	}
	return nil
}

// SeekExact looks the key up directly rather than seeking near it.
func (uc *uniqueCursor) SeekExact(key value.Key, parts RequestedInfo) (*Entry, error) {
	if uc.c == nil {
		return nil, ErrCursorDetached
	}
	uc.query.ResetToKey(key.StripFieldNames().Values(), uc.idx.ordering, keystring.Inclusive)
	uc.c.SetKey(uc.query.Bytes())

	err := uc.c.Search()
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, storeErr("search", err)
	}
	uc.cursorAtEOF = err != nil
	if err := uc.updatePosition(); err != nil {
		return nil, err
	}
	return uc.curr(parts)
}

// uniqueBulkBuilder holds back each key until a greater one arrives so
// that every rid for it lands in a single appended entry.
type uniqueBulkBuilder struct {
	*bulkBase
	dupsAllowed bool

	key       value.Key
	keyString *keystring.KeyString
	records   []keystring.RecordEntry
}

func (ub *uniqueBulkBuilder) AddKey(newKey value.Key, rid record.RID) error {
	newKey = newKey.StripFieldNames()
	if err := ub.idx.checkKey(newKey); err != nil {
		return err
	}

	if ub.keyString != nil {
		cmp := newKey.Compare(ub.key, ub.idx.ordering.IsDescending)
		switch {
		case cmp > 0:
			// Every rid of the previous key has been seen.
			if err := ub.doInsert(); err != nil {
				return err
			}
		case cmp < 0:
			return fatal(0, "bulk add key", fmt.Errorf("key %s added after greater key %s", newKey, ub.key))
		case !ub.dupsAllowed:
			return ub.idx.dupKeyError(newKey)
		}
	}

	// A duplicate replaces the held key too; later duplicates are likely
	// newer.
	ub.key = newKey
	ub.keyString = keystring.New(newKey.Values(), ub.idx.ordering)
	ub.records = append(ub.records, keystring.RecordEntry{RID: rid, TypeBits: ub.keyString.TypeBits()})
	return nil
}

func (ub *uniqueBulkBuilder) Commit() error {
	if len(ub.records) > 0 {
		if err := ub.doInsert(); err != nil {
			return err
		}
	}
	return ub.commit()
}

func (ub *uniqueBulkBuilder) doInsert() error {
	if len(ub.records) == 0 {
		return fatal(0, "bulk insert", errors.New("no records buffered"))
	}
	err := ub.insert(ub.keyString.Bytes(), keystring.PackRecords(ub.records))
	ub.records = ub.records[:0]
	return err
}
