package index

import (
	"errors"
	"fmt"

	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

// BulkBuilder loads an empty index from keys supplied in ascending order,
// as produced by sorting a full collection scan.
type BulkBuilder interface {
	AddKey(key value.Key, rid record.RID) error
	// Commit writes any buffered entry and publishes the build.
	Commit() error
	// Close releases the builder. Without Commit the build is discarded.
	Close() error
}

// bulkBase owns the append channel. It prefers a bulk cursor on a private
// session, outside any transaction, and falls back to an ordinary cursor
// when the table cannot be bulk loaded.
type bulkBase struct {
	idx       *Index
	sess      *kv.Session
	bulk      *kv.BulkCursor
	cursor    *kv.Cursor
	committed bool
}

func newBulkBase(idx *Index, outer *kv.Session) (*bulkBase, error) {
	// Cached cursors keep the table open and make the bulk open fail.
	outer.CloseCachedCursors()

	sess := outer.Store().NewSession()
	b := &bulkBase{idx: idx, sess: sess}

	bulk, err := sess.OpenBulkCursor(idx.uri)
	if err == nil {
		b.bulk = bulk
		return b, nil
	}
	idx.logger.Warn("failed to create bulk cursor", "err", err)
	idx.logger.Warn("falling back to non-bulk cursor for index", "uri", idx.uri)

	if err := sess.Begin(); err != nil {
		sess.Close()
		return nil, storeErr("begin bulk fallback", err)
	}
	c, err := sess.OpenCursor(idx.uri)
	if err != nil {
		sess.Close()
		return nil, storeErr("open bulk fallback cursor", err)
	}
	b.cursor = c
	return b, nil
}

func (b *bulkBase) insert(key, val []byte) error {
	if b.bulk != nil {
		err := b.bulk.Insert(key, val)
		if errors.Is(err, kv.ErrOutOfOrder) {
			return fatal(0, "bulk insert", fmt.Errorf("keys must be added in ascending order: %w", err))
		}
		return storeErr("bulk insert", err)
	}
	b.cursor.SetKey(key)
	b.cursor.SetValue(val)
	return storeErr("bulk insert", b.cursor.Insert())
}

func (b *bulkBase) commit() error {
	if b.committed {
		return nil
	}
	b.committed = true
	if b.bulk != nil {
		return storeErr("bulk commit", b.bulk.Close())
	}
	if err := b.cursor.Close(); err != nil {
		return storeErr("bulk commit", err)
	}
	return storeErr("bulk commit", b.sess.Commit())
}

func (b *bulkBase) Close() error {
	if !b.committed && b.bulk != nil {
		b.bulk.Abort()
	}
	return b.sess.Close()
}
