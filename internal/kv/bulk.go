package kv

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
)

// BulkCursor loads an empty table from keys supplied in strictly
// increasing order. Nothing is visible until Close.
type BulkCursor struct {
	store  *Store
	table  *table
	tree   *btree.BTreeG[item]
	last   []byte
	closed bool
}

func (s *Store) openBulk(name string) (*BulkCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	t, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	switch {
	case t.bulk:
		return nil, fmt.Errorf("%w: %s already has a bulk cursor", ErrBusy, name)
	case t.openCursors > 0:
		return nil, fmt.Errorf("%w: %s has %d open cursors", ErrBusy, name, t.openCursors)
	case t.tree.Len() > 0:
		return nil, fmt.Errorf("%w: %s is not empty", ErrBusy, name)
	case s.intents.heldOn(name):
		return nil, fmt.Errorf("%w: %s has uncommitted writes", ErrBusy, name)
	}
	t.bulk = true
	return &BulkCursor{store: s, table: t, tree: newTree()}, nil
}

// Insert appends an entry. Keys must be strictly increasing.
func (b *BulkCursor) Insert(key, val []byte) error {
	if b.closed {
		return ErrCursorClosed
	}
	if len(key) == 0 {
		return ErrKeyNotSet
	}
	if b.last != nil && bytes.Compare(key, b.last) <= 0 {
		return ErrOutOfOrder
	}
	it := newItem(b.table, key, val)
	b.tree.ReplaceOrInsert(it)
	b.last = it.key
	b.table.stats.bulkInserts.Add(1)
	return nil
}

// Close publishes the loaded entries.
func (b *BulkCursor) Close() error {
	if b.closed {
		return ErrCursorClosed
	}
	b.closed = true

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	t := b.table
	t.bulk = false
	if b.tree.Len() == 0 {
		return nil
	}
	if s.journal != nil {
		rec := &journalRecord{op: recBulk, table: t.name}
		b.tree.Ascend(func(it item) bool {
			rec.writes = append(rec.writes, journalWrite{key: it.key, val: it.val})
			return true
		})
		if err := s.logRecord(rec); err != nil {
			return err
		}
	}
	s.commitTS++
	if len(s.active) > 0 {
		b.tree.Ascend(func(it item) bool {
			t.lastCommit[string(it.key)] = s.commitTS
			return true
		})
	}
	t.tree = b.tree
	s.logger.Debug("bulk load published", "table", t.name, "entries", b.tree.Len())
	return nil
}

// Abort discards the loaded entries and releases the table.
func (b *BulkCursor) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	b.store.mu.Lock()
	b.table.bulk = false
	b.store.mu.Unlock()
}
