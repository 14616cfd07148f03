package kv

import (
	"github.com/google/btree"
	"github.com/google/uuid"
)

type txn struct {
	id         uint64
	snapshotTS uint64
	trees      map[string]*btree.BTreeG[item]
	writes     map[string]map[string]struct{}
	intents    []intentKey
	conflicted bool
}

// Session is a single-threaded handle on the store. It owns at most one
// transaction and a cache of cursors.
//
// Operations outside Begin run in an implicit transaction that starts on
// first use and ends at the next Commit or Rollback. Reads see the
// snapshot taken when the transaction started.
type Session struct {
	id       uuid.UUID
	store    *Store
	tx       *txn
	explicit bool
	cached   map[string][]*Cursor
	open     map[*Cursor]struct{}
	closed   bool
}

// NewSession opens a session on the store.
func (s *Store) NewSession() *Session {
	return &Session{
		id:     uuid.New(),
		store:  s,
		cached: make(map[string][]*Cursor),
		open:   make(map[*Cursor]struct{}),
	}
}

// ID identifies the session in logs.
func (sess *Session) ID() uuid.UUID {
	return sess.id
}

// Store returns the store the session belongs to.
func (sess *Session) Store() *Store {
	return sess.store
}

// Begin starts an explicit transaction.
func (sess *Session) Begin() error {
	if sess.closed {
		return ErrSessionClosed
	}
	if sess.explicit {
		return ErrTxnActive
	}
	if sess.tx != nil {
		if len(sess.tx.writes) > 0 {
			return ErrTxnActive
		}
		sess.store.endTxn(sess.tx)
		sess.tx = nil
	}
	tx, err := sess.store.beginTxn()
	if err != nil {
		return err
	}
	sess.tx = tx
	sess.explicit = true
	return nil
}

// InTxn reports whether an explicit transaction is active.
func (sess *Session) InTxn() bool {
	return sess.explicit
}

// Commit publishes the transaction's writes. A conflicted transaction is
// rolled back and ErrConflict returned.
func (sess *Session) Commit() error {
	if sess.closed {
		return ErrSessionClosed
	}
	tx := sess.tx
	sess.tx = nil
	sess.explicit = false
	if tx == nil {
		return nil
	}
	if tx.conflicted {
		sess.store.endTxn(tx)
		return ErrConflict
	}
	if err := sess.store.commitTxn(tx); err != nil {
		return err
	}
	sess.store.logger.Debug("transaction committed", "session", sess.id, "txn", tx.id, "tables", len(tx.writes))
	return nil
}

// Rollback discards the transaction's writes.
func (sess *Session) Rollback() error {
	if sess.closed {
		return ErrSessionClosed
	}
	if sess.tx != nil {
		sess.store.endTxn(sess.tx)
	}
	sess.tx = nil
	sess.explicit = false
	return nil
}

func (sess *Session) ensureTxn() (*txn, error) {
	if sess.closed {
		return nil, ErrSessionClosed
	}
	if sess.tx == nil {
		tx, err := sess.store.beginTxn()
		if err != nil {
			return nil, err
		}
		sess.tx = tx
	}
	if sess.tx.conflicted {
		return nil, ErrConflict
	}
	return sess.tx, nil
}

func (sess *Session) readTree(name string) (*btree.BTreeG[item], *table, error) {
	tx, err := sess.ensureTxn()
	if err != nil {
		return nil, nil, err
	}
	return sess.store.snapshotTree(tx, name)
}

// writeTree returns the working tree for a write of key, recording the
// write and taking its intent.
func (sess *Session) writeTree(name string, key []byte) (*btree.BTreeG[item], *table, error) {
	tx, err := sess.ensureTxn()
	if err != nil {
		return nil, nil, err
	}
	tree, t, err := sess.store.snapshotTree(tx, name)
	if err != nil {
		return nil, nil, err
	}
	if err := sess.store.checkWrite(tx, t, key); err != nil {
		tx.conflicted = true
		return nil, nil, err
	}
	keys, ok := tx.writes[name]
	if !ok {
		keys = make(map[string]struct{})
		tx.writes[name] = keys
	}
	keys[string(key)] = struct{}{}
	return tree, t, nil
}

// Create creates a table. It is not transactional.
func (sess *Session) Create(name, config string) error {
	if sess.closed {
		return ErrSessionClosed
	}
	return sess.store.CreateTable(name, config)
}

// OpenCursor returns a cursor on table name, reusing a cached one when
// available.
func (sess *Session) OpenCursor(name string) (*Cursor, error) {
	if sess.closed {
		return nil, ErrSessionClosed
	}
	if list := sess.cached[name]; len(list) > 0 {
		c := list[len(list)-1]
		sess.cached[name] = list[:len(list)-1]
		c.cached = false
		sess.open[c] = struct{}{}
		return c, nil
	}

	sess.store.mu.Lock()
	t, err := sess.store.lookup(name)
	if err == nil && t.bulk {
		err = ErrBusy
	}
	if err == nil {
		t.openCursors++
	}
	sess.store.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &Cursor{sess: sess, name: name, table: t}
	sess.open[c] = struct{}{}
	return c, nil
}

// CloseCachedCursors releases every cached cursor of the session so the
// tables they pinned are no longer held open.
func (sess *Session) CloseCachedCursors() {
	for name, list := range sess.cached {
		for _, c := range list {
			c.release()
		}
		delete(sess.cached, name)
	}
}

// OpenBulkCursor opens a bulk-load cursor on an empty table. It fails with
// ErrBusy when the table is not empty or is held open.
func (sess *Session) OpenBulkCursor(name string) (*BulkCursor, error) {
	if sess.closed {
		return nil, ErrSessionClosed
	}
	return sess.store.openBulk(name)
}

// Close rolls back any transaction and releases every cursor.
func (sess *Session) Close() error {
	if sess.closed {
		return nil
	}
	_ = sess.Rollback()
	for c := range sess.open {
		c.release()
	}
	sess.open = nil
	sess.CloseCachedCursors()
	sess.closed = true
	return nil
}
