package kv

import (
	"bytes"
)

func newItem(t *table, key, val []byte) item {
	it := item{
		key: bytes.Clone(key),
		val: bytes.Clone(val),
	}
	if it.val == nil {
		it.val = []byte{}
	}
	if t.config.Checksum {
		it.sum = checksum(it.key, it.val)
	}
	return it
}

// Cursor iterates and modifies one table within its session's
// transaction. Keys and values returned by a cursor must not be modified.
type Cursor struct {
	sess  *Session
	name  string
	table *table

	key []byte
	val []byte

	posKey     []byte
	posVal     []byte
	positioned bool

	cached bool
	closed bool
}

// URI returns the name of the table the cursor is open on.
func (c *Cursor) URI() string {
	return c.name
}

// Session returns the session that owns the cursor.
func (c *Cursor) Session() *Session {
	return c.sess
}

func (c *Cursor) check() error {
	if c.closed || c.cached {
		return ErrCursorClosed
	}
	return nil
}

// SetKey sets the key used by the next search or modification.
func (c *Cursor) SetKey(key []byte) {
	c.key = append(c.key[:0], key...)
}

// SetValue sets the value used by the next insert or update.
func (c *Cursor) SetValue(val []byte) {
	c.val = append(c.val[:0], val...)
}

// Key returns the key at the cursor position.
func (c *Cursor) Key() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !c.positioned {
		return nil, ErrNotPositioned
	}
	return c.posKey, nil
}

// Value returns the value at the cursor position.
func (c *Cursor) Value() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !c.positioned {
		return nil, ErrNotPositioned
	}
	return c.posVal, nil
}

// Positioned reports whether the cursor is on an entry.
func (c *Cursor) Positioned() bool {
	return c.positioned
}

func (c *Cursor) position(it item) {
	c.posKey = it.key
	c.posVal = it.val
	c.positioned = true
}

func (c *Cursor) unposition() {
	c.posKey = nil
	c.posVal = nil
	c.positioned = false
}

// Search positions the cursor on the entry whose key equals the set key.
func (c *Cursor) Search() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.key == nil {
		return ErrKeyNotSet
	}
	tree, t, err := c.sess.readTree(c.name)
	if err != nil {
		return err
	}
	t.stats.searches.Add(1)

	it, ok := tree.Get(item{key: c.key})
	if !ok {
		c.unposition()
		return ErrNotFound
	}
	c.position(it)
	return nil
}

// SearchNear positions the cursor on the entry nearest the set key. The
// result is 0 for an exact match, 1 when the cursor landed on a larger key
// and -1 when it landed on a smaller one. Larger keys are preferred.
func (c *Cursor) SearchNear() (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if c.key == nil {
		return 0, ErrKeyNotSet
	}
	tree, t, err := c.sess.readTree(c.name)
	if err != nil {
		return 0, err
	}
	t.stats.searchNears.Add(1)

	pivot := item{key: c.key}
	var found item
	ok := false
	tree.AscendGreaterOrEqual(pivot, func(it item) bool {
		found, ok = it, true
		return false
	})
	if ok {
		c.position(found)
		if bytes.Equal(found.key, c.key) {
			return 0, nil
		}
		return 1, nil
	}
	tree.DescendLessOrEqual(pivot, func(it item) bool {
		found, ok = it, true
		return false
	})
	if !ok {
		c.unposition()
		return 0, ErrNotFound
	}
	c.position(found)
	return -1, nil
}

// Next moves to the next entry, or to the first when unpositioned.
func (c *Cursor) Next() error {
	if err := c.check(); err != nil {
		return err
	}
	tree, t, err := c.sess.readTree(c.name)
	if err != nil {
		return err
	}
	t.stats.nexts.Add(1)

	var found item
	ok := false
	visit := func(it item) bool {
		if c.positioned && bytes.Equal(it.key, c.posKey) {
			return true
		}
		found, ok = it, true
		return false
	}
	if c.positioned {
		tree.AscendGreaterOrEqual(item{key: c.posKey}, visit)
	} else {
		tree.Ascend(visit)
	}
	if !ok {
		c.unposition()
		return ErrNotFound
	}
	c.position(found)
	return nil
}

// Prev moves to the previous entry, or to the last when unpositioned.
func (c *Cursor) Prev() error {
	if err := c.check(); err != nil {
		return err
	}
	tree, t, err := c.sess.readTree(c.name)
	if err != nil {
		return err
	}
	t.stats.prevs.Add(1)

	var found item
	ok := false
	visit := func(it item) bool {
		if c.positioned && bytes.Equal(it.key, c.posKey) {
			return true
		}
		found, ok = it, true
		return false
	}
	if c.positioned {
		tree.DescendLessOrEqual(item{key: c.posKey}, visit)
	} else {
		tree.Descend(visit)
	}
	if !ok {
		c.unposition()
		return ErrNotFound
	}
	c.position(found)
	return nil
}

// Insert adds the set key and value. It fails with ErrDuplicateKey when
// the key exists.
func (c *Cursor) Insert() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.key == nil {
		return ErrKeyNotSet
	}
	if tree, _, err := c.sess.readTree(c.name); err != nil {
		return err
	} else if tree.Has(item{key: c.key}) {
		return ErrDuplicateKey
	}

	tree, t, err := c.sess.writeTree(c.name, c.key)
	if err != nil {
		return err
	}
	tree.ReplaceOrInsert(newItem(t, c.key, c.val))
	t.stats.inserts.Add(1)
	c.unposition()
	return nil
}

// Update replaces the value of the set key. It fails with ErrNotFound
// when the key does not exist.
func (c *Cursor) Update() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.key == nil {
		return ErrKeyNotSet
	}
	if tree, _, err := c.sess.readTree(c.name); err != nil {
		return err
	} else if !tree.Has(item{key: c.key}) {
		return ErrNotFound
	}

	tree, t, err := c.sess.writeTree(c.name, c.key)
	if err != nil {
		return err
	}
	it := newItem(t, c.key, c.val)
	tree.ReplaceOrInsert(it)
	t.stats.updates.Add(1)
	c.position(it)
	return nil
}

// Remove deletes the set key. It fails with ErrNotFound when the key does
// not exist.
func (c *Cursor) Remove() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.key == nil {
		return ErrKeyNotSet
	}
	if tree, _, err := c.sess.readTree(c.name); err != nil {
		return err
	} else if !tree.Has(item{key: c.key}) {
		return ErrNotFound
	}

	tree, t, err := c.sess.writeTree(c.name, c.key)
	if err != nil {
		return err
	}
	tree.Delete(item{key: c.key})
	t.stats.removes.Add(1)
	c.unposition()
	return nil
}

// Reset clears the cursor position and the set key and value.
func (c *Cursor) Reset() error {
	if err := c.check(); err != nil {
		return err
	}
	c.unposition()
	c.key = nil
	c.val = nil
	return nil
}

// Close returns the cursor to its session's cache.
func (c *Cursor) Close() error {
	if err := c.check(); err != nil {
		return err
	}
	_ = c.Reset()
	if c.sess.closed {
		c.release()
		return nil
	}
	delete(c.sess.open, c)
	c.cached = true
	c.sess.cached[c.name] = append(c.sess.cached[c.name], c)
	return nil
}

// release closes the cursor for good and unpins its table.
func (c *Cursor) release() {
	if c.closed {
		return
	}
	c.closed = true
	c.cached = false
	c.sess.store.trackCursor(c.table, -1)
	if c.sess.open != nil {
		delete(c.sess.open, c)
	}
}
