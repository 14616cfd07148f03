// Package index maps logical index entries (a key of field values plus a
// record id) onto an ordered kv table, and provides cursors and bulk
// builders over them. Standard indexes store the record id in the
// physical key; unique indexes store it in the value.
package index

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/logger"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

// Spec identifies an index table and describes its keys.
type Spec struct {
	URI       string
	Namespace string
	Name      string
	// KeyPattern holds one field per key position; a negative number marks
	// the position descending.
	KeyPattern value.Key
	Unique     bool
}

// writer is implemented once per index flavour.
type writer interface {
	insert(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error
	unindex(c *kv.Cursor, key value.Key, rid record.RID, dupsAllowed bool) error
	newCursor(sess *kv.Session, forward bool) (Cursor, error)
	newBulkBuilder(sess *kv.Session, dupsAllowed bool) (BulkBuilder, error)
}

// Index is a sorted secondary index stored in one kv table. It is shared
// by every cursor and builder created from it and must outlive them.
type Index struct {
	store     *kv.Store
	uri       string
	namespace string
	name      string
	ordering  keystring.Ordering
	nfields   int
	tableID   uuid.UUID
	unique    bool
	w         writer
	logger    *logger.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used by the index.
func WithLogger(l *logger.Logger) Option {
	return func(idx *Index) {
		idx.logger = l
	}
}

// Open binds an Index to an existing table. The table's format version
// must be within [MinFormatVersion, MaxFormatVersion]; anything else is
// fatal and the index has to be rebuilt. Key patterns are limited to
// keystring.MaxFields fields.
func Open(sess *kv.Session, spec Spec, opts ...Option) (*Index, error) {
	if len(spec.KeyPattern) > keystring.MaxFields {
		return nil, fmt.Errorf("%w: index %s: key pattern has %d fields, at most %d are allowed",
			ErrInvalidOptions, spec.Name, len(spec.KeyPattern), keystring.MaxFields)
	}
	store := sess.Store()
	idx := &Index{
		store:     store,
		uri:       spec.URI,
		namespace: spec.Namespace,
		name:      spec.Name,
		ordering:  keystring.MakeOrdering(spec.KeyPattern),
		nfields:   len(spec.KeyPattern),
		unique:    spec.Unique,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = logger.OrNoop(idx.logger).WithIndex(spec.Namespace, spec.Name)

	meta, err := store.AppMetadata(spec.URI)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", spec.Name, err)
	}
	if err := checkFormatVersion(spec.URI, meta); err != nil {
		return nil, fatal(28579, "open index", err)
	}
	if idx.tableID, err = store.TableID(spec.URI); err != nil {
		return nil, fmt.Errorf("open index %s: %w", spec.Name, err)
	}

	if spec.Unique {
		idx.w = &uniqueWriter{idx: idx}
	} else {
		idx.w = &standardWriter{idx: idx}
	}
	return idx, nil
}

func checkFormatVersion(uri, meta string) error {
	items, err := kv.ParseConfigItems(meta)
	if err != nil {
		return fmt.Errorf("%w: %s: unreadable application metadata: %v", ErrUnsupportedFormat, uri, err)
	}
	for _, it := range items {
		if it.Key != "formatVersion" {
			continue
		}
		v, err := strconv.Atoi(it.Value)
		if err != nil {
			return fmt.Errorf("%w: %s: formatVersion %q is not a number", ErrUnsupportedFormat, uri, it.Value)
		}
		if v < MinFormatVersion || v > MaxFormatVersion {
			return fmt.Errorf("%w: %s: format version %d is outside the supported range [%d, %d]; rebuild the index",
				ErrUnsupportedFormat, uri, v, MinFormatVersion, MaxFormatVersion)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: application metadata has no formatVersion", ErrUnsupportedFormat, uri)
}

func (idx *Index) URI() string                  { return idx.uri }
func (idx *Index) Namespace() string            { return idx.namespace }
func (idx *Index) Name() string                 { return idx.name }
func (idx *Index) Unique() bool                 { return idx.unique }
func (idx *Index) TableID() uuid.UUID           { return idx.tableID }
func (idx *Index) Ordering() keystring.Ordering { return idx.ordering }

func (idx *Index) dupKeyError(key value.Key) error {
	return &DuplicateKeyError{Namespace: idx.namespace, Index: idx.name, Key: key}
}

// checkKey rejects keys that do not fit the index: the field count must
// match the key pattern and the encoding must stay under MaxKeySize.
func (idx *Index) checkKey(key value.Key) error {
	if len(key) != idx.nfields {
		return fmt.Errorf("%w: key %s has %d fields, index %s has %d",
			ErrKeyFieldCount, key, len(key), idx.name, idx.nfields)
	}
	size := keystring.New(key.Values(), idx.ordering).Size()
	if size >= MaxKeySize {
		return fmt.Errorf("%w: insert: key too large to index, failing %d %s", ErrKeyTooLong, size, key)
	}
	return nil
}

func (idx *Index) openCursor(sess *kv.Session) (*kv.Cursor, error) {
	c, err := sess.OpenCursor(idx.uri)
	if err != nil {
		return nil, storeErr("open cursor "+idx.uri, err)
	}
	return c, nil
}

// Insert adds an entry for (key, rid). Keys whose encoding reaches
// MaxKeySize fail with ErrKeyTooLong and keys whose field count differs
// from the key pattern fail with ErrKeyFieldCount, both before storage is
// touched. On a unique
// index an existing entry for key fails with a *DuplicateKeyError unless
// dupsAllowed, in which case rid is merged into the entry.
func (idx *Index) Insert(sess *kv.Session, key value.Key, rid record.RID, dupsAllowed bool) error {
	if !rid.IsNormal() {
		return fatal(0, "insert", fmt.Errorf("record id %s is not a normal record id", rid))
	}
	key = key.StripFieldNames()
	if err := idx.checkKey(key); err != nil {
		return err
	}
	if !sess.InTxn() {
		return ErrNotInTransaction
	}

	c, err := idx.openCursor(sess)
	if err != nil {
		return err
	}
	defer c.Close()
	return idx.w.insert(c, key, rid, dupsAllowed)
}

// Unindex removes the entry for (key, rid). Removing an absent entry is
// not an error.
func (idx *Index) Unindex(sess *kv.Session, key value.Key, rid record.RID, dupsAllowed bool) error {
	if !rid.IsNormal() {
		return fatal(0, "unindex", fmt.Errorf("record id %s is not a normal record id", rid))
	}
	if !sess.InTxn() {
		return ErrNotInTransaction
	}

	c, err := idx.openCursor(sess)
	if err != nil {
		return err
	}
	defer c.Close()
	return idx.w.unindex(c, key.StripFieldNames(), rid, dupsAllowed)
}

// DupKeyCheck fails with a *DuplicateKeyError when key is stored under a
// record id other than rid. It is only valid on unique indexes.
func (idx *Index) DupKeyCheck(sess *kv.Session, key value.Key, rid record.RID) error {
	if !idx.unique {
		return fatal(0, "dupKeyCheck", errors.New("duplicate key check on a non-unique index"))
	}
	key = key.StripFieldNames()

	c, err := idx.openCursor(sess)
	if err != nil {
		return err
	}
	defer c.Close()

	dup, err := idx.isDup(c, key, rid)
	if err != nil {
		return err
	}
	if dup {
		return idx.dupKeyError(key)
	}
	return nil
}

func (idx *Index) isDup(c *kv.Cursor, key value.Key, rid record.RID) (bool, error) {
	c.SetKey(keystring.New(key.Values(), idx.ordering).Bytes())
	err := c.Search()
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("dupKeyCheck", err)
	}

	val, err := c.Value()
	if err != nil {
		return false, storeErr("dupKeyCheck", err)
	}
	r := keystring.NewReader(val)
	for !r.AtEOF() {
		inIndex, err := keystring.DecodeRID(r)
		if err != nil {
			return false, fatal(0, "dupKeyCheck", err)
		}
		if inIndex == rid {
			return false, nil
		}
		if _, err := keystring.ReadTypeBits(r); err != nil {
			return false, fatal(0, "dupKeyCheck", err)
		}
	}
	return true, nil
}

// IsEmpty reports whether the index has no entries.
func (idx *Index) IsEmpty(sess *kv.Session) (bool, error) {
	c, err := idx.openCursor(sess)
	if err != nil {
		return false, err
	}
	defer c.Close()

	err = c.Next()
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, storeErr("isEmpty", err)
	}
	return false, nil
}

// SpaceUsedBytes returns the bytes held by the index's committed entries.
func (idx *Index) SpaceUsedBytes(sess *kv.Session) (int64, error) {
	n, err := sess.Store().Size(idx.uri)
	if err != nil {
		return 0, storeErr("spaceUsedBytes", err)
	}
	return n, nil
}

// InitAsEmpty prepares a freshly created index. There is nothing to do.
func (idx *Index) InitAsEmpty(sess *kv.Session) error {
	return nil
}

// NewCursor returns a cursor bound to sess that scans forward or
// backward.
func (idx *Index) NewCursor(sess *kv.Session, forward bool) (Cursor, error) {
	return idx.w.newCursor(sess, forward)
}

// NewBulkBuilder returns a builder that loads the empty index from keys
// supplied in ascending order. Standard indexes require dupsAllowed.
func (idx *Index) NewBulkBuilder(sess *kv.Session, dupsAllowed bool) (BulkBuilder, error) {
	return idx.w.newBulkBuilder(sess, dupsAllowed)
}
