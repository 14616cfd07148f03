// Package kv is an in-memory ordered key-value store with snapshot
// isolated transactions. Tables are B-trees of byte keys; each transaction
// reads from a copy-on-write clone of every table taken when it begins.
package kv

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/yashagw/craneidx/internal/file"
	"github.com/yashagw/craneidx/internal/log"
	"github.com/yashagw/craneidx/internal/logger"
)

const btreeDegree = 32

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type item struct {
	key []byte
	val []byte
	sum uint32
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newTree() *btree.BTreeG[item] {
	return btree.NewG(btreeDegree, itemLess)
}

func checksum(key, val []byte) uint32 {
	h := crc32.Update(0, castagnoli, key)
	return crc32.Update(h, castagnoli, val)
}

type tableStats struct {
	inserts     atomic.Int64
	updates     atomic.Int64
	removes     atomic.Int64
	searches    atomic.Int64
	searchNears atomic.Int64
	nexts       atomic.Int64
	prevs       atomic.Int64
	bulkInserts atomic.Int64
}

type table struct {
	name         string
	id           uuid.UUID
	createString string
	config       Config
	tree         *btree.BTreeG[item]
	lastCommit   map[string]uint64
	openCursors  int
	bulk         bool
	stats        tableStats
}

// TableStats is a point-in-time statistics snapshot of a table.
type TableStats struct {
	URI             string `json:"uri"`
	Entries         int    `json:"entries"`
	KeyBytes        int64  `json:"keyBytes"`
	ValueBytes      int64  `json:"valueBytes"`
	OpenCursors     int    `json:"openCursors"`
	BlockCompressor string `json:"blockCompressor"`
	Inserts         int64  `json:"inserts"`
	Updates         int64  `json:"updates"`
	Removes         int64  `json:"removes"`
	Searches        int64  `json:"searches"`
	SearchNears     int64  `json:"searchNears"`
	Nexts           int64  `json:"nexts"`
	Prevs           int64  `json:"prevs"`
	BulkInserts     int64  `json:"bulkInserts"`
}

type options struct {
	logger  *logger.Logger
	journal bool
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger used by the store.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithJournal makes Open keep a commit journal in the store directory.
// Every table creation, drop, commit and bulk load is synced to the
// journal before it becomes visible, and Open replays it after loading
// the last checkpoint. A checkpoint to the same directory retires the
// journal segments it covers. Stores made with New ignore it.
func WithJournal() Option {
	return func(o *options) {
		o.journal = true
	}
}

// Store owns every table and coordinates transactions across them.
type Store struct {
	opts      options
	mu        sync.Mutex
	tables    map[string]*table
	commitTS  uint64
	nextTxnID uint64
	active    map[uint64]uint64 // txn id -> snapshot timestamp
	intents   *intentTable
	logger    *logger.Logger
	closed    bool

	journal   *log.Manager
	journalFM *file.Manager
}

// New creates an empty store.
func New(opts ...Option) *Store {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store{
		opts:    o,
		tables:  make(map[string]*table),
		active:  make(map[uint64]uint64),
		intents: newIntentTable(),
		logger:  logger.OrNoop(o.logger).WithComponent("kv"),
	}
}

// CreateTable creates a table from a creation string. Creating a table
// that already exists with the identical creation string succeeds.
func (s *Store) CreateTable(name, config string) error {
	cfg, err := ParseConfig(config)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if t, ok := s.tables[name]; ok {
		if t.createString == config {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	id := uuid.New()
	if err := s.logRecord(&journalRecord{op: recCreate, table: name, config: config, id: id}); err != nil {
		return err
	}
	s.tables[name] = &table{
		name:         name,
		id:           id,
		createString: config,
		config:       cfg,
		tree:         newTree(),
		lastCommit:   make(map[string]uint64),
	}
	s.logger.Debug("table created", "table", name, "config", config)
	return nil
}

// DropTable removes a table. It fails with ErrBusy while cursors are open
// on it or uncommitted writes touch it.
func (s *Store) DropTable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	if t.openCursors > 0 || t.bulk || s.intents.heldOn(name) {
		return fmt.Errorf("%w: %s has open cursors", ErrBusy, name)
	}
	if err := s.logRecord(&journalRecord{op: recDrop, table: name}); err != nil {
		return err
	}
	delete(s.tables, name)
	return nil
}

// Tables lists table names in sorted order.
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) lookup(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	return t, nil
}

// CreationString returns the creation string a table was created with.
func (s *Store) CreationString(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return t.createString, nil
}

// AppMetadata returns the raw app_metadata group of a table.
func (s *Store) AppMetadata(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return t.config.AppMetadata, nil
}

// TableType returns the storage type of a table ("file").
func (s *Store) TableType(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return t.config.Type, nil
}

// TableID returns the identifier assigned to a table when it was created
// or loaded.
func (s *Store) TableID(name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return uuid.Nil, err
	}
	return t.id, nil
}

// Verify walks the committed entries of a table, checking key order and
// entry checksums. It returns ErrBusy when the table has open cursors,
// and ErrCorrupt together with the problems found on damage.
func (s *Store) Verify(name string) ([]string, error) {
	s.mu.Lock()
	t, err := s.lookup(name)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if t.openCursors > 0 || t.bulk {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d open cursors", ErrBusy, name, t.openCursors)
	}
	tree := t.tree.Clone()
	checked := t.config.Checksum
	s.mu.Unlock()

	var problems []string
	var prev []byte
	n := 0
	tree.Ascend(func(it item) bool {
		if len(it.key) == 0 {
			problems = append(problems, fmt.Sprintf("entry %d: empty key", n))
		}
		if prev != nil && bytes.Compare(prev, it.key) >= 0 {
			problems = append(problems, fmt.Sprintf("entry %d: key out of order", n))
		}
		if checked && checksum(it.key, it.val) != it.sum {
			problems = append(problems, fmt.Sprintf("entry %d: checksum mismatch", n))
		}
		prev = it.key
		n++
		return true
	})
	if len(problems) > 0 {
		return problems, fmt.Errorf("%w: %s: %d problems", ErrCorrupt, name, len(problems))
	}
	return nil, nil
}

// Stats returns statistics for a table.
func (s *Store) Stats(name string) (TableStats, error) {
	s.mu.Lock()
	t, err := s.lookup(name)
	if err != nil {
		s.mu.Unlock()
		return TableStats{}, err
	}
	tree := t.tree.Clone()
	st := TableStats{
		URI:             name,
		Entries:         tree.Len(),
		OpenCursors:     t.openCursors,
		BlockCompressor: t.config.BlockCompressor,
	}
	s.mu.Unlock()

	tree.Ascend(func(it item) bool {
		st.KeyBytes += int64(len(it.key))
		st.ValueBytes += int64(len(it.val))
		return true
	})
	st.Inserts = t.stats.inserts.Load()
	st.Updates = t.stats.updates.Load()
	st.Removes = t.stats.removes.Load()
	st.Searches = t.stats.searches.Load()
	st.SearchNears = t.stats.searchNears.Load()
	st.Nexts = t.stats.nexts.Load()
	st.Prevs = t.stats.prevs.Load()
	st.BulkInserts = t.stats.bulkInserts.Load()
	return st, nil
}

// Size returns the number of bytes the committed entries of a table occupy.
func (s *Store) Size(name string) (int64, error) {
	st, err := s.Stats(name)
	if err != nil {
		return 0, err
	}
	return st.KeyBytes + st.ValueBytes, nil
}

// Close marks the store closed and closes the journal. Open sessions keep
// their snapshots but can no longer commit.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	if cerr := s.journalFM.Close(); err == nil {
		err = cerr
	}
	return err
}

// beginTxn registers a transaction and clones every table as its snapshot.
func (s *Store) beginTxn() (*txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	s.nextTxnID++
	tx := &txn{
		id:         s.nextTxnID,
		snapshotTS: s.commitTS,
		trees:      make(map[string]*btree.BTreeG[item], len(s.tables)),
		writes:     make(map[string]map[string]struct{}),
	}
	for name, t := range s.tables {
		tx.trees[name] = t.tree.Clone()
	}
	s.active[tx.id] = tx.snapshotTS
	return tx, nil
}

// snapshotTree returns the transaction's view of a table, cloning tables
// created after the transaction began.
func (s *Store) snapshotTree(tx *txn, name string) (*btree.BTreeG[item], *table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	tree, ok := tx.trees[name]
	if !ok {
		tree = t.tree.Clone()
		tx.trees[name] = tree
	}
	return tree, t, nil
}

// checkWrite takes the write intent for key and fails when another
// transaction holds it or committed the key after tx's snapshot.
func (s *Store) checkWrite(tx *txn, t *table, key []byte) error {
	taken, err := s.intents.acquire(t.name, key, tx.id)
	if err != nil {
		return err
	}
	if taken {
		tx.intents = append(tx.intents, intentKey{table: t.name, key: string(key)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := t.lastCommit[string(key)]; ts > tx.snapshotTS {
		return ErrConflict
	}
	return nil
}

// commitTxn publishes the writes of tx. On conflict nothing is published.
func (s *Store) commitTxn(tx *txn) error {
	defer s.endTxn(tx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	for name, keys := range tx.writes {
		t, ok := s.tables[name]
		if !ok {
			return fmt.Errorf("%w: table %s dropped during transaction", ErrConflict, name)
		}
		for k := range keys {
			if t.lastCommit[k] > tx.snapshotTS {
				return ErrConflict
			}
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}
	if s.journal != nil {
		rec := &journalRecord{op: recCommit}
		for name, keys := range tx.writes {
			working := tx.trees[name]
			for k := range keys {
				w := journalWrite{table: name, key: []byte(k)}
				if it, ok := working.Get(item{key: w.key}); ok {
					w.val = it.val
				} else {
					w.del = true
				}
				rec.writes = append(rec.writes, w)
			}
		}
		if err := s.logRecord(rec); err != nil {
			return err
		}
	}

	s.commitTS++
	for name, keys := range tx.writes {
		t := s.tables[name]
		working := tx.trees[name]
		for k := range keys {
			pivot := item{key: []byte(k)}
			if it, ok := working.Get(pivot); ok {
				t.tree.ReplaceOrInsert(it)
			} else {
				t.tree.Delete(pivot)
			}
			t.lastCommit[k] = s.commitTS
		}
	}
	return nil
}

// endTxn releases intents and unregisters tx.
func (s *Store) endTxn(tx *txn) {
	s.intents.release(tx.intents, tx.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, tx.id)
	s.pruneCommitHistory()
}

// pruneCommitHistory forgets commit timestamps no active snapshot can
// conflict with. Callers hold s.mu.
func (s *Store) pruneCommitHistory() {
	oldest := s.commitTS
	for _, ts := range s.active {
		oldest = min(oldest, ts)
	}
	for _, t := range s.tables {
		for k, ts := range t.lastCommit {
			if ts <= oldest {
				delete(t.lastCommit, k)
			}
		}
	}
}

func (s *Store) trackCursor(t *table, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.openCursors += delta
}
