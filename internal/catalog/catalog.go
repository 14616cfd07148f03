// Package catalog keeps track of the indexes stored in a kv.Store. Each
// index lives in its own table whose app_metadata carries the index
// descriptor, so the catalog can be rebuilt from the store alone.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yashagw/craneidx/internal/index"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/logger"
)

// TablePrefix starts the name of every index table.
const TablePrefix = "table:index-"

var (
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
)

type entry struct {
	desc *Descriptor
	idx  *index.Index
}

// Catalog maps index names to open indexes. It is safe for concurrent use;
// the indexes it returns follow the rules of package index.
type Catalog struct {
	store  *kv.Store
	opts   options
	logger *logger.Logger

	mu      sync.RWMutex
	indexes map[string]*entry
}

// New returns an empty catalog over store. Call Rediscover to pick up
// indexes already present.
func New(store *kv.Store, opts ...Option) *Catalog {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Catalog{
		store:   store,
		opts:    o,
		logger:  logger.OrNoop(o.logger).WithComponent("catalog"),
		indexes: make(map[string]*entry),
	}
}

func (c *Catalog) Store() *kv.Store {
	return c.store
}

// CreateIndex creates the table for desc and opens the index on it.
// extraConfig is appended to the default table configuration.
func (c *Catalog) CreateIndex(sess *kv.Session, desc *Descriptor, extraConfig string) (*index.Index, error) {
	if err := desc.validate(); err != nil {
		return nil, err
	}
	cfg, err := c.GenerateCreateString(extraConfig, desc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.indexes[desc.FullName()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, desc.FullName())
	}

	uri := TablePrefix + uuid.NewString()
	c.logger.Info("create index", "index", desc.FullName(), "uri", uri)
	if err := sess.Create(uri, cfg); err != nil {
		return nil, fmt.Errorf("create index %s: %w", desc.FullName(), err)
	}
	idx, err := c.open(sess, uri, desc)
	if err != nil {
		return nil, err
	}
	if err := idx.InitAsEmpty(sess); err != nil {
		return nil, err
	}
	c.indexes[desc.FullName()] = &entry{desc: desc, idx: idx}
	return idx, nil
}

func (c *Catalog) open(sess *kv.Session, uri string, desc *Descriptor) (*index.Index, error) {
	return index.Open(sess, desc.spec(uri), index.WithLogger(c.logger))
}

// Index returns the open index namespace.name.
func (c *Catalog) Index(namespace, name string) (*index.Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.indexes[namespace+"."+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrIndexNotFound, namespace, name)
	}
	return e.idx, nil
}

// Descriptor returns the descriptor of namespace.name.
func (c *Catalog) Descriptor(namespace, name string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.indexes[namespace+"."+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrIndexNotFound, namespace, name)
	}
	return e.desc, nil
}

// List returns the descriptors of every index, sorted by full name.
func (c *Catalog) List() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Descriptor, 0, len(c.indexes))
	for _, e := range c.indexes {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FullName() < out[j].FullName()
	})
	return out
}

// DropIndex drops the index table and forgets the index. The table must
// not be in use.
func (c *Catalog) DropIndex(namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := namespace + "." + name
	e, ok := c.indexes[full]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, full)
	}
	if err := c.store.DropTable(e.idx.URI()); err != nil {
		return fmt.Errorf("drop index %s: %w", full, err)
	}
	delete(c.indexes, full)
	c.logger.Info("dropped index", "index", full, "uri", e.idx.URI())
	return nil
}

// Rediscover opens every index table found in the store that is not yet
// in the catalog. Tables outside TablePrefix are ignored. An index table
// with an unsupported format version stops the scan with a fatal error.
func (c *Catalog) Rediscover(sess *kv.Session) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]bool, len(c.indexes))
	for _, e := range c.indexes {
		known[e.idx.URI()] = true
	}

	found := 0
	for _, uri := range c.store.Tables() {
		if known[uri] || !strings.HasPrefix(uri, TablePrefix) {
			continue
		}
		meta, err := c.store.AppMetadata(uri)
		if err != nil {
			return found, err
		}
		desc, err := descriptorFromMetadata(meta)
		if err != nil {
			return found, fmt.Errorf("rediscover %s: %w", uri, err)
		}
		idx, err := c.open(sess, uri, desc)
		if err != nil {
			return found, err
		}
		c.indexes[desc.FullName()] = &entry{desc: desc, idx: idx}
		found++
	}
	if found > 0 {
		c.logger.Info("rediscovered indexes", "count", found)
	}
	return found, nil
}

func descriptorFromMetadata(meta string) (*Descriptor, error) {
	items, err := kv.ParseConfigItems(meta)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Key == "infoObj" {
			return parseInfo(it.Value)
		}
	}
	return nil, errors.New("app_metadata has no infoObj")
}
