package catalog

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

// Entry is one (key, record) pair produced by a collection scan.
type Entry struct {
	Key value.Key
	RID record.RID
}

type sortedEntry struct {
	encoded []byte
	key     value.Key
	rid     record.RID
}

// BuildIndex loads an empty index from entries in any order. Entries are
// sorted by their encoded form and fed to a bulk builder; a unique index
// fails on the first duplicate key and keeps nothing.
func (c *Catalog) BuildIndex(sess *kv.Session, namespace, name string, entries []Entry) error {
	idx, err := c.Index(namespace, name)
	if err != nil {
		return err
	}

	sorted := make([]sortedEntry, len(entries))
	for i, e := range entries {
		key := e.Key.StripFieldNames()
		sorted[i] = sortedEntry{
			encoded: keystring.NewWithRID(key.Values(), idx.Ordering(), e.RID).Bytes(),
			key:     key,
			rid:     e.RID,
		}
	}
	slices.SortFunc(sorted, func(a, b sortedEntry) int {
		return bytes.Compare(a.encoded, b.encoded)
	})

	b, err := idx.NewBulkBuilder(sess, !idx.Unique())
	if err != nil {
		return err
	}
	defer b.Close()

	for _, e := range sorted {
		if err := b.AddKey(e.key, e.rid); err != nil {
			return fmt.Errorf("build index %s.%s: %w", namespace, name, err)
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("build index %s.%s: %w", namespace, name, err)
	}
	c.logger.Info("built index", "index", namespace+"."+name, "entries", len(sorted))
	return nil
}

// Stats returns the custom statistics of namespace.name.
func (c *Catalog) Stats(sess *kv.Session, namespace, name string) (map[string]any, error) {
	idx, err := c.Index(namespace, name)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"ns":     namespace,
		"name":   name,
		"uri":    idx.URI(),
		"unique": idx.Unique(),
	}
	idx.AppendCustomStats(sess, out)
	return out, nil
}
