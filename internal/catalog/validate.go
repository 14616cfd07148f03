package catalog

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yashagw/craneidx/internal/index"
)

// maxParallelValidate bounds the validations running at once.
const maxParallelValidate = 4

// ValidateAll validates every index, each on its own session. Results are
// keyed by full index name. The first hard error cancels the rest.
func (c *Catalog) ValidateAll(ctx context.Context, full bool) (map[string]*index.ValidateResults, error) {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.indexes))
	for _, e := range c.indexes {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]*index.ValidateResults, len(entries))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelValidate)
	for _, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess := c.store.NewSession()
			defer sess.Close()

			res, err := e.idx.FullValidate(sess, full)
			if err != nil {
				return err
			}
			if !res.Valid {
				c.logger.Warn("index failed validation", "index", e.desc.FullName(), "errors", len(res.Errors))
			}
			mu.Lock()
			results[e.desc.FullName()] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
