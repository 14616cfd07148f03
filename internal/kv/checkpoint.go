package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yashagw/craneidx/internal/file"
	"github.com/yashagw/craneidx/internal/log"
)

const (
	tableFileSuffix = ".kvt"
	tmpSuffix       = ".tmp"

	headerName    = "name"
	headerConfig  = "config"
	headerID      = "id"
	headerEntries = "entries"
)

type tableSnapshot struct {
	name         string
	id           uuid.UUID
	createString string
	config       Config
	tree         *btree.BTreeG[item]
}

// Checkpoint writes the committed state of every table to dir, one file
// per table. Blocks are compressed with the table's block_compressor.
// Files of tables that no longer exist are removed. When dir holds the
// store's journal, the segments written before the snapshot are retired.
func (s *Store) Checkpoint(ctx context.Context, dir string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	sealed := 0
	if s.journal != nil && filepath.Clean(dir) == filepath.Clean(s.journalFM.Dir()) {
		var err error
		if sealed, err = s.journal.Rotate(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	snaps := make([]tableSnapshot, 0, len(s.tables))
	for _, t := range s.tables {
		snaps = append(snaps, tableSnapshot{
			name:         t.name,
			id:           t.id,
			createString: t.createString,
			config:       t.config,
			tree:         t.tree.Clone(),
		})
	}
	s.mu.Unlock()

	fm, err := file.NewManager(dir)
	if err != nil {
		return err
	}
	defer fm.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	keep := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		keep[snap.id.String()+tableFileSuffix] = true
		g.Go(func() error {
			return writeTableFile(ctx, fm, snap)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	existing, err := fm.List(tableFileSuffix)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if !keep[name] {
			if err := fm.Remove(name); err != nil {
				return err
			}
		}
	}
	if sealed > 0 {
		if err := s.journal.RemoveThrough(sealed); err != nil {
			return fmt.Errorf("checkpoint: retire journal: %w", err)
		}
	}
	s.logger.Info("checkpoint written", "dir", dir, "tables", len(snaps))
	return nil
}

func writeTableFile(ctx context.Context, fm *file.Manager, snap tableSnapshot) error {
	final := snap.id.String() + tableFileSuffix
	tmp := final + tmpSuffix
	if err := fm.Remove(tmp); err != nil {
		return err
	}
	c, err := file.ParseCompression(snap.config.BlockCompressor)
	if err != nil {
		return err
	}

	header := file.NewPage(snap.config.LeafPageMax)
	header.Append([]byte(headerName), []byte(snap.name))
	header.Append([]byte(headerConfig), []byte(snap.createString))
	header.Append([]byte(headerID), []byte(snap.id.String()))
	header.Append([]byte(headerEntries), []byte(strconv.Itoa(snap.tree.Len())))
	if _, err := fm.Append(tmp, header, file.CompressionNone); err != nil {
		return err
	}

	page := file.NewPage(snap.config.LeafPageMax)
	var werr error
	snap.tree.Ascend(func(it item) bool {
		if !page.Fits(it.key, it.val) {
			if werr = ctx.Err(); werr != nil {
				return false
			}
			if _, werr = fm.Append(tmp, page, c); werr != nil {
				return false
			}
			page.Reset()
		}
		page.Append(it.key, it.val)
		return true
	})
	if werr != nil {
		return werr
	}
	if page.Count() > 0 {
		if _, err := fm.Append(tmp, page, c); err != nil {
			return err
		}
	}
	if err := fm.Sync(tmp); err != nil {
		return err
	}
	return fm.Rename(tmp, final)
}

// Open loads a store from a directory written by Checkpoint. A missing or
// empty directory yields an empty store. With WithJournal the journal in
// dir is replayed on top and stays open for new commits.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	s := New(opts...)

	fm, err := file.NewManager(dir)
	if err != nil {
		return nil, err
	}
	defer fm.Close()

	names, err := fm.List(tableFileSuffix)
	if err != nil {
		return nil, err
	}
	tables := make([]*table, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			t, err := readTableFile(ctx, fm, name)
			if err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if _, dup := s.tables[t.name]; dup {
			return nil, fmt.Errorf("%w: table %s stored twice", ErrCorrupt, t.name)
		}
		s.tables[t.name] = t
	}
	if err := s.openJournal(dir); err != nil {
		return nil, err
	}
	s.logger.Info("store loaded", "dir", dir, "tables", len(tables))
	return s, nil
}

func (s *Store) openJournal(dir string) error {
	if !s.opts.journal {
		return nil
	}
	jfm, err := file.NewManager(dir)
	if err != nil {
		return err
	}
	lm, err := log.NewManager(jfm, journalPrefix, 0)
	if err != nil {
		jfm.Close()
		return fmt.Errorf("open journal: %w", err)
	}
	n, err := s.replay(lm)
	if err != nil {
		jfm.Close()
		return fmt.Errorf("replay journal: %w", err)
	}
	if n > 0 {
		s.logger.Info("journal replayed", "records", n, "segments", len(lm.Segments())-1)
	}
	s.journal, s.journalFM = lm, jfm
	return nil
}

func readTableFile(ctx context.Context, fm *file.Manager, filename string) (*table, error) {
	var t *table
	want := -1
	var last []byte
	err := fm.Scan(filename, func(blk *file.BlockID, p *file.Page) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if blk.Number() == 0 {
			hdr := make(map[string]string)
			if err := p.Entries(func(k, v []byte) error {
				hdr[string(k)] = string(v)
				return nil
			}); err != nil {
				return err
			}
			cfg, err := ParseConfig(hdr[headerConfig])
			if err != nil {
				return err
			}
			id, err := uuid.Parse(hdr[headerID])
			if err != nil {
				return fmt.Errorf("%w: table id: %v", ErrCorrupt, err)
			}
			if want, err = strconv.Atoi(hdr[headerEntries]); err != nil {
				return fmt.Errorf("%w: entry count: %v", ErrCorrupt, err)
			}
			t = &table{
				name:         hdr[headerName],
				id:           id,
				createString: hdr[headerConfig],
				config:       cfg,
				tree:         newTree(),
				lastCommit:   make(map[string]uint64),
			}
			return nil
		}
		return p.Entries(func(k, v []byte) error {
			if last != nil && bytes.Compare(last, k) >= 0 {
				return fmt.Errorf("%w: key out of order in %s", ErrCorrupt, blk)
			}
			it := newItem(t, k, v)
			t.tree.ReplaceOrInsert(it)
			last = it.key
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, file.ErrChecksum) || errors.Is(err, file.ErrShortBlock) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, err
	}
	if t == nil || t.name == "" {
		return nil, fmt.Errorf("%w: missing table header", ErrCorrupt)
	}
	if t.tree.Len() != want {
		return nil, fmt.Errorf("%w: %s has %d entries, header says %d", ErrCorrupt, t.name, t.tree.Len(), want)
	}
	return t, nil
}
