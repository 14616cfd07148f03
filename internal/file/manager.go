package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type openFile struct {
	f      *os.File
	size   int64
	blocks int
}

// Manager manages append-only files of variable-size framed blocks.
// Page is the in-memory representation of a block
// - Append: Page → frame and compress → write at end of file
// - Read: BlockID → read frame → verify and decompress → Page
type Manager struct {
	dir         string
	openedFiles map[string]*openFile
	mu          sync.Mutex
}

// NewManager creates a new file manager for the specified directory
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &Manager{
		dir:         dir,
		openedFiles: make(map[string]*openFile),
	}, nil
}

// Dir returns the managed directory.
func (fm *Manager) Dir() string {
	return fm.dir
}

// Append writes p as a new block at the end of filename and returns its BlockID.
func (fm *Manager) Append(filename string, p *Page, c Compression) (*BlockID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	of, err := fm.getFile(filename)
	if err != nil {
		return nil, err
	}
	framed, err := EncodeBlock(p.Bytes(), c)
	if err != nil {
		return nil, err
	}
	blk := NewBlockID(filename, of.blocks, of.size)
	if _, err := of.f.WriteAt(framed, of.size); err != nil {
		return nil, fmt.Errorf("cannot append block %s: %w", blk, err)
	}
	of.size += int64(len(framed))
	of.blocks++
	return blk, nil
}

// Read loads the block at blk.
func (fm *Manager) Read(blk *BlockID) (*Page, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	of, err := fm.getFile(blk.Filename())
	if err != nil {
		return nil, err
	}
	if blk.Offset() < 0 || blk.Offset() >= of.size {
		return nil, fmt.Errorf("cannot read block %s: file has %d bytes", blk, of.size)
	}
	page, _, err := readBlockAt(of.f, blk.Offset())
	if err != nil {
		return nil, fmt.Errorf("cannot read block %s: %w", blk, err)
	}
	return page, nil
}

// ReadNext loads the block at blk and returns it together with the id of
// the block that follows it.
func (fm *Manager) ReadNext(blk *BlockID) (*Page, *BlockID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	of, err := fm.getFile(blk.Filename())
	if err != nil {
		return nil, nil, err
	}
	if blk.Offset() < 0 || blk.Offset() >= of.size {
		return nil, nil, fmt.Errorf("cannot read block %s: file has %d bytes", blk, of.size)
	}
	page, length, err := readBlockAt(of.f, blk.Offset())
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read block %s: %w", blk, err)
	}
	return page, NewBlockID(blk.Filename(), blk.Number()+1, blk.Offset()+int64(length)), nil
}

// Scan calls fn for every block of filename in order.
func (fm *Manager) Scan(filename string, fn func(blk *BlockID, p *Page) error) error {
	fm.mu.Lock()
	of, err := fm.getFile(filename)
	fm.mu.Unlock()
	if err != nil {
		return err
	}

	var off int64
	for n := 0; off < of.size; n++ {
		page, length, err := readBlockAt(of.f, off)
		if err != nil {
			return fmt.Errorf("block %d of %s: %w", n, filename, err)
		}
		if err := fn(NewBlockID(filename, n, off), page); err != nil {
			return err
		}
		off += int64(length)
	}
	return nil
}

func readBlockAt(f *os.File, off int64) (*Page, int, error) {
	hdr := make([]byte, blockHeaderSize)
	if _, err := f.ReadAt(hdr, off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, ErrShortBlock
		}
		return nil, 0, err
	}
	length, err := blockLen(hdr)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, ErrShortBlock
		}
		return nil, 0, err
	}
	data, err := DecodeBlock(buf)
	if err != nil {
		return nil, 0, err
	}
	return NewPageFromBytes(data), length, nil
}

// GetTotalBlocks returns the number of blocks in the specified file
func (fm *Manager) GetTotalBlocks(filename string) (int, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	of, err := fm.getFile(filename)
	if err != nil {
		return 0, err
	}
	return of.blocks, nil
}

// Sync flushes filename to stable storage.
func (fm *Manager) Sync(filename string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	of, ok := fm.openedFiles[filename]
	if !ok {
		return nil
	}
	return of.f.Sync()
}

// Rename closes both files and atomically moves from over to.
func (fm *Manager) Rename(from, to string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.closeFile(from)
	fm.closeFile(to)
	return os.Rename(filepath.Join(fm.dir, from), filepath.Join(fm.dir, to))
}

// Remove deletes filename if it exists.
func (fm *Manager) Remove(filename string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.closeFile(filename)
	err := os.Remove(filepath.Join(fm.dir, filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the sorted names of files in the directory with suffix.
func (fm *Manager) List(suffix string) ([]string, error) {
	entries, err := os.ReadDir(fm.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close closes all opened files
func (fm *Manager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var errs []error
	for name, of := range fm.openedFiles {
		if err := of.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file %s: %w", name, err))
		}
		delete(fm.openedFiles, name)
	}
	return errors.Join(errs...)
}

func (fm *Manager) closeFile(filename string) {
	if of, ok := fm.openedFiles[filename]; ok {
		_ = of.f.Close()
		delete(fm.openedFiles, filename)
	}
}

// getFile returns the file with the specified filename, creating it if it
// does not exist. Opening an existing file counts its blocks.
func (fm *Manager) getFile(filename string) (*openFile, error) {
	if of, ok := fm.openedFiles[filename]; ok {
		return of, nil
	}

	f, err := os.OpenFile(filepath.Join(fm.dir, filename), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	of := &openFile{f: f, size: fi.Size()}
	hdr := make([]byte, blockHeaderSize)
	for off := int64(0); off < of.size; of.blocks++ {
		if _, err := f.ReadAt(hdr, off); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: block %d: %w", filename, of.blocks, ErrShortBlock)
		}
		n, err := blockLen(hdr)
		if err != nil {
			f.Close()
			return nil, err
		}
		off += int64(n)
	}
	fm.openedFiles[filename] = of
	return of, nil
}
