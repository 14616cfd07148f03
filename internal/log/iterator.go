package log

import (
	"encoding/binary"
	"fmt"

	"github.com/yashagw/craneidx/internal/file"
)

// Record is one journal entry.
type Record struct {
	LSN  uint64
	Data []byte
}

// Iterator walks the records of a list of segments, oldest first. It
// loads one block at a time.
//
// Iteration strategy:
//   - Segments are visited in the order given
//   - Within a segment, blocks are read front to back
//   - Within a block, records come out in append order
type Iterator struct {
	fm       *file.Manager
	segments []string
	seg      int
	blocks   int
	blk      *file.BlockID
	pending  []Record
	err      error
}

func newIterator(fm *file.Manager, segments []string) *Iterator {
	return &Iterator{fm: fm, segments: segments, seg: -1}
}

// Next returns the next record, or false when the journal is exhausted or
// a read failed. Check Err afterwards.
func (it *Iterator) Next() (Record, bool) {
	for len(it.pending) == 0 {
		if it.err != nil || !it.loadBlock() {
			return Record{}, false
		}
	}
	rec := it.pending[0]
	it.pending = it.pending[1:]
	return rec, true
}

// Err returns the first error hit while reading.
func (it *Iterator) Err() error {
	return it.err
}

// loadBlock reads the next block into pending, moving on to the next
// segment when the current one is done.
func (it *Iterator) loadBlock() bool {
	for it.seg < 0 || it.blk.Number() >= it.blocks {
		it.seg++
		if it.seg >= len(it.segments) {
			return false
		}
		n, err := it.fm.GetTotalBlocks(it.segments[it.seg])
		if err != nil {
			it.err = err
			return false
		}
		it.blocks = n
		it.blk = file.NewBlockID(it.segments[it.seg], 0, 0)
	}

	blk := it.blk
	page, next, err := it.fm.ReadNext(blk)
	if err != nil {
		it.err = err
		return false
	}
	err = page.Entries(func(k, v []byte) error {
		if len(k) != 8 {
			return fmt.Errorf("%w: bad lsn in %s", file.ErrShortBlock, blk)
		}
		it.pending = append(it.pending, Record{
			LSN:  binary.BigEndian.Uint64(k),
			Data: append([]byte(nil), v...),
		})
		return nil
	})
	if err != nil {
		it.err = err
		return false
	}
	it.blk = next
	return true
}
