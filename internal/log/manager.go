// Package log is an append-only record journal split into numbered
// segment files. Records are buffered in a page and written as one block
// when the page fills or the journal is flushed.
package log

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/yashagw/craneidx/internal/file"
)

const segmentSuffix = ".log"

// DefaultBlockSize is the page limit used when none is given.
const DefaultBlockSize = 32 * 1024

// Manager appends records to the current segment and hands out iterators
// over every segment still on disk.
type Manager struct {
	fileManager  *file.Manager
	prefix       string
	blockSize    int
	logPage      *file.Page
	segments     []int
	current      int
	latestLSN    uint64
	lastSavedLSN uint64
	mu           sync.Mutex
}

// NewManager opens the journal named prefix in fm's directory. Existing
// segments are kept for replay and new records go to a fresh segment
// numbered after the last one. The LSN sequence continues from the
// records already on disk.
func NewManager(fm *file.Manager, prefix string, blockSize int) (*Manager, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	names, err := fm.List(segmentSuffix)
	if err != nil {
		return nil, fmt.Errorf("not able to list log segments: %w", err)
	}

	lm := &Manager{
		fileManager: fm,
		prefix:      prefix,
		blockSize:   blockSize,
		logPage:     file.NewPage(blockSize),
	}
	for _, name := range names {
		if n, ok := lm.parseSegment(name); ok {
			lm.segments = append(lm.segments, n)
		}
	}

	// Segment names are zero padded, so List already returns them in order.
	for _, n := range lm.segments {
		err := fm.Scan(lm.segmentName(n), func(_ *file.BlockID, p *file.Page) error {
			return p.Entries(func(k, _ []byte) error {
				if len(k) != 8 {
					return fmt.Errorf("%w: bad lsn in segment %d", file.ErrShortBlock, n)
				}
				lm.latestLSN = max(lm.latestLSN, binary.BigEndian.Uint64(k))
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("not able to read log segment %d: %w", n, err)
		}
		lm.current = n
	}
	lm.current++
	lm.segments = append(lm.segments, lm.current)
	lm.lastSavedLSN = lm.latestLSN
	return lm, nil
}

func (lm *Manager) segmentName(n int) string {
	return fmt.Sprintf("%s-%06d%s", lm.prefix, n, segmentSuffix)
}

func (lm *Manager) parseSegment(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, lm.prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(rest, segmentSuffix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Close flushes the log.
func (lm *Manager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.flush()
}

// Flush writes the buffered records to disk if lsn has not been saved yet.
func (lm *Manager) Flush(lsn uint64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lsn > lm.lastSavedLSN {
		return lm.flush()
	}
	return nil
}

// flush writes the current page as a block and syncs the segment. The
// caller holds lm.mu.
func (lm *Manager) flush() error {
	if lm.logPage.Count() == 0 {
		return nil
	}
	name := lm.segmentName(lm.current)
	if _, err := lm.fileManager.Append(name, lm.logPage, file.CompressionNone); err != nil {
		return fmt.Errorf("not able to write log page to disk: %w", err)
	}
	if err := lm.fileManager.Sync(name); err != nil {
		return fmt.Errorf("not able to sync log segment: %w", err)
	}
	lm.logPage.Reset()
	lm.lastSavedLSN = lm.latestLSN
	return nil
}

// Append buffers a record and returns the LSN assigned to it. A record
// that does not fit the current page first flushes the page.
func (lm *Manager) Append(rec []byte) (uint64, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var lsn [8]byte
	binary.BigEndian.PutUint64(lsn[:], lm.latestLSN+1)
	if !lm.logPage.Fits(lsn[:], rec) {
		if err := lm.flush(); err != nil {
			return 0, err
		}
	}
	lm.logPage.Append(lsn[:], rec)
	lm.latestLSN++
	return lm.latestLSN, nil
}

// Rotate flushes the current segment, seals it and starts a new one. It
// returns the number of the sealed segment.
func (lm *Manager) Rotate() (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.flush(); err != nil {
		return 0, err
	}
	sealed := lm.current
	lm.current++
	lm.segments = append(lm.segments, lm.current)
	return sealed, nil
}

// RemoveThrough deletes every segment numbered upTo or lower.
func (lm *Manager) RemoveThrough(upTo int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if upTo >= lm.current {
		return errors.New("cannot remove the active log segment")
	}
	kept := lm.segments[:0]
	for _, n := range lm.segments {
		if n > upTo {
			kept = append(kept, n)
			continue
		}
		if err := lm.fileManager.Remove(lm.segmentName(n)); err != nil {
			return err
		}
	}
	lm.segments = kept
	return nil
}

// Segments returns the numbers of the segments on disk or in use.
func (lm *Manager) Segments() []int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return append([]int(nil), lm.segments...)
}

// LatestLSN returns the LSN of the last appended record.
func (lm *Manager) LatestLSN() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.latestLSN
}

// Iterator flushes the log and returns an iterator over every record,
// oldest first.
func (lm *Manager) Iterator() (*Iterator, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.flush(); err != nil {
		return nil, fmt.Errorf("not able to flush log page to disk: %w", err)
	}
	names := make([]string, len(lm.segments))
	for i, n := range lm.segments {
		names[i] = lm.segmentName(n)
	}
	return newIterator(lm.fileManager, names), nil
}
