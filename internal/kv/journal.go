package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/yashagw/craneidx/internal/log"
)

const journalPrefix = "journal"

// Journal record types.
const (
	recCreate byte = iota + 1
	recDrop
	recCommit
	recBulk
)

// journalWrite is one key of a committed transaction. Bulk records leave
// table empty since they name their table once.
type journalWrite struct {
	table string
	key   []byte
	val   []byte
	del   bool
}

type journalRecord struct {
	op     byte
	table  string
	config string
	id     uuid.UUID
	writes []journalWrite
}

func appendBytes(b, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

// encode lays a record out as
//
//	create: op table config id
//	drop:   op table
//	commit: op "" count (table live key [val])*
//	bulk:   op table count (key val)*
//
// with every byte string prefixed by its uvarint length. A commit spans
// every table the transaction wrote so it replays atomically.
func (r *journalRecord) encode() []byte {
	b := []byte{r.op}
	b = appendBytes(b, []byte(r.table))
	switch r.op {
	case recCreate:
		b = appendBytes(b, []byte(r.config))
		b = appendBytes(b, r.id[:])
	case recCommit:
		b = binary.AppendUvarint(b, uint64(len(r.writes)))
		for _, w := range r.writes {
			b = appendBytes(b, []byte(w.table))
			if w.del {
				b = append(b, 0)
				b = appendBytes(b, w.key)
				continue
			}
			b = append(b, 1)
			b = appendBytes(b, w.key)
			b = appendBytes(b, w.val)
		}
	case recBulk:
		b = binary.AppendUvarint(b, uint64(len(r.writes)))
		for _, w := range r.writes {
			b = appendBytes(b, w.key)
			b = appendBytes(b, w.val)
		}
	}
	return b
}

type journalReader struct {
	b   []byte
	err error
}

func (r *journalReader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.err = fmt.Errorf("%w: truncated journal record", ErrCorrupt)
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *journalReader) readUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad journal length", ErrCorrupt)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *journalReader) readBytes() []byte {
	n := r.readUvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.b)) < n {
		r.err = fmt.Errorf("%w: truncated journal record", ErrCorrupt)
		return nil
	}
	v := r.b[:n:n]
	r.b = r.b[n:]
	return v
}

func decodeJournalRecord(data []byte) (*journalRecord, error) {
	r := &journalReader{b: data}
	rec := &journalRecord{op: r.readByte()}
	rec.table = string(r.readBytes())
	switch rec.op {
	case recCreate:
		rec.config = string(r.readBytes())
		if raw := r.readBytes(); r.err == nil {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: table id: %v", ErrCorrupt, err)
			}
			rec.id = id
		}
	case recDrop:
	case recCommit:
		n := r.readUvarint()
		for i := uint64(0); i < n && r.err == nil; i++ {
			w := journalWrite{table: string(r.readBytes())}
			w.del = r.readByte() == 0
			w.key = r.readBytes()
			if !w.del {
				w.val = r.readBytes()
			}
			rec.writes = append(rec.writes, w)
		}
	case recBulk:
		n := r.readUvarint()
		for i := uint64(0); i < n && r.err == nil; i++ {
			w := journalWrite{key: r.readBytes()}
			w.val = r.readBytes()
			rec.writes = append(rec.writes, w)
		}
	default:
		return nil, fmt.Errorf("%w: unknown journal record type %d", ErrCorrupt, rec.op)
	}
	if r.err != nil {
		return nil, r.err
	}
	return rec, nil
}

// logRecord appends rec to the journal and waits for it to reach disk.
// Stores without a journal skip it. Callers hold s.mu.
func (s *Store) logRecord(rec *journalRecord) error {
	if s.journal == nil {
		return nil
	}
	lsn, err := s.journal.Append(rec.encode())
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return s.journal.Flush(lsn)
}

// replay applies every journal record on top of the loaded checkpoint.
// Records are idempotent so segments the checkpoint already covers replay
// harmlessly. Writes to a missing table are skipped: the table was dropped
// by a later record or before the checkpoint.
func (s *Store) replay(lm *log.Manager) (int, error) {
	it, err := lm.Iterator()
	if err != nil {
		return 0, err
	}
	n := 0
	for rec, ok := it.Next(); ok; rec, ok = it.Next() {
		jr, err := decodeJournalRecord(rec.Data)
		if err != nil {
			return n, fmt.Errorf("journal lsn %d: %w", rec.LSN, err)
		}
		if err := s.apply(jr); err != nil {
			return n, fmt.Errorf("journal lsn %d: %w", rec.LSN, err)
		}
		n++
	}
	return n, it.Err()
}

func (s *Store) apply(rec *journalRecord) error {
	switch rec.op {
	case recCreate:
		if _, ok := s.tables[rec.table]; ok {
			return nil
		}
		cfg, err := ParseConfig(rec.config)
		if err != nil {
			return err
		}
		s.tables[rec.table] = &table{
			name:         rec.table,
			id:           rec.id,
			createString: rec.config,
			config:       cfg,
			tree:         newTree(),
			lastCommit:   make(map[string]uint64),
		}
	case recDrop:
		delete(s.tables, rec.table)
	case recCommit:
		for _, w := range rec.writes {
			t, ok := s.tables[w.table]
			if !ok {
				continue
			}
			if w.del {
				t.tree.Delete(item{key: w.key})
				continue
			}
			t.tree.ReplaceOrInsert(newItem(t, w.key, w.val))
		}
	case recBulk:
		t, ok := s.tables[rec.table]
		if !ok {
			return nil
		}
		t.tree = newTree()
		for _, w := range rec.writes {
			t.tree.ReplaceOrInsert(newItem(t, w.key, w.val))
		}
	}
	return nil
}
