package kv

import "sync"

type intentKey struct {
	table string
	key   string
}

// intentTable records which transaction holds the write intent on each
// key. Intents are exclusive and never waited on: a second writer gets
// ErrConflict immediately and is expected to roll back and retry.
type intentTable struct {
	mu     sync.Mutex
	owners map[intentKey]uint64
}

func newIntentTable() *intentTable {
	return &intentTable{
		owners: make(map[intentKey]uint64),
	}
}

// acquire takes the intent on (table, key) for txnID. Re-acquiring an
// intent already held by txnID is a no-op; it reports whether the intent
// is newly taken.
func (it *intentTable) acquire(table string, key []byte, txnID uint64) (bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	k := intentKey{table: table, key: string(key)}
	owner, held := it.owners[k]
	if held {
		if owner == txnID {
			return false, nil
		}
		return false, ErrConflict
	}
	it.owners[k] = txnID
	return true, nil
}

// release drops every intent in keys held by txnID.
func (it *intentTable) release(keys []intentKey, txnID uint64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for _, k := range keys {
		if it.owners[k] == txnID {
			delete(it.owners, k)
		}
	}
}

// heldOn reports whether any intent is held on table.
func (it *intentTable) heldOn(table string) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	for k := range it.owners {
		if k.table == table {
			return true
		}
	}
	return false
}
