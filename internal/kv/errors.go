package kv

import "errors"

var (
	// ErrNotFound is returned by search, remove, update, next and prev when
	// there is no matching or further entry.
	ErrNotFound = errors.New("kv: not found")
	// ErrDuplicateKey is returned by insert when the key already exists.
	ErrDuplicateKey = errors.New("kv: duplicate key")
	// ErrConflict signals a write-write conflict between transactions. The
	// transaction must be rolled back and the operation retried.
	ErrConflict = errors.New("kv: transaction conflict")
	// ErrBusy is returned when a table is in use and the operation needs
	// exclusive access.
	ErrBusy = errors.New("kv: resource busy")
	// ErrCorrupt reports structural damage found by verify or load.
	ErrCorrupt = errors.New("kv: structural damage")
	// ErrOutOfOrder is returned by a bulk cursor given a key that does not
	// sort after the previous one.
	ErrOutOfOrder = errors.New("kv: bulk insert out of order")

	ErrNoSuchTable    = errors.New("kv: no such table")
	ErrTableExists    = errors.New("kv: table already exists")
	ErrInvalidConfig  = errors.New("kv: invalid configuration")
	ErrSessionClosed  = errors.New("kv: session closed")
	ErrCursorClosed   = errors.New("kv: cursor closed")
	ErrNotPositioned  = errors.New("kv: cursor not positioned")
	ErrTxnActive      = errors.New("kv: transaction already active")
	ErrKeyNotSet      = errors.New("kv: cursor key not set")
	ErrStoreClosed    = errors.New("kv: store closed")
)
