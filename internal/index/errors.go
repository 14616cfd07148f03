package index

import (
	"errors"
	"fmt"

	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/value"
)

// MaxKeySize bounds the encoded size of an index key. Pages are sized so
// that keys below it never overflow.
const MaxKeySize = 1024

// Index format versions accepted when opening an index table.
const (
	MinFormatVersion     = 6
	MaxFormatVersion     = 6
	CurrentFormatVersion = 6
)

var (
	ErrKeyTooLong        = errors.New("key too long")
	ErrKeyFieldCount     = errors.New("key field count does not match the key pattern")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidOptions    = errors.New("invalid options")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNotInTransaction  = errors.New("operation requires an active transaction")
	ErrCursorDetached    = errors.New("cursor is detached from its session")
	ErrInvalidSeekPoint  = errors.New("invalid seek point")

	// ErrFatal marks structural corruption or a broken invariant. Callers
	// must stop the process rather than retry.
	ErrFatal = errors.New("fatal index error")
)

// DuplicateKeyError reports a unique constraint violation.
type DuplicateKeyError struct {
	Namespace string
	Index     string
	Key       value.Key
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("E11000 duplicate key error collection: %s index: %s dup key: %s", e.Namespace, e.Index, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error {
	return ErrDuplicateKey
}

// FatalError is a non-recoverable failure. Code identifies the failed
// assertion when there is one.
type FatalError struct {
	Code int
	Op   string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("fatal assertion %d: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

// IsFatal reports whether err must halt the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func fatal(code int, op string, err error) error {
	return &FatalError{Code: code, Op: op, Err: err}
}

// storeErr maps a store status to an index error. Conflicts propagate so
// the caller can retry the whole operation; anything else the store
// reports is structural damage.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kv.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fatal(0, op, err)
}

// statusCode maps a store error to a numeric code for diagnostics.
func statusCode(err error) int {
	switch {
	case errors.Is(err, kv.ErrNoSuchTable), errors.Is(err, kv.ErrNotFound):
		return 2
	case errors.Is(err, kv.ErrBusy):
		return 16
	case errors.Is(err, kv.ErrInvalidConfig):
		return 22
	}
	return 1
}
