package catalog

import (
	"github.com/yashagw/craneidx/internal/logger"
)

// Hooks lets an embedding application add table configuration, for
// example encryption settings, per collection.
type Hooks interface {
	OpenConfig(namespace string) string
}

type noHooks struct{}

func (noHooks) OpenConfig(string) string { return "" }

type options struct {
	prefixCompression bool
	blockCompressor   string
	hooks             Hooks
	logger            *logger.Logger
}

func defaultOptions() options {
	return options{
		blockCompressor: "snappy",
		hooks:           noHooks{},
	}
}

// Option configures a Catalog.
type Option func(*options)

// WithPrefixCompression turns on key prefix compression for new index
// tables.
func WithPrefixCompression(on bool) Option {
	return func(o *options) {
		o.prefixCompression = on
	}
}

// WithBlockCompressor sets the block compressor of new index tables: none,
// snappy, zstd or lz4.
func WithBlockCompressor(name string) Option {
	return func(o *options) {
		o.blockCompressor = name
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		if h != nil {
			o.hooks = h
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
