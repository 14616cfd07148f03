package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yashagw/craneidx/internal/index"
	"github.com/yashagw/craneidx/internal/kv"
)

// EngineName keys this store's options inside Descriptor.StorageEngine.
const EngineName = "craneidx"

// ParseIndexOptions turns the engine options of an index descriptor into
// table configuration. configString is the only accepted field and must
// itself be a valid creation string.
func ParseIndexOptions(opts map[string]any) (string, error) {
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		if name != "configString" {
			return "", fmt.Errorf("%w: '%s' is not a supported option.", index.ErrInvalidOptions, name)
		}
		s, ok := opts[name].(string)
		if !ok {
			return "", fmt.Errorf("%w: 'configString' must be a string, got %T", index.ErrInvalidOptions, opts[name])
		}
		if err := kv.ValidateCreationOptions(s); err != nil {
			return "", fmt.Errorf("%w: configString: %v", index.ErrInvalidOptions, err)
		}
		sb.WriteString(s)
		sb.WriteByte(',')
	}
	return sb.String(), nil
}

// GenerateCreateString builds the table configuration for a new index.
// extraConfig and the descriptor's engine options may override the page
// and compression defaults; the key and value formats and the metadata
// come last and cannot be overridden.
func (c *Catalog) GenerateCreateString(extraConfig string, desc *Descriptor) (string, error) {
	var sb strings.Builder

	// Page sizes keep keys up to index.MaxKeySize from overflowing.
	sb.WriteString("type=file,internal_page_max=16k,leaf_page_max=16k,")
	sb.WriteString("checksum=on,")
	if c.opts.prefixCompression {
		sb.WriteString("prefix_compression=true,")
	}
	fmt.Fprintf(&sb, "block_compressor=%s,", c.opts.blockCompressor)
	sb.WriteString(c.opts.hooks.OpenConfig(desc.Namespace))
	sb.WriteString(extraConfig)

	if engine, ok := desc.StorageEngine[EngineName]; ok {
		parsed, err := ParseIndexOptions(engine)
		if err != nil {
			return "", err
		}
		if parsed != "" {
			sb.WriteString(",")
			sb.WriteString(parsed)
		}
	}

	sb.WriteString(",key_format=u,value_format=u")

	infoObj, err := desc.InfoJSON()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, ",app_metadata=(formatVersion=%d,infoObj=%s),", index.CurrentFormatVersion, infoObj)

	cfg := sb.String()
	c.logger.Debug("index create string", "index", desc.FullName(), "config", cfg)
	return cfg, nil
}
