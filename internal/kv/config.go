package kv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yashagw/craneidx/internal/file"
)

// ConfigItem is one key=value pair of a configuration string. Nested
// "(...)" values keep their raw text in Value.
type ConfigItem struct {
	Key   string
	Value string
}

// Config is a parsed table creation string.
type Config struct {
	Type              string
	InternalPageMax   int
	LeafPageMax       int
	Checksum          bool
	PrefixCompression bool
	BlockCompressor   string
	KeyFormat         string
	ValueFormat       string
	AppMetadata       string
}

// Block compressor names accepted by block_compressor.
const (
	CompressorNone   = "none"
	CompressorSnappy = "snappy"
	CompressorZstd   = "zstd"
	CompressorLZ4    = "lz4"
)

func isKnownCompressor(name string) bool {
	_, err := file.ParseCompression(name)
	return err == nil
}

const (
	DefaultPageMax = 4 * 1024
	maxPageMax     = 512 * 1024 * 1024
)

func defaultConfig() Config {
	return Config{
		Type:            "file",
		InternalPageMax: DefaultPageMax,
		LeafPageMax:     32 * 1024,
		Checksum:        true,
		BlockCompressor: CompressorNone,
		KeyFormat:       "u",
		ValueFormat:     "u",
	}
}

// ParseConfig parses a table creation string. Later occurrences of a key
// override earlier ones; unknown keys are rejected.
func ParseConfig(s string) (Config, error) {
	items, err := ParseConfigItems(s)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	for _, it := range items {
		switch it.Key {
		case "type":
			if it.Value != "file" {
				return Config{}, fmt.Errorf("%w: unsupported table type %q", ErrInvalidConfig, it.Value)
			}
			cfg.Type = it.Value
		case "internal_page_max":
			if cfg.InternalPageMax, err = parseSize(it); err != nil {
				return Config{}, err
			}
		case "leaf_page_max":
			if cfg.LeafPageMax, err = parseSize(it); err != nil {
				return Config{}, err
			}
		case "checksum":
			if cfg.Checksum, err = parseBool(it); err != nil {
				return Config{}, err
			}
		case "prefix_compression":
			if cfg.PrefixCompression, err = parseBool(it); err != nil {
				return Config{}, err
			}
		case "block_compressor":
			c := it.Value
			if c == "" {
				c = CompressorNone
			}
			if !isKnownCompressor(c) {
				return Config{}, fmt.Errorf("%w: unknown block_compressor %q", ErrInvalidConfig, it.Value)
			}
			cfg.BlockCompressor = c
		case "key_format", "value_format":
			if it.Value != "u" {
				return Config{}, fmt.Errorf("%w: %s must be \"u\", got %q", ErrInvalidConfig, it.Key, it.Value)
			}
			if it.Key == "key_format" {
				cfg.KeyFormat = it.Value
			} else {
				cfg.ValueFormat = it.Value
			}
		case "app_metadata":
			cfg.AppMetadata = it.Value
		default:
			return Config{}, fmt.Errorf("%w: unknown configuration key %q", ErrInvalidConfig, it.Key)
		}
	}
	return cfg, nil
}

// ParseConfigItems splits a configuration string into its top-level
// items. Values may be bare tokens, quoted strings, or balanced groups
// opened by '(', '{' or '['; commas inside groups and quotes do not split.
func ParseConfigItems(s string) ([]ConfigItem, error) {
	var items []ConfigItem
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			if strings.ContainsRune("(){}[]\"", rune(s[i])) {
				return nil, fmt.Errorf("%w: unexpected %q in key at offset %d", ErrInvalidConfig, s[i], i)
			}
			i++
		}
		key := strings.TrimSpace(s[start:i])
		if key == "" {
			return nil, fmt.Errorf("%w: empty key at offset %d", ErrInvalidConfig, start)
		}
		if i >= len(s) || s[i] == ',' {
			items = append(items, ConfigItem{Key: key, Value: "true"})
			continue
		}
		i++ // '='
		end, err := scanValue(s, i)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(s[i:end])
		if len(val) >= 2 && val[0] == '(' && val[len(val)-1] == ')' {
			val = val[1 : len(val)-1]
		} else if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		items = append(items, ConfigItem{Key: key, Value: val})
		i = end
	}
	return items, nil
}

// scanValue returns the offset just past the value starting at i.
func scanValue(s string, i int) (int, error) {
	var stack []byte
	inQuote := false
	for ; i < len(s); i++ {
		c := s[i]
		if inQuote {
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '(', '{', '[':
			stack = append(stack, c)
		case ')', '}', ']':
			if len(stack) == 0 || !matches(stack[len(stack)-1], c) {
				return 0, fmt.Errorf("%w: unbalanced %q at offset %d", ErrInvalidConfig, c, i)
			}
			stack = stack[:len(stack)-1]
		case ',':
			if len(stack) == 0 {
				return i, nil
			}
		}
	}
	if inQuote || len(stack) > 0 {
		return 0, fmt.Errorf("%w: unterminated value", ErrInvalidConfig)
	}
	return i, nil
}

func matches(open, close byte) bool {
	return (open == '(' && close == ')') || (open == '{' && close == '}') || (open == '[' && close == ']')
}

func parseSize(it ConfigItem) (int, error) {
	v := strings.ToLower(it.Value)
	mult := 1
	switch {
	case strings.HasSuffix(v, "kb"), strings.HasSuffix(v, "k"):
		mult = 1024
	case strings.HasSuffix(v, "mb"), strings.HasSuffix(v, "m"):
		mult = 1024 * 1024
	}
	v = strings.TrimRight(v, "kmb")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n*mult > maxPageMax {
		return 0, fmt.Errorf("%w: invalid size %s=%q", ErrInvalidConfig, it.Key, it.Value)
	}
	return n * mult, nil
}

func parseBool(it ConfigItem) (bool, error) {
	switch it.Value {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: invalid boolean %s=%q", ErrInvalidConfig, it.Key, it.Value)
}

// ValidateCreationOptions checks that s parses as a table creation string.
func ValidateCreationOptions(s string) error {
	_, err := ParseConfig(s)
	return err
}
