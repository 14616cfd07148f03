package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/yashagw/craneidx/internal/index"
	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/value"
)

// IndexVersion is the version recorded in every descriptor's info object.
const IndexVersion = 2

// Descriptor describes one index of a collection.
type Descriptor struct {
	Namespace  string
	Name       string
	KeyPattern value.Key
	Unique     bool

	// StorageEngine holds per-engine creation options keyed by engine
	// name. Only EngineName is consulted.
	StorageEngine map[string]map[string]any
}

// info is the JSON form stored as infoObj in the table's app_metadata.
type info struct {
	Version       int                       `json:"v"`
	Key           value.Key                 `json:"key"`
	Name          string                    `json:"name"`
	Namespace     string                    `json:"ns"`
	Unique        bool                      `json:"unique,omitempty"`
	StorageEngine map[string]map[string]any `json:"storageEngine,omitempty"`
}

// FullName identifies the index across collections.
func (d *Descriptor) FullName() string {
	return d.Namespace + "." + d.Name
}

// InfoJSON renders the descriptor as stored in the table metadata.
func (d *Descriptor) InfoJSON() (string, error) {
	data, err := json.Marshal(info{
		Version:       IndexVersion,
		Key:           d.KeyPattern,
		Name:          d.Name,
		Namespace:     d.Namespace,
		Unique:        d.Unique,
		StorageEngine: d.StorageEngine,
	})
	if err != nil {
		return "", fmt.Errorf("encode descriptor %s: %w", d.FullName(), err)
	}
	return string(data), nil
}

func parseInfo(raw string) (*Descriptor, error) {
	var in info
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode index descriptor: %w", err)
	}
	if in.Name == "" || in.Namespace == "" || len(in.Key) == 0 {
		return nil, fmt.Errorf("decode index descriptor: missing name, ns or key")
	}
	return &Descriptor{
		Namespace:     in.Namespace,
		Name:          in.Name,
		KeyPattern:    in.Key,
		Unique:        in.Unique,
		StorageEngine: in.StorageEngine,
	}, nil
}

func (d *Descriptor) validate() error {
	switch {
	case d.Namespace == "":
		return fmt.Errorf("%w: index %q has no namespace", index.ErrInvalidOptions, d.Name)
	case d.Name == "":
		return fmt.Errorf("%w: index on %s has no name", index.ErrInvalidOptions, d.Namespace)
	case len(d.KeyPattern) == 0:
		return fmt.Errorf("%w: index %s has an empty key pattern", index.ErrInvalidOptions, d.FullName())
	case len(d.KeyPattern) > keystring.MaxFields:
		return fmt.Errorf("%w: index %s has %d key fields, at most %d are allowed",
			index.ErrInvalidOptions, d.FullName(), len(d.KeyPattern), keystring.MaxFields)
	}
	return nil
}

func (d *Descriptor) spec(uri string) index.Spec {
	return index.Spec{
		URI:        uri,
		Namespace:  d.Namespace,
		Name:       d.Name,
		KeyPattern: d.KeyPattern,
		Unique:     d.Unique,
	}
}
