package commands

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// BuiltinCatalog selects the embedded default catalog in LoadCatalog.
const BuiltinCatalog = "builtin"

//go:embed catalog.yaml
var builtinCatalog []byte

// Spec describes one command the edge understands.
type Spec struct {
	Name          string            `yaml:"name" json:"name"`
	Group         string            `yaml:"group" json:"group"`
	Description   string            `yaml:"description" json:"description,omitempty"`
	TimeoutMs     int               `yaml:"timeout_ms" json:"timeout_ms"`
	PayloadSchema map[string]string `yaml:"payload_schema" json:"payload_schema,omitempty"`
}

// Timeout returns the entry's ack timeout, or zero when unset.
func (s Spec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Catalog is an immutable set of command specs.
type Catalog struct {
	specs map[string]Spec
}

type catalogFile struct {
	Commands []Spec `yaml:"commands"`
}

// LoadCatalog reads a YAML catalog from path, or the embedded default when
// path is BuiltinCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == BuiltinCatalog {
		return ParseCatalog(builtinCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(file.Commands) == 0 {
		return nil, errors.New("catalog lists no commands")
	}

	c := &Catalog{specs: make(map[string]Spec, len(file.Commands))}
	for _, spec := range file.Commands {
		if spec.Name == "" {
			return nil, errors.New("catalog entry without a name")
		}
		if _, dup := c.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", spec.Name)
		}
		if spec.TimeoutMs < 0 {
			return nil, fmt.Errorf("catalog entry %q: negative timeout_ms", spec.Name)
		}
		for field, kind := range spec.PayloadSchema {
			switch kind {
			case "int", "float", "str", "bool":
			default:
				return nil, fmt.Errorf("catalog entry %q: field %q has unsupported type %q", spec.Name, field, kind)
			}
		}
		c.specs[spec.Name] = spec
	}
	return c, nil
}

// Lookup returns the catalog entry for name.
func (c *Catalog) Lookup(name string) (Spec, bool) {
	if c == nil {
		return Spec{}, false
	}
	spec, ok := c.specs[name]
	return spec, ok
}

// List returns every spec sorted by name.
func (c *Catalog) List() []Spec {
	if c == nil {
		return []Spec{}
	}
	out := make([]Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidatePayload checks the fields named in the entry's schema. Fields may
// be omitted; extra fields are passed through.
func (s Spec) ValidatePayload(payload json.RawMessage) error {
	if len(s.PayloadSchema) == 0 {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%s expects an object payload", s.Name)
	}

	for field, kind := range s.PayloadSchema {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		if !matchesKind(v, kind) {
			return fmt.Errorf("%s: field %q must be %s", s.Name, field, kind)
		}
	}
	return nil
}

func matchesKind(v any, kind string) bool {
	switch kind {
	case "int":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "float":
		_, ok := v.(float64)
		return ok
	case "str":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	default:
		return false
	}
}
