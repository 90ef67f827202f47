// internal/route/metadata.go
//
// YAML metadata model for route definitions.
//
// Context
// -------
// Each route is authored as two files: `<name>.sql` (the query) and
// `<name>.yaml` (this structure).  The YAML side declares parameters,
// caching behaviour, override policy, append mode, preprocess chain,
// inter-route dependencies, and free-form view configuration.  The
// compiler in compile.go normalises all of it into a Definition.
//
// Notes
// -----
// • StringList accepts a scalar or a sequence in YAML; both become a
//   []string.  `order_by: day` and `order_by: [day, region]` are both
//   legal.
// • Unknown top-level keys are preserved in Definition.Extra so view
//   renderers can reach chart and layout config without a schema change.
package route

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/yanizio/querydeck/internal/param"
)

// Metadata mirrors the YAML sidecar.
type Metadata struct {
	ID      string       `yaml:"id"`
	Path    string       `yaml:"path"`
	Methods []string     `yaml:"methods"`
	Params  []param.Spec `yaml:"params"`

	Cache      CacheMeta        `yaml:"cache"`
	Overrides  OverrideMeta     `yaml:"overrides"`
	Append     AppendMeta       `yaml:"append"`
	Preprocess []PreprocessMeta `yaml:"preprocess"`
	Uses       []UseMeta        `yaml:"uses"`
}

// StringList unmarshals from either a YAML scalar or a sequence.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var one string
		if err := node.Decode(&one); err != nil {
			return err
		}
		if one == "" {
			*s = nil
			return nil
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	}
	return fmt.Errorf("expected scalar or sequence, got yaml kind %d", node.Kind)
}

// CacheMeta is the raw cache block.  Zero value means "no cache block",
// which compiles to passthrough.
type CacheMeta struct {
	Mode             string                `yaml:"mode"`
	OrderBy          StringList            `yaml:"order_by"`
	RowsPerPage      int                   `yaml:"rows_per_page"`
	InvariantFilters []InvariantFilterMeta `yaml:"invariant_filters"`

	present bool // block appeared in YAML or via directives
}

func (c *CacheMeta) UnmarshalYAML(node *yaml.Node) error {
	type plain CacheMeta
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CacheMeta(p)
	c.present = true
	return nil
}

// InvariantFilterMeta declares one parameter whose SQL effect is a pure
// post-filter on a column.
type InvariantFilterMeta struct {
	Param           string `yaml:"param"`
	Column          string `yaml:"column"`
	Separator       string `yaml:"separator"`
	CaseInsensitive bool   `yaml:"case_insensitive"`
}

// OverrideMeta is the raw overrides block.
type OverrideMeta struct {
	KeyColumns StringList `yaml:"key_columns"`
	Allowed    StringList `yaml:"allowed"`
}

// AppendMeta is the raw append block.  Presence of the block with an
// empty Name is a compile error.
type AppendMeta struct {
	Name    string `yaml:"name"`
	present bool
}

func (a *AppendMeta) UnmarshalYAML(node *yaml.Node) error {
	type plain AppendMeta
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	a.Name = p.Name
	a.present = true
	return nil
}

// PreprocessMeta is one entry of the preprocess chain, in any of the
// accepted spellings.
type PreprocessMeta struct {
	Callable       string         `yaml:"callable"` // legacy "pkg.mod:func"
	CallableModule string         `yaml:"callable_module"`
	CallablePath   string         `yaml:"callable_path"`
	CallableName   string         `yaml:"callable_name"`
	Options        map[string]any `yaml:"options"`
}

// UseMeta declares a dependency on another route.  Args values may be
// literals or `$name` references into the current parameter map.
type UseMeta struct {
	Alias string            `yaml:"alias"`
	Call  string            `yaml:"call"`
	Mode  string            `yaml:"mode"`
	Args  map[string]string `yaml:"args"`
}

// ParseMetadata decodes the YAML sidecar twice: once into the typed
// Metadata, once into a generic map whose unclaimed keys end up in
// Definition.Extra.
func ParseMetadata(raw []byte) (Metadata, map[string]any, error) {
	var meta Metadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("metadata yaml: %w", err)
	}

	var all map[string]any
	if err := yaml.Unmarshal(raw, &all); err != nil {
		return Metadata{}, nil, fmt.Errorf("metadata yaml: %w", err)
	}
	for _, claimed := range []string{
		"id", "path", "methods", "params",
		"cache", "overrides", "append", "preprocess", "uses",
	} {
		delete(all, claimed)
	}
	return meta, all, nil
}
