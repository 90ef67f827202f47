// internal/param/param.go
//
// Route parameter declarations and value coercion.
//
// Context
// -------
// Every route declares its parameters in the YAML sidecar: a name, one of
// six value types, optional default, and UI hints for form rendering.
// Incoming HTTP values are strings; `Coerce` turns them into typed Go
// values in one deterministic pass so the executor, the cache fingerprint,
// and the share store all see identical bindings for identical requests.
//
// The ladder per declared parameter:
//
//  1. Raw value present          → Convert (failure = invalid_parameter).
//  2. No raw value, has default  → use the default.
//  3. No default, required       → missing_parameter.
//  4. Otherwise                  → bind SQL NULL (nil).
//
// Incoming keys that no spec declares are retained untouched as strings;
// preprocessors may consume them.
//
// Notes
// -----
// • date values normalise to midnight UTC, datetime to UTC.
// • Oxford commas, two spaces after periods.
package param

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yanizio/querydeck/internal/qerr"
)

// Type enumerates the six parameter value types.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
)

// ParseType validates a type string from YAML.  Empty defaults to string.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return TypeString, nil
	case TypeString:
		return TypeString, nil
	case TypeInteger:
		return TypeInteger, nil
	case TypeFloat:
		return TypeFloat, nil
	case TypeBoolean:
		return TypeBoolean, nil
	case TypeDate:
		return TypeDate, nil
	case TypeDatetime:
		return TypeDatetime, nil
	default:
		return "", fmt.Errorf("unknown parameter type %q", s)
	}
}

// Spec declares one route parameter.  UI fields are pass-through hints
// for form rendering and never influence execution.
type Spec struct {
	Name        string   `yaml:"name"`
	Type        Type     `yaml:"type"`
	Required    bool     `yaml:"required"`
	Default     any      `yaml:"default"`
	Description string   `yaml:"description"`
	UIControl   string   `yaml:"ui_control"`
	UILabel     string   `yaml:"ui_label"`
	Options     []string `yaml:"options"`
	Placeholder string   `yaml:"placeholder"`
}

/*──────────────────────────── conversion ──────────────────────────────────*/

// Layouts accepted for datetime input, tried in order.  A bare date
// means midnight UTC.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Convert coerces one raw string into the spec's Go type.  Failure is
// always tagged invalid_parameter.
func (s Spec) Convert(raw string) (any, error) {
	switch s.Type {
	case TypeString, "":
		return raw, nil

	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, qerr.InvalidParameter(s.Name, "integer", err)
		}
		return n, nil

	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, qerr.InvalidParameter(s.Name, "float", err)
		}
		return f, nil

	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, qerr.InvalidParameter(s.Name, "boolean", fmt.Errorf("%q not in true/false/1/0/yes/no", raw))

	case TypeDate:
		t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), time.UTC)
		if err != nil {
			return nil, qerr.InvalidParameter(s.Name, "date", err)
		}
		return t, nil

	case TypeDatetime:
		trimmed := strings.TrimSpace(raw)
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, qerr.InvalidParameter(s.Name, "datetime", fmt.Errorf("%q matches no accepted layout", raw))
	}
	return nil, qerr.InvalidParameter(s.Name, string(s.Type), fmt.Errorf("unhandled type"))
}

// NormalizeDefault coerces a YAML-decoded default into the spec's Go
// type at compile time, so the executor never re-parses defaults.  YAML
// hands us untyped scalars: string, int, float64, or bool.
func (s Spec) NormalizeDefault() (any, error) {
	if s.Default == nil {
		return nil, nil
	}
	switch v := s.Default.(type) {
	case string:
		return s.Convert(v)
	case bool:
		if s.Type == TypeBoolean {
			return v, nil
		}
		return s.Convert(strconv.FormatBool(v))
	case int:
		return s.convertNumeric(int64(v), float64(v))
	case int64:
		return s.convertNumeric(v, float64(v))
	case float64:
		return s.convertNumeric(int64(v), v)
	default:
		return nil, fmt.Errorf("default for %q has unsupported YAML type %T", s.Name, s.Default)
	}
}

func (s Spec) convertNumeric(i int64, f float64) (any, error) {
	switch s.Type {
	case TypeInteger:
		return i, nil
	case TypeFloat:
		return f, nil
	case TypeString, "":
		return strconv.FormatInt(i, 10), nil
	}
	return nil, fmt.Errorf("numeric default for %q conflicts with type %s", s.Name, s.Type)
}

/*──────────────────────────── coercion ladder ─────────────────────────────*/

// Coerce applies the ladder to every declared spec and keeps undeclared
// incoming values as raw strings.  The returned map holds one entry per
// declared parameter (possibly nil) plus the extras.
func Coerce(specs []Spec, incoming map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(specs)+len(incoming))
	declared := make(map[string]struct{}, len(specs))

	for _, sp := range specs {
		declared[sp.Name] = struct{}{}

		if raw, ok := incoming[sp.Name]; ok && raw != "" {
			v, err := sp.Convert(raw)
			if err != nil {
				return nil, err
			}
			out[sp.Name] = v
			continue
		}

		if sp.Default != nil {
			out[sp.Name] = sp.Default
			continue
		}

		if sp.Required {
			return nil, qerr.MissingParameter(sp.Name)
		}

		out[sp.Name] = nil
	}

	for name, raw := range incoming {
		if _, ok := declared[name]; !ok {
			out[name] = raw
		}
	}
	return out, nil
}
