// internal/preprocess/builtin.go
//
// Built-in preprocess callables, registered under the "builtin" module.
//
// Routes reference them as `callable_module: builtin` plus the name, or
// with the shorthand "builtin:<name>".  They cover the two mutations
// almost every deployment wants without writing host code: filling
// absent parameters from static options, and stamping client geography
// into the parameter map for geo-filtered SQL.
package preprocess

import "strings"

func init() {
	Register("builtin:defaults", Defaults)
	Register("builtin:client_geo", ClientGeo)
}

// Defaults fills parameters that are absent or nil from the callable's
// options.  Parameters already carrying a value are left alone, so the
// step is safe to chain after user input coercion.
func Defaults(ctx *Context, params map[string]any) (map[string]any, error) {
	for name, v := range ctx.Options {
		if cur, ok := params[name]; !ok || cur == nil {
			params[name] = v
		}
	}
	return params, nil
}

// ClientGeo copies request geography into the parameter map.  Options
// name the target parameters; absent options mean the field is not
// written:
//
//	country_param:  receives the ISO country code, lowercased
//	city_param:     receives the city name
//	ip_param:       receives the truncated IP prefix
//
// Fields the GeoIP lookup could not fill stay nil so downstream SQL
// sees NULL rather than an empty string.
func ClientGeo(ctx *Context, params map[string]any) (map[string]any, error) {
	geo := ctx.Meta.Geo
	if name := optionString(ctx.Options, "country_param"); name != "" {
		params[name] = nilIfEmpty(strings.ToLower(geo.CountryISO))
	}
	if name := optionString(ctx.Options, "city_param"); name != "" {
		params[name] = nilIfEmpty(geo.City)
	}
	if name := optionString(ctx.Options, "ip_param"); name != "" {
		params[name] = nilIfEmpty(ctx.Meta.IPPrefix)
	}
	return params, nil
}

// optionString reads a string option, tolerating absence.
func optionString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return strings.TrimSpace(s)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
