// internal/config/model.go
//
// Typed configuration model for QueryDeck.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `conf/.env`                  – dotenv values,
//   • `conf/querydeck.yaml`                 – primary static file,
//   • `QD_`-prefixed environment overrides  – highest precedence.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client *before* unmarshalling, so the model never
// stores Vault URIs—only plain strings.
//
// Validation happens immediately after unmarshal; the app fails fast if
// required fields are missing.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`—Koanf ignores `yaml` tags
//     unless configured otherwise.
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Durations are plain integer seconds to keep unmarshalling dumb.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

//
// HTTP section
//

// HTTP holds web-server tunables.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"required,hostname_port"`
	ForceHTTPS bool   `koanf:"force_https"`
}

//
// Engine section
//

// Engine configures the embedded DuckDB instance.  An empty Path keeps
// the database in memory; BootSQL statements run once at open, after
// the built-in bootstrap.
type Engine struct {
	Path     string   `koanf:"path"`
	MaxConns int      `koanf:"max_conns" validate:"min=1"`
	BootSQL  []string `koanf:"boot_sql"`
}

//
// Cache section
//

// Cache holds page-cache defaults.  Routes may override RowsPerPage in
// their own cache block.
type Cache struct {
	RowsPerPage int `koanf:"rows_per_page" validate:"min=1"`
}

//
// Storage section
//

// Storage names the single directory that owns all persistent state:
// `cache/` for pages, `runtime/meta.sqlite3`, and `runtime/appends/`.
type Storage struct {
	Root string `koanf:"root"`
}

//
// Routes section
//

// Routes points at the directory of `<name>.sql` + `<name>.yaml` pairs.
type Routes struct {
	Dir string `koanf:"dir"`
}

//
// Shares section
//

// Shares holds defaults for share-link creation.
type Shares struct {
	DefaultTTLSeconds int `koanf:"default_ttl_seconds" validate:"min=1"`
	DefaultMaxUses    int `koanf:"default_max_uses"    validate:"min=1"`
}

//
// Auth section
//

// Auth configures the pseudo sign-in adapter.  ClientSecret typically
// arrives as a `vault:` URI and is resolved before unmarshal.
type Auth struct {
	Mode              string `koanf:"mode" validate:"oneof=none pseudo"`
	SessionTTLSeconds int    `koanf:"session_ttl_seconds" validate:"min=1"`
	ClientSecret      string `koanf:"client_secret"`
}

//
// Geo section
//

// Geo enables MaxMind enrichment of request metadata when MMDBPath is
// set.  Lookups degrade to empty values without it.
type Geo struct {
	MMDBPath string `koanf:"mmdb_path"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime—never set in YAML or env.  The loader
// discovers `Root` (repo root or QD_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string // QD_ROOT or discovered parent
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the app lifetime.
type Config struct {
	HTTP    HTTP    `koanf:"http"`
	Engine  Engine  `koanf:"engine"`
	Cache   Cache   `koanf:"cache"`
	Storage Storage `koanf:"storage"`
	Routes  Routes  `koanf:"routes"`
	Shares  Shares  `koanf:"shares"`
	Auth    Auth    `koanf:"auth"`
	Geo     Geo     `koanf:"geo"`
	Paths   Paths   `koanf:"-"` // not loaded from config files
}
