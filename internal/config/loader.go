// internal/config/loader.go
//
// Configuration loader and hot-reloader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `.env` file at `<root>/conf/.env`.
  2. `conf/querydeck.yaml`.
  3. Environment variables prefixed `QD_`, where `__` maps to “.”
     (e.g., `QD_HTTP__LISTEN_ADDR → http.listen_addr`).

After merging, every string value of the form `vault:<path>#<key>` is
resolved through the Vault client, the tree is unmarshalled into
strongly-typed structs, defaulted, validated, enriched with the runtime
root path, and cached in an `atomic.Pointer` for lock-free reads.
`Reload()` simply calls `Load()` again and swaps the pointer.

Instrumentation
---------------
  • DEBUG spans — root discovery, YAML read, env overlay, vault hits.
  • ERROR spans — YAML parse, env overlay, unmarshal, validation failures.
  • INFO  span  — final “config loaded” with key highlights.
  • Logs use the global *sugared* logger (`zap.S()`) so early boot issues
    surface even before the file logger is installed (bootstrap console).

Notes
-----
  • `rootDir()` climbs the cwd tree until it finds `conf/querydeck.yaml`;
    this lets `go run ./cmd/querydeckd` work from any sub-directory.
  • The Vault client is constructed lazily — configs without `vault:`
    URIs never touch Vault.
  • Oxford commas, two spaces after periods.
*/
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/vault"
)

var current atomic.Pointer[Config]

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves QD_ROOT or climbs directories until conf/querydeck.yaml
// is found.  Falls back to executable heuristic for production layout.
func rootDir() string {
	if r := os.Getenv("QD_ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", "querydeck.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, resolves secrets, validates,
// and caches Config.
func Load() (*Config, error) {
	root := rootDir()
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", "querydeck.yaml")
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
		return nil, err
	}
	zap.S().Debugw("config yaml loaded", "file", yamlPath)

	// Env overrides: QD_HTTP__LISTEN_ADDR → http.listen_addr
	if err := k.Load(env.Provider("QD_", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	if err := resolveVaultURIs(k); err != nil {
		zap.S().Errorw("config vault resolution failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	applyDefaults(&cfg)
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"listen_addr", cfg.HTTP.ListenAddr,
		"storage_root", cfg.Storage.Root,
		"routes_dir", cfg.Routes.Dir,
		"engine_path", cfg.Engine.Path,
	)
	return &cfg, nil
}

// applyDefaults fills derived paths and soft defaults after unmarshal.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = filepath.Join(cfg.Paths.Root, "data")
	}
	if cfg.Routes.Dir == "" {
		cfg.Routes.Dir = filepath.Join(cfg.Paths.Root, "routes")
	}
	if cfg.Cache.RowsPerPage == 0 {
		cfg.Cache.RowsPerPage = 5000
	}
	if cfg.Engine.MaxConns == 0 {
		cfg.Engine.MaxConns = 8
	}
	if cfg.Shares.DefaultTTLSeconds == 0 {
		cfg.Shares.DefaultTTLSeconds = 7 * 24 * 3600
	}
	if cfg.Shares.DefaultMaxUses == 0 {
		cfg.Shares.DefaultMaxUses = 100
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.SessionTTLSeconds == 0 {
		cfg.Auth.SessionTTLSeconds = 14 * 24 * 3600
	}
}

/*──────────────────────────── vault resolution ─────────────────────────────*/

// resolveVaultURIs replaces every `vault:<path>#<key>` string in the
// merged tree with the secret it names.  The client is built on first
// use so Vault-free deployments never dial out.
func resolveVaultURIs(k *koanf.Koanf) error {
	var cli *vault.Client

	for key, val := range k.All() {
		s, ok := val.(string)
		if !ok || !strings.HasPrefix(s, "vault:") {
			continue
		}

		if cli == nil {
			var err error
			cli, err = vault.New(context.Background(), zap.S().Infof)
			if err != nil {
				return fmt.Errorf("vault client: %w", err)
			}
		}

		ref := strings.TrimPrefix(s, "vault:")
		path, field, found := strings.Cut(ref, "#")
		if !found || path == "" || field == "" {
			return fmt.Errorf("malformed vault URI at %s: %q", key, s)
		}

		secret, err := cli.GetKV(context.Background(), path, field, 5*time.Minute)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		if err := k.Set(key, secret); err != nil {
			return err
		}
		zap.S().Debugw("config vault value resolved", "key", key, "path", path)
	}
	return nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func Get() *Config  { return current.Load() }
func Reload() error { _, err := Load(); return err }
