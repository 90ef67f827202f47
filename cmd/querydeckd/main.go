// cmd/querydeckd/main.go
//
// QueryDeck – HTTP entry point.
//
// Boot order
// ----------
//
//  1. Load config (conf/.env → conf/querydeck.yaml → QD_* env),
//     resolving any vault: URIs along the way.
//
//  2. Start daily rotating logger (tees to console when running in a TTY).
//
//  3. Open the meta store (runtime/meta.sqlite3, migrated in place) and
//     hand it to the overlay, share, and session stores.
//
//  4. Open the embedded DuckDB engine and the Parquet page cache.
//
//  5. Compile every route pair under the routes directory; per-route
//     compile failures are logged and skipped, the rest stay up.
//
//  6. Assemble the executor and the chi API, wrap with the security
//     middleware (plus ForceHTTPS when configured), and serve until
//     SIGINT/SIGTERM, then drain with a bounded shutdown.
//
// Large comment blocks are framed by blank “//” lines; inline comments use
// a single “//”.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/config"
	"github.com/yanizio/querydeck/internal/engine"
	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/httpapi"
	"github.com/yanizio/querydeck/internal/logger"
	"github.com/yanizio/querydeck/internal/metastore"
	"github.com/yanizio/querydeck/internal/middleware"
	"github.com/yanizio/querydeck/internal/overlay"
	"github.com/yanizio/querydeck/internal/requestmeta"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/server"
	"github.com/yanizio/querydeck/internal/session"
	"github.com/yanizio/querydeck/internal/share"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logOut, err := logger.New(cfg.Paths.Root, runningInTTY())
	if err != nil {
		log.Fatalf("start logger: %v", err)
	}
	defer logOut.Sync()

	//
	// ── 1.  Meta store and domain stores ────────────────────────────────
	//
	metaPath := filepath.Join(cfg.Storage.Root, "runtime", "meta.sqlite3")
	metaDB, err := metastore.Open(metaPath)
	if err != nil {
		logOut.Fatalw("open meta store", "path", metaPath, "error", err)
	}
	defer metaDB.Close()
	logOut.Infow("meta store online", "path", metaPath)

	overlays := overlay.NewStore(metaDB)
	shares := share.NewStore(metaDB,
		time.Duration(cfg.Shares.DefaultTTLSeconds)*time.Second,
		cfg.Shares.DefaultMaxUses)
	sessions := session.NewStore(metaDB,
		time.Duration(cfg.Auth.SessionTTLSeconds)*time.Second)

	//
	// ── 2.  Engine and page cache ───────────────────────────────────────
	//
	eng, err := engine.Open(cfg.Engine.Path, cfg.Engine.MaxConns, cfg.Engine.BootSQL)
	if err != nil {
		logOut.Fatalw("open engine", "error", err)
	}
	defer eng.Close()

	pages, err := cache.New(filepath.Join(cfg.Storage.Root, "cache"))
	if err != nil {
		logOut.Fatalw("open page cache", "error", err)
	}

	// Geo enrichment is optional; a missing database just degrades it.
	if cfg.Geo.MMDBPath != "" {
		if err := requestmeta.InitGeo(cfg.Geo.MMDBPath); err != nil {
			logOut.Warnw("geo database unavailable", "path", cfg.Geo.MMDBPath, "error", err)
		}
	}

	//
	// ── 3.  Route compilation ───────────────────────────────────────────
	//
	registry := route.NewRegistry()
	n, compileErrs, err := route.LoadDir(registry, cfg.Routes.Dir, route.Defaults{
		RowsPerPage: cfg.Cache.RowsPerPage,
	})
	if err != nil {
		logOut.Fatalw("scan routes", "dir", cfg.Routes.Dir, "error", err)
	}
	for _, cerr := range compileErrs {
		logOut.Errorw("route skipped", "error", cerr)
	}
	logOut.Infow("routes compiled", "count", n, "skipped", len(compileErrs))

	//
	// ── 4.  Executor and HTTP surface ───────────────────────────────────
	//
	exec := executor.New(registry, eng, pages, overlays,
		filepath.Join(cfg.Storage.Root, "runtime", "appends"))

	api := httpapi.New(registry, exec, shares, sessions, overlays, cfg.Auth.Mode)
	handler := middleware.Security(api.Router())
	if cfg.HTTP.ForceHTTPS {
		handler = middleware.ForceHTTPS(handler)
	}

	srv := server.New(cfg.HTTP.ListenAddr, handler)

	errCh := make(chan error, 1)
	go func() {
		logOut.Infow("listening", "addr", cfg.HTTP.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	//
	// ── 5.  Graceful shutdown ───────────────────────────────────────────
	//
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logOut.Infow("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logOut.Errorw("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logOut.Fatalw("http server", "error", err)
		}
	}
}
