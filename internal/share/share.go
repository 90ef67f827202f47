// internal/share/share.go
//
// Share tokens: bounded-use, TTL-limited links to one route execution.
//
// Context
// -------
// A share captures (route, params, format) so a recipient can replay
// that exact execution without authenticating.  The cleartext token
// leaves the process exactly once, at creation; only its SHA-256 hex
// lands in the runtime database.  Creation can bind the token to the
// creator's user-agent and IP prefix, and consumption enforces the
// whole ladder in a fixed order: existence, expiry, UA binding, IP
// binding, then the use counter.
//
// Concurrency
// -----------
// The counter moves via UPDATE … WHERE uses < max_uses, so two
// simultaneous consumers of a single-use token see at most one
// success; the loser reports share_used.
//
// Notes
// -----
// • Oxford commas, two spaces after periods.
package share

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/metrics"
	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
)

// Record mirrors one shares row.
type Record struct {
	TokenHash     string    `db:"token_hash"`
	RouteID       string    `db:"route_id"`
	ParamsJSON    string    `db:"params_json"`
	Format        string    `db:"format"`
	CreatedAt     time.Time `db:"created_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	CreatedByHash *string   `db:"created_by_hash"`
	UserAgentHash *string   `db:"user_agent_hash"`
	IPPrefix      *string   `db:"ip_prefix"`
	MaxUses       int       `db:"max_uses"`
	Uses          int       `db:"uses"`
}

// Params decodes the captured request parameters.
func (r *Record) Params() (map[string]string, error) {
	out := map[string]string{}
	if err := json.Unmarshal([]byte(r.ParamsJSON), &out); err != nil {
		return nil, fmt.Errorf("share params: %w", err)
	}
	return out, nil
}

// CreateOptions carries the caller-supplied share settings.  Zero TTL
// and MaxUses fall back to the store defaults.
type CreateOptions struct {
	RouteID   string
	Params    map[string]string
	Format    string
	OwnerHash string
	BindUA    bool
	BindIP    bool
	TTL       time.Duration
	MaxUses   int
}

// Store persists shares in the shared runtime database.
type Store struct {
	db             *sqlx.DB
	defaultTTL     time.Duration
	defaultMaxUses int
}

// NewStore wraps the shared meta database with the configured
// defaults.
func NewStore(db *sqlx.DB, defaultTTL time.Duration, defaultMaxUses int) *Store {
	return &Store{db: db, defaultTTL: defaultTTL, defaultMaxUses: defaultMaxUses}
}

// Create mints one token and stores its record.  The returned cleartext
// token is not recoverable afterwards.
func (s *Store) Create(ctx context.Context, opt CreateOptions, meta *requestmeta.Meta) (string, *Record, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("share token entropy: %w", err)
	}
	token := hex.EncodeToString(buf)

	params, err := json.Marshal(opt.Params)
	if err != nil {
		return "", nil, fmt.Errorf("share params: %w", err)
	}

	ttl := opt.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	maxUses := opt.MaxUses
	if maxUses <= 0 {
		maxUses = s.defaultMaxUses
	}

	now := time.Now().UTC()
	rec := &Record{
		TokenHash:  hashHex(token),
		RouteID:    opt.RouteID,
		ParamsJSON: string(params),
		Format:     opt.Format,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		MaxUses:    maxUses,
	}
	if opt.OwnerHash != "" {
		owner := opt.OwnerHash
		rec.CreatedByHash = &owner
	}
	if opt.BindUA && meta != nil && meta.UA.Raw != "" {
		h := hashHex(meta.UA.Raw)
		rec.UserAgentHash = &h
	}
	if opt.BindIP && meta != nil && meta.IPPrefix != "" {
		p := meta.IPPrefix
		rec.IPPrefix = &p
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shares (token_hash, route_id, params_json, format, created_at, expires_at, created_by_hash, user_agent_hash, ip_prefix, max_uses, uses)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.TokenHash, rec.RouteID, rec.ParamsJSON, rec.Format,
		rec.CreatedAt, rec.ExpiresAt, rec.CreatedByHash, rec.UserAgentHash,
		rec.IPPrefix, rec.MaxUses)
	if err != nil {
		return "", nil, err
	}

	metrics.SharesCreatedTotal.Inc()
	zap.S().Infow("share created",
		"route", rec.RouteID, "expires_at", rec.ExpiresAt,
		"max_uses", rec.MaxUses,
		"bound_ua", rec.UserAgentHash != nil, "bound_ip", rec.IPPrefix != nil)
	return token, rec, nil
}

// Consume validates the token against the request and burns one use.
// The checks run in a fixed order so callers see stable error codes.
func (s *Store) Consume(ctx context.Context, token string, meta *requestmeta.Meta) (*Record, error) {
	hash := hashToken(token)

	var rec Record
	err := s.db.GetContext(ctx, &rec,
		`SELECT token_hash, route_id, params_json, format, created_at, expires_at, created_by_hash, user_agent_hash, ip_prefix, max_uses, uses
		 FROM shares WHERE token_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.InvalidToken()
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !rec.ExpiresAt.After(now) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE token_hash = ?`, hash); err != nil {
			zap.S().Warnw("expired share cleanup failed", "error", err)
		}
		return nil, qerr.ShareExpired()
	}
	if rec.UserAgentHash != nil {
		presented := ""
		if meta != nil {
			presented = meta.UA.Raw
		}
		if *rec.UserAgentHash != hashHex(presented) {
			return nil, qerr.UserAgentMismatch()
		}
	}
	if rec.IPPrefix != nil {
		presented := ""
		if meta != nil {
			presented = meta.IPPrefix
		}
		if *rec.IPPrefix != presented {
			return nil, qerr.IPPrefixMismatch()
		}
	}
	if rec.Uses >= rec.MaxUses {
		return nil, qerr.ShareUsed()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE shares SET uses = uses + 1 WHERE token_hash = ? AND uses < max_uses`, hash)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Another consumer won the last use between our read and write.
		return nil, qerr.ShareUsed()
	}

	rec.Uses++
	metrics.SharesConsumedTotal.Inc()
	return &rec, nil
}

// HashOwner is the hashing discipline for created_by: callers pass a
// stable identity string (the session email hash, typically).
func HashOwner(identity string) string { return hashHex(identity) }

// hashToken maps a cleartext token onto its storage key.
func hashToken(token string) string { return hashHex(token) }

// hashHex is SHA-256, hex-encoded.
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
