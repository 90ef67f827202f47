// internal/session/session.go
//
// Pseudo-auth sessions.
//
// Context
// -------
// A session records that someone identified themselves by email.  The
// token follows the same discipline as share tokens: 256 random bits,
// cleartext returned once, only the SHA-256 hex persisted.  The row
// keeps a parsed user-agent summary and the client's IP prefix for
// audit display; unlike shares, sessions do not enforce bindings.
//
// Notes
// -----
// • Expired rows are deleted lazily by the Resolve that finds them.
// • Oxford commas, two spaces after periods.

package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
)

// Record mirrors one sessions row.
type Record struct {
	TokenHash   string    `db:"token_hash"`
	Email       string    `db:"email"`
	EmailHash   string    `db:"email_hash"`
	DisplayName *string   `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
	UserAgent   *string   `db:"user_agent"`
	IPPrefix    *string   `db:"ip_prefix"`
}

// Store persists sessions in the shared runtime database.
type Store struct {
	db         *sqlx.DB
	defaultTTL time.Duration
}

// NewStore wraps the shared meta database.
func NewStore(db *sqlx.DB, defaultTTL time.Duration) *Store {
	return &Store{db: db, defaultTTL: defaultTTL}
}

// Create opens a session for email and returns the cleartext token.
// Zero ttl falls back to the store default.
func (s *Store) Create(ctx context.Context, email, displayName string, ttl time.Duration, meta *requestmeta.Meta) (string, *Record, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil, fmt.Errorf("session email empty")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("session token entropy: %w", err)
	}
	token := hex.EncodeToString(buf)

	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now().UTC()
	rec := &Record{
		TokenHash: hashHex(token),
		Email:     email,
		EmailHash: EmailHash(email),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if displayName != "" {
		name := displayName
		rec.DisplayName = &name
	}
	if meta != nil {
		if ua := uaSummary(meta.UA); ua != "" {
			rec.UserAgent = &ua
		}
		if meta.IPPrefix != "" {
			p := meta.IPPrefix
			rec.IPPrefix = &p
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, email, email_hash, display_name, created_at, expires_at, user_agent, ip_prefix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TokenHash, rec.Email, rec.EmailHash, rec.DisplayName,
		rec.CreatedAt, rec.ExpiresAt, rec.UserAgent, rec.IPPrefix)
	if err != nil {
		return "", nil, err
	}

	zap.S().Infow("session created", "email_hash", rec.EmailHash, "expires_at", rec.ExpiresAt)
	return token, rec, nil
}

// Resolve returns the live session for token.  Missing or expired
// tokens report not_authenticated; an expired row is deleted on the
// way out.
func (s *Store) Resolve(ctx context.Context, token string) (*Record, error) {
	hash := hashHex(token)

	var rec Record
	err := s.db.GetContext(ctx, &rec,
		`SELECT token_hash, email, email_hash, display_name, created_at, expires_at, user_agent, ip_prefix
		 FROM sessions WHERE token_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qerr.NotAuthenticated()
	}
	if err != nil {
		return nil, err
	}

	if !rec.ExpiresAt.After(time.Now().UTC()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, hash); err != nil {
			zap.S().Warnw("expired session cleanup failed", "error", err)
		}
		return nil, qerr.NotAuthenticated()
	}
	return &rec, nil
}

// Revoke deletes the session for token, if any.
func (s *Store) Revoke(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE token_hash = ?`, hashHex(token))
	return err
}

// EmailHash is the stable identity hash used for created_by fields:
// SHA-256 of the lowercased, trimmed address.
func EmailHash(email string) string {
	return hashHex(strings.ToLower(strings.TrimSpace(email)))
}

// uaSummary renders a compact audit string, e.g. "Chrome 124 on macOS
// (Desktop)".
func uaSummary(ua requestmeta.UA) string {
	if ua.Raw == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(ua.Browser)
	if ua.Version != "" && ua.Version != "0" {
		b.WriteString(" " + ua.Version)
	}
	if ua.OS != "" {
		b.WriteString(" on " + ua.OS)
	}
	if ua.Device != "" {
		b.WriteString(" (" + ua.Device + ")")
	}
	return strings.TrimSpace(b.String())
}

// hashHex is SHA-256, hex-encoded.
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
