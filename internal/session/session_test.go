// internal/session/session_test.go
//
// Unit-tests for the session store using sqlmock.
//
// Run: go test ./internal/session -v

package session

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/yanizio/querydeck/internal/qerr"
	"github.com/yanizio/querydeck/internal/requestmeta"
)

const (
	insertSession = `INSERT INTO sessions (token_hash, email, email_hash, display_name, created_at, expires_at, user_agent, ip_prefix) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectSession = `SELECT token_hash, email, email_hash, display_name, created_at, expires_at, user_agent, ip_prefix FROM sessions WHERE token_hash = ?`
	deleteSession = `DELETE FROM sessions WHERE token_hash = ?`
)

var sessionCols = []string{"token_hash", "email", "email_hash",
	"display_name", "created_at", "expires_at", "user_agent", "ip_prefix"}

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlite3"), 14*24*time.Hour), mock
}

func TestCreateSession(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(insertSession)).
		WithArgs(sqlmock.AnyArg(), "Ada@example.com", EmailHash("ada@example.com"),
			"Ada", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "203.0.113").
		WillReturnResult(sqlmock.NewResult(1, 1))

	meta := &requestmeta.Meta{
		UA:       requestmeta.UA{Raw: "x", Browser: "Chrome", Version: "124", OS: "macOS", Device: "Desktop"},
		IPPrefix: "203.0.113",
	}
	token, rec, err := store.Create(context.Background(), "Ada@example.com", "Ada", 0, meta)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("token length = %d", len(token))
	}
	if rec.TokenHash == token {
		t.Fatal("cleartext token stored as hash")
	}
	if rec.EmailHash != EmailHash("ADA@EXAMPLE.COM") {
		t.Fatal("email hash is case-sensitive")
	}
	if rec.UserAgent == nil || *rec.UserAgent != "Chrome 124 on macOS (Desktop)" {
		t.Fatalf("ua summary = %v", rec.UserAgent)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 14*24*time.Hour {
		t.Fatalf("default ttl = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestCreateRejectsEmptyEmail(t *testing.T) {
	store, _ := mockStore(t)
	if _, _, err := store.Create(context.Background(), "   ", "", 0, nil); err == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestResolveMissing(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSession)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(sessionCols))

	_, err := store.Resolve(context.Background(), "nope")
	if !qerr.IsCode(err, qerr.CodeNotAuthenticated) {
		t.Fatalf("error = %v", err)
	}
}

func TestResolveExpiredDeletes(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectSession)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("h", "ada@example.com", "eh", nil,
				now.Add(-48*time.Hour), now.Add(-time.Hour), nil, nil))
	mock.ExpectExec(regexp.QuoteMeta(deleteSession)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.Resolve(context.Background(), "tok")
	if !qerr.IsCode(err, qerr.CodeNotAuthenticated) {
		t.Fatalf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestResolveLive(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectSession)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("h", "ada@example.com", "eh", "Ada",
				now, now.Add(time.Hour), nil, nil))

	rec, err := store.Resolve(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if rec.Email != "ada@example.com" || rec.DisplayName == nil || *rec.DisplayName != "Ada" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRevoke(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(deleteSession)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
