// internal/share/share_test.go
//
// Unit-tests for the share store using sqlmock.
//
// Run: go test ./internal/share -v

package share

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
	insertShare = `INSERT INTO shares (token_hash, route_id, params_json, format, created_at, expires_at, created_by_hash, user_agent_hash, ip_prefix, max_uses, uses) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	selectShare = `SELECT token_hash, route_id, params_json, format, created_at, expires_at, created_by_hash, user_agent_hash, ip_prefix, max_uses, uses FROM shares WHERE token_hash = ?`
	updateShare = `UPDATE shares SET uses = uses + 1 WHERE token_hash = ? AND uses < max_uses`
)

var shareCols = []string{"token_hash", "route_id", "params_json", "format",
	"created_at", "expires_at", "created_by_hash", "user_agent_hash",
	"ip_prefix", "max_uses", "uses"}

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlite3"), 7*24*time.Hour, 100), mock
}

func meta(ua, prefix string) *requestmeta.Meta {
	return &requestmeta.Meta{
		UA:       requestmeta.UA{Raw: ua},
		IPPrefix: prefix,
	}
}

func TestCreateStoresHashOnly(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(insertShare)).
		WithArgs(sqlmock.AnyArg(), "report", `{"count":"5"}`, "json",
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(),
			sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, rec, err := store.Create(context.Background(), CreateOptions{
		RouteID: "report",
		Params:  map[string]string{"count": "5"},
		Format:  "json",
		BindUA:  true,
		BindIP:  true,
		TTL:     time.Hour,
		MaxUses: 3,
	}, meta("agent-a", "203.0.113"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if len(token) != 64 {
		t.Fatalf("token length = %d", len(token))
	}
	if rec.TokenHash == token {
		t.Fatal("cleartext token stored as hash")
	}
	if rec.TokenHash != hashToken(token) {
		t.Fatal("stored hash does not match the token")
	}
	if rec.UserAgentHash == nil || *rec.UserAgentHash == "agent-a" {
		t.Fatalf("ua binding = %v", rec.UserAgentHash)
	}
	if rec.IPPrefix == nil || *rec.IPPrefix != "203.0.113" {
		t.Fatalf("ip binding = %v", rec.IPPrefix)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(insertShare)).
		WithArgs(sqlmock.AnyArg(), "report", `{}`, "csv",
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, nil, 100).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, rec, err := store.Create(context.Background(), CreateOptions{
		RouteID: "report",
		Format:  "csv",
	}, meta("", ""))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if rec.MaxUses != 100 {
		t.Fatalf("default max_uses = %d", rec.MaxUses)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 7*24*time.Hour {
		t.Fatalf("default ttl = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConsumeMissingToken(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols))

	_, err := store.Consume(context.Background(), "nope", meta("", ""))
	if !qerr.IsCode(err, qerr.CodeInvalidToken) {
		t.Fatalf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConsumeExpiredDeletes(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", "{}", "json", now.Add(-2*time.Hour),
				now.Add(-time.Hour), nil, nil, nil, 1, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM shares WHERE token_hash = ?`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.Consume(context.Background(), "tok", meta("", ""))
	if !qerr.IsCode(err, qerr.CodeShareExpired) {
		t.Fatalf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConsumeUserAgentMismatch(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()
	bound := hashHex("agent-a")

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", "{}", "json", now, now.Add(time.Hour),
				nil, bound, nil, 1, 0))

	_, err := store.Consume(context.Background(), "tok", meta("agent-b", ""))
	if !qerr.IsCode(err, qerr.CodeUserAgentMismatch) {
		t.Fatalf("error = %v", err)
	}
}

func TestConsumeIPPrefixMismatch(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()
	bound := hashHex("agent-a")

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", "{}", "json", now, now.Add(time.Hour),
				nil, bound, "203.0.113", 1, 0))

	_, err := store.Consume(context.Background(), "tok", meta("agent-a", "198.51.100"))
	if !qerr.IsCode(err, qerr.CodeIPPrefixMismatch) {
		t.Fatalf("error = %v", err)
	}
}

func TestConsumeExhausted(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", "{}", "json", now, now.Add(time.Hour),
				nil, nil, nil, 1, 1))

	_, err := store.Consume(context.Background(), "tok", meta("", ""))
	if !qerr.IsCode(err, qerr.CodeShareUsed) {
		t.Fatalf("error = %v", err)
	}
}

func TestConsumeLosesCounterRace(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", "{}", "json", now, now.Add(time.Hour),
				nil, nil, nil, 1, 0))
	// The snapshot said one use remained, but the guarded UPDATE
	// caught a concurrent consumer taking it first.
	mock.ExpectExec(regexp.QuoteMeta(updateShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Consume(context.Background(), "tok", meta("", ""))
	if !qerr.IsCode(err, qerr.CodeShareUsed) {
		t.Fatalf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestConsumeSuccess(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(selectShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(shareCols).
			AddRow("h", "report", `{"count":"5"}`, "json", now,
				now.Add(time.Hour), nil, nil, nil, 3, 1))
	mock.ExpectExec(regexp.QuoteMeta(updateShare)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.Consume(context.Background(), "tok", meta("", ""))
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if rec.Uses != 2 {
		t.Fatalf("uses after consume = %d", rec.Uses)
	}
	params, err := rec.Params()
	if err != nil || params["count"] != "5" {
		t.Fatalf("params = %v, err %v", params, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
