package db_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkilian/lens/internal/db"
	"github.com/arkilian/lens/internal/db/dbtest"
	lenserrors "github.com/arkilian/lens/internal/errors"
)

func TestApply_CreateThenAddColumns(t *testing.T) {
	d := dbtest.Open(t)
	ctx := context.Background()

	table := db.NewTable("lens_widgets", db.CreateIfAbsent).
		Add(
			db.Column{Name: "_uuid", Type: db.TypeUUID},
			db.Column{Name: "_dirty", Type: db.TypeFlag, Default: "'Y'", Indexed: true},
		).
		Key("_uuid")

	if err := d.Apply(ctx, table); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// idempotent
	if err := d.Apply(ctx, table); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	alter := db.NewTable("lens_widgets", db.MustExist).
		Add(db.Column{Name: "colour", Type: db.TypeVarchar, Length: 16, Nullable: true, Indexed: true})
	if err := d.Apply(ctx, alter); err != nil {
		t.Fatalf("add column failed: %v", err)
	}

	cols, err := d.Columns(ctx, "lens_widgets")
	if err != nil {
		t.Fatalf("columns failed: %v", err)
	}
	for _, name := range []string{"_uuid", "_dirty", "colour"} {
		if !cols[name] {
			t.Errorf("missing column %s in %v", name, cols)
		}
	}
}

func TestApply_MustExistMissingTable(t *testing.T) {
	d := dbtest.Open(t)

	err := d.Apply(context.Background(), db.NewTable("lens_nope", db.MustExist).
		Add(db.Column{Name: "x", Type: db.TypeInt, Nullable: true}))
	if lenserrors.GetCategory(err) != lenserrors.ErrCategorySchema {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestTableNames(t *testing.T) {
	d := dbtest.Open(t)

	tests := []struct {
		got, want string
	}{
		{d.CatalogTable("objects"), "lens__objects"},
		{d.EventTable("clicks"), "lens_clicks"},
		{d.GroupTable("clicks", "hourly"), "lens_clicks__hourly"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %s, want %s", tt.got, tt.want)
		}
	}
}

func TestShortenIdent(t *testing.T) {
	short := db.ShortenIdent("lens_abc", 63)
	if short != "lens_abc" {
		t.Errorf("short name changed: %s", short)
	}

	a := strings.Repeat("a", 70) + "x"
	b := strings.Repeat("a", 70) + "y"
	sa, sb := db.ShortenIdent(a, 63), db.ShortenIdent(b, 63)
	if len(sa) != 63 || len(sb) != 63 {
		t.Errorf("lengths: %d %d", len(sa), len(sb))
	}
	if sa == sb {
		t.Error("distinct names collapsed to the same identifier")
	}
	if db.ShortenIdent(a, 63) != sa {
		t.Error("shortening is not deterministic")
	}
}

func TestDialectDDL(t *testing.T) {
	table := db.NewTable("lens_clicks", db.CreateIfAbsent).
		Add(
			db.Column{Name: "_uuid", Type: db.TypeUUID},
			db.Column{Name: "_timestamp", Type: db.TypeDateTime, Indexed: true},
			db.Column{Name: "order", Type: db.TypeVarchar, Length: 20, Nullable: true},
		).
		Key("_uuid")

	tests := []struct {
		driver   string
		contains []string
	}{
		{"sqlite", []string{`CREATE TABLE IF NOT EXISTS "lens_clicks"`, `"order" VARCHAR(20)`, `"_timestamp" DATETIME NOT NULL`, `CREATE INDEX IF NOT EXISTS "idx_lens_clicks__timestamp"`}},
		{"postgres", []string{`"_timestamp" TIMESTAMP NOT NULL`, `PRIMARY KEY ("_uuid")`, `CREATE INDEX IF NOT EXISTS`}},
		{"mysql", []string{"CREATE TABLE IF NOT EXISTS `lens_clicks`", "INDEX `idx_lens_clicks__timestamp` (`_timestamp`)", "ENGINE=InnoDB"}},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			dialect, err := db.DialectFor(tt.driver)
			if err != nil {
				t.Fatalf("dialect: %v", err)
			}
			stmts, err := table.Statements(dialect, nil)
			if err != nil {
				t.Fatalf("statements: %v", err)
			}
			ddl := strings.Join(stmts, ";\n")
			for _, want := range tt.contains {
				if !strings.Contains(ddl, want) {
					t.Errorf("ddl missing %q:\n%s", want, ddl)
				}
			}
		})
	}
}

func TestDialectFor_Unknown(t *testing.T) {
	if _, err := db.DialectFor("oracle"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRetryTx_RetriesRetryableErrors(t *testing.T) {
	d := dbtest.Open(t)

	var calls int32
	err := d.RetryTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return lenserrors.NewBackendError(lenserrors.CodeBusy, "busy", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetryTx_StopsOnConflict(t *testing.T) {
	d := dbtest.Open(t)

	var calls int
	err := d.RetryTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		calls++
		return lenserrors.NewConflictError(lenserrors.CodeSinkExists, "exists")
	})
	if !lenserrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if calls != 1 {
		t.Errorf("conflict retried %d times", calls)
	}
}

func TestRetryTx_MaxAttempts(t *testing.T) {
	d := dbtest.Open(t)

	var calls int
	err := d.RetryTxWith(context.Background(), db.RetryPolicy{MaxAttempts: 4, Backoff: time.Millisecond},
		func(ctx context.Context, tx *sql.Tx) error {
			calls++
			return lenserrors.NewBackendError(lenserrors.CodeCommitFailed, "lost race", nil)
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("calls: got %d, want 4", calls)
	}
}

func TestRetryTx_ContextCancelled(t *testing.T) {
	d := dbtest.Open(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return lenserrors.NewBackendError(lenserrors.CodeBusy, "busy", nil)
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestRetryTx_RollsBackOnError(t *testing.T) {
	d := dbtest.Open(t)
	ctx := context.Background()

	if err := d.Apply(ctx, db.NewTable("lens_t", db.CreateIfAbsent).
		Add(db.Column{Name: "id", Type: db.TypeInt}).Key("id")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sentinel := errors.New("boom")
	err := d.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := d.Exec(ctx, tx, d.Builder().Insert("lens_t").Columns("id").Values(1)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	var n int
	if err := d.QueryRow(ctx, d.SQL(), d.Builder().Select("COUNT(*)").From("lens_t"), &n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled back insert is visible: %d rows", n)
	}
}

func TestRetryTx_UniqueViolationRetries(t *testing.T) {
	d := dbtest.Open(t)
	ctx := context.Background()

	if err := d.Apply(ctx, db.NewTable("lens_u", db.CreateIfAbsent).
		Add(db.Column{Name: "name", Type: db.TypeVarchar, Length: 8}).Unique("name")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := d.Exec(ctx, d.SQL(), d.Builder().Insert("lens_u").Columns("name").Values("a")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var calls int
	err := d.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		calls++
		name := "a"
		if calls > 1 {
			name = "b"
		}
		_, err := d.Exec(ctx, tx, d.Builder().Insert("lens_u").Columns("name").Values(name))
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestAsTime(t *testing.T) {
	want := time.Date(2024, 2, 29, 13, 4, 5, 0, time.UTC)
	for _, v := range []interface{}{
		want,
		"2024-02-29 13:04:05",
		[]byte("2024-02-29T13:04:05Z"),
	} {
		got, err := db.AsTime(v)
		if err != nil {
			t.Fatalf("AsTime(%v): %v", v, err)
		}
		if !got.Equal(want) {
			t.Errorf("AsTime(%v) = %v, want %v", v, got, want)
		}
	}
	if _, err := db.AsTime(nil); err == nil {
		t.Error("expected error for nil")
	}
}

func TestAsInt64(t *testing.T) {
	if _, ok, _ := db.AsInt64(nil); ok {
		t.Error("nil should not be ok")
	}
	if n, ok, err := db.AsInt64([]byte("42")); !ok || err != nil || n != 42 {
		t.Errorf("got %d %v %v", n, ok, err)
	}
}
