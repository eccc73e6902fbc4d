package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return scanInto(r.data[r.idx-1], dest) }

func scanInto(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *int:
			*d = v.(int)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func row(id, lang string, opts []ResponseOption, rules string) []any {
	optsJSON, _ := json.Marshal(opts)
	return []any{id, "", lang, optsJSON, []byte(rules)}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Scenario(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if args[0] != "greeting" {
				return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
			}
			data := row("greeting", "ja", []ResponseOption{{Text: "こんにちは", Reward: intPtr(20)}}, `{"penalty_lives":-2}`)
			return &mockRow{scanFunc: func(dest ...any) error { return scanInto(data, dest) }}
		},
	}
	store := NewPostgresStore(db, DefaultRules())

	got, err := store.Scenario(context.Background(), "greeting")
	if err != nil {
		t.Fatalf("Scenario: %v", err)
	}
	if got.Language != "ja" || got.FullReward(0) != 20 {
		t.Errorf("got %+v", got)
	}
	if got.Rules.PenaltyLives != -2 {
		t.Errorf("PenaltyLives = %d, want -2", got.Rules.PenaltyLives)
	}
	if got.Rules.PartialReward != DefaultRules().PartialReward {
		t.Errorf("PartialReward = %d, want default", got.Rules.PartialReward)
	}

	if _, err := store.Scenario(context.Background(), "missing"); !errors.Is(err, ErrUnknownScenario) {
		t.Errorf("missing err = %v, want ErrUnknownScenario", err)
	}
}

func TestPostgresStore_ScenarioDBError(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return boom }}
		},
	}
	_, err := NewPostgresStore(db, DefaultRules()).Scenario(context.Background(), "x")
	if !errors.Is(err, boom) || errors.Is(err, ErrUnknownScenario) {
		t.Errorf("err = %v, want wrapped DB error", err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{
		row("a", "ja", []ResponseOption{{Text: "はい"}}, `{}`),
		row("b", "fr", []ResponseOption{{Text: "oui"}}, ``),
	}}
	db := &mockDB{
		queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "ORDER BY id") {
				t.Errorf("List query not ordered: %s", sql)
			}
			return rows, nil
		},
	}
	got, err := NewPostgresStore(db, DefaultRules()).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[1].Rules != DefaultRules() {
		t.Errorf("List = %+v", got)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestPostgresStore_Upsert(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "ON CONFLICT (id) DO UPDATE") {
				t.Errorf("Upsert query: %s", sql)
			}
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}
	store := NewPostgresStore(db, DefaultRules())

	if err := store.Upsert(context.Background(), greeting()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(gotArgs) != 5 || gotArgs[0] != "greeting" {
		t.Fatalf("args = %v", gotArgs)
	}
	var opts []ResponseOption
	if err := json.Unmarshal(gotArgs[3].([]byte), &opts); err != nil || len(opts) != 2 {
		t.Errorf("options JSON = %s (%v)", gotArgs[3], err)
	}

	if err := store.Upsert(context.Background(), Scenario{ID: "bad"}); err == nil {
		t.Error("Upsert accepted an invalid scenario")
	}
}

func TestPostgresStore_MigrateAndPing(t *testing.T) {
	t.Parallel()
	var executed string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			executed = sql
			return pgconn.CommandTag{}, nil
		},
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return scanInto([]any{1}, dest) }}
		},
	}
	store := NewPostgresStore(db, DefaultRules())
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if executed != Schema {
		t.Error("Migrate did not execute Schema")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
