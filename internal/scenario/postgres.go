package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the scenarios table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS scenarios (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    language   TEXT NOT NULL,
    options    JSONB NOT NULL DEFAULT '[]',
    rules      JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Source] backed by a PostgreSQL database. Options and
// rules are stored as JSONB. Rule keys missing from a row fall back to the
// store's defaults.
type PostgresStore struct {
	db       DB
	defaults Rules
}

// Compile-time interface check.
var _ Source = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] using the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB, defaults Rules) *PostgresStore {
	return &PostgresStore{db: db, defaults: defaults}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("scenario: migrate: %w", err)
	}
	return nil
}

// Scenario implements [Source].
func (s *PostgresStore) Scenario(ctx context.Context, id string) (Scenario, error) {
	const query = `
		SELECT id, title, language, options, rules
		FROM scenarios
		WHERE id = $1`

	var (
		sc                Scenario
		optsJSON, rulesJS []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&sc.ID, &sc.Title, &sc.Language, &optsJSON, &rulesJS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
		}
		return Scenario{}, fmt.Errorf("scenario: get %q: %w", id, err)
	}
	if err := s.unmarshalFields(&sc, optsJSON, rulesJS); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// List returns all scenarios ordered by id.
func (s *PostgresStore) List(ctx context.Context) ([]Scenario, error) {
	const query = `
		SELECT id, title, language, options, rules
		FROM scenarios
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scenario: list: %w", err)
	}
	defer rows.Close()

	var out []Scenario
	for rows.Next() {
		var (
			sc                Scenario
			optsJSON, rulesJS []byte
		)
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Language, &optsJSON, &rulesJS); err != nil {
			return nil, fmt.Errorf("scenario: list scan: %w", err)
		}
		if err := s.unmarshalFields(&sc, optsJSON, rulesJS); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scenario: list rows: %w", err)
	}
	return out, nil
}

// Upsert validates sc and creates or replaces it.
func (s *PostgresStore) Upsert(ctx context.Context, sc Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	optsJSON, err := json.Marshal(sc.Options)
	if err != nil {
		return fmt.Errorf("scenario: marshal options: %w", err)
	}
	rulesJSON, err := json.Marshal(sc.Rules)
	if err != nil {
		return fmt.Errorf("scenario: marshal rules: %w", err)
	}

	const query = `
		INSERT INTO scenarios (id, title, language, options, rules)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			language = EXCLUDED.language,
			options = EXCLUDED.options,
			rules = EXCLUDED.rules,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, sc.ID, sc.Title, sc.Language, optsJSON, rulesJSON); err != nil {
		return fmt.Errorf("scenario: upsert %q: %w", sc.ID, err)
	}
	return nil
}

// Import upserts every scenario, stopping at the first failure.
func (s *PostgresStore) Import(ctx context.Context, scenarios []Scenario) error {
	for _, sc := range scenarios {
		if err := s.Upsert(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a scenario. Deleting a non-existent scenario is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM scenarios WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("scenario: delete %q: %w", id, err)
	}
	return nil
}

// Ping checks that the database answers. Used by readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("scenario: ping: %w", err)
	}
	return nil
}

// unmarshalFields deserialises the JSONB columns into sc.
func (s *PostgresStore) unmarshalFields(sc *Scenario, opts, rules []byte) error {
	if err := json.Unmarshal(opts, &sc.Options); err != nil {
		return fmt.Errorf("scenario: unmarshal options of %q: %w", sc.ID, err)
	}
	sc.Rules = s.defaults
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &sc.Rules); err != nil {
			return fmt.Errorf("scenario: unmarshal rules of %q: %w", sc.ID, err)
		}
	}
	return nil
}
