// Package store provides storage backends for DialogPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialogPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetUserState retrieves the dialog position of a user.
func (s *PostgresStore) GetUserState(ctx context.Context, userID string) (*models.UserState, error) {
	var st models.UserState
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, scenario_key, state_key, context, entry_done, updated_at FROM user_states WHERE user_id = $1`,
		userID,
	).Scan(&st.UserID, &st.ScenarioKey, &st.StateKey, &raw, &st.EntryDone, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetUserState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load user state for %s: %w", userID, err)
	}
	st.Context = decodeContext(raw, userID)
	return &st, nil
}

// SaveUserState stores or replaces the dialog position of a user.
func (s *PostgresStore) SaveUserState(ctx context.Context, state models.UserState) error {
	raw, err := encodeContext(state.Context)
	if err != nil {
		slog.Error("PostgresStore SaveUserState JSON marshal failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to encode context for %s: %w", state.UserID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_states (user_id, scenario_key, state_key, context, entry_done, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id)
		DO UPDATE SET
			scenario_key = EXCLUDED.scenario_key,
			state_key = EXCLUDED.state_key,
			context = EXCLUDED.context,
			entry_done = EXCLUDED.entry_done,
			updated_at = EXCLUDED.updated_at`,
		state.UserID, state.ScenarioKey, state.StateKey, string(raw), state.EntryDone, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveUserState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to save user state for %s: %w", state.UserID, err)
	}
	slog.Debug("PostgresStore SaveUserState succeeded", "userID", state.UserID, "scenario", state.ScenarioKey, "state", state.StateKey)
	return nil
}

// DeleteUserState removes the dialog position of a user.
func (s *PostgresStore) DeleteUserState(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore DeleteUserState failed", "error", err, "userID", userID)
		return false, fmt.Errorf("failed to delete user state for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore DeleteUserState succeeded", "userID", userID, "deleted", n > 0)
	return n > 0, nil
}

// GetActiveScenario returns the stored definition if it exists and is active.
func (s *PostgresStore) GetActiveScenario(ctx context.Context, key string) (*models.ScenarioRecord, error) {
	var rec models.ScenarioRecord
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT scenario_key, name, description, definition, is_active, version, updated_at
		 FROM scenarios WHERE scenario_key = $1 AND is_active`,
		key,
	).Scan(&rec.Key, &rec.Name, &desc, &rec.Definition, &rec.Active, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore GetActiveScenario not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveScenario failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to load scenario %s: %w", key, err)
	}
	rec.Description = desc.String
	return &rec, nil
}

// UpsertScenario inserts a definition or replaces it, bumping the version.
func (s *PostgresStore) UpsertScenario(ctx context.Context, rec models.ScenarioRecord) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scenarios (scenario_key, name, description, definition, is_active, version, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, 1, $5)
		ON CONFLICT (scenario_key)
		DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			is_active = TRUE,
			version = scenarios.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version`,
		rec.Key, rec.Name, nilIfEmpty(rec.Description), rec.Definition, time.Now(),
	).Scan(&version)
	if err != nil {
		slog.Error("PostgresStore UpsertScenario failed", "error", err, "key", rec.Key)
		return 0, fmt.Errorf("failed to upsert scenario %s: %w", rec.Key, err)
	}
	slog.Debug("PostgresStore UpsertScenario succeeded", "key", rec.Key, "version", version)
	return version, nil
}

// SetScenarioActive retires or reactivates a stored scenario.
func (s *PostgresStore) SetScenarioActive(ctx context.Context, key string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET is_active = $1, updated_at = $2 WHERE scenario_key = $3`,
		active, time.Now(), key,
	)
	if err != nil {
		slog.Error("PostgresStore SetScenarioActive failed", "error", err, "key", key)
		return fmt.Errorf("failed to update scenario %s: %w", key, err)
	}
	return nil
}

// ListScenarios returns every stored scenario without its definition body.
func (s *PostgresStore) ListScenarios(ctx context.Context) ([]models.ScenarioRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_key, name, description, is_active, version, updated_at FROM scenarios ORDER BY scenario_key`)
	if err != nil {
		slog.Error("PostgresStore ListScenarios query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []models.ScenarioRecord
	for rows.Next() {
		var rec models.ScenarioRecord
		var desc sql.NullString
		if err := rows.Scan(&rec.Key, &rec.Name, &desc, &rec.Active, &rec.Version, &rec.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListScenarios scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		rec.Description = desc.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario rows: %w", err)
	}
	return out, nil
}

// GetInstruction returns every language variant of an instruction.
func (s *PostgresStore) GetInstruction(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lang, text FROM instructions WHERE instruction_key = $1`, key)
	if err != nil {
		slog.Error("PostgresStore GetInstruction query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query instruction %s: %w", key, err)
	}
	defer rows.Close()
	return scanInstructionRows(rows)
}

// UpsertInstruction stores one language variant of an instruction.
func (s *PostgresStore) UpsertInstruction(ctx context.Context, key, lang, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instructions (instruction_key, lang, text, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instruction_key, lang)
		DO UPDATE SET text = EXCLUDED.text, updated_at = EXCLUDED.updated_at`,
		key, strings.ToLower(lang), text, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore UpsertInstruction failed", "error", err, "key", key, "lang", lang)
		return fmt.Errorf("failed to upsert instruction %s/%s: %w", key, lang, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
