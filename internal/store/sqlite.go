// Package store provides storage backends for DialogPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialogPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent users.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetUserState retrieves the dialog position of a user.
func (s *SQLiteStore) GetUserState(ctx context.Context, userID string) (*models.UserState, error) {
	var st models.UserState
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, scenario_key, state_key, context, entry_done, updated_at FROM user_states WHERE user_id = ?`,
		userID,
	).Scan(&st.UserID, &st.ScenarioKey, &st.StateKey, &raw, &st.EntryDone, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetUserState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load user state for %s: %w", userID, err)
	}
	st.Context = decodeContext(raw, userID)
	return &st, nil
}

// SaveUserState stores or replaces the dialog position of a user.
func (s *SQLiteStore) SaveUserState(ctx context.Context, state models.UserState) error {
	raw, err := encodeContext(state.Context)
	if err != nil {
		slog.Error("SQLiteStore SaveUserState JSON marshal failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to encode context for %s: %w", state.UserID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_states (user_id, scenario_key, state_key, context, entry_done, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		state.UserID, state.ScenarioKey, state.StateKey, string(raw), state.EntryDone, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveUserState failed", "error", err, "userID", state.UserID)
		return fmt.Errorf("failed to save user state for %s: %w", state.UserID, err)
	}
	slog.Debug("SQLiteStore SaveUserState succeeded", "userID", state.UserID, "scenario", state.ScenarioKey, "state", state.StateKey)
	return nil
}

// DeleteUserState removes the dialog position of a user.
func (s *SQLiteStore) DeleteUserState(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore DeleteUserState failed", "error", err, "userID", userID)
		return false, fmt.Errorf("failed to delete user state for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore DeleteUserState succeeded", "userID", userID, "deleted", n > 0)
	return n > 0, nil
}

// GetActiveScenario returns the stored definition if it exists and is active.
func (s *SQLiteStore) GetActiveScenario(ctx context.Context, key string) (*models.ScenarioRecord, error) {
	var rec models.ScenarioRecord
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT scenario_key, name, description, definition, is_active, version, updated_at
		 FROM scenarios WHERE scenario_key = ? AND is_active = 1`,
		key,
	).Scan(&rec.Key, &rec.Name, &desc, &rec.Definition, &rec.Active, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore GetActiveScenario not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveScenario failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to load scenario %s: %w", key, err)
	}
	rec.Description = desc.String
	return &rec, nil
}

// UpsertScenario inserts a definition or replaces it, bumping the version.
func (s *SQLiteStore) UpsertScenario(ctx context.Context, rec models.ScenarioRecord) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (scenario_key, name, description, definition, is_active, version, updated_at)
		 VALUES (?, ?, ?, ?, 1, 1, ?)
		 ON CONFLICT(scenario_key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			definition = excluded.definition,
			is_active = 1,
			version = scenarios.version + 1,
			updated_at = excluded.updated_at`,
		rec.Key, rec.Name, nilIfEmpty(rec.Description), rec.Definition, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertScenario failed", "error", err, "key", rec.Key)
		return 0, fmt.Errorf("failed to upsert scenario %s: %w", rec.Key, err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM scenarios WHERE scenario_key = ?`, rec.Key).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read scenario version for %s: %w", rec.Key, err)
	}
	slog.Debug("SQLiteStore UpsertScenario succeeded", "key", rec.Key, "version", version)
	return version, nil
}

// SetScenarioActive retires or reactivates a stored scenario.
func (s *SQLiteStore) SetScenarioActive(ctx context.Context, key string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET is_active = ?, updated_at = ? WHERE scenario_key = ?`,
		active, time.Now(), key,
	)
	if err != nil {
		slog.Error("SQLiteStore SetScenarioActive failed", "error", err, "key", key)
		return fmt.Errorf("failed to update scenario %s: %w", key, err)
	}
	return nil
}

// ListScenarios returns every stored scenario without its definition body.
func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]models.ScenarioRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_key, name, description, is_active, version, updated_at FROM scenarios ORDER BY scenario_key`)
	if err != nil {
		slog.Error("SQLiteStore ListScenarios query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []models.ScenarioRecord
	for rows.Next() {
		var rec models.ScenarioRecord
		var desc sql.NullString
		if err := rows.Scan(&rec.Key, &rec.Name, &desc, &rec.Active, &rec.Version, &rec.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListScenarios scan failed", "error", err)
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
func (s *SQLiteStore) GetInstruction(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lang, text FROM instructions WHERE instruction_key = ?`, key)
	if err != nil {
		slog.Error("SQLiteStore GetInstruction query failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query instruction %s: %w", key, err)
	}
	defer rows.Close()
	return scanInstructionRows(rows)
}

// UpsertInstruction stores one language variant of an instruction.
func (s *SQLiteStore) UpsertInstruction(ctx context.Context, key, lang, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO instructions (instruction_key, lang, text, updated_at) VALUES (?, ?, ?, ?)`,
		key, strings.ToLower(lang), text, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertInstruction failed", "error", err, "key", key, "lang", lang)
		return fmt.Errorf("failed to upsert instruction %s/%s: %w", key, lang, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanInstructionRows(rows *sql.Rows) (map[string]string, error) {
	var out map[string]string
	for rows.Next() {
		var lang, text string
		if err := rows.Scan(&lang, &text); err != nil {
			return nil, fmt.Errorf("failed to scan instruction row: %w", err)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[lang] = text
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instruction rows: %w", err)
	}
	return out, nil
}
