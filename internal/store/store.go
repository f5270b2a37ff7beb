// Package store is the persistence collaborator: notification preferences
// keyed by user id, terminal deployment history, and the log of
// user-initiated deployment actions. The engine owns no storage itself;
// it calls in here and keeps its in-memory state authoritative.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"opsdeck/internal/deploy"
	"opsdeck/internal/notify"
)

// Action is a user-initiated deployment operation worth auditing.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionCancel   Action = "cancel"
	ActionRollback Action = "rollback"
)

// Store manages engine persistence in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT PRIMARY KEY,
			prefs TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			project TEXT NOT NULL,
			environment TEXT NOT NULL,
			branch TEXT NOT NULL,
			commit_hash TEXT NOT NULL,
			author TEXT,
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_message TEXT,
			url TEXT,
			rollback_of TEXT,
			PRIMARY KEY (id, attempt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_project
			ON deployments(project, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS deployment_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deployment_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			requested_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SavePreferences upserts the user's preference set as a JSON document.
func (s *Store) SavePreferences(ctx context.Context, userID string, prefs notify.Preferences) error {
	blob, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, prefs, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET prefs = excluded.prefs, updated_at = excluded.updated_at
	`, userID, string(blob), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// LoadPreferences returns the stored preference set, or nil when the user
// has never saved any.
func (s *Store) LoadPreferences(ctx context.Context, userID string) (*notify.Preferences, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT prefs FROM preferences WHERE user_id = ?
	`, userID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}

	var prefs notify.Preferences
	if err := json.Unmarshal([]byte(blob), &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return &prefs, nil
}

// RecordDeployment persists a snapshot of a terminal deployment record.
// Each (id, attempt) pair is stored once; a redelivered snapshot replaces
// the previous row so reprocessing stays idempotent.
func (s *Store) RecordDeployment(ctx context.Context, rec deploy.Record) error {
	var completedAt *string
	if rec.CompletedAt != nil {
		formatted := rec.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO deployments
		(id, attempt, project, environment, branch, commit_hash, author,
		 status, trigger_kind, started_at, completed_at, duration_seconds,
		 error_message, url, rollback_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Attempt,
		rec.Project,
		string(rec.Environment),
		rec.Branch,
		rec.Commit,
		rec.Author,
		string(rec.Status),
		rec.Trigger,
		rec.StartedAt.UTC().Format(time.RFC3339),
		completedAt,
		rec.Duration,
		rec.Error,
		rec.URL,
		nullableString(rec.RollbackOf),
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment record: %w", err)
	}
	return nil
}

// DeploymentHistory returns the persisted records for a project, newest
// first.
func (s *Store) DeploymentHistory(ctx context.Context, project string, limit int) ([]deploy.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt, project, environment, branch, commit_hash, author,
		       status, trigger_kind, started_at, completed_at, duration_seconds,
		       error_message, url, rollback_of
		FROM deployments
		WHERE project = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	var records []deploy.Record
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// RecordAction logs a user-initiated retry, cancel or rollback.
func (s *Store) RecordAction(ctx context.Context, deploymentID string, action Action, actor string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_actions (deployment_id, action, actor, requested_at)
		VALUES (?, ?, ?, ?)
	`, deploymentID, string(action), actor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert action record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(s scanner) (*deploy.Record, error) {
	var rec deploy.Record
	var environment, status string
	var startedAtStr string
	var completedAtStr, author, errMsg, url, rollbackOf sql.NullString
	var duration sql.NullFloat64

	err := s.Scan(
		&rec.ID,
		&rec.Attempt,
		&rec.Project,
		&environment,
		&rec.Branch,
		&rec.Commit,
		&author,
		&status,
		&rec.Trigger,
		&startedAtStr,
		&completedAtStr,
		&duration,
		&errMsg,
		&url,
		&rollbackOf,
	)
	if err != nil {
		return nil, err
	}

	rec.Environment = deploy.Environment(environment)
	rec.Status = deploy.Status(status)
	if author.Valid {
		rec.Author = author.String
	}
	if duration.Valid {
		rec.Duration = duration.Float64
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	if url.Valid {
		u := url.String
		rec.URL = &u
	}
	if rollbackOf.Valid {
		rec.RollbackOf = rollbackOf.String
	}

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	rec.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		rec.CompletedAt = &completedAt
	}

	return &rec, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
