package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
)

// Repository persists session rows.
type Repository struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	logger *logger.Logger
}

// ProvideRepository creates the session repository.
func ProvideRepository(writer, reader *sqlx.DB, log *logger.Logger) (*Repository, error) {
	r := &Repository{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "session-repository")),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("sessions schema init: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		mode                TEXT NOT NULL,
		status              TEXT NOT NULL,
		environment_id      TEXT NOT NULL,
		repository_url      TEXT NOT NULL DEFAULT '',
		repository_branch   TEXT NOT NULL DEFAULT '',
		workspace_path      TEXT NOT NULL DEFAULT '',
		sandbox_type        TEXT NOT NULL DEFAULT '',
		sandbox_provider_id TEXT NOT NULL DEFAULT '',
		data_dir            TEXT NOT NULL DEFAULT '',
		last_activity_at    TIMESTAMP NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Create inserts a session row.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, mode, status, environment_id, repository_url, repository_branch,
			workspace_path, sandbox_type, sandbox_provider_id, data_dir, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Mode, s.Status, s.EnvironmentID, s.RepositoryURL, s.RepositoryBranch,
		s.WorkspacePath, s.SandboxType, s.SandboxProviderID, s.DataDir, s.LastActivityAt, now, now)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns one session by id.
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.ro.GetContext(ctx, &s, r.ro.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("session", id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// List returns all sessions, newest first.
func (r *Repository) List(ctx context.Context) ([]*Session, error) {
	var rows []*Session
	err := r.ro.SelectContext(ctx, &rows, `SELECT * FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// ListByStatus returns all sessions in the given status.
func (r *Repository) ListByStatus(ctx context.Context, status string) ([]*Session, error) {
	var rows []*Session
	err := r.ro.SelectContext(ctx, &rows,
		r.ro.Rebind(`SELECT * FROM sessions WHERE status = ? ORDER BY created_at DESC`), status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	return rows, nil
}

// UpdateStatus moves the session to a new status.
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NewNotFound("session", id)
	}
	return nil
}

// UpdateSandbox records the provider binding after a successful create or
// resume.
func (r *Repository) UpdateSandbox(ctx context.Context, id, sandboxType, providerID string) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET sandbox_type = ?, sandbox_provider_id = ?, updated_at = ? WHERE id = ?`),
		sandboxType, providerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session sandbox: %w", err)
	}
	return nil
}

// ClearSandbox drops the provider binding after terminate.
func (r *Repository) ClearSandbox(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE sessions SET sandbox_provider_id = '', updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clear session sandbox: %w", err)
	}
	return nil
}

// TouchActivity writes coalesced lastActivityAt updates in one transaction.
func (r *Repository) TouchActivity(ctx context.Context, at map[string]time.Time) error {
	if len(at) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("touch activity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := r.db.Rebind(`UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`)
	for id, ts := range at {
		if _, err := tx.ExecContext(ctx, stmt, ts.UTC(), id, ts.UTC()); err != nil {
			return fmt.Errorf("touch activity for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Delete removes a session row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NewNotFound("session", id)
	}
	return nil
}
