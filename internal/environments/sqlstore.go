package environments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
)

// Store persists environment templates.
type Store struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	logger *logger.Logger
}

// Provide creates the environments store.
func Provide(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "environments")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("environments schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL UNIQUE,
		sandbox_type        TEXT NOT NULL,
		config              TEXT NOT NULL DEFAULT '{}',
		idle_after_sec      INTEGER NOT NULL DEFAULT 0,
		terminate_after_sec INTEGER NOT NULL DEFAULT 0,
		is_default          INTEGER NOT NULL DEFAULT 0,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new environment.
func (s *Store) Create(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if !ValidSandboxTypes[env.SandboxType] {
		return apperrors.NewValidationError("unknown sandbox type: " + env.SandboxType)
	}
	if len(env.Config) == 0 {
		env.Config = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO environments (id, name, sandbox_type, config, idle_after_sec, terminate_after_sec, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		env.ID, env.Name, env.SandboxType, string(env.Config),
		env.IdleAfterSec, env.TerminateAfterSec, db.BoolToInt(env.IsDefault), now, now)
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

// Get returns one environment by id.
func (s *Store) Get(ctx context.Context, id string) (*Environment, error) {
	var row environmentRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, name, sandbox_type, config, idle_after_sec, terminate_after_sec, is_default, created_at, updated_at
		FROM environments WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("environment", id)
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return row.toEnvironment(), nil
}

// GetDefault returns the default environment, or NotFound when none is marked.
func (s *Store) GetDefault(ctx context.Context) (*Environment, error) {
	var row environmentRow
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, name, sandbox_type, config, idle_after_sec, terminate_after_sec, is_default, created_at, updated_at
		FROM environments WHERE is_default = 1 LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("environment", "default")
		}
		return nil, fmt.Errorf("get default environment: %w", err)
	}
	return row.toEnvironment(), nil
}

// List returns all environments.
func (s *Store) List(ctx context.Context) ([]*Environment, error) {
	var rows []environmentRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, name, sandbox_type, config, idle_after_sec, terminate_after_sec, is_default, created_at, updated_at
		FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	out := make([]*Environment, len(rows))
	for i, r := range rows {
		out[i] = r.toEnvironment()
	}
	return out, nil
}

// Delete removes an environment.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM environments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NewNotFound("environment", id)
	}
	return nil
}

// Count returns the number of stored environments.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM environments`); err != nil {
		return 0, fmt.Errorf("count environments: %w", err)
	}
	return n, nil
}

type environmentRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	SandboxType       string    `db:"sandbox_type"`
	Config            string    `db:"config"`
	IdleAfterSec      int       `db:"idle_after_sec"`
	TerminateAfterSec int       `db:"terminate_after_sec"`
	IsDefault         int       `db:"is_default"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *environmentRow) toEnvironment() *Environment {
	return &Environment{
		ID:                r.ID,
		Name:              r.Name,
		SandboxType:       r.SandboxType,
		Config:            json.RawMessage(r.Config),
		IdleAfterSec:      r.IdleAfterSec,
		TerminateAfterSec: r.TerminateAfterSec,
		IsDefault:         r.IsDefault != 0,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
