package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/crypto"
	"github.com/relaydev/relay/internal/db"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	crypto *crypto.Service
	logger *logger.Logger
}

var _ Store = (*sqlStore)(nil)

// Provide creates the SQL-backed secret store using separate writer and
// reader pools.
func Provide(writer, reader *sqlx.DB, cryptoSvc *crypto.Service, log *logger.Logger) (Store, func() error, error) {
	store := &sqlStore{
		db:     writer,
		ro:     reader,
		crypto: cryptoSvc,
		logger: log.WithFields(zap.String("component", "secrets")),
	}
	if err := store.initSchema(); err != nil {
		return nil, nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return store, store.Close, nil
}

func (s *sqlStore) initSchema() error {
	blob := "BLOB"
	if db.IsPostgres(s.db.DriverName()) {
		blob = "BYTEA"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS secrets (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		ciphertext  %s NOT NULL,
		nonce       %s NOT NULL,
		tag         %s NOT NULL,
		key_version INTEGER NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_kind ON secrets(kind);
	`, blob, blob, blob)
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	// Pools are owned by the caller (shared across stores).
	return nil
}

func (s *sqlStore) Upsert(ctx context.Context, kind Kind, id, plaintext string, enabled bool) error {
	rec, err := s.crypto.Encrypt([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	now := time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO secrets (id, kind, enabled, ciphertext, nonce, tag, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			enabled = excluded.enabled,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			tag = excluded.tag,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`)

	_, err = s.db.ExecContext(ctx, query,
		id, string(kind), db.BoolToInt(enabled),
		rec.Ciphertext, rec.Nonce, rec.Tag, rec.KeyVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]*Secret, error) {
	var rows []secretRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, kind, enabled, created_at, updated_at
		FROM secrets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	out := make([]*Secret, len(rows))
	for i, r := range rows {
		out[i] = r.toSecret()
	}
	return out, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM secrets WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("secret not found: %s", id)
	}
	return nil
}

func (s *sqlStore) GetAllAsEnv(ctx context.Context) (map[string]string, error) {
	var rows []secretValueRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, kind, ciphertext, nonce, tag, key_version
		FROM secrets WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	env := make(map[string]string, len(rows))
	for _, r := range rows {
		plaintext, err := s.crypto.Decrypt(&crypto.Record{
			Ciphertext: r.Ciphertext,
			Nonce:      r.Nonce,
			Tag:        r.Tag,
			KeyVersion: r.KeyVersion,
		})
		if err != nil {
			// One bad row must not block the rest of the snapshot.
			s.logger.Warn("skipping undecryptable secret",
				zap.String("secret_id", r.ID),
				zap.Int("key_version", r.KeyVersion),
				zap.Error(err))
			continue
		}
		env[EnvKeyFor(Kind(r.Kind), r.ID)] = string(plaintext)
	}
	return env, nil
}

// EnvKeyFor maps a secret to its environment variable name by kind-and-id
// convention: aiProvider "anthropic" → ANTHROPIC_API_KEY, sandboxProvider
// "sprites" → SPRITES_API_TOKEN, envVar ids pass through as-is.
func EnvKeyFor(kind Kind, id string) string {
	switch kind {
	case KindAIProvider:
		return sanitizeEnvToken(id) + "_API_KEY"
	case KindSandboxProvider:
		return sanitizeEnvToken(id) + "_API_TOKEN"
	default:
		return sanitizeEnvToken(id)
	}
}

func sanitizeEnvToken(id string) string {
	upper := strings.ToUpper(id)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

// secretRow is the DB scan target for metadata queries.
type secretRow struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	Enabled   int       `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *secretRow) toSecret() *Secret {
	return &Secret{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Enabled:   r.Enabled != 0,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// secretValueRow is the DB scan target for snapshot queries.
type secretValueRow struct {
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	Ciphertext []byte `db:"ciphertext"`
	Nonce      []byte `db:"nonce"`
	Tag        []byte `db:"tag"`
	KeyVersion int    `db:"key_version"`
}
