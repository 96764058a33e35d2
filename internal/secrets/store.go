package secrets

import "context"

// Store persists secrets encrypted at rest. The ciphertext is the only
// stored representation of a value.
type Store interface {
	// Upsert encrypts the plaintext and inserts or replaces the row.
	Upsert(ctx context.Context, kind Kind, id, plaintext string, enabled bool) error

	// List returns non-sensitive metadata for every secret.
	List(ctx context.Context) ([]*Secret, error)

	// Delete permanently removes a secret.
	Delete(ctx context.Context, id string) error

	// GetAllAsEnv decrypts every enabled secret and projects it to an
	// environment-variable mapping. This is the only call that
	// materializes plaintext; callers must not retain the map beyond
	// sandbox construction. A row that fails to decrypt is skipped and
	// logged, never fatal.
	GetAllAsEnv(ctx context.Context) (map[string]string, error)

	// Close releases resources.
	Close() error
}
