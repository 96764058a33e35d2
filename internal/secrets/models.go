package secrets

import "time"

// Kind groups secrets by what consumes them.
type Kind string

const (
	// KindAIProvider is an API key for a model provider; it materializes
	// as <ID>_API_KEY.
	KindAIProvider Kind = "aiProvider"

	// KindEnvVar is an arbitrary environment variable; the id is the
	// variable name.
	KindEnvVar Kind = "envVar"

	// KindSandboxProvider is a token for a sandbox compute provider; it
	// materializes as <ID>_API_TOKEN.
	KindSandboxProvider Kind = "sandboxProvider"
)

// ValidKinds is the set of allowed kinds.
var ValidKinds = map[Kind]bool{
	KindAIProvider:      true,
	KindEnvVar:          true,
	KindSandboxProvider: true,
}

// Secret is stored secret metadata. The plaintext value never appears here.
type Secret struct {
	ID        string    `json:"id" db:"id"`
	Kind      Kind      `json:"kind" db:"kind"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UpsertSecretRequest is the request body for creating or replacing a secret.
type UpsertSecretRequest struct {
	Kind    Kind   `json:"kind"`
	ID      string `json:"id"`
	Value   string `json:"value"`
	Enabled *bool  `json:"enabled,omitempty"` // defaults to true
}
