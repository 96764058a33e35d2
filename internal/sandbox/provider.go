package sandbox

import (
	"context"
	"time"

	"github.com/relaydev/relay/internal/environments"
)

// Sandbox runtime statuses reported by Describe.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// CreateOptions carries everything a provider needs to build a sandbox.
type CreateOptions struct {
	SessionID string

	// Env is merged over the secrets snapshot; explicit entries win.
	Env map[string]string

	// SecretsSnapshot is the plaintext env projection taken at creation
	// time. Providers must not retain it past sandbox start.
	SecretsSnapshot map[string]string

	RepositoryURL    string
	RepositoryBranch string

	// DataDir is the session's host directory; providers mount its
	// workspace/, agent/ and git/ subdirectories.
	DataDir string

	// Resource hints. Zero means provider default.
	CPUShare int
	MemoryMB int

	StartupTimeout time.Duration

	// Config is the environment template's provider-specific blob.
	Config *environments.ProviderConfig

	// LogSink receives sandbox stderr and lifecycle lines for the
	// per-session log ring. May be nil.
	LogSink func(line string)
}

// Log writes to the sink when one is set.
func (o *CreateOptions) Log(line string) {
	if o.LogSink != nil {
		o.LogSink(line)
	}
}

// Describe is a point-in-time view of a sandbox.
type Describe struct {
	Status       string   `json:"status"`
	ResourceTier string   `json:"resourceTier,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Handle is the in-memory binding from a session to a live sandbox. It
// belongs to exactly one session.
type Handle interface {
	ProviderType() string

	// ProviderID is opaque outside the provider that issued it.
	ProviderID() string

	// Attach opens the RPC channel to the agent. Calling Attach on an
	// already-attached handle returns the existing channel.
	Attach(ctx context.Context) (Channel, error)

	// Detach drops the channel reference without stopping the sandbox.
	Detach() error

	// Pause stops the sandbox preserving state. Idempotent.
	Pause(ctx context.Context) error

	// Resume restarts a paused sandbox. Idempotent.
	Resume(ctx context.Context) error

	// Terminate destroys the sandbox. Idempotent.
	Terminate(ctx context.Context) error

	Describe(ctx context.Context) (*Describe, error)
}

// Provider is one sandbox backend variant. Adding a backend means adding a
// Provider implementation and registering it with the manager.
type Provider interface {
	// Type returns the provider tag stored on sessions.
	Type() string

	// Create builds a new sandbox and returns its handle.
	Create(ctx context.Context, opts CreateOptions) (Handle, error)

	// Rebuild reconstructs a handle from a persisted provider id, used
	// after relay restart or idle-pause. It must not start the sandbox.
	Rebuild(ctx context.Context, providerID string, opts CreateOptions) (Handle, error)
}
