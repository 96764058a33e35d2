package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/secrets"
	"github.com/relaydev/relay/internal/session"
)

// Manager is the singleton coordinator over all provider backends. It holds
// the live handles, the per-session log rings, and the secrets snapshot
// policy: secrets are read once at sandbox creation, never injected later.
type Manager struct {
	mu       sync.Mutex
	handles  map[string]Handle   // sessionID -> handle
	logRings map[string]*LogRing // sessionID -> ring

	providers map[string]Provider
	secrets   secrets.Store

	// secretsOverride, when set, replaces the store read for the next
	// creations. Used by setSecrets and tests.
	secretsOverride map[string]string

	logger *logger.Logger
}

var _ session.Provisioner = (*Manager)(nil)

// NewManager creates the manager. Providers register afterwards.
func NewManager(secretsStore secrets.Store, log *logger.Logger) *Manager {
	return &Manager{
		handles:   make(map[string]Handle),
		logRings:  make(map[string]*LogRing),
		providers: make(map[string]Provider),
		secrets:   secretsStore,
		logger:    log.WithFields(zap.String("component", "sandbox-manager")),
	}
}

// Register adds a provider backend.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Type()] = p
}

// SetSecrets replaces the snapshot used by subsequent creations. Running
// sandboxes keep the env they started with.
func (m *Manager) SetSecrets(snapshot map[string]string) {
	copied := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		copied[k] = v
	}
	m.mu.Lock()
	m.secretsOverride = copied
	m.mu.Unlock()
}

// Provision implements session.Provisioner: create a sandbox for a session
// and remember the handle.
func (m *Manager) Provision(ctx context.Context, opts session.ProvisionOptions) (string, string, error) {
	provider, err := m.providerFor(opts.Environment.SandboxType)
	if err != nil {
		return "", "", err
	}

	createOpts, err := m.buildCreateOptions(ctx, opts)
	if err != nil {
		return "", "", err
	}

	m.logTo(opts.SessionID, fmt.Sprintf("creating %s sandbox", provider.Type()))
	handle, err := provider.Create(ctx, createOpts)
	if err != nil {
		m.logTo(opts.SessionID, "sandbox create failed: "+err.Error())
		return "", "", apperrors.NewSandboxProvisioningError("sandbox create failed", err)
	}
	m.logTo(opts.SessionID, "sandbox created: "+handle.ProviderID())

	m.mu.Lock()
	m.handles[opts.SessionID] = handle
	m.mu.Unlock()
	return handle.ProviderType(), handle.ProviderID(), nil
}

// Resume implements session.Provisioner: rebuild the handle from persisted
// ids when necessary and start the sandbox again.
func (m *Manager) Resume(ctx context.Context, providerType, providerID string, opts session.ProvisionOptions) error {
	handle, err := m.handleOrRebuild(ctx, opts.SessionID, providerType, providerID, opts)
	if err != nil {
		return err
	}
	m.logTo(opts.SessionID, "resuming sandbox "+providerID)
	if err := handle.Resume(ctx); err != nil {
		m.logTo(opts.SessionID, "sandbox resume failed: "+err.Error())
		return apperrors.NewSandboxProvisioningError("sandbox resume failed", err)
	}
	return nil
}

// Terminate implements session.Provisioner.
func (m *Manager) Terminate(ctx context.Context, sessionID, providerType, providerID string) error {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok {
		provider, err := m.providerFor(providerType)
		if err != nil {
			return err
		}
		handle, err = provider.Rebuild(ctx, providerID, CreateOptions{SessionID: sessionID})
		if err != nil {
			return err
		}
	}

	m.logTo(sessionID, "terminating sandbox "+providerID)
	if err := handle.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate sandbox %s: %w", providerID, err)
	}
	return nil
}

// Attach opens the RPC channel for a session's live sandbox.
func (m *Manager) Attach(ctx context.Context, sessionID string) (Channel, error) {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFound("sandbox handle", sessionID)
	}
	ch, err := handle.Attach(ctx)
	if err != nil {
		return nil, apperrors.NewSandboxChannelError("sandbox attach failed", err)
	}
	return ch, nil
}

// Pause stops a session's sandbox preserving state. A missing handle means
// the sandbox is already gone, which satisfies the target state.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logTo(sessionID, "pausing sandbox "+handle.ProviderID())
	return handle.Pause(ctx)
}

// TerminateIdle destroys the sandbox of an idle session but keeps the log
// ring. The next activate re-creates.
func (m *Manager) TerminateIdle(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logTo(sessionID, "terminating idle sandbox "+handle.ProviderID())
	return handle.Terminate(ctx)
}

// Handle returns the live handle for a session, if any.
func (m *Manager) Handle(sessionID string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// Describe reports the sandbox status for a session. Sessions with no live
// handle are stopped.
func (m *Manager) Describe(ctx context.Context, sessionID string) (*Describe, error) {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return &Describe{Status: StatusStopped}, nil
	}
	return handle.Describe(ctx)
}

// Logs returns a snapshot of the session's recent sandbox output.
func (m *Manager) Logs(sessionID string) []string {
	m.mu.Lock()
	ring, ok := m.logRings[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Snapshot()
}

// Shutdown detaches all channels so transports close cleanly. Sandboxes are
// left running; they survive relay restarts.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		_ = h.Detach()
	}
}

func (m *Manager) buildCreateOptions(ctx context.Context, opts session.ProvisionOptions) (CreateOptions, error) {
	snapshot, err := m.secretsSnapshot(ctx)
	if err != nil {
		return CreateOptions{}, err
	}

	cfg, err := opts.Environment.DecodeConfig()
	if err != nil {
		return CreateOptions{}, apperrors.NewValidationError("invalid environment config: " + err.Error())
	}

	sessionID := opts.SessionID
	return CreateOptions{
		SessionID:        sessionID,
		SecretsSnapshot:  snapshot,
		RepositoryURL:    opts.RepositoryURL,
		RepositoryBranch: opts.RepositoryBranch,
		DataDir:          opts.DataDir,
		MemoryMB:         cfg.MemoryMB,
		CPUShare:         cfg.CPUs,
		StartupTimeout:   2 * time.Minute,
		Config:           cfg,
		LogSink:          func(line string) { m.logTo(sessionID, line) },
	}, nil
}

// secretsSnapshot materializes plaintext exactly once per creation. The
// returned map is a fresh copy; callers own it.
func (m *Manager) secretsSnapshot(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	override := m.secretsOverride
	m.mu.Unlock()

	if override != nil {
		copied := make(map[string]string, len(override))
		for k, v := range override {
			copied[k] = v
		}
		return copied, nil
	}
	if m.secrets == nil {
		return map[string]string{}, nil
	}
	snapshot, err := m.secrets.GetAllAsEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets snapshot: %w", err)
	}
	return snapshot, nil
}

func (m *Manager) providerFor(sandboxType string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[sandboxType]
	if !ok {
		return nil, apperrors.NewValidationError("no provider registered for sandbox type " + sandboxType)
	}
	return p, nil
}

func (m *Manager) handleOrRebuild(ctx context.Context, sessionID, providerType, providerID string, opts session.ProvisionOptions) (Handle, error) {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	m.mu.Unlock()
	if ok {
		return handle, nil
	}

	provider, err := m.providerFor(providerType)
	if err != nil {
		return nil, err
	}
	createOpts, err := m.buildCreateOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	handle, err = provider.Rebuild(ctx, providerID, createOpts)
	if err != nil {
		return nil, apperrors.NewSandboxProvisioningError("sandbox rebuild failed", err)
	}

	m.mu.Lock()
	m.handles[sessionID] = handle
	m.mu.Unlock()
	return handle, nil
}

func (m *Manager) logTo(sessionID, line string) {
	m.mu.Lock()
	ring, ok := m.logRings[sessionID]
	if !ok {
		ring = NewLogRing()
		m.logRings[sessionID] = ring
	}
	m.mu.Unlock()

	ring.Append(line)
	m.logger.Debug(line, zap.String("session_id", sessionID))
}
