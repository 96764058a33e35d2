package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/journal"
)

// provisionTimeout bounds background sandbox creation after POST /sessions
// returns. Providers that pull images can take a while.
const provisionTimeout = 5 * time.Minute

// ProvisionOptions carries what a provider needs to build a sandbox for a
// session.
type ProvisionOptions struct {
	SessionID        string
	Mode             string
	Environment      *environments.Environment
	DataDir          string
	RepositoryURL    string
	RepositoryBranch string
}

// Provisioner is the sandbox manager surface the session service drives.
// Implementations must be idempotent with respect to target state.
type Provisioner interface {
	Provision(ctx context.Context, opts ProvisionOptions) (providerType, providerID string, err error)
	Resume(ctx context.Context, providerType, providerID string, opts ProvisionOptions) error
	Terminate(ctx context.Context, sessionID, providerType, providerID string) error
}

// Service implements the session lifecycle state machine.
type Service struct {
	repo        *Repository
	envs        *environments.Store
	journal     journal.Journal
	bus         bus.EventBus
	provisioner Provisioner
	batcher     *ActivityBatcher
	stateDir    string
	logger      *logger.Logger
}

// NewService wires the session service.
func NewService(repo *Repository, envs *environments.Store, j journal.Journal, eventBus bus.EventBus, provisioner Provisioner, stateDir string, log *logger.Logger) *Service {
	svc := &Service{
		repo:        repo,
		envs:        envs,
		journal:     j,
		bus:         eventBus,
		provisioner: provisioner,
		batcher:     NewActivityBatcher(repo, log),
		stateDir:    stateDir,
		logger:      log.WithFields(zap.String("component", "session-service")),
	}
	svc.batcher.Start()
	return svc
}

// Stop flushes pending activity updates.
func (s *Service) Stop() {
	s.batcher.Stop()
}

// Create inserts a session in creating state and provisions its sandbox in
// the background. The caller polls GET /sessions/:id for the transition to
// active or error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.Mode != ModeChat && req.Mode != ModeCode {
		return nil, apperrors.NewValidationError("mode must be chat or code")
	}
	if req.Mode == ModeCode && req.RepositoryURL == "" {
		return nil, apperrors.NewValidationError("repositoryUrl is required for code sessions")
	}

	env, err := s.resolveEnvironment(ctx, req)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	dataDir := filepath.Join(s.stateDir, "sessions", id)
	sess := &Session{
		ID:               id,
		Mode:             req.Mode,
		Status:           StatusCreating,
		EnvironmentID:    env.ID,
		RepositoryURL:    req.RepositoryURL,
		RepositoryBranch: req.RepositoryBranch,
		DataDir:          dataDir,
	}
	if req.Mode == ModeCode {
		sess.WorkspacePath = filepath.Join(dataDir, "workspace")
	}

	if err := s.ensureDataDirs(dataDir); err != nil {
		return nil, apperrors.NewInternalError("create session data dir", err)
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}

	go s.provision(sess, env)
	return sess, nil
}

// ensureDataDirs builds the per-session host directory layout.
func (s *Service) ensureDataDirs(dataDir string) error {
	for _, sub := range []string{"workspace", filepath.Join("agent", "sessions"), "git"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) provision(sess *Session, env *environments.Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	providerType, providerID, err := s.provisioner.Provision(ctx, ProvisionOptions{
		SessionID:        sess.ID,
		Mode:             sess.Mode,
		Environment:      env,
		DataDir:          sess.DataDir,
		RepositoryURL:    sess.RepositoryURL,
		RepositoryBranch: sess.RepositoryBranch,
	})
	if err != nil {
		s.logger.Error("sandbox provisioning failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		s.setStatus(ctx, sess.ID, StatusError)
		return
	}

	if err := s.repo.UpdateSandbox(ctx, sess.ID, providerType, providerID); err != nil {
		s.logger.Error("failed to record sandbox binding",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		s.setStatus(ctx, sess.ID, StatusError)
		return
	}
	s.setStatus(ctx, sess.ID, StatusActive)
}

func (s *Service) resolveEnvironment(ctx context.Context, req CreateRequest) (*environments.Environment, error) {
	if req.EnvironmentID != "" {
		return s.envs.Get(ctx, req.EnvironmentID)
	}
	// Chat sessions with no explicit environment run on the in-process mock.
	env, err := s.envs.GetDefault(ctx)
	if err != nil {
		if req.Mode == ModeChat {
			return &environments.Environment{ID: "", Name: "mock", SandboxType: environments.SandboxTypeMock}, nil
		}
		return nil, apperrors.NewValidationError("no environmentId given and no default environment configured")
	}
	return env, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.Get(ctx, id)
}

// List returns all sessions.
func (s *Service) List(ctx context.Context) ([]*Session, error) {
	return s.repo.List(ctx)
}

// ListByStatus is used by the reaper.
func (s *Service) ListByStatus(ctx context.Context, status string) ([]*Session, error) {
	return s.repo.ListByStatus(ctx, status)
}

// Environment resolves the session's environment template.
func (s *Service) Environment(ctx context.Context, sess *Session) (*environments.Environment, error) {
	if sess.EnvironmentID == "" {
		return &environments.Environment{ID: "", Name: "mock", SandboxType: environments.SandboxTypeMock}, nil
	}
	return s.envs.Get(ctx, sess.EnvironmentID)
}

// Activate ensures the session has a running sandbox and moves it to active.
// Archived sessions always refuse with Conflict.
func (s *Service) Activate(ctx context.Context, id string) (*Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminalForActivate() {
		return nil, apperrors.NewConflict("session is archived")
	}

	env, err := s.Environment(ctx, sess)
	if err != nil {
		return nil, err
	}

	opts := ProvisionOptions{
		SessionID:        sess.ID,
		Mode:             sess.Mode,
		Environment:      env,
		DataDir:          sess.DataDir,
		RepositoryURL:    sess.RepositoryURL,
		RepositoryBranch: sess.RepositoryBranch,
	}

	if sess.SandboxProviderID != "" {
		err = s.provisioner.Resume(ctx, sess.SandboxType, sess.SandboxProviderID, opts)
	} else {
		var providerType, providerID string
		providerType, providerID, err = s.provisioner.Provision(ctx, opts)
		if err == nil {
			err = s.repo.UpdateSandbox(ctx, sess.ID, providerType, providerID)
			sess.SandboxType = providerType
			sess.SandboxProviderID = providerID
		}
	}
	if err != nil {
		s.setStatus(ctx, sess.ID, StatusError)
		return nil, apperrors.NewSandboxProvisioningError("activate sandbox", err)
	}

	s.setStatus(ctx, sess.ID, StatusActive)
	sess.Status = StatusActive
	s.Touch(sess.ID)
	return sess, nil
}

// Archive soft-deletes the session: the hub is closed, the sandbox is
// terminated, the row and journal stay.
func (s *Service) Archive(ctx context.Context, id string) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateStatus(ctx, id, StatusArchived); err != nil {
		return err
	}
	s.publish(bus.SubjectSessionArchived, id, StatusArchived)

	if sess.SandboxProviderID != "" {
		if err := s.provisioner.Terminate(ctx, id, sess.SandboxType, sess.SandboxProviderID); err != nil {
			s.logger.Warn("sandbox terminate during archive failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
		if err := s.repo.ClearSandbox(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete terminates the sandbox, removes the journal, the row, and the data
// directory.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	s.publish(bus.SubjectSessionDeleted, id, "")

	if sess.SandboxProviderID != "" {
		if err := s.provisioner.Terminate(ctx, id, sess.SandboxType, sess.SandboxProviderID); err != nil {
			s.logger.Warn("sandbox terminate during delete failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
	if err := s.journal.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if sess.DataDir != "" {
		if err := os.RemoveAll(sess.DataDir); err != nil {
			s.logger.Warn("failed to remove session data dir",
				zap.String("session_id", id),
				zap.String("data_dir", sess.DataDir),
				zap.Error(err))
		}
	}
	return nil
}

// MarkIdle is called by the reaper after pausing the sandbox.
func (s *Service) MarkIdle(ctx context.Context, id string) error {
	if err := s.repo.UpdateStatus(ctx, id, StatusIdle); err != nil {
		return err
	}
	s.publish(bus.SubjectSessionStatusChanged, id, StatusIdle)
	return nil
}

// ReleaseSandbox terminates an idle session's sandbox and clears the binding.
// The session stays idle; the next activate provisions a fresh sandbox.
func (s *Service) ReleaseSandbox(ctx context.Context, id string) error {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.SandboxProviderID == "" {
		return nil
	}
	if err := s.provisioner.Terminate(ctx, id, sess.SandboxType, sess.SandboxProviderID); err != nil {
		return err
	}
	return s.repo.ClearSandbox(ctx, id)
}

// MarkError is called by the hub when the sandbox channel fails mid-run.
func (s *Service) MarkError(ctx context.Context, id string) error {
	if err := s.repo.UpdateStatus(ctx, id, StatusError); err != nil {
		return err
	}
	s.publish(bus.SubjectSessionStatusChanged, id, StatusError)
	return nil
}

// Touch records activity for the reaper's idle accounting. Debounced.
func (s *Service) Touch(sessionID string) {
	s.batcher.Touch(sessionID)
}

func (s *Service) setStatus(ctx context.Context, id, status string) {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		s.logger.Error("failed to update session status",
			zap.String("session_id", id),
			zap.String("status", status),
			zap.Error(err))
		return
	}
	s.publish(bus.SubjectSessionStatusChanged, id, status)
}

func (s *Service) publish(subject, sessionID, status string) {
	data := map[string]interface{}{"session_id": sessionID}
	if status != "" {
		data["status"] = status
	}
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session-service", data)); err != nil {
		s.logger.Warn("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// EnsureStateDir verifies the state directory is usable at startup.
func EnsureStateDir(stateDir string) error {
	if err := os.MkdirAll(filepath.Join(stateDir, "sessions"), 0o755); err != nil {
		return fmt.Errorf("state dir %s unusable: %w", stateDir, err)
	}
	return nil
}
