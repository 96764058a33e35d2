package secrets

import (
	"context"
	"regexp"
	"strings"

	"github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
)

// Service provides validation on top of the store.
type Service struct {
	store  Store
	logger *logger.Logger
}

// NewService creates a new secrets service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

var envVarIDRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
var providerIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func validateUpsert(req *UpsertSecretRequest) error {
	req.ID = strings.TrimSpace(req.ID)

	if !ValidKinds[req.Kind] {
		return errors.NewValidationError("kind must be one of: aiProvider, envVar, sandboxProvider")
	}
	if req.ID == "" || len(req.ID) > 100 {
		return errors.NewValidationError("id must be 1-100 characters")
	}
	if req.Kind == KindEnvVar && !envVarIDRegex.MatchString(req.ID) {
		return errors.NewValidationError("envVar ids must be uppercase letters, digits, and underscores (e.g. MY_API_KEY)")
	}
	if req.Kind != KindEnvVar && !providerIDRegex.MatchString(req.ID) {
		return errors.NewValidationError("provider ids must be alphanumeric (e.g. anthropic, sprites)")
	}
	if req.Value == "" || len(req.Value) > 10000 {
		return errors.NewValidationError("value must be 1-10000 characters")
	}
	return nil
}

// Upsert validates and stores a secret, returning its metadata.
func (s *Service) Upsert(ctx context.Context, req *UpsertSecretRequest) (*Secret, error) {
	if err := validateUpsert(req); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := s.store.Upsert(ctx, req.Kind, req.ID, req.Value, enabled); err != nil {
		return nil, errors.NewInternalError("store secret", err)
	}

	return &Secret{ID: req.ID, Kind: req.Kind, Enabled: enabled}, nil
}

// List returns metadata for every secret.
func (s *Service) List(ctx context.Context) ([]*Secret, error) {
	return s.store.List(ctx)
}

// Delete removes a secret.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.NewNotFound("secret", id)
	}
	return nil
}

// GetAllAsEnv materializes the plaintext snapshot for sandbox construction.
func (s *Service) GetAllAsEnv(ctx context.Context) (map[string]string, error) {
	return s.store.GetAllAsEnv(ctx)
}
