package hub

import (
	"context"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/internal/session"
)

// SandboxAttacher is the Attacher hubs use in production. A plain manager
// attach only finds live handles; this wrapper brings the sandbox back first
// when the handle map is cold (relay restart) or the sandbox was paused by
// the idle reaper, using the session service's activate semantics.
type SandboxAttacher struct {
	sessions  *session.Service
	sandboxes *sandbox.Manager
}

// NewSandboxAttacher wires the resume-if-needed attach path.
func NewSandboxAttacher(sessions *session.Service, sandboxes *sandbox.Manager) *SandboxAttacher {
	return &SandboxAttacher{sessions: sessions, sandboxes: sandboxes}
}

var _ Attacher = (*SandboxAttacher)(nil)

// Attach opens the session's sandbox channel, activating the session first
// when no live channel can be had. Archived sessions fail with Conflict from
// the activate step.
func (a *SandboxAttacher) Attach(ctx context.Context, sessionID string) (sandbox.Channel, error) {
	ch, err := a.sandboxes.Attach(ctx, sessionID)
	if err == nil {
		return ch, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) && !apperrors.IsCode(err, apperrors.CodeSandboxChannel) {
		return nil, err
	}

	if _, err := a.sessions.Activate(ctx, sessionID); err != nil {
		return nil, err
	}
	return a.sandboxes.Attach(ctx, sessionID)
}
