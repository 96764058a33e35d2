// Package session owns the session records and their lifecycle state machine.
package session

import (
	"time"
)

// Session modes.
const (
	ModeChat = "chat"
	ModeCode = "code"
)

// Session statuses.
const (
	StatusCreating = "creating"
	StatusActive   = "active"
	StatusIdle     = "idle"
	StatusArchived = "archived"
	StatusError    = "error"
)

// Session is the top-level unit of conversation with one agent. A session
// has exactly one sandbox at a time.
type Session struct {
	ID               string `json:"id" db:"id"`
	Mode             string `json:"mode" db:"mode"`
	Status           string `json:"status" db:"status"`
	EnvironmentID    string `json:"environmentId" db:"environment_id"`
	RepositoryURL    string `json:"repositoryUrl,omitempty" db:"repository_url"`
	RepositoryBranch string `json:"repositoryBranch,omitempty" db:"repository_branch"`
	WorkspacePath    string `json:"workspacePath,omitempty" db:"workspace_path"`
	SandboxType      string `json:"sandboxType,omitempty" db:"sandbox_type"`
	// SandboxProviderID is opaque outside the provider that issued it.
	SandboxProviderID string    `json:"sandboxProviderId,omitempty" db:"sandbox_provider_id"`
	DataDir           string    `json:"dataDir,omitempty" db:"data_dir"`
	LastActivityAt    time.Time `json:"lastActivityAt" db:"last_activity_at"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// WSEndpoint returns the websocket path clients attach to.
func (s *Session) WSEndpoint() string {
	return "/ws/sessions/" + s.ID
}

// IsTerminalForActivate reports whether activate must be refused.
func (s *Session) IsTerminalForActivate() bool {
	return s.Status == StatusArchived
}

// CreateRequest is the payload for creating a session.
type CreateRequest struct {
	Mode             string `json:"mode"`
	EnvironmentID    string `json:"environmentId,omitempty"`
	RepositoryURL    string `json:"repositoryUrl,omitempty"`
	RepositoryBranch string `json:"repositoryBranch,omitempty"`
}
