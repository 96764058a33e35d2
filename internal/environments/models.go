// Package environments stores named sandbox templates. A session references
// one environment; the template decides which provider backs the sandbox and
// how aggressive the idle policy is.
package environments

import (
	"encoding/json"
	"time"
)

// Sandbox provider types an environment can select.
const (
	SandboxTypeMock    = "mock"
	SandboxTypeDocker  = "docker"
	SandboxTypeMicroVM = "microvm"
	SandboxTypeRemote  = "remote"
)

// ValidSandboxTypes is the set of known provider types.
var ValidSandboxTypes = map[string]bool{
	SandboxTypeMock:    true,
	SandboxTypeDocker:  true,
	SandboxTypeMicroVM: true,
	SandboxTypeRemote:  true,
}

// Environment is a named sandbox template.
type Environment struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	SandboxType string          `json:"sandboxType" db:"sandbox_type"`
	Config      json.RawMessage `json:"config" db:"config"` // provider-specific blob
	// Idle thresholds in seconds; 0 falls back to the global reaper
	// defaults. Expensive compute gets aggressive values here.
	IdleAfterSec      int       `json:"idleAfterSec" db:"idle_after_sec"`
	TerminateAfterSec int       `json:"terminateAfterSec" db:"terminate_after_sec"`
	IsDefault         bool      `json:"isDefault" db:"is_default"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// ProviderConfig is the decoded shape of the provider-specific blob. Fields
// are optional; each provider reads the ones it understands.
type ProviderConfig struct {
	Image      string   `json:"image,omitempty" yaml:"image,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Resource   string   `json:"resource,omitempty" yaml:"resource,omitempty"` // resource tier hint
	SecretID   string   `json:"secretId,omitempty" yaml:"secretId,omitempty"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"` // git URLs, microVM host pre-install
	Packages   []string `json:"packages,omitempty" yaml:"packages,omitempty"`     // package refs the agent installs itself
	MemoryMB   int      `json:"memoryMb,omitempty" yaml:"memoryMb,omitempty"`
	CPUs       int      `json:"cpus,omitempty" yaml:"cpus,omitempty"`
}

// DecodeConfig parses the provider blob; an empty blob decodes to zero values.
func (e *Environment) DecodeConfig() (*ProviderConfig, error) {
	var cfg ProviderConfig
	if len(e.Config) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(e.Config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
