package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// agentSettings is the settings.json the agent reads at startup. Exactly one
// of the two lists is set: package refs the agent installs itself, or local
// extension directories pre-installed on the host (microVM).
type agentSettings struct {
	Packages   []string `json:"packages,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

// WritePackageSettings writes agent/settings.json listing package refs for
// providers where the agent installs its own extensions at startup.
func WritePackageSettings(dataDir string, packages []string) error {
	return writeSettings(dataDir, agentSettings{Packages: packages})
}

// WriteExtensionSettings writes agent/settings.json referencing extensions
// as absolute local paths.
func WriteExtensionSettings(dataDir string, extensionDirs []string) error {
	return writeSettings(dataDir, agentSettings{Extensions: extensionDirs})
}

func writeSettings(dataDir string, s agentSettings) error {
	agentDir := filepath.Join(dataDir, "agent")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(agentDir, "settings.json"), data, 0o644); err != nil {
		return fmt.Errorf("write settings.json: %w", err)
	}
	return nil
}
