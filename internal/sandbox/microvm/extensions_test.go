package microvm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/sandbox"
)

func TestExtensionName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/example/tool-ext.git": "tool-ext",
		"https://github.com/example/tool-ext":     "tool-ext",
		"git@github.com:example/tool-ext.git":     "tool-ext",
		"https://github.com/example/tool-ext/":    "tool-ext",
	}
	for repo, want := range cases {
		assert.Equal(t, want, extensionName(repo), repo)
	}
}

func TestWriteExtensionSettings(t *testing.T) {
	dataDir := t.TempDir()
	dirs := []string{
		filepath.Join(dataDir, "agent", "extensions", "a"),
		filepath.Join(dataDir, "agent", "extensions", "b"),
	}

	require.NoError(t, sandbox.WriteExtensionSettings(dataDir, dirs))

	data, err := os.ReadFile(filepath.Join(dataDir, "agent", "settings.json"))
	require.NoError(t, err)

	var settings struct {
		Packages   []string `json:"packages"`
		Extensions []string `json:"extensions"`
	}
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.Equal(t, dirs, settings.Extensions, "extensions must be absolute local paths")
	assert.Empty(t, settings.Packages)
}

func TestWritePackageSettings(t *testing.T) {
	dataDir := t.TempDir()

	require.NoError(t, sandbox.WritePackageSettings(dataDir, []string{"@relay/web-search"}))

	data, err := os.ReadFile(filepath.Join(dataDir, "agent", "settings.json"))
	require.NoError(t, err)

	var settings struct {
		Packages   []string `json:"packages"`
		Extensions []string `json:"extensions"`
	}
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.Equal(t, []string{"@relay/web-search"}, settings.Packages)
	assert.Empty(t, settings.Extensions)
}

func TestInstallDependenciesSkipsWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, installDependencies(context.Background(), dir))
}
