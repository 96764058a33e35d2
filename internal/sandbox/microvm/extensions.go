package microvm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relay/internal/sandbox"
)

// PreinstallExtensions clones or updates each extension repository into the
// session's agent directory and installs its dependencies on the host, then
// writes settings.json referencing the extensions as local paths.
//
// The VM has too little memory to run the general package installer, which
// pulls native-compile dependencies, so this happens before VM start.
func PreinstallExtensions(ctx context.Context, dataDir string, repos []string) error {
	extRoot := filepath.Join(dataDir, "agent", "extensions")
	if err := os.MkdirAll(extRoot, 0o755); err != nil {
		return fmt.Errorf("create extensions dir: %w", err)
	}

	dirs := make([]string, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range repos {
		dir := filepath.Join(extRoot, extensionName(repo))
		dirs[i] = dir
		repo := repo
		g.Go(func() error {
			if err := cloneOrPull(gctx, repo, dir); err != nil {
				return err
			}
			return installDependencies(gctx, dir)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return sandbox.WriteExtensionSettings(dataDir, dirs)
}

// extensionName derives the checkout directory from the repository URL.
func extensionName(repo string) string {
	base := filepath.Base(strings.TrimSuffix(repo, "/"))
	return strings.TrimSuffix(base, ".git")
}

func cloneOrPull(ctx context.Context, repo, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "pull", "--ff-only")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git pull %s: %w: %s", repo, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repo, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", repo, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// installDependencies runs the package install in no-peer mode. Extensions
// without a manifest need no install step.
func installDependencies(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "npm", "install", "--legacy-peer-deps", "--no-audit", "--no-fund")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("npm install in %s: %w: %s", dir, err, strings.TrimSpace(string(out)))
	}
	return nil
}
