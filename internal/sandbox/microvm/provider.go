// Package microvm backs sandboxes with lightweight VMs driven through the
// host's VM control CLI. The agent binary runs inside the VM over exec; the
// channel is the exec process's stdio.
package microvm

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/sandbox"
)

// Provider implements sandbox.Provider over the configured VM control CLI.
type Provider struct {
	cfg    config.MicroVMConfig
	logger *logger.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider creates the microVM provider.
func NewProvider(cfg config.MicroVMConfig, log *logger.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "microvm")),
	}
}

// Type implements sandbox.Provider.
func (p *Provider) Type() string { return environments.SandboxTypeMicroVM }

// Create implements sandbox.Provider: pre-install extensions on the host,
// then build and start the VM with the session directories mounted.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	if opts.Config != nil && len(opts.Config.Extensions) > 0 {
		opts.Log(fmt.Sprintf("pre-installing %d extensions on host", len(opts.Config.Extensions)))
		if err := PreinstallExtensions(ctx, opts.DataDir, opts.Config.Extensions); err != nil {
			return nil, fmt.Errorf("extension preinstall: %w", err)
		}
	}

	memoryMB := p.cfg.MemoryMB
	if opts.MemoryMB > 0 {
		memoryMB = opts.MemoryMB
	}
	cpus := p.cfg.CPUs
	if opts.CPUShare > 0 {
		cpus = opts.CPUShare
	}

	vmID := "relay-" + opts.SessionID
	args := []string{
		"create", vmID,
		"--kernel", p.cfg.KernelImage,
		"--mem", strconv.Itoa(memoryMB),
		"--cpus", strconv.Itoa(cpus),
		"--mount", filepath.Join(opts.DataDir, "workspace") + ":/workspace",
		"--mount", filepath.Join(opts.DataDir, "agent") + ":/agent",
		"--mount", filepath.Join(opts.DataDir, "git") + ":/git:ro",
	}
	for k, v := range opts.SecretsSnapshot {
		args = append(args, "--env", k+"="+v)
	}
	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}

	if err := p.run(ctx, args...); err != nil {
		return nil, err
	}
	if err := p.run(ctx, "start", vmID); err != nil {
		return nil, err
	}
	opts.Log("microvm started: " + vmID)

	return &vmHandle{
		provider: p,
		id:       vmID,
		logSink:  opts.LogSink,
	}, nil
}

// Rebuild implements sandbox.Provider from a persisted VM id.
func (p *Provider) Rebuild(_ context.Context, providerID string, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	return &vmHandle{
		provider: p,
		id:       providerID,
		logSink:  opts.LogSink,
	}, nil
}

func (p *Provider) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.cfg.ControlBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s",
			filepath.Base(p.cfg.ControlBin), args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *Provider) status(ctx context.Context, vmID string) (string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.ControlBin, "status", vmID)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("vm status %s: %w", vmID, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// vmHandle binds one session to one VM.
type vmHandle struct {
	provider *Provider
	id       string
	logSink  func(string)

	mu      sync.Mutex
	channel sandbox.Channel
	cmd     *exec.Cmd
}

func (h *vmHandle) ProviderType() string { return environments.SandboxTypeMicroVM }
func (h *vmHandle) ProviderID() string   { return h.id }

// Attach execs the agent binary inside the VM and wraps its stdio. The exec
// process outlives the attach context; its lifetime is the channel's.
func (h *vmHandle) Attach(_ context.Context) (sandbox.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		return h.channel, nil
	}

	cmd := exec.Command(h.provider.cfg.ControlBin, "exec", h.id, "--", "relay-agent")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("vm exec stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("vm exec stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("vm exec stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("vm exec start: %w", err)
	}

	if h.logSink != nil {
		go sandbox.DrainLines(stderr, h.logSink)
	}
	go func() { _ = cmd.Wait() }()

	h.cmd = cmd
	h.channel = sandbox.NewLineChannel(stdout, stdin, h.provider.logger, stdin)
	return h.channel, nil
}

func (h *vmHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		h.cmd = nil
	}
	return nil
}

// Pause stops the VM; the mounted directories preserve state.
func (h *vmHandle) Pause(ctx context.Context) error {
	_ = h.Detach()
	status, err := h.provider.status(ctx, h.id)
	if err == nil && status != "running" {
		return nil
	}
	return h.provider.run(ctx, "stop", h.id)
}

// Resume starts the VM again.
func (h *vmHandle) Resume(ctx context.Context) error {
	status, err := h.provider.status(ctx, h.id)
	if err == nil && status == "running" {
		return nil
	}
	return h.provider.run(ctx, "start", h.id)
}

// Terminate deletes the VM.
func (h *vmHandle) Terminate(ctx context.Context) error {
	_ = h.Detach()
	if err := h.provider.run(ctx, "delete", h.id); err != nil {
		// A VM the CLI no longer knows about satisfies the target state.
		if _, statusErr := h.provider.status(ctx, h.id); statusErr != nil {
			return nil
		}
		return err
	}
	return nil
}

func (h *vmHandle) Describe(ctx context.Context) (*sandbox.Describe, error) {
	status, err := h.provider.status(ctx, h.id)
	if err != nil {
		return &sandbox.Describe{Status: sandbox.StatusUnknown}, nil
	}
	mapped := sandbox.StatusStopped
	if status == "running" {
		mapped = sandbox.StatusRunning
	}
	return &sandbox.Describe{Status: mapped}, nil
}
