package docker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/sandbox"
)

const (
	labelSessionID = "relay.session_id"
	labelManagedBy = "relay.managed"

	stopTimeout = 10 * time.Second
)

// Provider implements sandbox.Provider on top of the Docker daemon.
type Provider struct {
	client *Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider creates the container provider.
func NewProvider(client *Client, cfg config.DockerConfig, log *logger.Logger) *Provider {
	return &Provider{client: client, cfg: cfg, logger: log}
}

// Type implements sandbox.Provider.
func (p *Provider) Type() string { return environments.SandboxTypeDocker }

// Create implements sandbox.Provider: pull the image if needed, create the
// container with the three session mounts and the env snapshot, start it.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	imageName := p.cfg.DefaultImage
	if opts.Config != nil && opts.Config.Image != "" {
		imageName = opts.Config.Image
	}
	if imageName == "" {
		return nil, fmt.Errorf("no sandbox image configured")
	}

	if p.cfg.PullImages {
		opts.Log("pulling image " + imageName)
		if err := p.client.PullImage(ctx, imageName); err != nil {
			return nil, err
		}
	}

	if opts.Config != nil && len(opts.Config.Packages) > 0 {
		if err := sandbox.WritePackageSettings(opts.DataDir, opts.Config.Packages); err != nil {
			return nil, err
		}
	}

	env := buildEnv(opts)
	if opts.RepositoryURL != "" {
		env = append(env,
			"RELAY_REPOSITORY_URL="+opts.RepositoryURL,
			"RELAY_REPOSITORY_BRANCH="+opts.RepositoryBranch)
	}

	spec := ContainerSpec{
		Name:  "relay-session-" + opts.SessionID,
		Image: imageName,
		Env:   env,
		Mounts: []MountSpec{
			{Source: filepath.Join(opts.DataDir, "workspace"), Target: "/workspace"},
			{Source: filepath.Join(opts.DataDir, "agent"), Target: "/agent"},
			{Source: filepath.Join(opts.DataDir, "git"), Target: "/git", ReadOnly: true},
		},
		Labels: map[string]string{
			labelSessionID: opts.SessionID,
			labelManagedBy: "true",
		},
		MemoryMB: opts.MemoryMB,
		CPUShare: opts.CPUShare,
	}

	containerID, err := p.client.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.client.StartContainer(ctx, containerID); err != nil {
		// Keep the container id around for debugging; the caller records
		// the provisioning failure.
		return nil, fmt.Errorf("start sandbox %s: %w", containerID, err)
	}
	opts.Log("container started: " + containerID)

	return &containerHandle{
		client:  p.client,
		id:      containerID,
		logSink: opts.LogSink,
		logger:  p.logger,
	}, nil
}

// Rebuild implements sandbox.Provider from a persisted container id.
func (p *Provider) Rebuild(_ context.Context, providerID string, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	return &containerHandle{
		client:  p.client,
		id:      providerID,
		logSink: opts.LogSink,
		logger:  p.logger,
	}, nil
}

// buildEnv merges the secrets snapshot under explicit env, sorted for
// reproducible container specs.
func buildEnv(opts sandbox.CreateOptions) []string {
	merged := make(map[string]string, len(opts.SecretsSnapshot)+len(opts.Env))
	for k, v := range opts.SecretsSnapshot {
		merged[k] = v
	}
	for k, v := range opts.Env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// containerHandle binds one session to one container.
type containerHandle struct {
	client  *Client
	id      string
	logSink func(string)
	logger  *logger.Logger

	mu      sync.Mutex
	channel sandbox.Channel
	streams *AttachStreams
}

func (h *containerHandle) ProviderType() string { return environments.SandboxTypeDocker }
func (h *containerHandle) ProviderID() string   { return h.id }

// Attach opens the channel over the main process pipes and drains stderr
// into the log ring.
func (h *containerHandle) Attach(ctx context.Context) (sandbox.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		return h.channel, nil
	}

	streams, err := h.client.Attach(ctx, h.id)
	if err != nil {
		return nil, err
	}
	if h.logSink != nil {
		go sandbox.DrainLines(streams.Stderr, h.logSink)
	}

	h.streams = streams
	h.channel = sandbox.NewLineChannel(streams.Stdout, streams.Stdin, h.logger, streams)
	return h.channel, nil
}

func (h *containerHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
		h.streams = nil
	}
	return nil
}

// Pause stops the container; bind mounts preserve all session state.
func (h *containerHandle) Pause(ctx context.Context) error {
	_ = h.Detach()
	state, err := h.client.ContainerState(ctx, h.id)
	if err == nil && state != "running" {
		return nil
	}
	return h.client.StopContainer(ctx, h.id, stopTimeout)
}

// Resume starts the container again.
func (h *containerHandle) Resume(ctx context.Context) error {
	state, err := h.client.ContainerState(ctx, h.id)
	if err == nil && state == "running" {
		return nil
	}
	return h.client.StartContainer(ctx, h.id)
}

// Terminate removes the container.
func (h *containerHandle) Terminate(ctx context.Context) error {
	_ = h.Detach()
	if err := h.client.RemoveContainer(ctx, h.id); err != nil {
		// Gone already satisfies the target state.
		if state, stateErr := h.client.ContainerState(ctx, h.id); stateErr != nil && state == "" {
			return nil
		}
		return err
	}
	return nil
}

func (h *containerHandle) Describe(ctx context.Context) (*sandbox.Describe, error) {
	state, err := h.client.ContainerState(ctx, h.id)
	if err != nil {
		return &sandbox.Describe{Status: sandbox.StatusUnknown}, nil
	}
	status := sandbox.StatusStopped
	if state == "running" {
		status = sandbox.StatusRunning
	}
	return &sandbox.Describe{Status: status}, nil
}
