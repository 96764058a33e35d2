// Package remote backs sandboxes with containers on a remote host. The
// lifecycle goes over the provider's HTTP API, file writes over exec, and
// the agent channel over a WebSocket to the container's exec endpoint
// through a local port-forward.
package remote

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/sandbox"
)

const (
	namePrefix      = "relay-"
	workspacePath   = "/workspace"
	healthTimeout   = 15 * time.Second
	healthRetryWait = 500 * time.Millisecond
	tokenEnvKey     = "SPRITES_API_TOKEN"
)

// Provider implements sandbox.Provider on sprites.dev remote containers.
type Provider struct {
	cfg    config.RemoteConfig
	logger *logger.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider creates the remote provider.
func NewProvider(cfg config.RemoteConfig, log *logger.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "remote")),
	}
}

// Type implements sandbox.Provider.
func (p *Provider) Type() string { return environments.SandboxTypeRemote }

// Create implements sandbox.Provider. Step sequence: allocate the container
// by first exec, clone the repository, start the agent server, wait for
// health, then forward a local port to its exec endpoint.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	token := opts.SecretsSnapshot[tokenEnvKey]
	if token == "" {
		return nil, fmt.Errorf("%s not present in secrets snapshot", tokenEnvKey)
	}

	name := namePrefix + shortID(opts.SessionID)
	sprite := sprites.New(token).Sprite(name)

	h := &remoteHandle{
		provider: p,
		name:     name,
		token:    token,
		env:      mergedEnv(opts),
		logSink:  opts.LogSink,
	}

	if err := p.initialize(ctx, sprite); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	if err := p.cloneRepository(ctx, sprite, opts); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	if err := h.startAgent(ctx, sprite); err != nil {
		p.cleanupOnFailure(sprite, name)
		return nil, err
	}
	opts.Log("remote sandbox ready: " + name)
	return h, nil
}

// Rebuild implements sandbox.Provider. Port-forwards do not survive relay
// restarts; Resume re-establishes the agent and the tunnel.
func (p *Provider) Rebuild(_ context.Context, providerID string, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	token := opts.SecretsSnapshot[tokenEnvKey]
	if token == "" {
		return nil, fmt.Errorf("%s not present in secrets snapshot", tokenEnvKey)
	}
	return &remoteHandle{
		provider: p,
		name:     providerID,
		token:    token,
		env:      mergedEnv(opts),
		logSink:  opts.LogSink,
	}, nil
}

func (p *Provider) initialize(ctx context.Context, sprite *sprites.Sprite) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeoutDuration())
	defer cancel()

	// The first exec allocates the container on the remote host.
	out, err := sprite.CommandContext(stepCtx, "echo", "relay-ready").Output()
	if err != nil {
		return fmt.Errorf("remote container allocation: %w", err)
	}
	if !strings.Contains(string(out), "relay-ready") {
		return fmt.Errorf("remote container allocation: unexpected output %q", string(out))
	}
	return nil
}

func (p *Provider) cloneRepository(ctx context.Context, sprite *sprites.Sprite, opts sandbox.CreateOptions) error {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeoutDuration())
	defer cancel()

	if opts.RepositoryURL == "" {
		if _, err := sprite.CommandContext(stepCtx, "mkdir", "-p", workspacePath).Output(); err != nil {
			return fmt.Errorf("create remote workspace: %w", err)
		}
		return nil
	}

	args := []string{"clone", "--depth", "1"}
	if opts.RepositoryBranch != "" {
		args = append(args, "--branch", opts.RepositoryBranch)
	}
	args = append(args, opts.RepositoryURL, workspacePath)

	if out, err := sprite.CommandContext(stepCtx, "git", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("remote clone: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *Provider) cleanupOnFailure(sprite *sprites.Sprite, name string) {
	if err := sprite.Destroy(); err != nil {
		p.logger.Warn("failed to destroy remote sandbox after provisioning failure",
			zap.String("name", name),
			zap.Error(err))
	}
}

func mergedEnv(opts sandbox.CreateOptions) map[string]string {
	env := make(map[string]string, len(opts.SecretsSnapshot)+len(opts.Env))
	for k, v := range opts.SecretsSnapshot {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	return env
}

func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 12 {
		return clean[:12]
	}
	return clean
}

// getFreePort finds an available local port for the forward.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// remoteHandle binds one session to one remote container.
type remoteHandle struct {
	provider *Provider
	name     string
	token    string
	env      map[string]string
	logSink  func(string)

	mu        sync.Mutex
	running   bool
	localPort int
	proxy     *sprites.ProxySession
	channel   sandbox.Channel
}

func (h *remoteHandle) ProviderType() string { return environments.SandboxTypeRemote }
func (h *remoteHandle) ProviderID() string   { return h.name }

func (h *remoteHandle) sprite() *sprites.Sprite {
	return sprites.New(h.token).Sprite(h.name)
}

// startAgent launches the agent server inside the container, waits for its
// health endpoint, and opens the port-forward.
func (h *remoteHandle) startAgent(ctx context.Context, sprite *sprites.Sprite) error {
	port := h.provider.cfg.AgentPort

	// Background context: the agent outlives this call.
	cmd := sprite.CommandContext(context.Background(),
		"relay-agent",
		"--port", fmt.Sprintf("%d", port),
		"--workspace", workspacePath)
	cmd.Env = envList(h.env)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start remote agent: %w", err)
	}

	if err := h.waitForHealth(ctx, sprite, port); err != nil {
		return err
	}

	localPort, err := getFreePort()
	if err != nil {
		return fmt.Errorf("allocate forward port: %w", err)
	}
	proxy, err := sprite.ProxyPort(ctx, localPort, port)
	if err != nil {
		return fmt.Errorf("port forward to remote agent: %w", err)
	}

	h.mu.Lock()
	h.running = true
	h.localPort = localPort
	h.proxy = proxy
	h.mu.Unlock()

	if h.logSink != nil {
		h.logSink(fmt.Sprintf("remote agent forwarded on 127.0.0.1:%d", localPort))
	}
	return nil
}

func (h *remoteHandle) waitForHealth(ctx context.Context, sprite *sprites.Sprite, port int) error {
	deadline := time.Now().Add(healthTimeout)
	healthURL := fmt.Sprintf("http://localhost:%d/health", port)

	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		out, err := sprite.CommandContext(checkCtx, "curl", "-sf", healthURL).Output()
		cancel()
		if err == nil && len(out) > 0 {
			return nil
		}
		time.Sleep(healthRetryWait)
	}
	return fmt.Errorf("remote agent did not become healthy within %v", healthTimeout)
}

// Attach dials the agent's exec WebSocket through the local forward.
func (h *remoteHandle) Attach(ctx context.Context) (sandbox.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channel != nil {
		return h.channel, nil
	}
	if !h.running || h.proxy == nil {
		return nil, fmt.Errorf("remote sandbox %s is not running", h.name)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/exec", h.localPort)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial remote exec channel: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	h.channel = newWSChannel(conn, func() {
		h.mu.Lock()
		h.channel = nil
		h.mu.Unlock()
	}, h.provider.logger)
	return h.channel, nil
}

func (h *remoteHandle) Detach() error {
	h.mu.Lock()
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Pause stops the remote agent and drops the forward; the container and its
// filesystem stay allocated.
func (h *remoteHandle) Pause(ctx context.Context) error {
	_ = h.Detach()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	proxy := h.proxy
	h.proxy = nil
	h.running = false
	h.mu.Unlock()

	if proxy != nil {
		_ = proxy.Close()
	}

	stepCtx, cancel := context.WithTimeout(ctx, h.provider.cfg.StepTimeoutDuration())
	defer cancel()
	if out, err := h.sprite().CommandContext(stepCtx, "pkill", "-f", "relay-agent").CombinedOutput(); err != nil {
		// pkill exits nonzero when nothing matched, which is the target
		// state anyway.
		h.provider.logger.Debug("remote agent stop",
			zap.String("name", h.name),
			zap.String("output", strings.TrimSpace(string(out))))
	}
	return nil
}

// Resume restarts the agent and re-establishes the forward.
func (h *remoteHandle) Resume(ctx context.Context) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if running {
		return nil
	}
	return h.startAgent(ctx, h.sprite())
}

// Terminate destroys the remote container.
func (h *remoteHandle) Terminate(ctx context.Context) error {
	_ = h.Pause(ctx)
	if err := h.sprite().Destroy(); err != nil {
		return fmt.Errorf("destroy remote sandbox %s: %w", h.name, err)
	}
	return nil
}

func (h *remoteHandle) Describe(ctx context.Context) (*sandbox.Describe, error) {
	h.mu.Lock()
	running := h.running
	localPort := h.localPort
	h.mu.Unlock()

	if !running {
		return &sandbox.Describe{Status: sandbox.StatusStopped}, nil
	}

	// Confirm through the forwarded health endpoint.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/health", localPort), nil)
	if err != nil {
		return &sandbox.Describe{Status: sandbox.StatusUnknown}, nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &sandbox.Describe{Status: sandbox.StatusUnknown}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &sandbox.Describe{Status: sandbox.StatusUnknown}, nil
	}
	return &sandbox.Describe{Status: sandbox.StatusRunning, ResourceTier: "remote"}, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
