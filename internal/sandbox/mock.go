package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/pkg/protocol"
)

// MockProvider runs the agent as an in-process goroutine over in-memory
// pipes. It backs chat sessions and tests; operations are instant.
type MockProvider struct {
	mu      sync.Mutex
	handles map[string]*MockHandle // providerID -> handle
	logger  *logger.Logger
}

// NewMockProvider creates the in-process provider.
func NewMockProvider(log *logger.Logger) *MockProvider {
	return &MockProvider{
		handles: make(map[string]*MockHandle),
		logger:  log,
	}
}

// Type implements Provider.
func (p *MockProvider) Type() string { return environments.SandboxTypeMock }

// Create implements Provider.
func (p *MockProvider) Create(_ context.Context, opts CreateOptions) (Handle, error) {
	env := make(map[string]string, len(opts.SecretsSnapshot)+len(opts.Env))
	for k, v := range opts.SecretsSnapshot {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	h := &MockHandle{
		id:     "mock-" + uuid.New().String(),
		env:    env,
		status: StatusRunning,
		logger: p.logger,
	}
	opts.Log("mock sandbox created: " + h.id)

	p.mu.Lock()
	p.handles[h.id] = h
	p.mu.Unlock()
	return h, nil
}

// Rebuild implements Provider. Mock sandboxes do not survive the process, so
// an unknown id gets a fresh stopped handle the next Resume brings up.
func (p *MockProvider) Rebuild(_ context.Context, providerID string, _ CreateOptions) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[providerID]; ok {
		return h, nil
	}
	h := &MockHandle{
		id:     providerID,
		env:    map[string]string{},
		status: StatusStopped,
		logger: p.logger,
	}
	p.handles[providerID] = h
	return h, nil
}

// MockHandle is the mock provider's sandbox binding.
type MockHandle struct {
	id     string
	logger *logger.Logger

	mu      sync.Mutex
	env     map[string]string
	status  string
	channel Channel
	agent   *mockAgent
}

// ProviderType implements Handle.
func (h *MockHandle) ProviderType() string { return environments.SandboxTypeMock }

// ProviderID implements Handle.
func (h *MockHandle) ProviderID() string { return h.id }

// EnvSnapshot returns a copy of the env the sandbox was created with.
func (h *MockHandle) EnvSnapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.env))
	for k, v := range h.env {
		out[k] = v
	}
	return out
}

// Attach implements Handle.
func (h *MockHandle) Attach(_ context.Context) (Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusStopped {
		return nil, fmt.Errorf("mock sandbox %s is stopped", h.id)
	}
	if h.channel != nil {
		return h.channel, nil
	}

	// stdin and stdout of the pretend agent process.
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	h.agent = &mockAgent{in: inReader, out: outWriter}
	go h.agent.run()

	h.channel = NewLineChannel(outReader, inWriter, h.logger, inWriter, outReader)
	return h.channel, nil
}

// Detach implements Handle.
func (h *MockHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channel = nil
	return nil
}

// Pause implements Handle.
func (h *MockHandle) Pause(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusStopped {
		return nil
	}
	h.stopLocked()
	return nil
}

// Resume implements Handle.
func (h *MockHandle) Resume(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusRunning
	return nil
}

// Terminate implements Handle.
func (h *MockHandle) Terminate(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	return nil
}

func (h *MockHandle) stopLocked() {
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
	}
	if h.agent != nil {
		h.agent.stop()
		h.agent = nil
	}
	h.status = StatusStopped
}

// Describe implements Handle.
func (h *MockHandle) Describe(context.Context) (*Describe, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Describe{
		Status:       h.status,
		Capabilities: []string{"set_model"},
	}, nil
}

// mockAgent speaks the agent side of the channel: an echoing script that
// turns prompts into chunked events and answers correlated commands.
type mockAgent struct {
	in  *io.PipeReader
	out *io.PipeWriter

	writeMu sync.Mutex
	once    sync.Once
}

func (a *mockAgent) run() {
	a.emit(map[string]any{
		"type":         protocol.TypeReady,
		"capabilities": []string{"set_model"},
	})

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		switch msg.Type() {
		case "prompt":
			a.handlePrompt(msg)
		case "set_model", "abort":
			a.emit(map[string]any{
				"type":    protocol.FrameResponse,
				"command": msg.Type(),
				"ok":      true,
			})
		}
	}
	a.stop()
}

func (a *mockAgent) handlePrompt(msg protocol.Message) {
	var text string
	if raw, ok := msg["message"]; ok {
		_ = json.Unmarshal(raw, &text)
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		words = []string{"ok"}
	}
	for _, w := range words {
		a.emit(map[string]any{"type": "message_chunk", "text": w})
	}
	a.emit(map[string]any{"type": protocol.TypeAgentEnd})
}

func (a *mockAgent) emit(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.out.Write(append(data, '\n'))
}

func (a *mockAgent) stop() {
	a.once.Do(func() {
		_ = a.in.Close()
		_ = a.out.Close()
	})
}
