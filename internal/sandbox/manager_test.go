package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/protocol"
)

func mockEnv(t *testing.T) *environments.Environment {
	t.Helper()
	return &environments.Environment{
		ID:          "env-mock",
		Name:        "mock",
		SandboxType: environments.SandboxTypeMock,
	}
}

func setupManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil, logger.Default())
	m.Register(NewMockProvider(logger.Default()))
	return m
}

func provisionOpts(sessionID string, env *environments.Environment) session.ProvisionOptions {
	return session.ProvisionOptions{
		SessionID:   sessionID,
		Mode:        session.ModeChat,
		Environment: env,
	}
}

func TestProvisionAndAttach(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	providerType, providerID, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)
	assert.Equal(t, environments.SandboxTypeMock, providerType)
	assert.NotEmpty(t, providerID)

	ch, err := m.Attach(ctx, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	hello, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeReady, hello.Type())
	assert.Contains(t, hello.Capabilities(), "set_model")
}

func TestProvisionUnknownProviderType(t *testing.T) {
	m := setupManager(t)

	env := &environments.Environment{ID: "e", Name: "x", SandboxType: "teleporter"}
	_, _, err := m.Provision(context.Background(), provisionOpts("s1", env))
	require.Error(t, err)
}

func TestSecretsSnapshotIsolation(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	m.SetSecrets(map[string]string{"OPENAI_API_KEY": "v1"})
	_, _, err := m.Provision(ctx, provisionOpts("a", mockEnv(t)))
	require.NoError(t, err)

	m.SetSecrets(map[string]string{"OPENAI_API_KEY": "v2"})
	_, _, err = m.Provision(ctx, provisionOpts("b", mockEnv(t)))
	require.NoError(t, err)

	handleA, ok := m.Handle("a")
	require.True(t, ok)
	handleB, ok := m.Handle("b")
	require.True(t, ok)

	assert.Equal(t, "v1", handleA.(*MockHandle).EnvSnapshot()["OPENAI_API_KEY"],
		"a running sandbox keeps the env it started with")
	assert.Equal(t, "v2", handleB.(*MockHandle).EnvSnapshot()["OPENAI_API_KEY"])
}

func TestPauseIsIdempotentAndTolerantOfMissingHandles(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, "never-provisioned"))

	_, _, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, "s1"))
	require.NoError(t, m.Pause(ctx, "s1"))

	desc, err := m.Describe(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, desc.Status)
}

func TestResumeAfterPause(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	providerType, providerID, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)
	require.NoError(t, m.Pause(ctx, "s1"))

	require.NoError(t, m.Resume(ctx, providerType, providerID, provisionOpts("s1", mockEnv(t))))

	desc, err := m.Describe(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, desc.Status)
}

func TestTerminateIdleDropsHandle(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, _, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)

	require.NoError(t, m.TerminateIdle(ctx, "s1"))
	_, ok := m.Handle("s1")
	assert.False(t, ok)

	// Idempotent: a second terminate finds nothing to do.
	require.NoError(t, m.TerminateIdle(ctx, "s1"))

	desc, err := m.Describe(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, desc.Status)
}

func TestLogsRecordLifecycle(t *testing.T) {
	m := setupManager(t)

	_, _, err := m.Provision(context.Background(), provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)

	logs := m.Logs("s1")
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "creating mock sandbox")
}

func TestMockAgentPromptRoundtrip(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, _, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)

	ch, err := m.Attach(ctx, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	hello, err := ch.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeReady, hello.Type())

	require.NoError(t, ch.Send([]byte(`{"type":"prompt","message":"hello there"}`)))

	var types []string
	deadline := time.After(3 * time.Second)
	for {
		msgCh := make(chan protocol.Message, 1)
		go func() {
			if msg, err := ch.Receive(); err == nil {
				msgCh <- msg
			}
		}()
		select {
		case msg := <-msgCh:
			types = append(types, msg.Type())
			if msg.Type() == protocol.TypeAgentEnd {
				assert.Equal(t, []string{"message_chunk", "message_chunk", protocol.TypeAgentEnd}, types)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for agent_end")
		}
	}
}

func TestMockAgentCorrelatedResponse(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, _, err := m.Provision(ctx, provisionOpts("s1", mockEnv(t)))
	require.NoError(t, err)

	ch, err := m.Attach(ctx, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	_, err = ch.Receive() // ready hello
	require.NoError(t, err)

	require.NoError(t, ch.Send([]byte(`{"type":"set_model","model":"gpt-large"}`)))

	resp, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResponse, resp.Type())
	assert.Equal(t, "set_model", resp.Command())

	var ok bool
	require.NoError(t, json.Unmarshal(resp["ok"], &ok))
	assert.True(t, ok)
}
