package secrets

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/crypto"
)

func setupTestStore(t *testing.T) (Store, *sqlx.DB) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection so the in-memory database is shared.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := crypto.NewService(bytes.Repeat([]byte{0xaa}, crypto.KeySize), 1, nil)
	require.NoError(t, err)

	store, _, err := Provide(db, db, svc, logger.Default())
	require.NoError(t, err)
	return store, db
}

func TestUpsertAndList(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindAIProvider, "anthropic", "sk-1", true))
	require.NoError(t, store.Upsert(ctx, KindEnvVar, "MY_TOKEN", "tok", false))

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[string]*Secret{}
	for _, it := range items {
		byID[it.ID] = it
	}
	assert.Equal(t, KindAIProvider, byID["anthropic"].Kind)
	assert.True(t, byID["anthropic"].Enabled)
	assert.False(t, byID["MY_TOKEN"].Enabled)
}

func TestUpsertReplacesValue(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindEnvVar, "API_URL", "v1", true))
	require.NoError(t, store.Upsert(ctx, KindEnvVar, "API_URL", "v2", true))

	env, err := store.GetAllAsEnv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", env["API_URL"])

	items, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetAllAsEnvNamingAndEnabledFilter(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindAIProvider, "anthropic", "sk-ant", true))
	require.NoError(t, store.Upsert(ctx, KindSandboxProvider, "sprites", "fly-tok", true))
	require.NoError(t, store.Upsert(ctx, KindEnvVar, "CUSTOM_FLAG", "on", true))
	require.NoError(t, store.Upsert(ctx, KindAIProvider, "openai", "sk-oai", false))

	env, err := store.GetAllAsEnv(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant", env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "fly-tok", env["SPRITES_API_TOKEN"])
	assert.Equal(t, "on", env["CUSTOM_FLAG"])
	_, disabled := env["OPENAI_API_KEY"]
	assert.False(t, disabled, "disabled secrets must not materialize")
}

func TestGetAllAsEnvSkipsUndecryptableRows(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindEnvVar, "GOOD_ONE", "ok", true))

	// A row sealed under a key version the service does not hold.
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO secrets (id, kind, enabled, ciphertext, nonce, tag, key_version, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, 99, ?, ?)`,
		"BAD_ONE", string(KindEnvVar), []byte{1, 2, 3}, make([]byte, 12), make([]byte, 16), now, now)
	require.NoError(t, err)

	env, err := store.GetAllAsEnv(ctx)
	require.NoError(t, err, "a bad row must not fail the snapshot")
	assert.Equal(t, "ok", env["GOOD_ONE"])
	_, bad := env["BAD_ONE"]
	assert.False(t, bad)
}

func TestDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, KindEnvVar, "GONE_SOON", "x", true))
	require.NoError(t, store.Delete(ctx, "GONE_SOON"))
	assert.Error(t, store.Delete(ctx, "GONE_SOON"))

	items, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEnvKeyFor(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", EnvKeyFor(KindAIProvider, "anthropic"))
	assert.Equal(t, "SPRITES_API_TOKEN", EnvKeyFor(KindSandboxProvider, "sprites"))
	assert.Equal(t, "MY_VAR", EnvKeyFor(KindEnvVar, "MY_VAR"))
	assert.Equal(t, "SOME_HOST_API_TOKEN", EnvKeyFor(KindSandboxProvider, "some-host"))
}
