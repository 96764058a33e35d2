package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/journal"
)

type fakeProvisioner struct {
	mu          sync.Mutex
	provisions  int
	resumes     int
	terminates  int
	failCreate  bool
	lastOptions ProvisionOptions
}

func (f *fakeProvisioner) Provision(_ context.Context, opts ProvisionOptions) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++
	f.lastOptions = opts
	if f.failCreate {
		return "", "", errors.New("image pull failed")
	}
	return opts.Environment.SandboxType, "prov-" + opts.SessionID, nil
}

func (f *fakeProvisioner) Resume(_ context.Context, _, _ string, _ ProvisionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return nil
}

func (f *fakeProvisioner) Terminate(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return nil
}

func setupTestService(t *testing.T, prov *fakeProvisioner) *Service {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.Default()
	repo, err := ProvideRepository(db, db, log)
	require.NoError(t, err)
	envs, err := environments.Provide(db, db, log)
	require.NoError(t, err)
	j, err := journal.Provide(db, db, log)
	require.NoError(t, err)

	svc := NewService(repo, envs, j, bus.NewMemoryEventBus(log), prov, t.TempDir(), log)
	t.Cleanup(svc.Stop)
	return svc
}

func waitForStatus(t *testing.T, svc *Service, id, want string) *Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		if sess.Status == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
	return nil
}

func TestCreateChatSessionBecomesActive(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := setupTestService(t, prov)

	sess, err := svc.Create(context.Background(), CreateRequest{Mode: ModeChat})
	require.NoError(t, err)
	assert.Equal(t, StatusCreating, sess.Status)
	assert.Equal(t, "/ws/sessions/"+sess.ID, sess.WSEndpoint())

	got := waitForStatus(t, svc, sess.ID, StatusActive)
	assert.Equal(t, environments.SandboxTypeMock, got.SandboxType)
	assert.Equal(t, "prov-"+sess.ID, got.SandboxProviderID)
}

func TestCreateRejectsBadMode(t *testing.T) {
	svc := setupTestService(t, &fakeProvisioner{})

	_, err := svc.Create(context.Background(), CreateRequest{Mode: "batch"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "VALIDATION_ERROR"))
}

func TestCreateCodeSessionRequiresRepository(t *testing.T) {
	svc := setupTestService(t, &fakeProvisioner{})

	_, err := svc.Create(context.Background(), CreateRequest{Mode: ModeCode})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "VALIDATION_ERROR"))
}

func TestProvisioningFailureMarksError(t *testing.T) {
	prov := &fakeProvisioner{failCreate: true}
	svc := setupTestService(t, prov)

	sess, err := svc.Create(context.Background(), CreateRequest{Mode: ModeChat})
	require.NoError(t, err)

	waitForStatus(t, svc, sess.ID, StatusError)
}

func TestActivateResumesExistingSandbox(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := setupTestService(t, prov)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateRequest{Mode: ModeChat})
	require.NoError(t, err)
	waitForStatus(t, svc, sess.ID, StatusActive)

	require.NoError(t, svc.MarkIdle(ctx, sess.ID))

	activated, err := svc.Activate(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, activated.Status)
	assert.Equal(t, 1, prov.resumes)
	assert.Equal(t, 1, prov.provisions, "resume must not re-create the sandbox")
}

func TestActivateArchivedSessionConflicts(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := setupTestService(t, prov)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateRequest{Mode: ModeChat})
	require.NoError(t, err)
	waitForStatus(t, svc, sess.ID, StatusActive)

	require.NoError(t, svc.Archive(ctx, sess.ID))
	assert.Equal(t, 1, prov.terminates)

	_, err = svc.Activate(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))

	// Archiving never loosens: activate keeps failing.
	_, err = svc.Activate(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

func TestDeleteRemovesRowAndJournal(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := setupTestService(t, prov)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateRequest{Mode: ModeChat})
	require.NoError(t, err)
	waitForStatus(t, svc, sess.ID, StatusActive)

	_, err = svc.journal.Append(ctx, sess.ID, "message_chunk", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, sess.ID))
	assert.Equal(t, 1, prov.terminates)

	_, err = svc.Get(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "NOT_FOUND"))

	seq, err := svc.journal.LastSeq(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := setupTestService(t, prov)
	ctx := context.Background()

	sess, err := svc.Create(ctx, CreateRequest{Mode: ModeChat})
	require.NoError(t, err)
	waitForStatus(t, svc, sess.ID, StatusActive)

	before, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	svc.Touch(sess.ID)
	svc.batcher.flush(ctx)

	after, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}
