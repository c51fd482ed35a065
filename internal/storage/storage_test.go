package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/auth"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/storage"
	"github.com/nucleus-ops/nucleus/internal/testutil"
	"github.com/nucleus-ops/nucleus/migrations"
)

// testDB is shared by every Postgres-backed test in this package. It is nil
// when no container runtime is available.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: postgres tests disabled: %v\n", err)
		os.Exit(m.Run())
	}

	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres container not available")
	}
}

func TestPostgres_MigrationsAreIdempotent(t *testing.T) {
	requireDB(t)
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestPostgres_CreateGetUpdateRun(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := model.Run{
		ID:       uuid.New(),
		TenantID: "acme",
		ThreadID: "th-" + uuid.NewString(),
		Status:   model.RunStatusQueued,
		Trigger: model.TriggerRequest{
			Source:          model.TriggerSourceAPIKey,
			TenantID:        "acme",
			TaskDescription: "list instances",
			Mode:            "fast",
			TriggerMeta:     map[string]string{"key_id": "k1"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testDB.CreateRun(ctx, run))
	assert.ErrorIs(t, testDB.CreateRun(ctx, run), storage.ErrConflict)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Equal(t, "list instances", got.Trigger.TaskDescription)
	assert.Equal(t, "k1", got.Trigger.TriggerMeta["key_id"])
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Steps)

	got.Status = model.RunStatusSucceeded
	got.Result = &model.RunResult{Summary: "3 instances", StepCount: 1}
	got.Steps = []model.StepRecord{{Index: 0, Code: "console.log(1)", Outcome: "completed", Output: "1"}}
	got.UpdatedAt = now.Add(time.Second)
	require.NoError(t, testDB.UpdateRun(ctx, got, model.RunStatusQueued))

	stale := got
	stale.Status = model.RunStatusFailed
	assert.ErrorIs(t, testDB.UpdateRun(ctx, stale, model.RunStatusQueued), storage.ErrStatusConflict)

	again, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, again.Status)
	require.NotNil(t, again.Result)
	assert.Equal(t, "3 instances", again.Result.Summary)
	require.Len(t, again.Steps, 1)
	assert.Equal(t, "1", again.Steps[0].Output)

	runs, err := testDB.ListRunsByThread(ctx, "acme", run.ThreadID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestPostgres_ListQueuedRuns(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	run := model.Run{
		ID:        uuid.New(),
		TenantID:  "acme",
		ThreadID:  uuid.NewString(),
		Status:    model.RunStatusQueued,
		Trigger:   model.TriggerRequest{TenantID: "acme", TaskDescription: "sweep me"},
		Steps:     []model.StepRecord{},
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, testDB.CreateRun(ctx, run))

	list, err := testDB.ListQueuedRuns(ctx, created.Add(time.Second), 1000)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, r := range list {
		assert.Equal(t, model.RunStatusQueued, r.Status)
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, run.ID)

	list, err = testDB.ListQueuedRuns(ctx, created, 1000)
	require.NoError(t, err)
	for _, r := range list {
		assert.NotEqual(t, run.ID, r.ID, "cutoff is exclusive")
	}
}

func TestPostgres_RunNotFound(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	_, err := testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.UpdateRun(ctx, model.Run{ID: uuid.New(), Status: model.RunStatusFailed}, model.RunStatusRunning)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgres_APIKeys(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(raw)
	require.NoError(t, err)

	key, err := testDB.CreateAPIKey(ctx, model.APIKey{Prefix: prefix, KeyHash: hash, TenantID: "acme", Label: "ci"})
	require.NoError(t, err)

	keys, err := testDB.GetAPIKeysByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "acme", keys[0].TenantID)

	require.NoError(t, testDB.TouchAPIKey(ctx, key.ID, time.Now().UTC()))
	require.NoError(t, testDB.RevokeAPIKey(ctx, "acme", key.ID))
	assert.ErrorIs(t, testDB.RevokeAPIKey(ctx, "acme", key.ID), storage.ErrNotFound)

	keys, err = testDB.GetAPIKeysByPrefix(ctx, prefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPostgres_WebhookSecrets(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()

	secret, err := testDB.GetWebhookSecret(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, secret)

	require.NoError(t, testDB.SetWebhookSecret(ctx, tenant, "first"))
	require.NoError(t, testDB.SetWebhookSecret(ctx, tenant, "second"))
	secret, err = testDB.GetWebhookSecret(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "second", secret)
}

func TestPostgres_CloudAccounts(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	acct := model.CloudAccount{
		TenantID:    "acme",
		AccountID:   "123456789012",
		AccountName: "prod",
		RoleARN:     "arn:aws:iam::123456789012:role/nucleus-readonly",
		ExternalID:  "ext-1",
		Regions:     []string{"us-east-1", "eu-west-1"},
	}
	require.NoError(t, testDB.UpsertCloudAccount(ctx, acct))

	got, err := testDB.GetCloudAccount(ctx, "acme", "123456789012")
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	_, err = testDB.GetCloudAccount(ctx, "globex", "123456789012")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
