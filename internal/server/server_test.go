package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/auth"
	"github.com/nucleus-ops/nucleus/internal/capability"
	"github.com/nucleus-ops/nucleus/internal/dispatch"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/planner"
	"github.com/nucleus-ops/nucleus/internal/ratelimit"
	"github.com/nucleus-ops/nucleus/internal/sandbox"
	"github.com/nucleus-ops/nucleus/internal/server"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/storage"
	"github.com/nucleus-ops/nucleus/internal/testutil"
	"github.com/nucleus-ops/nucleus/internal/trigger"
	"github.com/nucleus-ops/nucleus/internal/webhook"
)

const (
	staticKey     = "test-static-key"
	fallbackSlack = "fallback-signing-secret"
	acmeSlack     = "acme-signing-secret"
)

// idlePlanner asks for one snippet and then summarizes what it printed.
type idlePlanner struct{}

func (idlePlanner) Next(_ context.Context, req planner.Request) (planner.Step, error) {
	if len(req.History) == 0 {
		return planner.Step{Code: `const ids = compute.describeIdleInstances({state: "idle"});
console.log(ids.length + " idle: " + ids.join(","));`}, nil
	}
	return planner.Step{Done: true, Summary: req.History[0].Output}, nil
}

type staticSource struct{}

func (staticSource) ForInvocation(context.Context, capability.Target) (*capability.Set, error) {
	return capability.NewStaticSet("us-east-1",
		capability.NewClient(capability.Compute, map[string]capability.Method{
			"describeIdleInstances": func(context.Context, map[string]any) (any, error) {
				return []any{"i-0a1", "i-0b2"}, nil
			},
		}),
	), nil
}

type env struct {
	srv    *httptest.Server
	store  *storage.MemoryStore
	jwt    *auth.JWTManager
	disp   *dispatch.Dispatcher
	rawKey string
}

func newEnv(t *testing.T, opts ...func(*server.ServerConfig)) *env {
	t.Helper()
	logger := testutil.DiscardLogger()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SetWebhookSecret(context.Background(), "acme", acmeSlack))

	rawKey, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(rawKey)
	require.NoError(t, err)
	_, err = store.CreateAPIKey(context.Background(), model.APIKey{
		Prefix: prefix, KeyHash: hash, TenantID: "acme", Label: "ci",
	})
	require.NoError(t, err)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	mgr := runs.New(store, logger)
	disp := dispatch.New(mgr, idlePlanner{}, staticSource{}, sandbox.New(logger),
		dispatch.Config{MaxSteps: 4, StepTimeout: 2 * time.Second, RunTimeout: 10 * time.Second}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
	})

	cfg := server.ServerConfig{
		Runs:                mgr,
		Dispatcher:          disp,
		Authenticator:       auth.NewAuthenticator(jwtMgr, staticKey, store, logger),
		Verifier:            webhook.NewVerifier(store, fallbackSlack, logger),
		Normalizer:          trigger.Normalizer{DefaultTenant: "default"},
		Storage:             store,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		SessionCookieName:   "nucleus_session",
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, jwt: jwtMgr, disp: disp, rawKey: rawKey}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

func (e *env) waitTerminal(t *testing.T, id uuid.UUID, headers map[string]string) model.Run {
	t.Helper()
	var run model.Run
	require.Eventually(t, func() bool {
		resp, env := e.do(t, http.MethodGet, "/v1/runs/"+id.String(), nil, headers)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(env.Data, &run); err != nil {
			return false
		}
		return run.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestCreateRun_APIKeyRunSucceeds(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{"X-API-Key": e.rawKey}

	resp, env := e.do(t, http.MethodPost, "/v1/runs",
		model.CreateRunRequest{TaskDescription: "list idle compute instances"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, resp.Header.Get("X-Request-ID"), env.Meta.RequestID)

	var created model.CreateRunResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, model.RunStatusQueued, created.Status)
	assert.NotEqual(t, uuid.Nil, created.RunID)
	assert.NotEmpty(t, created.ThreadID)

	run := e.waitTerminal(t, created.RunID, headers)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "2 idle: i-0a1,i-0b2", run.Result.Summary)
	assert.Equal(t, "acme", run.TenantID)
	assert.Equal(t, model.TriggerSourceAPIKey, run.Trigger.Source)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, string(sandbox.KindCompleted), run.Steps[0].Outcome)
}

func TestCreateRun_CredentialForms(t *testing.T) {
	e := newEnv(t)
	token, _, err := e.jwt.IssueSession("user-1", "acme", "console")
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		source  model.TriggerSource
	}{
		{"bearer api key", bearer(e.rawKey), model.TriggerSourceAPIKey},
		{"bearer session", bearer(token), model.TriggerSourceInteractive},
		{"session cookie", map[string]string{"Cookie": "nucleus_session=" + token}, model.TriggerSourceInteractive},
		{"static key", map[string]string{"X-API-Key": staticKey}, model.TriggerSourceAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, http.MethodPost, "/v1/runs",
				model.CreateRunRequest{TaskDescription: "check rds", Mode: "deep"}, tt.headers)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var created model.CreateRunResponse
			require.NoError(t, json.Unmarshal(env.Data, &created))

			run := e.waitTerminal(t, created.RunID, tt.headers)
			assert.Equal(t, tt.source, run.Trigger.Source)
			assert.Equal(t, "deep", run.Trigger.Mode)
		})
	}
}

func TestCreateRun_Rejections(t *testing.T) {
	e := newEnv(t)

	t.Run("no credentials", func(t *testing.T) {
		resp, env := e.do(t, http.MethodPost, "/v1/runs",
			model.CreateRunRequest{TaskDescription: "anything"}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)
	})

	t.Run("invalid api key", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/v1/runs",
			model.CreateRunRequest{TaskDescription: "anything"},
			map[string]string{"X-API-Key": "nk_deadbeef_00000000000000000000000000000000"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("blank task", func(t *testing.T) {
		resp, env := e.do(t, http.MethodPost, "/v1/runs",
			model.CreateRunRequest{TaskDescription: "   "}, bearer(e.rawKey))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/v1/runs",
			map[string]any{"task_description": "x", "priority": 1}, bearer(e.rawKey))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("oversized thread id", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/v1/runs",
			model.CreateRunRequest{TaskDescription: "x", ThreadID: strings.Repeat("t", model.MaxThreadIDLen+1)},
			bearer(e.rawKey))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateRun_DispatcherShutDown(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.disp.Shutdown(context.Background()))

	resp, _ := e.do(t, http.MethodPost, "/v1/runs",
		model.CreateRunRequest{TaskDescription: "anything"}, bearer(e.rawKey))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetRun_TenantScoped(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, http.MethodPost, "/v1/runs",
		model.CreateRunRequest{TaskDescription: "list idle compute instances"}, bearer(e.rawKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created model.CreateRunResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))

	other, _, err := e.jwt.IssueSession("user-2", "globex", "console")
	require.NoError(t, err)
	resp, env = e.do(t, http.MethodGet, "/v1/runs/"+created.RunID.String(), nil, bearer(other))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs/"+created.RunID.String(), nil,
		map[string]string{"X-API-Key": staticKey})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil, bearer(e.rawKey))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil, bearer(e.rawKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListThread(t *testing.T) {
	e := newEnv(t)
	for range 3 {
		resp, _ := e.do(t, http.MethodPost, "/v1/runs",
			model.CreateRunRequest{TaskDescription: "follow up", ThreadID: "incident-42"}, bearer(e.rawKey))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, env := e.do(t, http.MethodGet, "/v1/threads/incident-42/runs?limit=2", nil, bearer(e.rawKey))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		ThreadID string      `json:"thread_id"`
		Runs     []model.Run `json:"runs"`
		Total    int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "incident-42", body.ThreadID)
	assert.Equal(t, 2, body.Total)

	resp, _ = e.do(t, http.MethodGet, "/v1/threads/incident-42/runs?limit=0", nil, bearer(e.rawKey))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func slackForm(text string) []byte {
	return []byte(url.Values{
		"team_id":      {"T1"},
		"channel_id":   {"C1"},
		"user_id":      {"U1"},
		"command":      {"/nucleus"},
		"text":         {text},
		"response_url": {"https://hooks.slack.test/commands/1"},
	}.Encode())
}

func postSlack(t *testing.T, e *env, path string, body []byte, secret string) *http.Response {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", webhook.Sign(body, ts, secret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSlackWebhook_BadSignatureCreatesNoRun(t *testing.T) {
	e := newEnv(t)

	resp := postSlack(t, e, "/v1/webhooks/slack/acme", slackForm("list idle compute instances"), "wrong-secret")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The tenant secret overrides the fallback.
	resp = postSlack(t, e, "/v1/webhooks/slack/acme", slackForm("list idle compute instances"), fallbackSlack)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	list, err := e.store.ListRunsByThread(context.Background(), "acme", "slack:T1:C1", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, e.disp.InFlight())
}

func TestSlackWebhook_Accepted(t *testing.T) {
	e := newEnv(t)

	resp := postSlack(t, e, "/v1/webhooks/slack/acme", slackForm("account:123456789012 mode:deep why are builds slow"), acmeSlack)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg struct {
		ResponseType string `json:"response_type"`
		Text         string `json:"text"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "ephemeral", msg.ResponseType)
	assert.Contains(t, msg.Text, "why are builds slow")

	list, err := e.store.ListRunsByThread(context.Background(), "acme", "slack:T1:C1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	run := list[0]
	assert.Contains(t, msg.Text, run.ID.String())
	assert.Equal(t, model.TriggerSourceChatWebhook, run.Trigger.Source)
	assert.Equal(t, "123456789012", run.Trigger.AccountID)
	assert.Equal(t, "deep", run.Trigger.Mode)
	assert.Equal(t, "U1", run.Trigger.TriggerMeta["user_id"])
}

func TestSlackWebhook_FallbackSecretAndDefaultTenant(t *testing.T) {
	e := newEnv(t)

	resp := postSlack(t, e, "/v1/webhooks/slack", slackForm("disk usage on bastion"), fallbackSlack)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list, err := e.store.ListRunsByThread(context.Background(), "default", "slack:T1:C1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSlackWebhook_BlankText(t *testing.T) {
	e := newEnv(t)
	resp := postSlack(t, e, "/v1/webhooks/slack/acme", slackForm("mode:deep"), acmeSlack)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, env := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Storage)
	assert.Equal(t, "test", health.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) {
		c.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "nucleus_runs_created_total 0\n")
		})
	})
	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "nucleus_runs_created_total")
}

func TestRateLimitedTrigger(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	resp, _ := e.do(t, http.MethodPost, "/v1/runs",
		model.CreateRunRequest{TaskDescription: "first"}, bearer(e.rawKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := e.do(t, http.MethodPost, "/v1/runs",
		model.CreateRunRequest{TaskDescription: "second"}, bearer(e.rawKey))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)

	// Reads are not limited.
	resp, _ = e.do(t, http.MethodGet, "/v1/threads/none/runs", nil, bearer(e.rawKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
