package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-ai/mind/internal/orchestrator/auth"
	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/mediator"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeEngine struct {
	records map[string]*model.Record
	deploys []model.Spec
	logs    string
	err     error
}

func (f *fakeEngine) Deploy(_ context.Context, spec model.Spec) (*model.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deploys = append(f.deploys, spec)
	return &model.Record{Abbr: spec.Abbr, Name: spec.Name, Status: model.StatusDeploying, Progress: 5}, nil
}

func (f *fakeEngine) Start(_ context.Context, abbr string) (*model.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Record{Abbr: abbr, Status: model.StatusDeploying}, nil
}

func (f *fakeEngine) Stop(_ context.Context, abbr string) (*model.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Record{Abbr: abbr, Status: model.StatusStopped}, nil
}

func (f *fakeEngine) Delete(_ context.Context, abbr string) error {
	return f.err
}

func (f *fakeEngine) Get(_ context.Context, abbr string) (*model.Record, error) {
	if rec, ok := f.records[abbr]; ok {
		return rec, nil
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "model %s not found", abbr)
}

func (f *fakeEngine) GetAll(context.Context) ([]*model.Record, error) {
	out := make([]*model.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeEngine) Logs(_ context.Context, abbr string, tail int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.logs, nil
}

type fakeSampler struct {
	gpus     []gpu.GPU
	degraded bool
}

func (f *fakeSampler) Sample() []gpu.GPU                { return f.gpus }
func (f *fakeSampler) Processes() map[int][]gpu.Process { return map[int][]gpu.Process{} }
func (f *fakeSampler) Degraded() bool                   { return f.degraded }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeCache struct{ models []hfcache.CachedModel }

func (f *fakeCache) Scan() []hfcache.CachedModel { return f.models }

type fakeCatalog struct{ entries []catalog.Entry }

func (f *fakeCatalog) Entries() []catalog.Entry { return f.entries }

type fixture struct {
	server *Server
	engine *fakeEngine
	pinger *fakePinger
	store  *store.Store
	auth   *auth.Authenticator
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewWithClient(rdb, &store.Config{
		Logger:         logging.NewTestLogger(),
		PortRangeStart: 8100,
	})

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	authn := auth.New(&auth.Config{
		Logger:              logging.NewTestLogger(),
		Username:            "admin",
		PasswordHash:        hash,
		JWTSecret:           testSecret,
		SessionTimeoutHours: 24,
	}, st)

	med := mediator.New(st, metrics.New(prometheus.NewRegistry()), &mediator.Config{
		Logger:            logging.NewTestLogger(),
		DefaultMaxTokens:  1024,
		StreamIdleTimeout: 2 * time.Second,
	})

	eng := &fakeEngine{records: map[string]*model.Record{}, logs: "engine up"}
	pinger := &fakePinger{}

	config, err := NewConfig(WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	config.Host = "127.0.0.1"
	config.Port = 0
	config.CORSOrigins = []string{"*"}
	for _, o := range opts {
		o(config)
	}

	srv := New(eng, med, authn, st, pinger,
		&fakeSampler{gpus: []gpu.GPU{{Index: 0, Name: "NVIDIA A10"}}},
		&fakeCache{}, &fakeCatalog{entries: []catalog.Entry{{Abbr: "qwen7b", Name: "Qwen/Qwen2.5-7B-Instruct", Type: model.TypeLLM}}},
		config, zap.NewNop())

	return &fixture{server: srv, engine: eng, pinger: pinger, store: st, auth: authn}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T) map[string]string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/orchestrator/auth/login",
		`{"username":"admin","password":"hunter2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

func TestHealthOK(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/orchestrator/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthDegradedWhenDockerDown(t *testing.T) {
	f := newFixture(t)
	f.pinger.err = fmt.Errorf("cannot connect to the docker daemon")
	w := f.do(t, http.MethodGet, "/orchestrator/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"docker":"unreachable"`)
}

func TestGPUStats(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/orchestrator/gpu-stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "NVIDIA A10")
}

func TestListModels(t *testing.T) {
	f := newFixture(t)
	f.engine.records["qwen7b"] = &model.Record{Abbr: "qwen7b", Status: model.StatusRunning}
	w := f.do(t, http.MethodGet, "/orchestrator/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"qwen7b"`)
}

func TestGetModelNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/orchestrator/models/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/orchestrator/auth/login",
		`{"username":"admin","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeployRequiresSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/orchestrator/models/deploy",
		`{"abbr":"qwen7b","name":"Qwen/Qwen2.5-7B-Instruct","type":"llm"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeployReturnsDeployingRecord(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)
	w := f.do(t, http.MethodPost, "/orchestrator/models/deploy",
		`{"abbr":"qwen7b","name":"Qwen/Qwen2.5-7B-Instruct","type":"llm"}`, headers)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.engine.deploys, 1)
	assert.Equal(t, "qwen7b", f.engine.deploys[0].Abbr)
	assert.Contains(t, w.Body.String(), `"deploying"`)
}

func TestStartReturnsDeployingRecord(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)
	w := f.do(t, http.MethodPost, "/orchestrator/models/qwen7b/start", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deploying"`)
}

func TestDeployRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)
	w := f.do(t, http.MethodPost, "/orchestrator/models/deploy",
		`{"abbr":"qwen7b"}`, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.engine.deploys)
}

func TestDeploySurfacesEngineConflict(t *testing.T) {
	f := newFixture(t)
	f.engine.err = errdefs.New(errdefs.KindConflict, "deployment already in progress for qwen7b")
	headers := f.login(t)
	w := f.do(t, http.MethodPost, "/orchestrator/models/deploy",
		`{"abbr":"qwen7b","name":"Qwen/Qwen2.5-7B-Instruct","type":"llm"}`, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopAndDelete(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)

	w := f.do(t, http.MethodPost, "/orchestrator/models/qwen7b/stop", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped"`)

	w = f.do(t, http.MethodDelete, "/orchestrator/models/qwen7b", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":true}`, w.Body.String())
}

func TestLogsValidatesLines(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)

	w := f.do(t, http.MethodGet, "/orchestrator/models/qwen7b/logs?lines=abc", "", headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/orchestrator/models/qwen7b/logs?lines=20", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "engine up")
}

func TestAvailableModels(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)
	w := f.do(t, http.MethodGet, "/orchestrator/available-models", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Qwen/Qwen2.5-7B-Instruct")
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)

	w := f.do(t, http.MethodPost, "/orchestrator/api-keys",
		`{"name":"ci","description":"pipeline"}`, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	var minted struct {
		APIKey string `json:"api_key"`
		Prefix string `json:"prefix"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &minted))
	assert.True(t, strings.HasPrefix(minted.APIKey, "sk_"))
	assert.Equal(t, minted.APIKey[:8], minted.Prefix)

	w = f.do(t, http.MethodGet, "/orchestrator/api-keys", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ci"`)
	// The plaintext key is never listed.
	assert.NotContains(t, w.Body.String(), minted.APIKey)

	// Deleting by the full key works the same as by prefix.
	w = f.do(t, http.MethodDelete, "/orchestrator/api-keys/"+minted.APIKey, "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":true}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/orchestrator/api-keys", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"ci"`)
}

func TestVerifyReturnsUsername(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)
	w := f.do(t, http.MethodGet, "/orchestrator/auth/verify", "", headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"admin"`)
}

func TestInferenceRequiresAPIKey(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/qwen7b/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInferenceDispatch(t *testing.T) {
	f := newFixture(t)
	headers := f.login(t)

	w := f.do(t, http.MethodPost, "/orchestrator/api-keys", `{"name":"test"}`, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	var minted struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &minted))

	// A valid key reaches the mediator, which rejects the unknown model.
	w = f.do(t, http.MethodPost, "/api/v1/ghost/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-API-Key": minted.APIKey})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Non-chat paths take the passthrough proxy branch.
	w = f.do(t, http.MethodGet, "/api/v1/ghost/models", "",
		map[string]string{"Authorization": "Bearer " + minted.APIKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorEnvelopeCarriesTraceID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/orchestrator/models/ghost", "",
		map[string]string{"x-mind-request-id": "trace-123"})
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
			TraceID string `json:"trace_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error.Kind)
	assert.Equal(t, "trace-123", resp.Error.TraceID)

	// Without an inbound id, the minted one is used and echoed back.
	w = f.do(t, http.MethodGet, "/orchestrator/models/ghost", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error.TraceID)
	assert.Equal(t, resp.Error.TraceID, w.Header().Get("x-mind-request-id"))
}

func TestProductionEnvironmentSelectsReleaseMode(t *testing.T) {
	defer gin.SetMode(gin.TestMode)
	newFixture(t, func(c *Config) { c.Environment = "production" })
	assert.Equal(t, gin.ReleaseMode, gin.Mode())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/orchestrator/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
