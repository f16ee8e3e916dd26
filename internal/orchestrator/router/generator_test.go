package router

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

type execRecorder struct {
	mu      sync.Mutex
	execErr error
	calls   [][]string
	targets []string
}

func (e *execRecorder) Ping(context.Context) error { return nil }
func (e *execRecorder) Run(context.Context, docker.RunSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (e *execRecorder) Stop(context.Context, string, int) error     { return nil }
func (e *execRecorder) Remove(context.Context, string, bool) error  { return nil }
func (e *execRecorder) Inspect(context.Context, string) (*docker.ContainerInfo, error) {
	return nil, docker.ErrNotFound
}
func (e *execRecorder) List(context.Context, string) ([]docker.ContainerInfo, error) {
	return nil, nil
}
func (e *execRecorder) Logs(context.Context, string, int) (string, error) { return "", nil }

func (e *execRecorder) Exec(_ context.Context, name string, argv []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, name)
	e.calls = append(e.calls, argv)
	return "", e.execErr
}

func runningRecord(abbr string) *model.Record {
	return &model.Record{
		Abbr:     abbr,
		Name:     "org/" + abbr,
		Type:     model.TypeLLM,
		Status:   model.StatusRunning,
		Endpoint: model.Endpoint(abbr),
	}
}

func testGenerator(t *testing.T) (*Generator, *store.Store, afero.Fs, *execRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewWithClient(rdb, &store.Config{Logger: logging.NewTestLogger()})

	fs := afero.NewMemMapFs()
	rec := &execRecorder{}
	g := NewGenerator(fs, st, rec, metrics.New(prometheus.NewRegistry()), &Config{
		Logger:           logging.NewTestLogger(),
		ConfigPath:       "/nginx-config/model_routes.conf",
		GatewayContainer: "MIND_API_GATEWAY",
	})
	return g, st, fs, rec
}

func TestRenderEmpty(t *testing.T) {
	out := Render(nil)
	assert.Equal(t, "# Auto-generated model routing configuration\n", out)
}

func TestRenderTwoBlocksPerModel(t *testing.T) {
	out := Render([]*model.Record{runningRecord("qwen7b")})

	assert.Contains(t, out, "location = /api/v1/qwen7b/chat/completions {")
	assert.Contains(t, out, "proxy_pass http://orchestrator/api/v1/qwen7b/chat/completions;")
	assert.Contains(t, out, "location /api/v1/qwen7b/ {")
	assert.Contains(t, out, "proxy_pass http://MIND_MODEL_qwen7b:8000/v1/;")
	assert.Contains(t, out, "proxy_read_timeout 300s;")
	assert.Contains(t, out, "proxy_buffering off;")
	assert.Contains(t, out, "return 204;")
}

func TestRenderDeterministic(t *testing.T) {
	records := []*model.Record{runningRecord("a"), runningRecord("b")}
	assert.Equal(t, Render(records), Render(records))
}

func TestRegenerateWritesOnlyRunningModels(t *testing.T) {
	g, st, fs, rec := testGenerator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveModel(ctx, runningRecord("qwen7b")))
	stopped := runningRecord("bge")
	stopped.Status = model.StatusStopped
	require.NoError(t, st.SaveModel(ctx, stopped))

	require.NoError(t, g.Regenerate(ctx))

	content, err := afero.ReadFile(fs, "/nginx-config/model_routes.conf")
	require.NoError(t, err)
	assert.Contains(t, string(content), "/api/v1/qwen7b/")
	assert.NotContains(t, string(content), "/api/v1/bge/")

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "MIND_API_GATEWAY", rec.targets[0])
	assert.Equal(t, []string{"nginx", "-s", "reload"}, rec.calls[0])
}

func TestRegenerateReloadFailureKeepsWrite(t *testing.T) {
	g, st, fs, rec := testGenerator(t)
	ctx := context.Background()
	rec.execErr = errors.New("exec failed")

	require.NoError(t, st.SaveModel(ctx, runningRecord("qwen7b")))

	err := g.Regenerate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReload)

	// The include file is durable despite the failed reload signal.
	content, readErr := afero.ReadFile(fs, "/nginx-config/model_routes.conf")
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "/api/v1/qwen7b/")
}

func TestRegenerateIdempotent(t *testing.T) {
	g, st, fs, _ := testGenerator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveModel(ctx, runningRecord("qwen7b")))

	require.NoError(t, g.Regenerate(ctx))
	first, err := afero.ReadFile(fs, "/nginx-config/model_routes.conf")
	require.NoError(t, err)

	require.NoError(t, g.Regenerate(ctx))
	second, err := afero.ReadFile(fs, "/nginx-config/model_routes.conf")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
