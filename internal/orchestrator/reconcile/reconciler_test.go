package reconcile

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

type fakeContainers struct {
	containers map[string]*docker.ContainerInfo
}

func (f *fakeContainers) List(context.Context) ([]docker.ContainerInfo, error) {
	var out []docker.ContainerInfo
	for _, info := range f.containers {
		out = append(out, *info)
	}
	return out, nil
}

func (f *fakeContainers) Inspect(_ context.Context, abbr string) (*docker.ContainerInfo, error) {
	if info, ok := f.containers[abbr]; ok {
		return info, nil
	}
	return nil, docker.ErrNotFound
}

type fakeGuard struct {
	inflight map[string]bool
}

func (f *fakeGuard) InFlight(abbr string) bool { return f.inflight[abbr] }

type fakeRouter struct {
	calls int
	err   error
}

func (f *fakeRouter) Regenerate(context.Context) error {
	f.calls++
	return f.err
}

type fakeCatalog struct {
	entries map[string]catalog.Entry
}

func (f *fakeCatalog) Lookup(abbr, name string) (catalog.Entry, bool) {
	entry, ok := f.entries[abbr]
	return entry, ok
}

type fixture struct {
	reconciler *Reconciler
	store      *store.Store
	containers *fakeContainers
	guard      *fakeGuard
	router     *fakeRouter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewWithClient(rdb, &store.Config{
		Logger:         logging.NewTestLogger(),
		PortRangeStart: 8100,
	})

	containers := &fakeContainers{containers: map[string]*docker.ContainerInfo{}}
	guard := &fakeGuard{inflight: map[string]bool{}}
	rt := &fakeRouter{}
	cat := &fakeCatalog{entries: map[string]catalog.Entry{
		"qwen7b": {Abbr: "qwen7b", Name: "Qwen/Qwen2.5-7B-Instruct", Type: model.TypeLLM, MaxModelLen: 8192},
	}}

	config, err := NewConfig(WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	config.Interval = defaultConfig().Interval

	return &fixture{
		reconciler: New(st, containers, guard, rt, cat, config),
		store:      st,
		containers: containers,
		guard:      guard,
		router:     rt,
	}
}

func liveContainer(abbr string) *docker.ContainerInfo {
	return &docker.ContainerInfo{
		ID:     "cid-" + abbr,
		Name:   model.ContainerName(abbr),
		Image:  "vllm/vllm-openai:latest",
		Status: "running",
		Env:    []string{"CUDA_VISIBLE_DEVICES=1", "NVIDIA_VISIBLE_DEVICES=1"},
		Args: []string{
			"--model", "Qwen/Qwen2.5-7B-Instruct",
			"--served-model-name", abbr,
			"--max-model-len", "4096",
		},
	}
}

func TestReconcileAdoptsLiveContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.containers.containers["qwen7b"] = liveContainer("qwen7b")

	require.NoError(t, f.reconciler.Reconcile(ctx))

	rec, err := f.store.GetModel(ctx, "qwen7b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "Qwen/Qwen2.5-7B-Instruct", rec.Name)
	assert.Equal(t, model.TypeLLM, rec.Type)
	assert.Equal(t, 1, rec.GPUDevice)
	assert.Equal(t, 4096, rec.MaxModelLen)
	assert.Equal(t, "cid-qwen7b", rec.ContainerID)
	assert.Equal(t, 1, f.router.calls)
}

func TestReconcileRefusesContainerOutsideCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	info := liveContainer("mystery")
	info.Args = []string{"--model", "someone/home-built-model"}
	f.containers.containers["mystery"] = info

	require.NoError(t, f.reconciler.Reconcile(ctx))

	_, err := f.store.GetModel(ctx, "mystery")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
	assert.Zero(t, f.router.calls)
}

func TestReconcileSkipsInFlightDeployments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.containers.containers["qwen7b"] = liveContainer("qwen7b")
	f.guard.inflight["qwen7b"] = true

	require.NoError(t, f.reconciler.Reconcile(ctx))

	_, err := f.store.GetModel(ctx, "qwen7b")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestReconcileDropsOrphanRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveModel(ctx, &model.Record{
		Abbr:   "qwen7b",
		Name:   "Qwen/Qwen2.5-7B-Instruct",
		Type:   model.TypeLLM,
		Status: model.StatusRunning,
	}))

	require.NoError(t, f.reconciler.Reconcile(ctx))

	_, err := f.store.GetModel(ctx, "qwen7b")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
	assert.Equal(t, 1, f.router.calls)
}

func TestReconcileKeepsStoppedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveModel(ctx, &model.Record{
		Abbr:   "qwen7b",
		Name:   "Qwen/Qwen2.5-7B-Instruct",
		Type:   model.TypeLLM,
		Status: model.StatusStopped,
	}))

	require.NoError(t, f.reconciler.Reconcile(ctx))

	rec, err := f.store.GetModel(ctx, "qwen7b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, rec.Status)
	assert.Zero(t, f.router.calls)
}

func TestReconcileIsIdempotentForAdoptedContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.containers.containers["qwen7b"] = liveContainer("qwen7b")

	require.NoError(t, f.reconciler.Reconcile(ctx))
	require.NoError(t, f.reconciler.Reconcile(ctx))

	// Only the first pass changed anything.
	assert.Equal(t, 1, f.router.calls)
}

func TestReconcileAdoptionPreservesRecordDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveModel(ctx, &model.Record{
		Abbr:      "qwen7b",
		Name:      "Qwen/Qwen2.5-7B-Instruct",
		Type:      model.TypeLLM,
		Status:    model.StatusError,
		Port:      8105,
		Cached:    true,
		CreatedAt: 1700000000000,
	}))
	f.containers.containers["qwen7b"] = liveContainer("qwen7b")

	require.NoError(t, f.reconciler.Reconcile(ctx))

	rec, err := f.store.GetModel(ctx, "qwen7b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)
	assert.Equal(t, 8105, rec.Port)
	assert.True(t, rec.Cached)
	assert.Equal(t, int64(1700000000000), rec.CreatedAt)
}

func TestReconcileSkipsExitedContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	info := liveContainer("qwen7b")
	info.Status = "exited"
	f.containers.containers["qwen7b"] = info

	require.NoError(t, f.reconciler.Reconcile(ctx))

	_, err := f.store.GetModel(ctx, "qwen7b")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
