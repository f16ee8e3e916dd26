// Package engine is the deployment state machine. It owns every lifecycle
// transition of a model record and is the only writer of model status.
//
// States: absent -> stopped -> deploying -> running -> stopping -> stopped,
// with a terminal error state reachable from deploying or running. Records
// in error are kept for diagnosis until the operator deletes them.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/router"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// containerSupervisor is the slice of the container supervisor the engine
// drives.
type containerSupervisor interface {
	Spawn(ctx context.Context, spec model.Spec, settings catalog.Settings, gpuDevice int) (string, error)
	WaitReady(ctx context.Context, name, servedName string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Logs(ctx context.Context, abbr string, tail int) (string, error)
}

// gpuSampler is the slice of the GPU inspector the engine reads.
type gpuSampler interface {
	Sample() []gpu.GPU
	Device(index int) (gpu.GPU, bool)
	Degraded() bool
}

// routerGenerator regenerates the front proxy routing table.
type routerGenerator interface {
	Regenerate(ctx context.Context) error
}

// cacheScanner reports locally cached model weights.
type cacheScanner interface {
	Lookup(name string) (hfcache.CachedModel, bool)
}

// Engine coordinates deployments across the store, the container supervisor,
// the GPU inspector, and the router generator.
type Engine struct {
	store      *store.Store
	catalog    *catalog.Catalog
	containers containerSupervisor
	gpus       gpuSampler
	router     routerGenerator
	cache      cacheScanner
	metrics    *metrics.Metrics
	config     *Config
	logger     logging.Interface

	mu       sync.Mutex
	inflight map[string]string
	gpuSems  map[int]*semaphore.Weighted

	// wg tracks async deployments so tests and shutdown can drain them.
	wg sync.WaitGroup
}

// New builds a deployment engine.
func New(
	st *store.Store,
	cat *catalog.Catalog,
	containers containerSupervisor,
	gpus gpuSampler,
	rt routerGenerator,
	cache cacheScanner,
	m *metrics.Metrics,
	config *Config,
) *Engine {
	return &Engine{
		store:      st,
		catalog:    cat,
		containers: containers,
		gpus:       gpus,
		router:     rt,
		cache:      cache,
		metrics:    m,
		config:     config,
		logger:     config.Logger,
		inflight:   map[string]string{},
		gpuSems:    map[int]*semaphore.Weighted{},
	}
}

// acquire claims the per-slug mutex. A second operation on the same slug
// while one is in flight gets a conflict.
func (e *Engine) acquire(abbr, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, busy := e.inflight[abbr]; busy {
		return errdefs.Newf(errdefs.KindConflict, "operation %s already in progress for model %s", current, abbr)
	}
	e.inflight[abbr] = op
	return nil
}

func (e *Engine) release(abbr string) {
	e.mu.Lock()
	delete(e.inflight, abbr)
	e.mu.Unlock()
}

// InFlight reports whether an operation is currently running for the slug.
func (e *Engine) InFlight(abbr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[abbr]
	return busy
}

// gpuSem returns the per-device deploy semaphore, limiting concurrent
// deployments to one per GPU.
func (e *Engine) gpuSem(device int) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.gpuSems[device]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.gpuSems[device] = sem
	}
	return sem
}

// Wait blocks until all async deployments have finished. Used on shutdown
// and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Get reads one model record.
func (e *Engine) Get(ctx context.Context, abbr string) (*model.Record, error) {
	return e.store.GetModel(ctx, abbr)
}

// GetAll reads every model record.
func (e *Engine) GetAll(ctx context.Context) ([]*model.Record, error) {
	return e.store.ListModels(ctx)
}

// Logs returns the tail of a model's container output.
func (e *Engine) Logs(ctx context.Context, abbr string, tail int) (string, error) {
	return e.containers.Logs(ctx, abbr, tail)
}

func (e *Engine) validateSpec(spec model.Spec) error {
	if !model.ValidAbbr(spec.Abbr) {
		return errdefs.Validation("abbr", "abbr must match [a-z0-9._-]+")
	}
	if spec.Name == "" {
		return errdefs.Validation("name", "name is required")
	}
	if spec.Type != model.TypeLLM && spec.Type != model.TypeEmbedding {
		return errdefs.Validation("type", "type must be llm or embedding")
	}
	if _, ok := e.catalog.Lookup(spec.Abbr, spec.Name); !ok {
		return errdefs.Newf(errdefs.KindValidation,
			"model %s is not in the predefined catalog; add it to models.json first", spec.Abbr)
	}
	return nil
}

// pickGPU selects the device for a deployment: the requested device when
// pinned, otherwise the least loaded sampled device. Degraded sampling falls
// back to a single logical device 0.
func (e *Engine) pickGPU(ctx context.Context, spec model.Spec, entry catalog.Entry) (int, error) {
	if e.gpus.Degraded() {
		e.logger.Warn("GPU sampling degraded, assuming single logical device 0")
		if spec.GPUDevice != nil {
			return *spec.GPUDevice, nil
		}
		return 0, nil
	}

	var device int
	if spec.GPUDevice != nil {
		device = *spec.GPUDevice
		if _, ok := e.gpus.Device(device); !ok {
			return 0, errdefs.Newf(errdefs.KindValidation, "gpu device %d does not exist", device)
		}
	} else {
		assigned := map[int]int{}
		records, err := e.store.ListModels(ctx)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			if r.Status == model.StatusRunning || r.Status == model.StatusDeploying {
				assigned[r.GPUDevice]++
			}
		}
		device = gpu.Pick(e.gpus.Sample(), assigned)
	}

	if entry.RecommendedVRAMMB > 0 {
		if g, ok := e.gpus.Device(device); ok && g.MemoryFreeMB < float64(entry.RecommendedVRAMMB) {
			return 0, errdefs.Newf(errdefs.KindResourceExhausted,
				"gpu %d has %.0f MB free, model needs about %d MB", device, g.MemoryFreeMB, entry.RecommendedVRAMMB)
		}
	} else {
		e.logger.WithField("abbr", spec.Abbr).Warn("No VRAM estimate for model, skipping memory check")
	}
	return device, nil
}

// Deploy validates the spec, reserves a GPU, writes a deploying record, and
// returns it while the container start and readiness wait continue
// asynchronously.
func (e *Engine) Deploy(ctx context.Context, spec model.Spec) (*model.Record, error) {
	if err := e.validateSpec(spec); err != nil {
		return nil, err
	}
	if err := e.acquire(spec.Abbr, "deploy"); err != nil {
		return nil, err
	}

	record, err := e.beginDeployment(ctx, spec)
	if err != nil {
		e.release(spec.Abbr)
		return nil, err
	}
	return record, nil
}

// Start redeploys a stopped model with its recorded parameters.
func (e *Engine) Start(ctx context.Context, abbr string) (*model.Record, error) {
	existing, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return nil, err
	}
	if existing.Status == model.StatusRunning || existing.Status == model.StatusDeploying {
		return nil, errdefs.Newf(errdefs.KindConflict, "model %s is already %s", abbr, existing.Status)
	}
	if err := e.acquire(abbr, "start"); err != nil {
		return nil, err
	}

	record, err := e.beginDeployment(ctx, existing.Spec())
	if err != nil {
		e.release(abbr)
		return nil, err
	}
	return record, nil
}

// beginDeployment runs the synchronous deployment phase under the slug lock:
// state checks, GPU reservation, port allocation, and the deploying record
// write. The caller already holds the in-flight slot; it is released by the
// async phase.
func (e *Engine) beginDeployment(ctx context.Context, spec model.Spec) (*model.Record, error) {
	abbr := spec.Abbr

	existing, err := e.store.GetModel(ctx, abbr)
	if err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
		return nil, err
	}
	if existing != nil && existing.Status == model.StatusRunning {
		return nil, errdefs.Newf(errdefs.KindConflict, "model %s is already running", abbr)
	}

	entry, _ := e.catalog.Lookup(spec.Abbr, spec.Name)
	settings := e.catalog.Resolve(spec)

	device, err := e.pickGPU(ctx, spec, entry)
	if err != nil {
		return nil, err
	}

	sem := e.gpuSem(device)
	if !sem.TryAcquire(1) {
		return nil, errdefs.Newf(errdefs.KindResourceExhausted, "another deployment is in progress on gpu %d", device)
	}

	port := spec.Port
	if existing != nil && port == 0 {
		port = existing.Port
	}
	if port == 0 {
		port, err = e.store.FreePort(ctx)
		if err != nil {
			sem.Release(1)
			return nil, err
		}
	}

	record := &model.Record{
		Abbr:                 abbr,
		Name:                 spec.Name,
		Type:                 settings.Type,
		Quantization:         settings.Quantization,
		MaxModelLen:          settings.MaxModelLen,
		GPUMemoryUtilization: settings.GPUMemoryUtilization,
		MaxNumSeqs:           settings.MaxNumSeqs,
		GPUDevice:            device,
		Port:                 port,
		Endpoint:             model.Endpoint(abbr),
		Status:               model.StatusDeploying,
		Progress:             5,
		ProgressMessage:      "GPU reserved",
		ContainerName:        model.ContainerName(abbr),
	}
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
		record.Cached = existing.Cached
		record.CacheSizeMB = existing.CacheSizeMB
	}
	if cached, ok := e.cache.Lookup(spec.Name); ok {
		record.Cached = true
		record.CacheSizeMB = cached.SizeMB
	}
	if err := e.store.SaveModel(ctx, record); err != nil {
		sem.Release(1)
		return nil, err
	}
	e.metrics.LifecycleTransitions.WithLabelValues(string(model.StatusDeploying)).Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(abbr)
		defer sem.Release(1)
		e.runDeployment(spec, settings, device)
	}()

	return record, nil
}

// runDeployment is the asynchronous phase: container spawn with transient
// retries, readiness wait, and the final transition to running or error.
func (e *Engine) runDeployment(spec model.Spec, settings catalog.Settings, device int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.DeployTimeout)
	defer cancel()

	abbr := spec.Abbr
	name := model.ContainerName(abbr)
	logger := e.logger.WithField("abbr", abbr).WithField("gpu", device)

	e.progress(ctx, abbr, 10, "Preparing container")

	containerID, err := e.spawnWithRetry(ctx, spec, settings, device, logger)
	if err != nil {
		e.failDeployment(ctx, abbr, err, logger)
		return
	}
	_ = e.store.UpdateModelFields(ctx, abbr, map[string]string{
		"container_id":     containerID,
		"progress":         "50",
		"progress_message": "Container started, loading model",
	})

	if err := e.containers.WaitReady(ctx, name, abbr); err != nil {
		e.failDeployment(ctx, abbr, err, logger)
		return
	}
	e.progress(ctx, abbr, 90, "Model registered")

	if err := e.store.UpdateModelStatus(ctx, abbr, model.StatusRunning, 100, "Model ready"); err != nil {
		logger.WithError(err).Error("Failed to persist running status")
	}
	e.metrics.LifecycleTransitions.WithLabelValues(string(model.StatusRunning)).Inc()
	e.metrics.RunningModels.Inc()

	if err := e.router.Regenerate(ctx); err != nil {
		// A model the proxy cannot reach must not report running.
		message := "router update failed"
		if errors.Is(err, router.ErrReload) {
			message = "proxy reload failed"
		}
		logger.WithError(err).Error("Demoting deployment, routing table update failed")
		_ = e.containers.Stop(ctx, name, e.config.StopTimeout)
		_ = e.store.UpdateModelStatus(ctx, abbr, model.StatusError, -1, message)
		e.metrics.RunningModels.Dec()
		e.metrics.DeploysTotal.WithLabelValues("error").Inc()
		return
	}

	logger.Info("Model deployed and routed")
	e.metrics.DeploysTotal.WithLabelValues("ok").Inc()
}

func (e *Engine) spawnWithRetry(ctx context.Context, spec model.Spec, settings catalog.Settings, device int, logger logging.Interface) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.config.TransientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.config.RetryDelay):
			}
			logger.WithField("attempt", attempt).Warn("Retrying container spawn")
		}

		id, err := e.containers.Spawn(ctx, spec, settings, device)
		if err == nil {
			return id, nil
		}
		lastErr = err

		var spawnErr *docker.SpawnError
		if !errors.As(err, &spawnErr) || !spawnErr.Retryable() {
			return "", err
		}
	}
	return "", lastErr
}

func (e *Engine) failDeployment(ctx context.Context, abbr string, cause error, logger logging.Interface) {
	logger.WithError(cause).Error("Deployment failed")

	name := model.ContainerName(abbr)
	if err := e.containers.Stop(ctx, name, e.config.StopTimeout); err != nil {
		logger.WithError(err).Warn("Failed to stop container after failed deployment")
	}
	if err := e.containers.Remove(ctx, name); err != nil {
		logger.WithError(err).Warn("Failed to remove container after failed deployment")
	}

	if err := e.store.UpdateModelStatus(ctx, abbr, model.StatusError, -1, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to persist error status")
	}
	e.metrics.LifecycleTransitions.WithLabelValues(string(model.StatusError)).Inc()
	e.metrics.DeploysTotal.WithLabelValues("error").Inc()
}

func (e *Engine) progress(ctx context.Context, abbr string, progress int, message string) {
	if err := e.store.UpdateModelFields(ctx, abbr, map[string]string{
		"progress":         strconv.Itoa(progress),
		"progress_message": message,
	}); err != nil {
		e.logger.WithError(err).WithField("abbr", abbr).Warn("Failed to publish deployment progress")
	}
}

// Stop transitions a running model to stopped with a graceful container
// stop. Stopping an already stopped model is a no-op.
func (e *Engine) Stop(ctx context.Context, abbr string) (*model.Record, error) {
	if err := e.acquire(abbr, "stop"); err != nil {
		return nil, err
	}
	defer e.release(abbr)

	record, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return nil, err
	}
	if record.Status == model.StatusStopped {
		return record, nil
	}

	wasRunning := record.Status == model.StatusRunning

	_ = e.store.UpdateModelStatus(ctx, abbr, model.StatusStopping, -1, "Stopping container")
	e.metrics.LifecycleTransitions.WithLabelValues(string(model.StatusStopping)).Inc()

	if err := e.containers.Stop(ctx, model.ContainerName(abbr), e.config.StopTimeout); err != nil {
		e.logger.WithError(err).WithField("abbr", abbr).Warn("Graceful container stop failed")
	}

	if err := e.store.UpdateModelStatus(ctx, abbr, model.StatusStopped, 0, "Stopped"); err != nil {
		return nil, err
	}
	e.metrics.LifecycleTransitions.WithLabelValues(string(model.StatusStopped)).Inc()
	if wasRunning {
		e.metrics.RunningModels.Dec()
	}

	if err := e.router.Regenerate(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to update routing table after stop")
	}

	return e.store.GetModel(ctx, abbr)
}

// Delete stops the model if needed, removes its container, and erases the
// record.
func (e *Engine) Delete(ctx context.Context, abbr string) error {
	if err := e.acquire(abbr, "delete"); err != nil {
		return err
	}
	defer e.release(abbr)

	record, err := e.store.GetModel(ctx, abbr)
	if err != nil {
		return err
	}

	name := model.ContainerName(abbr)
	if record.Status == model.StatusRunning || record.Status == model.StatusDeploying {
		if err := e.containers.Stop(ctx, name, e.config.StopTimeout); err != nil {
			e.logger.WithError(err).WithField("abbr", abbr).Warn("Container stop failed during delete")
		}
		if record.Status == model.StatusRunning {
			e.metrics.RunningModels.Dec()
		}
	}
	if err := e.containers.Remove(ctx, name); err != nil {
		e.logger.WithError(err).WithField("abbr", abbr).Warn("Container removal failed during delete")
	}

	if err := e.store.DeleteModel(ctx, abbr); err != nil {
		return err
	}

	if err := e.router.Regenerate(ctx); err != nil {
		e.logger.WithError(err).Error("Failed to update routing table after delete")
	}
	return nil
}
