// Package reconcile converges the state store with the containers that are
// actually running. It adopts platform containers that survived an
// orchestrator restart and clears records whose container is gone, so the
// store never advertises a model that cannot serve.
package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

type containerSource interface {
	List(ctx context.Context) ([]docker.ContainerInfo, error)
	Inspect(ctx context.Context, abbr string) (*docker.ContainerInfo, error)
}

type deploymentGuard interface {
	InFlight(abbr string) bool
}

type routerGenerator interface {
	Regenerate(ctx context.Context) error
}

type catalogSource interface {
	Lookup(abbr, name string) (catalog.Entry, bool)
}

// Reconciler keeps model records and containers in agreement.
type Reconciler struct {
	store      *store.Store
	containers containerSource
	engine     deploymentGuard
	router     routerGenerator
	catalog    catalogSource
	config     *Config
	logger     logging.Interface
}

// New builds a reconciler.
func New(
	st *store.Store,
	containers containerSource,
	engine deploymentGuard,
	router routerGenerator,
	cat catalogSource,
	config *Config,
) *Reconciler {
	return &Reconciler{
		store:      st,
		containers: containers,
		engine:     engine,
		router:     router,
		catalog:    cat,
		config:     config,
		logger:     config.Logger,
	}
}

// Start runs one synchronous pass, then reconciles periodically until the
// context is cancelled. The boot pass runs before the HTTP server takes
// traffic so restarts do not advertise stale models.
func (r *Reconciler) Start(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		r.logger.WithError(err).Warn("Boot reconcile finished with errors")
	}

	go func() {
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Reconcile(ctx); err != nil {
					r.logger.WithError(err).Warn("Reconcile pass finished with errors")
				}
			}
		}
	}()
}

// Reconcile runs one full pass: adopt live platform containers, then drop
// records whose container vanished. Per-model failures are collected so one
// bad container does not stall the rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	containers, err := r.containers.List(ctx)
	if err != nil {
		return errors.Wrap(err, "listing platform containers")
	}

	live := make(map[string]docker.ContainerInfo, len(containers))
	for _, info := range containers {
		abbr, ok := model.AbbrFromContainer(info.Name)
		if !ok {
			continue
		}
		live[abbr] = info
	}

	var errs *multierror.Error
	changed := false

	for abbr := range live {
		if r.engine.InFlight(abbr) {
			continue
		}
		adopted, err := r.adopt(ctx, abbr)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "adopting %s", abbr))
			continue
		}
		if adopted {
			changed = true
		}
	}

	dropped, err := r.dropOrphans(ctx, live)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if dropped {
		changed = true
	}

	if changed {
		if err := r.router.Regenerate(ctx); err != nil {
			// The next pass retries; records stay authoritative.
			r.logger.WithError(err).Error("Router regeneration after reconcile failed")
		}
	}
	return errs.ErrorOrNil()
}

// adopt upserts the running record for one live container. Containers whose
// model is not in the predefined catalog are left alone: an operator started
// them outside the platform, and adopting them would route traffic to a
// deployment nobody vetted.
func (r *Reconciler) adopt(ctx context.Context, abbr string) (bool, error) {
	info, err := r.containers.Inspect(ctx, abbr)
	if err != nil {
		return false, err
	}
	if info.Status != "running" {
		return false, nil
	}

	existing, err := r.store.GetModel(ctx, abbr)
	if err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
		return false, err
	}

	name := info.ArgValue("--model")
	entry, known := r.catalog.Lookup(abbr, name)
	if !known {
		r.logger.WithField("abbr", abbr).WithField("model", name).
			Warn("Refusing to adopt container for a model outside the catalog")
		return false, nil
	}

	if existing != nil && existing.Status == model.StatusRunning && existing.ContainerID == info.ID {
		return false, nil
	}

	record := &model.Record{
		Abbr:          abbr,
		Name:          name,
		Type:          entry.Type,
		Endpoint:      model.Endpoint(abbr),
		Status:        model.StatusRunning,
		Progress:      100,
		ContainerName: info.Name,
		ContainerID:   info.ID,
	}
	record.ProgressMessage = "Adopted running container"
	record.GPUDevice, _ = strconv.Atoi(info.EnvValue("CUDA_VISIBLE_DEVICES"))
	record.MaxModelLen, _ = strconv.Atoi(info.ArgValue("--max-model-len"))
	if record.MaxModelLen == 0 {
		record.MaxModelLen = entry.MaxModelLen
	}
	if existing != nil {
		record.Port = existing.Port
		record.Quantization = existing.Quantization
		record.GPUMemoryUtilization = existing.GPUMemoryUtilization
		record.MaxNumSeqs = existing.MaxNumSeqs
		record.Cached = existing.Cached
		record.CacheSizeMB = existing.CacheSizeMB
		record.CreatedAt = existing.CreatedAt
	}

	if err := r.store.SaveModel(ctx, record); err != nil {
		return false, err
	}
	r.logger.WithField("abbr", abbr).WithField("container_id", info.ID).
		Info("Adopted running container into the state store")
	return true, nil
}

// dropOrphans deletes running or deploying records whose container no longer
// exists. The record is removed rather than demoted: a container the runtime
// has forgotten cannot be restarted from its record, and a lingering error
// entry would shadow the next deploy.
func (r *Reconciler) dropOrphans(ctx context.Context, live map[string]docker.ContainerInfo) (bool, error) {
	records, err := r.store.ListModels(ctx)
	if err != nil {
		return false, errors.Wrap(err, "listing model records")
	}

	var errs *multierror.Error
	dropped := false
	for _, rec := range records {
		if rec.Status != model.StatusRunning && rec.Status != model.StatusDeploying {
			continue
		}
		if _, ok := live[rec.Abbr]; ok {
			continue
		}
		if r.engine.InFlight(rec.Abbr) {
			continue
		}
		if err := r.store.DeleteModel(ctx, rec.Abbr); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "dropping orphan record %s", rec.Abbr))
			continue
		}
		r.logger.WithField("abbr", rec.Abbr).WithField("status", string(rec.Status)).
			Warn("Dropped record whose container vanished")
		dropped = true
	}
	return dropped, errs.ErrorOrNil()
}
