package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/pkg/logging"
)

// FailureReason classifies why a container spawn failed.
type FailureReason string

const (
	ReasonImageMissing   FailureReason = "image-missing"
	ReasonPortConflict   FailureReason = "port-conflict"
	ReasonGPUUnavailable FailureReason = "gpu-unavailable"
	ReasonQuotaExceeded  FailureReason = "quota-exceeded"
	ReasonRuntimeDown    FailureReason = "runtime-down"
	ReasonUnknown        FailureReason = "unknown"
)

// SpawnError is a classified container start failure.
type SpawnError struct {
	Reason FailureReason
	cause  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("container spawn failed (%s): %v", e.Reason, e.cause)
}

func (e *SpawnError) Unwrap() error { return e.cause }

// Retryable reports whether the failure may clear without operator action.
func (e *SpawnError) Retryable() bool {
	return e.Reason == ReasonRuntimeDown || e.Reason == ReasonPortConflict || e.Reason == ReasonUnknown
}

func classifySpawnFailure(err error) *SpawnError {
	msg := strings.ToLower(err.Error())
	reason := ReasonUnknown
	switch {
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "runtime not responding"):
		reason = ReasonRuntimeDown
	case strings.Contains(msg, "no such image"),
		strings.Contains(msg, "pull access denied"),
		strings.Contains(msg, "manifest unknown"),
		strings.Contains(msg, "repository does not exist"):
		reason = ReasonImageMissing
	case strings.Contains(msg, "port is already allocated"),
		strings.Contains(msg, "address already in use"):
		reason = ReasonPortConflict
	case strings.Contains(msg, "could not select device driver"),
		strings.Contains(msg, "nvidia-container-cli"),
		strings.Contains(msg, "unknown or invalid runtime name: nvidia"):
		reason = ReasonGPUUnavailable
	case strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "disk quota exceeded"):
		reason = ReasonQuotaExceeded
	}
	return &SpawnError{Reason: reason, cause: err}
}

const (
	readyPollInitial = 500 * time.Millisecond
	readyPollMax     = 5 * time.Second
	logTailOnFailure = 50
)

// Supervisor starts, watches, and tears down inference containers.
type Supervisor struct {
	runtime Runtime
	config  *Config
	logger  logging.Interface
	client  *http.Client

	// endpoint resolves a container name to the engine base URL; tests
	// point it at a local server.
	endpoint func(name string) string
}

// NewSupervisor builds a supervisor over the given runtime.
func NewSupervisor(runtime Runtime, config *Config) *Supervisor {
	return &Supervisor{
		runtime: runtime,
		config:  config,
		logger:  config.Logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		endpoint: func(name string) string {
			return fmt.Sprintf("http://%s:%d", name, model.EnginePort)
		},
	}
}

// Runtime exposes the underlying container runtime for components that only
// need raw operations.
func (s *Supervisor) Runtime() Runtime { return s.runtime }

// Spawn removes any stale container for the slug and starts a fresh one.
// Failures come back classified as a SpawnError.
func (s *Supervisor) Spawn(ctx context.Context, spec model.Spec, settings catalog.Settings, gpuDevice int) (string, error) {
	name := model.ContainerName(spec.Abbr)
	if err := s.runtime.Remove(ctx, name, true); err != nil {
		s.logger.WithError(err).WithField("container", name).Warn("Failed to remove stale container")
	}

	id, err := s.runtime.Run(ctx, RunSpecFor(spec, settings, gpuDevice, s.config))
	if err != nil {
		return "", classifySpawnFailure(err)
	}

	s.logger.WithField("container", name).WithField("id", id).Info("Started inference container")
	return id, nil
}

// modelsEnvelope is the engine's GET /v1/models response.
type modelsEnvelope struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// WaitReady polls the engine's model listing until it reports the served
// model, the container dies, or the context expires. Polling backs off
// exponentially from 500 ms to 5 s.
func (s *Supervisor) WaitReady(ctx context.Context, name, servedName string) error {
	interval := readyPollInitial
	for {
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindInternal, ctx.Err(), "timed out waiting for model to become ready")
		case <-time.After(interval):
		}
		if interval < readyPollMax {
			interval *= 2
			if interval > readyPollMax {
				interval = readyPollMax
			}
		}

		info, err := s.runtime.Inspect(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errdefs.Newf(errdefs.KindInternal, "container %s disappeared while loading", name)
			}
			s.logger.WithError(err).WithField("container", name).Warn("Inspect failed during readiness wait")
			continue
		}
		if info.Status != "running" {
			tail, _ := s.runtime.Logs(ctx, name, logTailOnFailure)
			return errdefs.Newf(errdefs.KindInternal,
				"container %s stopped unexpectedly (status: %s): %s", name, info.Status, lastLine(tail))
		}

		if s.probeReady(ctx, name, servedName) {
			return nil
		}
	}
}

func (s *Supervisor) probeReady(ctx context.Context, name, servedName string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(name)+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}
	var envelope modelsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return len(envelope.Data) > 0 && envelope.Data[0].ID == servedName
}

// Stop stops a container with a graceful timeout. Stopping an absent
// container is not an error.
func (s *Supervisor) Stop(ctx context.Context, name string, timeout time.Duration) error {
	info, err := s.runtime.Inspect(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if info.Status != "running" {
		return nil
	}
	return s.runtime.Stop(ctx, name, int(timeout.Seconds()))
}

// Remove force-removes a container; absence is not an error.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	return s.runtime.Remove(ctx, name, true)
}

// List returns the running platform containers.
func (s *Supervisor) List(ctx context.Context) ([]ContainerInfo, error) {
	return s.runtime.List(ctx, model.ContainerPrefix)
}

// Logs returns the tail of a container's output.
func (s *Supervisor) Logs(ctx context.Context, abbr string, tail int) (string, error) {
	out, err := s.runtime.Logs(ctx, model.ContainerName(abbr), tail)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errdefs.Newf(errdefs.KindNotFound, "no container for model %s", abbr)
		}
		return "", err
	}
	return out, nil
}

// Inspect returns the inspected state of a model's container.
func (s *Supervisor) Inspect(ctx context.Context, abbr string) (*ContainerInfo, error) {
	return s.runtime.Inspect(ctx, model.ContainerName(abbr))
}

func lastLine(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
