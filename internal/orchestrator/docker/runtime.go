// Package docker supervises the inference engine containers. The container
// runtime is driven through its CLI so the orchestrator works against any
// daemon the host's docker binary can reach.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RunSpec describes one container to start.
type RunSpec struct {
	Image         string
	Name          string
	Network       string
	RestartPolicy string
	Env           map[string]string
	// Volumes maps host paths to container paths, mounted read-write.
	Volumes map[string]string
	// Ports maps host ports to container ports.
	Ports map[int]int
	// GPUs requests GPU device access for the container.
	GPUs bool
	// Args is the command appended after the image.
	Args []string
}

// ContainerInfo is the inspected state of one container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Status string
	Env    []string
	Args   []string
}

// EnvValue returns the value of a KEY=VALUE entry in the container
// environment, or "" when absent.
func (c *ContainerInfo) EnvValue(key string) string {
	prefix := key + "="
	for _, kv := range c.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

// ArgValue returns the value following a flag in the container command, or ""
// when the flag is absent.
func (c *ContainerInfo) ArgValue(flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// Runtime is the container runtime surface the supervisor needs. The CLI
// implementation shells out to docker; tests substitute a fake.
type Runtime interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context, spec RunSpec) (string, error)
	Stop(ctx context.Context, name string, timeoutSeconds int) error
	Remove(ctx context.Context, name string, force bool) error
	Inspect(ctx context.Context, name string) (*ContainerInfo, error)
	List(ctx context.Context, prefix string) ([]ContainerInfo, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	Exec(ctx context.Context, name string, argv []string) (string, error)
}

// ErrNotFound is returned by Inspect for a container the runtime does not
// know.
var ErrNotFound = errors.New("no such container")

type cliRuntime struct {
	binary string
}

// NewCLIRuntime returns a Runtime backed by the docker binary on PATH.
func NewCLIRuntime() Runtime {
	return &cliRuntime{binary: "docker"}
}

func (r *cliRuntime) command(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (r *cliRuntime) Ping(ctx context.Context) error {
	_, stderr, err := r.command(ctx, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return errors.Wrapf(err, "container runtime not responding: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (r *cliRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	for _, host := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", host+":"+spec.Volumes[host]+":rw")
	}
	for hostPort, containerPort := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", hostPort, containerPort))
	}
	if spec.GPUs {
		args = append(args, "--gpus", "all")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)

	stdout, stderr, err := r.command(ctx, args...)
	if err != nil {
		return "", errors.Errorf("docker run failed: %s", strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (r *cliRuntime) Stop(ctx context.Context, name string, timeoutSeconds int) error {
	_, stderr, err := r.command(ctx, "stop", "-t", strconv.Itoa(timeoutSeconds), name)
	if err != nil {
		return errors.Errorf("docker stop %s failed: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *cliRuntime) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, stderr, err := r.command(ctx, args...)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return nil
		}
		return errors.Errorf("docker rm %s failed: %s", name, strings.TrimSpace(stderr))
	}
	return nil
}

// inspectEntry mirrors the subset of docker inspect output the supervisor
// reads.
type inspectEntry struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image string   `json:"Image"`
		Env   []string `json:"Env"`
		Cmd   []string `json:"Cmd"`
	} `json:"Config"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
}

func (r *cliRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	stdout, stderr, err := r.command(ctx, "inspect", name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return nil, ErrNotFound
		}
		return nil, errors.Errorf("docker inspect %s failed: %s", name, strings.TrimSpace(stderr))
	}

	var entries []inspectEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		return nil, errors.Wrap(err, "parsing docker inspect output")
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}

	e := entries[0]
	return &ContainerInfo{
		ID:     e.ID,
		Name:   strings.TrimPrefix(e.Name, "/"),
		Image:  e.Config.Image,
		Status: e.State.Status,
		Env:    e.Config.Env,
		Args:   e.Config.Cmd,
	}, nil
}

func (r *cliRuntime) List(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	stdout, stderr, err := r.command(ctx, "ps", "--format", "json")
	if err != nil {
		return nil, errors.Errorf("docker ps failed: %s", strings.TrimSpace(stderr))
	}

	var out []ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			ID    string `json:"ID"`
			Names string `json:"Names"`
			Image string `json:"Image"`
			State string `json:"State"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if prefix != "" && !strings.HasPrefix(entry.Names, prefix) {
			continue
		}
		out = append(out, ContainerInfo{
			ID:     entry.ID,
			Name:   entry.Names,
			Image:  entry.Image,
			Status: entry.State,
		})
	}
	return out, nil
}

func (r *cliRuntime) Logs(ctx context.Context, name string, tail int) (string, error) {
	stdout, stderr, err := r.command(ctx, "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return "", ErrNotFound
		}
		return "", errors.Errorf("docker logs %s failed: %s", name, strings.TrimSpace(stderr))
	}
	// Engine output goes to stderr; interleave both streams.
	return stdout + stderr, nil
}

func (r *cliRuntime) Exec(ctx context.Context, name string, argv []string) (string, error) {
	args := append([]string{"exec", name}, argv...)
	stdout, stderr, err := r.command(ctx, args...)
	if err != nil {
		return "", errors.Errorf("docker exec %s failed: %s", name, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
