// Package router rewrites the reverse proxy's model routing table as models
// come and go, and signals the proxy to reload it.
package router

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/mind-ai/mind/internal/orchestrator/docker"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// ErrReload marks a regeneration whose include file was written durably but
// whose proxy reload signal failed. Callers decide whether that demotes the
// deployment.
var ErrReload = errors.New("proxy reload failed")

const header = "# Auto-generated model routing configuration\n"

// locationBlock emits one nginx location with CORS, preflight short-circuit,
// and SSE-friendly proxying. matcher is the location match expression,
// upstream the proxy_pass target.
func locationBlock(b *strings.Builder, matcher, upstream string) {
	fmt.Fprintf(b, "location %s {\n", matcher)
	fmt.Fprintf(b, "    proxy_pass %s;\n", upstream)
	b.WriteString(`    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;

    add_header 'Access-Control-Allow-Origin' '*' always;
    add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS' always;
    add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key' always;

    if ($request_method = 'OPTIONS') {
        add_header 'Access-Control-Allow-Origin' '*';
        add_header 'Access-Control-Allow-Methods' 'GET, POST, OPTIONS';
        add_header 'Access-Control-Allow-Headers' 'Authorization, Content-Type, X-API-Key';
        add_header 'Access-Control-Max-Age' 1728000;
        add_header 'Content-Type' 'text/plain; charset=utf-8';
        add_header 'Content-Length' 0;
        return 204;
    }

    proxy_set_header Connection '';
    proxy_http_version 1.1;
    chunked_transfer_encoding off;
    proxy_buffering off;
    proxy_cache off;
    proxy_read_timeout 300s;
    proxy_send_timeout 300s;
}
`)
}

// Render produces the include file for the given running models. Output is
// deterministic for identical input: callers pass records sorted by slug.
func Render(records []*model.Record) string {
	var b strings.Builder
	b.WriteString(header)
	for _, r := range records {
		fmt.Fprintf(&b, "\n# Model: %s (OpenAI-compatible API)\n\n", r.Abbr)
		locationBlock(&b,
			fmt.Sprintf("= /api/v1/%s/chat/completions", r.Abbr),
			fmt.Sprintf("http://orchestrator/api/v1/%s/chat/completions", r.Abbr))
		b.WriteString("\n")
		locationBlock(&b,
			fmt.Sprintf("/api/v1/%s/", r.Abbr),
			fmt.Sprintf("http://%s:%d/v1/", model.ContainerName(r.Abbr), model.EnginePort))
	}
	return b.String()
}

// Generator regenerates the routing include from store state.
type Generator struct {
	fs      afero.Fs
	store   *store.Store
	runtime docker.Runtime
	config  *Config
	logger  logging.Interface
	metrics *metrics.Metrics
}

// NewGenerator builds a router generator.
func NewGenerator(fs afero.Fs, st *store.Store, runtime docker.Runtime, m *metrics.Metrics, config *Config) *Generator {
	return &Generator{
		fs:      fs,
		store:   st,
		runtime: runtime,
		config:  config,
		logger:  config.Logger,
		metrics: m,
	}
}

// Regenerate renders routes for every running model, writes the include file
// atomically, and signals the proxy to reload. A failed reload after a
// durable write returns an error wrapping ErrReload; the write is not
// retried here.
func (g *Generator) Regenerate(ctx context.Context) error {
	running, err := g.store.ListModelsByStatus(ctx, model.StatusRunning)
	if err != nil {
		g.metrics.RouterRegenerations.WithLabelValues("error").Inc()
		return err
	}

	content := Render(running)
	if err := g.writeAtomic(content); err != nil {
		g.metrics.RouterRegenerations.WithLabelValues("error").Inc()
		return errors.Wrap(err, "writing routing configuration")
	}
	g.logger.WithField("routes", len(running)).WithField("path", g.config.ConfigPath).Info("Updated model routing configuration")

	if _, err := g.runtime.Exec(ctx, g.config.GatewayContainer, []string{"nginx", "-s", "reload"}); err != nil {
		g.metrics.RouterRegenerations.WithLabelValues("reload_error").Inc()
		return errors.Wrapf(ErrReload, "signalling %s: %v", g.config.GatewayContainer, err)
	}

	g.metrics.RouterRegenerations.WithLabelValues("ok").Inc()
	return nil
}

func (g *Generator) writeAtomic(content string) error {
	dir := filepath.Dir(g.config.ConfigPath)
	if err := g.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(g.fs, dir, ".model_routes-*.conf")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = g.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = g.fs.Remove(tmpName)
		return err
	}
	if err := g.fs.Rename(tmpName, g.config.ConfigPath); err != nil {
		_ = g.fs.Remove(tmpName)
		return err
	}
	return nil
}
