// Package mediator fronts the inference engines' chat endpoint and keeps
// every request inside its model's context window. Oversized conversations
// are truncated rather than bounced, so long-running chats keep working
// against small-window models.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/metrics"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
)

// TruncatedHeader marks responses whose conversation was cut to fit.
const TruncatedHeader = "X-MIND-Context-Truncated"

const maxRequestBody = 10 << 20

// hop-by-hop headers never forwarded on either leg of the proxy.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Mediator forwards chat requests to the model containers.
type Mediator struct {
	store   *store.Store
	metrics *metrics.Metrics
	config  *Config
	logger  logging.Interface
	client  *http.Client

	// endpoint resolves a container name to the engine base URL; tests
	// point it at a local server.
	endpoint func(name string) string
}

// New builds a mediator.
func New(st *store.Store, m *metrics.Metrics, config *Config) *Mediator {
	return &Mediator{
		store:   st,
		metrics: m,
		config:  config,
		logger:  config.Logger,
		// No client timeout: streams are bounded by the idle watchdog
		// and client disconnect instead.
		client: &http.Client{},
		endpoint: func(name string) string {
			return fmt.Sprintf("http://%s:%d", name, model.EnginePort)
		},
	}
}

// lookupRunning resolves the slug to a running model record.
func (m *Mediator) lookupRunning(ctx context.Context, abbr string) (*model.Record, error) {
	record, err := m.store.GetModel(ctx, abbr)
	if err != nil {
		return nil, err
	}
	if record.Status != model.StatusRunning {
		return nil, errdefs.Newf(errdefs.KindResourceExhausted, "model %s is not running (status: %s)", abbr, record.Status)
	}
	return record, nil
}

// ChatCompletions handles POST /api/v1/{abbr}/chat/completions.
func (m *Mediator) ChatCompletions(c *gin.Context, abbr string) {
	record, err := m.lookupRunning(c.Request.Context(), abbr)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
		errdefs.AbortWithError(c, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
		errdefs.AbortWithError(c, errdefs.Validation("body", "failed to read request body"))
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
		errdefs.AbortWithError(c, errdefs.Validation("body", "request body must be a JSON object"))
		return
	}

	var messages []Message
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &messages); err != nil {
			m.metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
			errdefs.AbortWithError(c, err)
			return
		}
	}
	var requestedMax int
	if raw, ok := fields["max_tokens"]; ok {
		if err := json.Unmarshal(raw, &requestedMax); err != nil {
			m.metrics.ChatRequestsTotal.WithLabelValues("rejected").Inc()
			errdefs.AbortWithError(c, errdefs.Validation("max_tokens", "max_tokens must be an integer"))
			return
		}
	}
	var stream bool
	if raw, ok := fields["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}

	window := record.MaxModelLen
	if window <= 0 {
		// Adopted containers may predate the max_model_len field.
		window = 4096
	}

	plan, err := Fit(messages, window, requestedMax, m.config.DefaultMaxTokens)
	if err != nil {
		outcome := "rejected"
		if errdefs.KindOf(err) == errdefs.KindContextOverflow {
			outcome = "overflow"
		}
		m.metrics.ChatRequestsTotal.WithLabelValues(outcome).Inc()
		errdefs.AbortWithError(c, err)
		return
	}
	if plan.Truncated {
		m.metrics.ContextTruncations.Inc()
		c.Header(TruncatedHeader, "true")
		m.logger.WithField("abbr", abbr).
			WithField("kept_messages", len(plan.Messages)).
			WithField("max_tokens", plan.MaxTokens).
			Info("Truncated chat context to fit model window")
	}

	messagesJSON, err := json.Marshal(plan.Messages)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindInternal, err, "encoding messages"))
		return
	}
	fields["messages"] = messagesJSON
	fields["max_tokens"] = json.RawMessage(strconv.Itoa(plan.MaxTokens))

	upstreamBody, err := json.Marshal(fields)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindInternal, err, "encoding request"))
		return
	}

	url := m.endpoint(record.ContainerName) + "/v1/chat/completions"
	if stream {
		m.streamUpstream(c, url, upstreamBody, plan.Truncated)
		return
	}
	m.forwardUpstream(c, url, upstreamBody, plan.Truncated)
}

func (m *Mediator) forwardUpstream(c *gin.Context, url string, body []byte, truncated bool) {
	start := time.Now()
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindInternal, err, "building upstream request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindUpstream, err, "inference engine unreachable"))
		return
	}
	defer resp.Body.Close()
	m.metrics.ChatUpstreamDuration.Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindUpstream, err, "reading engine response"))
		return
	}

	// Diagnostic marker for clients that cannot see response headers.
	if truncated && resp.StatusCode == http.StatusOK {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(respBody, &envelope); err == nil {
			envelope["context_truncated"] = json.RawMessage("true")
			if patched, err := json.Marshal(envelope); err == nil {
				respBody = patched
			}
		}
	}

	if resp.StatusCode == http.StatusOK {
		m.metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
	} else {
		m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
}

// streamUpstream copies the engine's SSE stream to the client verbatim. The
// upstream request is cancelled when the client goes away or the stream
// idles past the watchdog.
func (m *Mediator) streamUpstream(c *gin.Context, url string, body []byte, truncated bool) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindInternal, err, "building upstream request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindUpstream, err, "inference engine unreachable"))
		return
	}
	defer resp.Body.Close()
	m.metrics.ChatUpstreamDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	if truncated {
		c.Header(TruncatedHeader, "true")
	}
	c.Status(http.StatusOK)

	watchdog := time.AfterFunc(m.config.StreamIdleTimeout, cancel)
	defer watchdog.Stop()

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(m.config.StreamIdleTimeout)
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				cancel()
				m.metrics.ChatRequestsTotal.WithLabelValues("client_gone").Inc()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				m.metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
			} else {
				m.metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
			}
			return
		}
	}
}

// Proxy forwards any other engine endpoint (completions, embeddings, model
// listing) straight through to the container, rewriting to the engine's /v1
// prefix.
func (m *Mediator) Proxy(c *gin.Context, abbr, path string) {
	record, err := m.lookupRunning(c.Request.Context(), abbr)
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}

	url := m.endpoint(record.ContainerName) + "/v1" + path
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindInternal, err, "building upstream request"))
		return
	}
	req.Header = c.Request.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		errdefs.AbortWithError(c, errdefs.Wrap(errdefs.KindUpstream, err, "inference engine unreachable"))
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		skip := false
		for _, h := range hopByHopHeaders {
			if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(key) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		m.logger.WithError(err).Debug("Proxy copy interrupted")
	}
}
