// Package server exposes the orchestrator HTTP API: operator endpoints for
// deploying and managing models, and the authenticated inference surface the
// gateway proxies model traffic through.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mind-ai/mind/internal/orchestrator/auth"
	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/gpu"
	"github.com/mind-ai/mind/internal/orchestrator/hfcache"
	"github.com/mind-ai/mind/internal/orchestrator/mediator"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/internal/orchestrator/store"
	"github.com/mind-ai/mind/pkg/logging"
	"github.com/mind-ai/mind/pkg/logging/ginlog"
)

const (
	defaultLogLines = 100
	keyPrefixLen    = 8
)

// modelEngine is the slice of the deployment engine the handlers need.
type modelEngine interface {
	Deploy(ctx context.Context, spec model.Spec) (*model.Record, error)
	Start(ctx context.Context, abbr string) (*model.Record, error)
	Stop(ctx context.Context, abbr string) (*model.Record, error)
	Delete(ctx context.Context, abbr string) error
	Get(ctx context.Context, abbr string) (*model.Record, error)
	GetAll(ctx context.Context) ([]*model.Record, error)
	Logs(ctx context.Context, abbr string, tail int) (string, error)
}

type gpuSampler interface {
	Sample() []gpu.GPU
	Processes() map[int][]gpu.Process
	Degraded() bool
}

type runtimePinger interface {
	Ping(ctx context.Context) error
}

type cacheScanner interface {
	Scan() []hfcache.CachedModel
}

type catalogSource interface {
	Entries() []catalog.Entry
}

// Server wires the HTTP surface over the orchestrator components.
type Server struct {
	engine   modelEngine
	mediator *mediator.Mediator
	auth     *auth.Authenticator
	store    *store.Store
	runtime  runtimePinger
	gpus     gpuSampler
	cache    cacheScanner
	catalog  catalogSource
	config   *Config
	logger   logging.Interface

	http *http.Server
}

// New assembles the server and its routes.
func New(
	eng modelEngine,
	med *mediator.Mediator,
	authn *auth.Authenticator,
	st *store.Store,
	runtime runtimePinger,
	gpus gpuSampler,
	cache cacheScanner,
	cat catalogSource,
	config *Config,
	zapLogger *zap.Logger,
) *Server {
	s := &Server{
		engine:   eng,
		mediator: med,
		auth:     authn,
		store:    st,
		runtime:  runtime,
		gpus:     gpus,
		cache:    cache,
		catalog:  cat,
		config:   config,
		logger:   config.Logger,
	}
	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.http = &http.Server{
		Addr:    config.Addr(),
		Handler: s.routes(zapLogger),
	}
	return s
}

func (s *Server) routes(zapLogger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginlog.RequestLogger(zapLogger))

	corsConfig := cors.DefaultConfig()
	if len(s.config.CORSOrigins) == 1 && s.config.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.config.CORSOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-API-Key")
	r.Use(cors.New(corsConfig))

	op := r.Group("/orchestrator")
	{
		op.GET("/metrics", gin.WrapH(promhttp.Handler()))
		op.GET("/health", s.handleHealth)
		op.GET("/gpu-stats", s.handleGPUStats)
		op.GET("/models", s.handleListModels)
		op.GET("/models/:abbr", s.handleGetModel)
		op.POST("/auth/login", s.handleLogin)

		protected := op.Group("", s.auth.RequireSession())
		{
			protected.GET("/auth/verify", s.handleVerify)
			protected.POST("/models/deploy", s.handleDeploy)
			protected.POST("/models/:abbr/start", s.handleStart)
			protected.POST("/models/:abbr/stop", s.handleStop)
			protected.DELETE("/models/:abbr", s.handleDelete)
			protected.GET("/models/:abbr/logs", s.handleLogs)
			protected.GET("/cached-models", s.handleCachedModels)
			protected.GET("/available-models", s.handleAvailableModels)
			protected.POST("/api-keys", s.handleMintKey)
			protected.GET("/api-keys", s.handleListKeys)
			protected.DELETE("/api-keys/:prefix", s.handleDeleteKey)
		}
	}

	// Only the catch-all is registered so gin never conflicts the chat
	// route with the passthrough; dispatch happens on the path itself.
	inference := r.Group("/api/v1", s.auth.RequireKey())
	inference.Any("/:abbr/*path", s.handleInference)

	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("Orchestrator API listening")
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	redisStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		redisStatus = "unreachable"
	}
	dockerStatus := "ok"
	if err := s.runtime.Ping(ctx); err != nil {
		dockerStatus = "unreachable"
	}

	status := http.StatusOK
	overall := "ok"
	if redisStatus != "ok" || dockerStatus != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       overall,
		"redis":        redisStatus,
		"docker":       dockerStatus,
		"gpu_degraded": s.gpus.Degraded(),
	})
}

func (s *Server) handleGPUStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gpus":      s.gpus.Sample(),
		"processes": s.gpus.Processes(),
		"degraded":  s.gpus.Degraded(),
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	records, err := s.engine.GetAll(c.Request.Context())
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []*model.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleGetModel(c *gin.Context) {
	record, err := s.engine.Get(c.Request.Context(), c.Param("abbr"))
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// bindingError converts gin's validator output into a field-level error.
func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := strings.ToLower(verrs[0].Field())
		return errdefs.Validation(field, field+" failed validation ("+verrs[0].Tag()+")")
	}
	return errdefs.Validation("body", "request body is not a valid deployment spec")
}

func (s *Server) handleDeploy(c *gin.Context) {
	var spec model.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		errdefs.AbortWithError(c, bindingError(err))
		return
	}
	record, err := s.engine.Deploy(c.Request.Context(), spec)
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	// Deployment continues in the background; the record reports progress.
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleStart(c *gin.Context) {
	record, err := s.engine.Start(c.Request.Context(), c.Param("abbr"))
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleStop(c *gin.Context) {
	record, err := s.engine.Stop(c.Request.Context(), c.Param("abbr"))
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.engine.Delete(c.Request.Context(), c.Param("abbr")); err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleLogs(c *gin.Context) {
	lines := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errdefs.AbortWithError(c, errdefs.Validation("lines", "lines must be a positive integer"))
			return
		}
		lines = n
	}
	logs, err := s.engine.Logs(c.Request.Context(), c.Param("abbr"), lines)
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"abbr": c.Param("abbr"), "logs": logs})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errdefs.AbortWithError(c, errdefs.Validation("body", "username and password are required"))
		return
	}
	token, expiresAt, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.Unix(),
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"username": c.GetString(auth.UsernameKey)})
}

func (s *Server) handleCachedModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cached_models": s.cache.Scan()})
}

func (s *Server) handleAvailableModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available_models": s.catalog.Entries()})
}

func (s *Server) handleMintKey(c *gin.Context) {
	// Accepted as a JSON body or as ?name=&description= query parameters.
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = c.Query("name")
	}
	if req.Description == "" {
		req.Description = c.Query("description")
	}
	if req.Name == "" {
		errdefs.AbortWithError(c, errdefs.Validation("name", "name is required"))
		return
	}
	key, rec, err := s.auth.MintKey(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	// The plaintext key is returned exactly once and never stored.
	c.JSON(http.StatusCreated, gin.H{
		"api_key":    key,
		"prefix":     rec.Prefix,
		"name":       rec.Name,
		"created_at": rec.CreatedAt,
	})
}

func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := s.store.ListAPIKeys(c.Request.Context())
	if err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	if keys == nil {
		keys = []*store.APIKeyRecord{}
	}
	c.JSON(http.StatusOK, keys)
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	// Accepts either the display prefix or a full key the caller still holds.
	prefix := c.Param("prefix")
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}
	if err := s.store.DeleteAPIKeyByPrefix(c.Request.Context(), prefix); err != nil {
		errdefs.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleInference(c *gin.Context) {
	abbr := c.Param("abbr")
	path := c.Param("path")
	if c.Request.Method == http.MethodPost && path == "/chat/completions" {
		s.mediator.ChatCompletions(c, abbr)
		return
	}
	s.mediator.Proxy(c, abbr, path)
}
