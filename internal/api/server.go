package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenvault/tokenvault/internal/config"
	"github.com/tokenvault/tokenvault/internal/custody"
	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/mailer"
	"github.com/tokenvault/tokenvault/internal/metrics"
	"github.com/tokenvault/tokenvault/internal/middleware"
	"github.com/tokenvault/tokenvault/internal/models"
	"github.com/tokenvault/tokenvault/internal/ratelimit"
)

// Endpoint names used for rate-limit keys and metrics.
const (
	EndpointManageTokens = "manage-tokens"
	EndpointSendMail     = "send-mail"
)

// Custodian stores and deletes credentials on behalf of devices.
type Custodian interface {
	Store(ctx context.Context, req custody.StoreRequest) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Sender sends mail as the account behind a tokenRef.
type Sender interface {
	Send(ctx context.Context, ref string, msg mailer.Message) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators of the HTTP server. Mailer and Health
// are optional: without a Mailer /send-mail is not registered, without
// Health /health only reports the process as up.
type Dependencies struct {
	Custody    Custodian
	Mailer     Sender
	Limiter    *ratelimit.Limiter
	Health     Pinger
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
	Auditor    logging.Auditor
	Components []Shutdownable
}

// settings is the reloadable part of the API configuration.
type settings struct {
	apiKeys      []string
	manageTokens ratelimit.Rule
	sendMail     ratelimit.Rule
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	bodyLimit  int64
	custody    Custodian
	mailer     Sender
	limiter    *ratelimit.Limiter
	health     Pinger
	metrics    *metrics.Metrics
	logger     *logging.Logger
	auditor    logging.Auditor
	components []Shutdownable
	settings   atomic.Pointer[settings]
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api: config is required")
	}
	if deps.Custody == nil {
		return nil, errors.New("api: custody service is required")
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		router:     gin.New(),
		config:     cfg.Server,
		bodyLimit:  cfg.API.BodyLimit,
		custody:    deps.Custody,
		mailer:     deps.Mailer,
		limiter:    deps.Limiter,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		auditor:    deps.Auditor,
		components: deps.Components,
	}
	if server.logger == nil {
		server.logger = logging.Discard()
	}
	if server.auditor == nil {
		server.auditor = logging.NopAuditor{}
	}
	if server.limiter == nil {
		server.limiter = ratelimit.New(
			ratelimit.WithSweepInterval(cfg.API.RateLimit.SweepInterval),
			ratelimit.WithMetrics(deps.Metrics),
		)
	}
	if server.bodyLimit <= 0 {
		server.bodyLimit = 64 << 10
	}
	server.ApplyConfig(cfg.API)

	server.router.HandleMethodNotAllowed = true
	if err := server.router.SetTrustedProxies(cfg.API.TrustedProxies); err != nil {
		return nil, fmt.Errorf("api: trusted_proxies: %w", err)
	}

	server.router.Use(gin.Recovery())
	server.router.Use(loggingMiddleware(server.logger))
	if server.metrics != nil {
		server.router.Use(metrics.Middleware(server.metrics, server.logger, "/metrics"))
	}
	server.router.Use(bodyLimitMiddleware(server.bodyLimit))

	server.setupRoutes()
	return server, nil
}

// ApplyConfig swaps in reloaded API keys and rate limits. Requests already
// past the middleware keep the values they saw.
func (s *Server) ApplyConfig(apiCfg config.APIConfig) {
	next := &settings{
		apiKeys: append([]string(nil), apiCfg.Auth.APIKeys...),
		manageTokens: ratelimit.Rule{
			Max:    apiCfg.RateLimit.ManageTokens.Requests,
			Window: apiCfg.RateLimit.ManageTokens.Window,
		},
		sendMail: ratelimit.Rule{
			Max:    apiCfg.RateLimit.SendMail.Requests,
			Window: apiCfg.RateLimit.SendMail.Window,
		},
	}
	if prev := s.settings.Swap(next); prev != nil {
		s.logger.Info("api settings reloaded",
			"api_keys", MaskAPIKeys(next.apiKeys),
			"manage_tokens_limit", next.manageTokens.Max,
			"send_mail_limit", next.sendMail.Max,
		)
		s.auditor.Record(context.Background(), logging.NewAuditEvent(logging.ConfigChange, "reload", logging.StatusSuccess).
			WithDetails(map[string]interface{}{"api_keys": len(next.apiKeys)}))
	}
}

func (s *Server) current() *settings {
	return s.settings.Load()
}

// loggingMiddleware attaches a correlation ID and the client address to the
// request context and logs each completed request.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := logging.AcceptCorrelationID(c.GetHeader(logging.CorrelationIDHeader))
		c.Header(logging.CorrelationIDHeader, correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithClientIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// bodyLimitMiddleware caps request bodies. Declared oversize bodies are
// rejected up front; undeclared ones fail when the handler reads past limit.
func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Error:   "payload_too_large",
				Message: fmt.Sprintf("request body exceeds %d bytes", limit),
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	auth := APIKeyAuth(func() []string { return s.current().apiKeys }, s.logger, s.auditor)
	access := middleware.AuditAccess(s.auditor)

	// Limits run before auth so key guessing is throttled too.
	s.router.POST("/manage-tokens",
		access,
		ratelimit.Middleware(s.limiter, EndpointManageTokens, func() ratelimit.Rule { return s.current().manageTokens }, s.onRateLimited),
		auth,
		s.handleManageTokens,
	)

	if s.mailer != nil {
		s.router.POST("/send-mail",
			access,
			ratelimit.Middleware(s.limiter, EndpointSendMail, func() ratelimit.Rule { return s.current().sendMail }, s.onRateLimited),
			auth,
			s.handleSendMail,
		)
	}
}

func (s *Server) onRateLimited(c *gin.Context, d ratelimit.Decision) {
	s.auditor.Record(c.Request.Context(), logging.NewAuditEvent(logging.RateLimited, c.FullPath(), logging.StatusFailure).
		WithSeverity(logging.SeverityWarning).
		WithIPAddress(c.ClientIP()).
		WithDetails(map[string]interface{}{"retry_after_ms": d.RetryAfterMs()}))
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.WarnWithContext(ctx, "health check failed", "error", err.Error())
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["storage"] = "unreachable"
		} else {
			body["storage"] = "ok"
		}
	}
	c.JSON(status, body)
}

// handleManageTokens stores or deletes a credential depending on action.
func (s *Server) handleManageTokens(c *gin.Context) {
	var req models.ManageTokensRequest
	if err := bindJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch strings.TrimSpace(req.Action) {
	case models.ActionStore:
		ref, err := s.custody.Store(ctx, custody.StoreRequest{
			Provider:     req.Provider,
			Email:        req.Email,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		middleware.SetAuditResource(c, logging.Fingerprint(ref))
		c.JSON(http.StatusOK, models.ManageTokensResponse{TokenRef: ref})

	case models.ActionDelete:
		middleware.SetAuditResource(c, logging.Fingerprint(req.TokenRef))
		if err := s.custody.Delete(ctx, req.TokenRef); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.ManageTokensResponse{Success: true})

	default:
		s.writeError(c, &tverrors.ValidationError{Field: "action", Reason: "must be store or delete"})
	}
}

// handleSendMail sends a message as the account behind tokenRef.
func (s *Server) handleSendMail(c *gin.Context) {
	var req models.SendMailRequest
	if err := bindJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}

	err := s.mailer.Send(c.Request.Context(), req.TokenRef, mailer.Message{
		To:      req.To,
		Cc:      req.Cc,
		Subject: req.Subject,
		Body:    req.Body,
		HTML:    req.HTML,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ManageTokensResponse{Success: true})
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &tverrors.ErrServerStart{Addr: addr, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. TLS is used when enabled in the
// server config.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	addr := ln.Addr().String()

	var (
		srv *http.Server
		err error
	)
	if s.config.TLS.Enabled {
		srv, err = NewHTTPSServer(addr, s.config.TLS, s.router)
		if err != nil {
			ln.Close()
			return &tverrors.ErrServerStart{Addr: addr, Err: err}
		}
		s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", s.config.TLS.CertFile, "min_version", s.config.TLS.MinVersion)
	} else {
		srv = NewHTTPServer(addr, s.router)
		s.logger.Info("starting HTTP server", "addr", addr)
	}

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &tverrors.ErrServerStart{Addr: addr, Err: err}
	case <-ctx.Done():
	}

	s.logger.Info("initiating graceful shutdown")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := ShutdownWithComponents(srv, timeout, s.components); err != nil {
		s.logger.Error("shutdown error", "error", err.Error())
		return &tverrors.ErrServerShutdown{Err: err}
	}
	<-errCh
	s.logger.Info("graceful shutdown completed")
	return nil
}
