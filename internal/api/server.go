// Package api serves the anonymizer over HTTP.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/config"
	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/service"
	"github.com/openredact/clinical/internal/storage/redis"
	"github.com/openredact/clinical/pkg/errors"
	"github.com/openredact/clinical/pkg/logger"
)

// JobQueue accepts asynchronous anonymization jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
	StoreJobResult(ctx context.Context, result *models.JobResult, ttl time.Duration) error
	GetJobResult(ctx context.Context, jobID string) (*models.JobResult, error)
}

// StatsSource aggregates stored audit events.
type StatsSource interface {
	GetStats(ctx context.Context, since time.Time) (*models.AuditStats, error)
}

// AuditFeed streams live audit events.
type AuditFeed interface {
	SubscribeAudit(ctx context.Context) (*redis.Subscription, error)
}

// RateLimiter counts requests per key and window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Deps are the collaborators of a Server. Only Service is required; the
// routes of a missing collaborator answer 503.
type Deps struct {
	Service *service.Service
	Jobs    JobQueue
	Stats   StatsSource
	Audit   AuditFeed
	Limiter RateLimiter
	// JobTTL bounds how long job results stay readable.
	JobTTL time.Duration
	Logger *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	app    *fiber.App
	config config.ServerConfig
	deps   Deps
	logger *zap.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	log := logger.OrNop(deps.Logger)
	if deps.JobTTL <= 0 {
		deps.JobTTL = 24 * time.Hour
	}

	s := &Server{config: cfg, deps: deps, logger: log}

	s.app = fiber.New(fiber.Config{
		ServerHeader:          "clinical-anonymizer",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})

	// Middleware
	s.app.Use(recover.New())
	origins := cfg.CORSOrigins
	if origins == "" {
		origins = "*"
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	if cfg.RateLimit > 0 && deps.Limiter != nil {
		s.app.Use(s.rateLimit)
	}

	s.setupRoutes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupRoutes() {
	s.app.Get("/", s.handleRoot)
	s.app.Get("/health", s.handleHealth)

	api := s.app.Group("/api")

	s.registerList(api.Group("/whitelist"), s.deps.Service.Whitelist())
	s.registerList(api.Group("/blacklist"), s.deps.Service.Blacklist())

	api.Get("/templates", s.handleListTemplates)
	api.Post("/templates/import", s.handleImportTemplates)
	api.Get("/templates/:id", s.handleGetTemplate)
	api.Post("/templates/:id", s.handleSaveTemplate)
	api.Delete("/templates/:id", s.handleDeleteTemplate)

	api.Post("/find-piis", s.handleFindPIIs)
	api.Post("/anonymize", s.handleAnonymize)
	api.Post("/anonymize/batch", s.handleAnonymizeBatch)

	api.Post("/jobs", s.handleSubmitJob)
	api.Get("/jobs/:id", s.handleGetJob)

	api.Get("/stats", s.handleStats)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/audit", s.handleAuditUpgrade, websocket.New(s.handleAuditStream))
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service":     "clinical-anonymizer",
		"status":      "running",
		"ner_sources": s.deps.Service.NERSources(),
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status, code := "healthy", fiber.StatusOK
	if !s.deps.Service.Healthy() {
		status, code = "unhealthy", fiber.StatusServiceUnavailable
	}
	m := s.deps.Service.PoolMetrics()
	return c.Status(code).JSON(fiber.Map{
		"status":      status,
		"ner_sources": s.deps.Service.NERSources(),
		"pool": fiber.Map{
			"processed":        m.Processed,
			"errors":           m.Errors,
			"dropped":          m.Dropped,
			"avg_process_time": m.AvgProcessTime.String(),
		},
		"time": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) rateLimit(c *fiber.Ctx) error {
	allowed, err := s.deps.Limiter.CheckRateLimit(c.UserContext(), "ratelimit:"+c.IP(), s.config.RateLimit, s.config.RateWindow)
	if err != nil {
		s.logger.Warn("Rate limit check failed", zap.Error(err))
		return c.Next()
	}
	if !allowed {
		return errors.RateLimited()
	}
	return c.Next()
}

// handleError renders every error as {"detail", "error_code"}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := errors.CodeInternal
	detail := "internal server error"

	if e, ok := errors.As(err); ok {
		code = e.Code
		status = e.Code.Status()
		detail = e.Detail()
	} else if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
		detail = fe.Message
		code = codeOfStatus(fe.Code)
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}

	return c.Status(status).JSON(fiber.Map{
		"detail":     detail,
		"error_code": code,
	})
}

func codeOfStatus(status int) errors.Code {
	switch {
	case status == fiber.StatusNotFound:
		return errors.CodeNotFound
	case status == fiber.StatusRequestEntityTooLarge:
		return errors.CodeLimitExceeded
	case status < fiber.StatusInternalServerError:
		return errors.CodeInvalidInput
	default:
		return errors.CodeInternal
	}
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
