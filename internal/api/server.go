// Package api exposes the orchestrator over HTTP and websocket.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/runwarden/runwarden/internal/log"
	"github.com/runwarden/runwarden/internal/model"
	"github.com/runwarden/runwarden/internal/notify"
	"github.com/runwarden/runwarden/internal/orchestrator"
)

// multipart framing on top of the file itself
const uploadOverhead = 1 << 20

// Orchestrator is what the HTTP surface drives.
type Orchestrator interface {
	Submit(ctx context.Context, req model.ExecutionRequest) (*orchestrator.Task, error)
	SubmitBatch(ctx context.Context, reqs []model.ExecutionRequest, parallel bool, maxConcurrency int) (*orchestrator.BatchTask, error)
	Cancel(ctx context.Context, scriptID string) bool
	Running() []model.RunningTest
	Result(ctx context.Context, executionID string) (model.StoredExecutionResult, error)
	History(ctx context.Context, scriptID string, limit int) ([]model.StoredExecutionResult, error)
	DeleteResult(ctx context.Context, executionID string) (bool, error)
	DeleteResultsByFileName(ctx context.Context, fileName string) (int, error)
	Stats(ctx context.Context) (model.Stats, error)
	Report(ctx context.Context, executionID string) ([]byte, error)
	Artifact(ctx context.Context, executionID string, kind model.ArtifactKind, fileName string) (io.ReadCloser, error)
}

type Config struct {
	UploadsDir        string
	MaxUploadBytes    int
	AllowedExtensions []string
	// AllowOrigins is passed to the CORS middleware; empty allows all.
	AllowOrigins string
}

type Server struct {
	app     *fiber.App
	orch    Orchestrator
	hub     *notify.Hub
	cfg     Config
	uploads *os.Root
	started time.Time
	base    context.Context
}

// New builds the fiber application. ctx is the parent of websocket sessions.
func New(ctx context.Context, cfg Config, orch Orchestrator, hub *notify.Hub) (*Server, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 << 20
	}
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return nil, err
	}
	uploads, err := os.OpenRoot(cfg.UploadsDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		orch:    orch,
		hub:     hub,
		cfg:     cfg,
		uploads: uploads,
		started: time.Now(),
		base:    ctx,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "runwarden",
		BodyLimit:             cfg.MaxUploadBytes + uploadOverhead,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
		UnescapePath:          true,
	})
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// App exposes the fiber application, for tests and for Listen.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	slog.InfoContext(s.base, "listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and disconnects observers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	err := s.app.ShutdownWithContext(ctx)
	return errors.Join(err, s.uploads.Close())
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.app.Use(requestid.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.AllowOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
	}))
	s.app.Use(requestLogger)
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.health)

	s.app.Post("/execute", s.execute)
	s.app.Delete("/execute/:scriptId", s.cancel)
	s.app.Post("/batch-execute", s.batchExecute)
	s.app.Get("/running-tests", s.runningTests)
	s.app.Post("/upload", s.upload)

	results := s.app.Group("/results")
	results.Get("/stats", s.stats)
	results.Get("/history", s.history)
	results.Delete("/by-filename/:fileName", s.deleteByFileName)
	results.Get("/:executionId", s.result)
	results.Delete("/:executionId", s.deleteResult)
	results.Get("/:executionId/report", s.report)
	results.Get("/:executionId/screenshot/:fileName", s.artifact(model.ArtifactScreenshot))
	results.Get("/:executionId/trace/:fileName", s.artifact(model.ArtifactTrace))

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		s.hub.Serve(s.base, conn)
	}))
}

// requestLogger logs every request through slog, with the request id.
func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	ctx := log.ContextAttrs(c.UserContext(), slog.String("requestId", c.GetRespHeader(fiber.HeaderXRequestID)))
	c.SetUserContext(ctx)
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = statusOf(err)
		}
	}
	slog.DebugContext(ctx, "http request",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Int("status", status),
		slog.Duration("latency", time.Since(start)))
	return err
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrPathNotAllowed),
		errors.Is(err, model.ErrUploadRejected):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrScriptNotFound),
		errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	msg := err.Error()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(c.UserContext(), "request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorResponse{Error: msg})
}
