/**
 * HTTP API for the Prescription Worker
 *
 * Synchronous extraction, job submission and status, report downloads, and
 * the discount-code and visit collaborators.
 */

package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/discount"
	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

// Extractor runs the pipeline synchronously
type Extractor interface {
	Process(ctx context.Context, data []byte, params enhance.Parameters) *processor.Outcome
}

// Enqueuer submits jobs to the worker queue
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// JobStore reads job state and stored reports
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (*storage.Job, error)
	GetReportByJobID(ctx context.Context, jobID string) (*storage.Report, error)
}

// Discounts issues and redeems discount codes
type Discounts interface {
	Generate(ctx context.Context, accountID int64) (*storage.DiscountCode, error)
	Validate(ctx context.Context, code string) (discount.Validation, error)
}

// VisitRecorder stores representative visits
type VisitRecorder interface {
	RecordVisit(ctx context.Context, v *storage.Visit) (int64, error)
}

// Dependencies wires the server. Nil collaborators disable their routes.
type Dependencies struct {
	Extractor     Extractor
	Queue         Enqueuer
	Jobs          JobStore
	Discounts     Discounts
	Visits        VisitRecorder
	DefaultParams enhance.Parameters
	MaxFileSize   int64
	// ProcessingTimeout bounds a synchronous extraction; zero disables it
	ProcessingTimeout time.Duration
	Health            func(ctx context.Context) error
	// Checks are optional collaborators; a failure degrades /health without failing it
	Checks map[string]func(ctx context.Context) error
	Stats  func(ctx context.Context) (map[string]interface{}, error)
}

// Server is the fiber application plus its dependencies
type Server struct {
	app    *fiber.App
	deps   Dependencies
	logger *logging.Logger
}

// NewServer builds the fiber app and registers routes
func NewServer(deps Dependencies) *Server {
	if deps.DefaultParams == (enhance.Parameters{}) {
		deps.DefaultParams = enhance.DefaultParameters()
	}

	bodyLimit := 10 * 1024 * 1024
	if deps.MaxFileSize > 0 {
		// room for multipart framing and form fields
		bodyLimit = int(deps.MaxFileSize) + 64*1024
	}

	s := &Server{
		deps:   deps,
		logger: logging.NewLogger("api"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Prescription Worker API",
		DisableStartupMessage: true,
		ErrorHandler:          s.globalErrorHandler,
		BodyLimit:             bodyLimit,
		IdleTimeout:           120 * time.Second,
	})

	s.app.Use(recover.New())
	s.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: func() string { return uuid.New().String() },
	}))
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${reqHeader:X-Request-ID}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	api := s.app.Group("/api")

	if s.deps.Extractor != nil {
		api.Post("/prescriptions/extract", s.handleExtract)
	}

	if s.deps.Stats != nil {
		api.Get("/stats", s.handleStats)
	}

	if s.deps.Queue != nil {
		api.Post("/prescriptions/jobs", s.handleSubmitJob)
		api.Get("/queue/stats", s.handleQueueStats)
	}

	if s.deps.Jobs != nil {
		api.Get("/prescriptions/jobs/:id", s.handleGetJob)
		api.Get("/prescriptions/jobs/:id/download", s.handleDownloadReport)
	}

	if s.deps.Discounts != nil {
		api.Post("/discount-codes", s.handleCreateDiscountCode)
		api.Post("/discount-codes/validate", s.handleValidateDiscountCode)
	}

	if s.deps.Visits != nil {
		api.Post("/visits", s.handleRecordVisit)
	}

	s.app.Use(notFoundHandler)
}

// App exposes the fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving HTTP on addr
func (s *Server) Listen(addr string) error {
	s.logger.Info("HTTP API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":      "Route not found",
		"code":       "NOT_FOUND",
		"path":       c.Path(),
		"method":     c.Method(),
		"request_id": c.Get("X-Request-ID"),
	})
}

// globalErrorHandler converts handler errors to JSON responses
func (s *Server) globalErrorHandler(c *fiber.Ctx, err error) error {
	requestID, _ := c.Locals("requestid").(string)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		if fe.Code >= fiber.StatusInternalServerError {
			s.logger.Error("Request error", "path", c.Path(), "method", c.Method(), "requestId", requestID, "error", err)
		}
		return c.Status(fe.Code).JSON(fiber.Map{
			"success":    false,
			"error":      fe.Message,
			"status":     fe.Code,
			"request_id": requestID,
		})
	}

	s.logger.Error("Request error", "path", c.Path(), "method", c.Method(), "requestId", requestID, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success":    false,
		"error":      "Internal Server Error",
		"code":       "INTERNAL_ERROR",
		"request_id": requestID,
	})
}
