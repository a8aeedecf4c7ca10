package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/adverant/nexus/prescription-worker/internal/clients"
	"github.com/adverant/nexus/prescription-worker/internal/discount"
	"github.com/adverant/nexus/prescription-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/prescription-worker/internal/errors"
	"github.com/adverant/nexus/prescription-worker/internal/processor"
	"github.com/adverant/nexus/prescription-worker/internal/queue"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	health := fiber.Map{
		"status":  "healthy",
		"service": "prescription-worker",
	}

	if s.deps.Health != nil {
		if err := s.deps.Health(c.UserContext()); err != nil {
			health["status"] = "degraded"
			health["error"] = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}
	}

	if len(s.deps.Checks) > 0 {
		checks := fiber.Map{}
		for name, check := range s.deps.Checks {
			if err := check(c.UserContext()); err != nil {
				checks[name] = err.Error()
				health["status"] = "degraded"
				continue
			}
			checks[name] = "ok"
		}
		health["checks"] = checks
	}

	return c.JSON(health)
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.deps.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// extractResponse is the JSON body of a synchronous extraction
type extractResponse struct {
	Success    bool                `json:"success"`
	Status     string              `json:"status"`
	Message    string              `json:"message,omitempty"`
	Text       string              `json:"text,omitempty"`
	ErrorCode  string              `json:"errorCode,omitempty"`
	Fallback   bool                `json:"fallback,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Sections   map[string][]string `json:"sections,omitempty"`
	DurationMs int64               `json:"durationMs"`
}

func (s *Server) handleExtract(c *fiber.Ctx) error {
	data, err := s.readUpload(c)
	if err != nil {
		return err
	}

	params, err := s.readParams(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	if s.deps.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.ProcessingTimeout)
		defer cancel()
	}

	outcome := s.deps.Extractor.Process(ctx, data, params)

	if outcome.Success() && c.QueryBool("download", false) {
		return sendReport(c, outcome.Text)
	}

	return c.Status(outcomeStatus(outcome)).JSON(extractResponse{
		Success:    outcome.Success(),
		Status:     outcome.Status,
		Message:    outcome.Message,
		Text:       outcome.Text,
		ErrorCode:  string(outcome.ErrorCode),
		Fallback:   outcome.Fallback,
		Confidence: outcome.Confidence,
		Sections:   outcome.Sections,
		DurationMs: outcome.Duration.Milliseconds(),
	})
}

// outcomeStatus maps an outcome to an HTTP status. "No text" is a valid
// answer, so it is a 200.
func outcomeStatus(o *processor.Outcome) int {
	if o.Status != processor.StatusFailed {
		return fiber.StatusOK
	}
	switch o.ErrorCode {
	case apperrors.ErrorInvalidParameters, apperrors.ErrorImageDecodeFailed:
		return fiber.StatusBadRequest
	case apperrors.ErrorImageProcessingFailed:
		return fiber.StatusUnprocessableEntity
	case apperrors.ErrorOCRFailed:
		return fiber.StatusServiceUnavailable
	case apperrors.ErrorProcessingTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleSubmitJob(c *fiber.Ctx) error {
	data, err := s.readUpload(c)
	if err != nil {
		return err
	}

	params, err := s.readParams(c)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	filename := "prescription"
	if fh, err := c.FormFile("file"); err == nil {
		filename = fh.Filename
	}

	payload := &queue.JobPayload{
		JobID:            uuid.New().String(),
		UserID:           c.FormValue("user_id"),
		Filename:         filename,
		ImageBuffer:      data,
		DenoiseStrength:  &params.DenoiseStrength,
		ContrastStrength: &params.ContrastStrength,
	}

	// Recorded before enqueueing: a worker may update the row as soon as the job is pushed.
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.UpdateJobStatus(c.UserContext(), &storage.JobUpdate{
			JobID:    payload.JobID,
			UserID:   payload.UserID,
			Filename: filename,
			Status:   processor.JobStatusQueued,
		}); err != nil {
			s.logger.Warn("Failed to record queued job", "jobId", payload.JobID, "error", err)
		}
	}

	jobID, err := s.deps.Queue.Enqueue(c.UserContext(), payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"jobId":   jobID,
		"status":  processor.JobStatusQueued,
	})
}

func (s *Server) handleQueueStats(c *fiber.Ctx) error {
	stats, err := s.deps.Queue.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	job, err := s.deps.Jobs.GetJobByID(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "job not found")
		}
		return err
	}
	return c.JSON(job)
}

func (s *Server) handleDownloadReport(c *fiber.Ctx) error {
	report, err := s.deps.Jobs.GetReportByJobID(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "report not found")
		}
		return err
	}
	return sendReport(c, report.Text)
}

func (s *Server) handleCreateDiscountCode(c *fiber.Ctx) error {
	var body struct {
		AccountID int64 `json:"accountId"`
	}
	if err := c.BodyParser(&body); err != nil || body.AccountID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "accountId is required")
	}

	dc, err := s.deps.Discounts.Generate(c.UserContext(), body.AccountID)
	switch {
	case errors.Is(err, discount.ErrAccountNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Doctor not found in database")
	case errors.Is(err, discount.ErrNotDoctor):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case err != nil:
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":            true,
		"code":               dc.Code,
		"expiryDate":         dc.ExpiryDate,
		"maxUses":            dc.MaxUses,
		"discountPercentage": dc.DiscountPercentage,
		"message":            fmt.Sprintf("Share this code with your patients for a %d%% discount", dc.DiscountPercentage),
	})
}

func (s *Server) handleValidateDiscountCode(c *fiber.Ctx) error {
	var body struct {
		Code string `json:"code"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	v, err := s.deps.Discounts.Validate(c.UserContext(), body.Code)
	if err != nil {
		return err
	}
	return c.JSON(v)
}

type visitRequest struct {
	RepresentativeID int64  `json:"representativeId"`
	DoctorID         int64  `json:"doctorId"`
	Purpose          string `json:"purpose"`
	DiscussionPoints string `json:"discussionPoints"`
	Feedback         string `json:"feedback"`
	NextVisitDate    string `json:"nextVisitDate"` // YYYY-MM-DD, optional
}

func (s *Server) handleRecordVisit(c *fiber.Ctx) error {
	var body visitRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if body.RepresentativeID <= 0 || body.DoctorID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "representativeId and doctorId are required")
	}

	visit := &storage.Visit{
		RepresentativeID: body.RepresentativeID,
		DoctorID:         body.DoctorID,
		Purpose:          nullString(body.Purpose),
		DiscussionPoints: nullString(body.DiscussionPoints),
		Feedback:         nullString(body.Feedback),
	}
	if body.NextVisitDate != "" {
		next, err := time.Parse("2006-01-02", body.NextVisitDate)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "nextVisitDate must be YYYY-MM-DD")
		}
		visit.NextVisitDate = sql.NullTime{Time: next, Valid: true}
	}

	id, err := s.deps.Visits.RecordVisit(c.UserContext(), visit)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"id":      id,
		"message": "Visit recorded successfully",
	})
}

// readUpload returns the bytes of the multipart "file" field
func (s *Server) readUpload(c *fiber.Ctx) ([]byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "multipart field \"file\" is required")
	}
	if s.deps.MaxFileSize > 0 && fh.Size > s.deps.MaxFileSize {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", fh.Size, s.deps.MaxFileSize))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, fiber.NewError(fiber.StatusBadRequest, "uploaded file is empty")
	}
	return data, nil
}

// readParams reads denoise_strength and contrast_strength from the form or
// query string. Absent values take the defaults; range checks happen later.
func (s *Server) readParams(c *fiber.Ctx) (enhance.Parameters, error) {
	params := s.deps.DefaultParams

	if raw := formOrQuery(c, "denoise_strength"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return params, fiber.NewError(fiber.StatusBadRequest, "denoise_strength must be an integer")
		}
		params.DenoiseStrength = v
	}

	if raw := formOrQuery(c, "contrast_strength"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, fiber.NewError(fiber.StatusBadRequest, "contrast_strength must be a number")
		}
		params.ContrastStrength = v
	}

	return params, nil
}

func formOrQuery(c *fiber.Ctx, key string) string {
	if v := strings.TrimSpace(c.FormValue(key)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query(key))
}

func sendReport(c *fiber.Ctx, text string) error {
	c.Set(fiber.HeaderContentType, clients.ReportMimeType+"; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", clients.ReportFilename))
	return c.SendString(text)
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
