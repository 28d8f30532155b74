package handler

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/pipeline"
	"github.com/adcraft/api/internal/service"
	"github.com/adcraft/api/internal/store"
	"github.com/adcraft/api/pkg/response"
)

type GenerationHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
	logger    *slog.Logger
}

func NewGenerationHandler(svc *service.GenerationService, v *validator.Validate, logger *slog.Logger) *GenerationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Generate handles POST /api/v1/images/generate
// @Summary      Generate ad images
// @Description  Runs the whole pipeline and returns the result in one response
// @Tags         Images
// @Accept       json
// @Produce      json
// @Param        request body model.GenerationRequest true "Generation request"
// @Success      200 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Router       /api/v1/images/generate [post]
func (h *GenerationHandler) Generate(c *fiber.Ctx) error {
	req, err := h.parseGeneration(c)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	run, err := h.service.Generate(c.UserContext(), *req)
	if err != nil {
		return h.handleError(c, err, "")
	}

	if run.Status != model.RunStatusCompleted {
		return response.GenerationFailed(c, run.Error, fiber.Map{
			"run_id": run.ID,
			"stage":  failedStage(run),
			"reason": failureReason(run),
			"images": run.Images,
		})
	}

	return response.OK(c, model.GenerateResponse{
		RunID:           run.ID,
		Status:          run.Status,
		Images:          run.Images,
		EnhancedPrompts: run.EnhancedPrompts,
		AdCopy:          run.AdCopy,
		Message:         fmt.Sprintf("Successfully generated %d images", len(run.Images)),
	})
}

// Stream handles POST /api/v1/images/generate/stream
// @Summary      Generate ad images with live progress
// @Description  Streams pipeline events as server-sent events, one JSON object per frame
// @Tags         Images
// @Accept       json
// @Produce      text/event-stream
// @Param        request body model.GenerationRequest true "Generation request"
// @Failure      400 {object} response.ErrorResponse
// @Router       /api/v1/images/generate/stream [post]
func (h *GenerationHandler) Stream(c *fiber.Ctx) error {
	req, err := h.parseGeneration(c)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	runID, events, err := h.service.Stream(*req)
	if err != nil {
		return h.handleError(c, err, "")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.logger.With("run_id", runID)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		disconnected := false
		// keep draining after a disconnect; the run goes on regardless
		for ev := range events {
			if disconnected {
				continue
			}
			if err := writeFrame(w, ev); err != nil {
				log.Info("stream client disconnected", "error", err)
				disconnected = true
			}
		}
	}))
	return nil
}

func writeFrame(w *bufio.Writer, ev model.Event) error {
	data, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// Start handles POST /api/v1/images/generate/async
// @Summary      Start a generation run
// @Description  Starts a run in the background; follow it on /ws/runs/{runId}
// @Tags         Images
// @Accept       json
// @Produce      json
// @Param        request body model.GenerationRequest true "Generation request"
// @Success      202 {object} model.StartResponse
// @Failure      400 {object} response.ErrorResponse
// @Router       /api/v1/images/generate/async [post]
func (h *GenerationHandler) Start(c *fiber.Ctx) error {
	req, err := h.parseGeneration(c)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	result, err := h.service.Start(*req)
	if err != nil {
		return h.handleError(c, err, "")
	}

	return response.Accepted(c, result)
}

// Modify handles POST /api/v1/images/modify
func (h *GenerationHandler) Modify(c *fiber.Ctx) error {
	var req model.ModifyRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Modify(c.UserContext(), req)
	if err != nil {
		return h.handleError(c, err, "Image not found")
	}

	return response.OK(c, result)
}

// GetRequest handles GET /api/v1/images/request/:runId
func (h *GenerationHandler) GetRequest(c *fiber.Ctx) error {
	runID := c.Params("runId")
	if runID == "" {
		return response.ValidationError(c, "Run ID is required", nil)
	}

	run, err := h.service.GetRun(runID)
	if err != nil {
		return h.handleError(c, err, "Request not found")
	}

	return response.OK(c, run)
}

// DeleteRequest handles DELETE /api/v1/images/request/:runId
func (h *GenerationHandler) DeleteRequest(c *fiber.Ctx) error {
	runID := c.Params("runId")
	if runID == "" {
		return response.ValidationError(c, "Run ID is required", nil)
	}

	result, err := h.service.DeleteRun(c.UserContext(), runID)
	if err != nil {
		return h.handleError(c, err, "Request not found")
	}

	return response.OK(c, result)
}

// Styles handles GET /api/v1/images/styles
func (h *GenerationHandler) Styles(c *fiber.Ctx) error {
	return response.OK(c, h.service.Styles())
}

// parseGeneration decodes and validates a generation request. A nil request
// with a nil error means the error response was already written.
func (h *GenerationHandler) parseGeneration(c *fiber.Ctx) (*model.GenerationRequest, error) {
	var req model.GenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return nil, response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	return &req, nil
}

func (h *GenerationHandler) handleError(c *fiber.Ctx, err error, notFound string) error {
	var vErr *model.ValidationError
	switch {
	case errors.As(err, &vErr):
		return response.ValidationError(c, "Validation failed", vErr.Fields)
	case errors.Is(err, store.ErrNotFound):
		if notFound == "" {
			notFound = "Not found"
		}
		return response.NotFound(c, notFound)
	case errors.Is(err, pipeline.ErrRunNotCompleted):
		return response.Conflict(c, "Only images of completed requests can be modified")
	}

	if reason := gateway.ReasonOf(err); reason != "" {
		if reason == gateway.ReasonRateLimited {
			c.Set("Retry-After", "60")
		}
		return response.AIError(c, err.Error(), fiber.Map{"reason": reason})
	}

	h.logger.Error("request failed", "path", c.Path(), "error", err)
	return response.ServiceError(c, err.Error())
}

func failureReason(run *model.Run) string {
	for i := len(run.Events) - 1; i >= 0; i-- {
		if e, ok := run.Events[i].(model.ErrorEvent); ok {
			return e.Reason
		}
	}
	return ""
}

func failedStage(run *model.Run) model.Stage {
	for i := len(run.Events) - 1; i >= 0; i-- {
		if e, ok := run.Events[i].(model.ErrorEvent); ok {
			return e.Stage
		}
	}
	return ""
}
