package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/proctorly/attempt-engine/internal/middleware"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/response"
	"github.com/proctorly/attempt-engine/internal/service"
	"github.com/proctorly/attempt-engine/internal/validator"
	"github.com/rs/zerolog"
)

// AttemptHandler handles the student-facing attempt lifecycle endpoints.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// Start godoc
// POST /api/v1/attempts
// Opens an attempt for the exam, or returns the caller's live attempt.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.attemptService.Start(c.Request.Context(), req.ExamID, claims.UserID, claims.TenantID)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusCreated, state)
}

// GetState godoc
// GET /api/v1/attempts/:attempt_id
// Returns the server-authoritative attempt state for reconnect/refresh.
func (h *AttemptHandler) GetState(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	state, err := h.attemptService.State(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Sync godoc
// POST /api/v1/attempts/:attempt_id/answers
// Merges an answer batch. Safe to retry: replays are no-ops and stale
// batches never roll answers back.
func (h *AttemptHandler) Sync(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var req model.SyncRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	outcome, remaining, err := h.attemptService.Sync(c.Request.Context(), attemptID, claims.UserID, req.Answers)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"applied":           outcome.Applied,
		"stale":             outcome.Stale,
		"remaining_seconds": remaining,
	})
}

// Pause godoc
// POST /api/v1/attempts/:attempt_id/pause
func (h *AttemptHandler) Pause(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	state, err := h.attemptService.Pause(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Resume godoc
// POST /api/v1/attempts/:attempt_id/resume
func (h *AttemptHandler) Resume(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	state, err := h.attemptService.Resume(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
// Closes the attempt with a final answer batch and grades it. Idempotent:
// a retried submit returns the stored result.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID, req.Answers)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	if state.Result == nil {
		// Accepted, but grading is blocked on missing canonical answers.
		response.Success(c, http.StatusAccepted, state)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// GetResult godoc
// GET /api/v1/attempts/:attempt_id/result
func (h *AttemptHandler) GetResult(c *gin.Context) {
	claims, attemptID, ok := h.attemptParams(c)
	if !ok {
		return
	}

	result, err := h.attemptService.Result(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.failFromService(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

func (h *AttemptHandler) attemptParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, attemptID, true
}

// failFromService maps service errors to API error codes.
func (h *AttemptHandler) failFromService(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrNotOwner):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrExamWindowClosed):
		response.Fail(c, http.StatusConflict, response.ErrExamWindowClosed)
	case errors.Is(err, service.ErrAttemptLimit):
		response.Fail(c, http.StatusConflict, response.ErrAttemptLimit)
	case errors.Is(err, service.ErrConcurrentAttempt):
		response.Fail(c, http.StatusConflict, response.ErrConcurrentAttempt)
	case errors.Is(err, service.ErrInvalidState):
		response.Fail(c, http.StatusConflict, response.ErrInvalidAttemptState)
	case errors.Is(err, service.ErrLockExpired):
		response.Fail(c, http.StatusConflict, response.ErrLockExpired)
	case errors.Is(err, service.ErrPauseNotAllowed):
		response.Fail(c, http.StatusConflict, response.ErrPauseNotAllowed)
	case errors.Is(err, service.ErrResultNotReady):
		response.Fail(c, http.StatusConflict, response.ErrEvaluationPending)
	case errors.As(err, &verr):
		response.Fail(c, http.StatusBadRequest, response.ErrAnswerValidation)
	case errors.Is(err, pgx.ErrNoRows):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		h.log.Error().Err(err).Msg("attempt operation failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
