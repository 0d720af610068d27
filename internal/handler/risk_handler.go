package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/middleware"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/proctorly/attempt-engine/internal/response"
	"github.com/proctorly/attempt-engine/internal/risk"
	"github.com/proctorly/attempt-engine/internal/validator"
	"github.com/proctorly/attempt-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RiskHandler handles telemetry ingest and the reviewer-facing risk surface.
type RiskHandler struct {
	attempts  *repository.AttemptRepository
	telemetry *repository.TelemetryRepository
	profiles  *repository.RiskRepository
	rdb       *redis.Client
	log       zerolog.Logger
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(
	attempts *repository.AttemptRepository,
	telemetry *repository.TelemetryRepository,
	profiles *repository.RiskRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *RiskHandler {
	return &RiskHandler{
		attempts:  attempts,
		telemetry: telemetry,
		profiles:  profiles,
		rdb:       rdb,
		log:       log.With().Str("component", "risk_handler").Logger(),
	}
}

// IngestTelemetry godoc
// POST /api/v1/attempts/:attempt_id/events
// Accepts one anti-cheat signal and queues it for the telemetry worker. The
// request returns as soon as the event is durably queued; persistence and
// risk recomputation happen asynchronously.
func (h *RiskHandler) IngestTelemetry(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.IngestTelemetryRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, err := h.attempts.GetByID(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempt.UserID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}
	if !attempt.Status.Active() {
		response.Fail(c, http.StatusConflict, response.ErrInvalidAttemptState)
		return
	}

	payload, _ := json.Marshal(worker.TelemetryPayload{
		AttemptID: attemptID.String(),
		EventType: req.EventType,
		Timestamp: req.OccurredAt,
		Metadata:  req.Metadata,
	})
	if err := h.rdb.RPush(c.Request.Context(), config.WorkerKey.PersistTelemetryQueue, payload).Err(); err != nil {
		h.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("telemetry enqueue failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"queued": true})
}

// GetRiskProfile godoc
// GET /api/v1/attempts/:attempt_id/risk
// Reviewer view of the attempt's current risk assessment.
func (h *RiskHandler) GetRiskProfile(c *gin.Context) {
	attemptID, attempt, ok := h.reviewerAttempt(c)
	if !ok {
		return
	}

	profile, err := h.profiles.Get(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No telemetry yet: a clean, unreviewed profile.
			profile = &model.RiskProfile{AttemptID: attemptID, Flags: []string{}}
		} else {
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"profile": profile,
		"attempt": attempt,
	})
}

// ListEvents godoc
// GET /api/v1/attempts/:attempt_id/events
// Reviewer view of the raw event log, with the chain verified so tampering
// of the stored log surfaces immediately.
func (h *RiskHandler) ListEvents(c *gin.Context) {
	attemptID, _, ok := h.reviewerAttempt(c)
	if !ok {
		return
	}

	events, err := h.telemetry.ListByAttempt(c.Request.Context(), attemptID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if events == nil {
		events = []model.TelemetryEvent{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"events":      events,
		"chain_valid": risk.VerifyChain(events),
	})
}

// Review godoc
// POST /api/v1/attempts/:attempt_id/risk/review
// Records the reviewer's decision. The underlying score and flags are never
// reset: the decision stands beside the evidence.
func (h *RiskHandler) Review(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, _, ok := h.reviewerAttempt(c)
	if !ok {
		return
	}

	var req model.ReviewRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	updated, err := h.profiles.Review(c.Request.Context(), attemptID, claims.UserID, req.Decision)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if !updated {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("reviewer_id", claims.UserID).
		Str("decision", req.Decision).
		Msg("risk review recorded")

	profile, err := h.profiles.Get(c.Request.Context(), attemptID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"profile": profile})
}

// reviewerAttempt parses the path, loads the attempt and enforces that the
// reviewer belongs to the attempt's tenant.
func (h *RiskHandler) reviewerAttempt(c *gin.Context) (uuid.UUID, *model.Attempt, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, nil, false
	}

	attempt, err := h.attempts.GetByID(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		} else {
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return uuid.Nil, nil, false
	}
	if attempt.TenantID != claims.TenantID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return uuid.Nil, nil, false
	}
	return attemptID, attempt, true
}
