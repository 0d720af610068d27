package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/middleware"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/service"
	ws "github.com/proctorly/attempt-engine/internal/websocket"
	"github.com/proctorly/attempt-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// timerPushInterval is how often the authoritative countdown is pushed.
const timerPushInterval = 5 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one attempt over a WebSocket: answer sync and telemetry
// upstream, the authoritative countdown downstream.
type WSHandler struct {
	attemptService *service.AttemptService
	rdb            *redis.Client
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, rdb *redis.Client, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		rdb:            rdb,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt ID"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	// Ownership and liveness check before any streaming.
	state, err := h.attemptService.State(context.Background(), attemptID, claims.UserID)
	if err != nil {
		conn.WriteError("FORBIDDEN", "no attempt stream available")
		return
	}
	if !state.Attempt.Status.Active() {
		conn.WriteError("INVALID_ATTEMPT_STATE", "attempt is not active")
		return
	}

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("attempt stream connected")

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.pushTimer(streamCtx, conn, attemptID, claims.UserID)

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("unexpected close")
			} else {
				wsLog.Debug().Msg("connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionSync:
			h.handleSync(conn, wsLog, attemptID, claims.UserID, msg.Answers)
		case ws.ActionTelemetry:
			h.handleTelemetry(conn, wsLog, attemptID, msg.Event)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, attemptID, claims.UserID, msg.Answers)
			return
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("unknown action")
			conn.WriteError("", "unknown action: "+string(msg.Action))
		}
	}
}

// pushTimer streams the countdown until the connection or attempt dies. The
// push carries the stored status, so a sweeper-side expiry reaches the
// client within one tick.
func (h *WSHandler) pushTimer(ctx context.Context, conn *ws.Conn, attemptID uuid.UUID, userID int) {
	ticker := time.NewTicker(timerPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := h.attemptService.State(ctx, attemptID, userID)
			if err != nil {
				return
			}
			if err := conn.WriteTyped(ws.TimerResponse{
				Event:            ws.EventTimer,
				RemainingSeconds: state.RemainingSeconds,
				Status:           string(state.Attempt.Status),
			}); err != nil {
				return
			}
			if !state.Attempt.Status.Active() {
				return
			}
		}
	}
}

func (h *WSHandler) handleSync(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, userID int, answers []model.AnswerEntry) {
	outcome, remaining, err := h.attemptService.Sync(context.Background(), attemptID, userID, answers)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	conn.WriteTyped(ws.SyncedResponse{
		Event:            ws.EventSynced,
		Applied:          outcome.Applied,
		Stale:            outcome.Stale,
		RemainingSeconds: remaining,
	})
}

func (h *WSHandler) handleTelemetry(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, event *model.IngestTelemetryRequest) {
	if event == nil || event.EventType == "" || event.OccurredAt.IsZero() {
		conn.WriteError("VALIDATION_ERROR", "event type and timestamp are required")
		return
	}

	payload, _ := json.Marshal(worker.TelemetryPayload{
		AttemptID: attemptID.String(),
		EventType: event.EventType,
		Timestamp: event.OccurredAt,
		Metadata:  event.Metadata,
	})
	if err := h.rdb.RPush(context.Background(), config.WorkerKey.PersistTelemetryQueue, payload).Err(); err != nil {
		wsLog.Error().Err(err).Msg("telemetry enqueue failed")
		conn.WriteError("INTERNAL_ERROR", "event not recorded")
		return
	}
	conn.WriteTyped(ws.AcceptedResponse{Event: ws.EventAccepted})
}

func (h *WSHandler) handleSubmit(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, userID int, answers []model.AnswerEntry) {
	state, err := h.attemptService.Submit(context.Background(), attemptID, userID, answers)
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	wsLog.Info().Msg("attempt submitted over stream")
	conn.WriteTyped(ws.SubmittedResponse{Event: ws.EventSubmitted, Result: state.Result})
}

func (h *WSHandler) writeServiceError(conn *ws.Conn, wsLog zerolog.Logger, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrInvalidState):
		conn.WriteError("INVALID_ATTEMPT_STATE", "attempt does not accept this operation")
	case errors.Is(err, service.ErrLockExpired):
		conn.WriteError("LOCK_EXPIRED", "attempt was reclaimed, refetch state")
	case errors.Is(err, service.ErrNotOwner):
		conn.WriteError("FORBIDDEN", "not your attempt")
	case errors.As(err, &verr):
		conn.WriteError("ANSWER_VALIDATION_ERROR", verr.Reason)
	default:
		wsLog.Error().Err(err).Msg("stream operation failed")
		conn.WriteError("INTERNAL_ERROR", "operation failed")
	}
}
