package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/healthy-habitat/score-regions/internal/http/middleware"
	"github.com/healthy-habitat/score-regions/internal/logger"
	"github.com/healthy-habitat/score-regions/internal/metrics"
	"github.com/healthy-habitat/score-regions/internal/pipeline"
	"go.uber.org/zap"
)

// MaxEventBytes caps an Event Grid delivery; the service never sends more than 1 MB
const MaxEventBytes = 1 << 20

// Scorer runs the scoring pipeline for one flight image
type Scorer interface {
	Score(ctx context.Context, blob *event.FlightBlob) (*pipeline.Report, error)
}

// EventHandler answers Event Grid deliveries
type EventHandler struct {
	scorer       Scorer
	metrics      *metrics.ScoringMetrics
	logger       *zap.Logger
	eventTimeout time.Duration
}

// NewEventHandler creates the Event Grid webhook handler. eventTimeout bounds one scoring
// run; zero leaves it unbounded.
func NewEventHandler(scorer Scorer, m *metrics.ScoringMetrics, logger *zap.Logger, eventTimeout time.Duration) *EventHandler {
	return &EventHandler{
		scorer:       scorer,
		metrics:      m,
		logger:       logger,
		eventTimeout: eventTimeout,
	}
}

// Handle processes the first event of a delivery
func (h *EventHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := logger.WithRequest(h.logger, r.Method, r.URL.Path, middleware.RequestIDFromContext(r.Context()))

	r.Body = http.MaxBytesReader(w, r.Body, MaxEventBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, event.KindUnrecognized, http.StatusRequestEntityTooLarge, domain.ErrorTypeBadRequest,
				fmt.Sprintf("Event payload exceeds %d bytes", MaxEventBytes))
			return
		}
		h.fail(w, event.KindUnrecognized, http.StatusBadRequest, domain.ErrorTypeBadRequest, "Failed to read request body")
		return
	}

	events, err := event.Parse(body)
	if err != nil {
		log.Warn("Rejected event delivery", zap.Error(err))
		h.fail(w, event.KindUnrecognized, http.StatusBadRequest, domain.ErrorTypeBadRequest, err.Error())
		return
	}

	e := events[0]
	kind := event.Classify(e)
	log = log.With(
		zap.String("event_id", e.ID),
		zap.String("event_type", e.EventType),
		zap.String("event_kind", kind.String()),
	)
	if len(events) > 1 {
		log.Warn("Delivery contains more than one event; only the first is processed",
			zap.Int("events", len(events)))
	}

	switch kind {
	case event.KindSubscriptionValidation:
		h.handleValidation(w, e, log)
	case event.KindBlobCreated:
		h.handleBlobCreated(w, r, e, log)
	default:
		log.Info("Ignoring unsupported event type")
		h.fail(w, kind, http.StatusBadRequest, domain.ErrorTypeUnsupported,
			fmt.Sprintf("Unsupported event type %q", e.EventType))
	}
}

func (h *EventHandler) handleValidation(w http.ResponseWriter, e event.Envelope, log *zap.Logger) {
	resp, err := event.Validate(e)
	if err != nil {
		h.rejectEventData(w, event.KindSubscriptionValidation, err)
		return
	}

	log.Info("Answered subscription validation")
	h.metrics.RecordEvent(event.KindSubscriptionValidation.String(), http.StatusOK)
	respondJSON(w, http.StatusOK, resp)
}

func (h *EventHandler) handleBlobCreated(w http.ResponseWriter, r *http.Request, e event.Envelope, log *zap.Logger) {
	blob, err := event.ParseFlightBlob(e)
	if err != nil {
		log.Warn("Rejected blob created event", zap.Error(err))
		h.rejectEventData(w, event.KindBlobCreated, err)
		return
	}

	// The run outlives an Event Grid disconnect; only the configured timeout stops it.
	ctx := context.WithoutCancel(r.Context())
	if h.eventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.eventTimeout)
		defer cancel()
	}

	report, err := h.scorer.Score(ctx, blob)
	if err != nil {
		log.Error("Scoring failed", zap.String("blob", blob.URL), zap.Error(err))
		h.fail(w, event.KindBlobCreated, http.StatusInternalServerError, domain.ErrorTypeScoring, scoreFailureDetail(err))
		return
	}

	if !report.Success() {
		log.Warn("Scoring finished with tile failures",
			zap.String("run_id", report.RunID),
			zap.Int("failures", len(report.Failures)),
		)
		tiles := make(map[string]string, len(report.Failures))
		for _, f := range report.Failures {
			tiles[f.Tile] = f.Error()
		}
		h.metrics.RecordEvent(event.KindBlobCreated.String(), http.StatusBadRequest)
		respondJSON(w, http.StatusBadRequest, domain.APIError{
			Type:   domain.ErrorTypeScoring,
			Title:  http.StatusText(http.StatusBadRequest),
			Status: http.StatusBadRequest,
			Detail: fmt.Sprintf("%d of %d tiles failed", len(report.Failures), report.TilesTotal),
			Errors: tiles,
		})
		return
	}

	h.metrics.RecordEvent(event.KindBlobCreated.String(), http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (h *EventHandler) rejectEventData(w http.ResponseWriter, kind event.Kind, err error) {
	h.metrics.RecordEvent(kind.String(), http.StatusBadRequest)

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		respondValidationError(w, err)
		return
	}
	respondWithError(w, http.StatusBadRequest, domain.ErrorTypeBadRequest, err.Error())
}

func (h *EventHandler) fail(w http.ResponseWriter, kind event.Kind, status int, errType, message string) {
	h.metrics.RecordEvent(kind.String(), status)
	respondWithError(w, status, errType, message)
}

func scoreFailureDetail(err error) string {
	var se *pipeline.StageError
	switch {
	case errors.As(err, &se) && se.Stage.Fatal():
		return fmt.Sprintf("Flight image could not be scored, stage %s failed", se.Stage)
	case errors.As(err, &se):
		return fmt.Sprintf("Scoring stopped at stage %s on %s", se.Stage, se.Tile)
	case errors.Is(err, context.DeadlineExceeded):
		return "Scoring timed out"
	default:
		return "Scoring stopped before completion"
	}
}
