package handlers

import (
	"PsiConsulta/middlewares"
	"PsiConsulta/models"
	"PsiConsulta/queue"
	"PsiConsulta/services"
	"PsiConsulta/utils"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConsultationEngine is the transition surface used by the operational API.
type ConsultationEngine interface {
	ApplyTransition(ctx context.Context, req services.TransitionRequest) (*models.Consultation, error)
	Start(ctx context.Context, consultationID, actorID string) (*models.Consultation, error)
	Finalize(ctx context.Context, consultationID string, force bool, actorID string) (*models.Consultation, error)
	CancelByPatient(ctx context.Context, consultationID string, withinWindow bool, actorID string) (*models.Consultation, error)
	CancelByProfessional(ctx context.Context, consultationID string, withinWindow bool, actorID string) (*models.Consultation, error)
	CancelByForceMajeure(ctx context.Context, consultationID, actorID string) (*models.Consultation, error)
	MarkNoShow(ctx context.Context, consultationID string, role models.Role, actorID string) (*models.Consultation, error)
	Reschedule(ctx context.Context, consultationID string, origin models.StatusOrigin, withinWindow bool, actorID string) (*models.Consultation, error)
	Get(ctx context.Context, lookup models.ConsultationLookup) (*models.ConsultationAggregate, error)
	ListByStatus(ctx context.Context, status models.ConsultationStatus, limit int) ([]models.Consultation, error)
	Statistics(ctx context.Context, from, to time.Time) (*services.Statistics, error)
}

type Timeline interface {
	ScheduleTimeline(ctx context.Context, consultationID string, scheduledStart time.Time) ([]queue.Job, error)
	RemoveTimeline(ctx context.Context, consultationID string) error
	PendingTimeline(ctx context.Context, consultationID string) ([]services.PendingJob, error)
}

type TokenIssuer interface {
	EnsureTransportTokens(ctx context.Context, consultationID string) (*services.TransportTokens, error)
}

type ConsultationHandler struct {
	engine   ConsultationEngine
	timeline Timeline
	tokens   TokenIssuer
	clock    utils.Clock
	log      *zap.Logger
}

func NewConsultationHandler(engine ConsultationEngine, timeline Timeline, tokens TokenIssuer, clock utils.Clock, log *zap.Logger) *ConsultationHandler {
	return &ConsultationHandler{engine: engine, timeline: timeline, tokens: tokens, clock: clock, log: log}
}

type transitionBody struct {
	Status        string `json:"status"`
	Origin        string `json:"origin"`
	TriggerScreen string `json:"triggerScreen"`
	ActorID       string `json:"actorId"`
	AppealGranted *bool  `json:"appealGranted"`
}

type finalizeBody struct {
	Force   bool   `json:"force"`
	ActorID string `json:"actorId"`
}

type cancelBody struct {
	By           string `json:"by"`
	WithinWindow bool   `json:"withinWindow"`
	ActorID      string `json:"actorId"`
}

type noShowBody struct {
	Role    string `json:"role"`
	ActorID string `json:"actorId"`
}

type rescheduleBody struct {
	Origin       string `json:"origin"`
	WithinWindow bool   `json:"withinWindow"`
	ActorID      string `json:"actorId"`
}

type timelineBody struct {
	ScheduledAt string `json:"scheduledAt"`
}

type actorBody struct {
	ActorID string `json:"actorId"`
}

// bindOptional accepts an empty body as the zero value.
func bindOptional(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return utils.NewValidationError("Invalid request body", err)
	}
	return nil
}

func (h *ConsultationHandler) respondConsultation(c *gin.Context, consultation *models.Consultation, err error) {
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, consultation)
}

// GetConsultation returns the consultation aggregate by id.
func (h *ConsultationHandler) GetConsultation(c *gin.Context) {
	agg, err := h.engine.Get(c.Request.Context(), models.LookupConsultation(c.Param("id")))
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// LookupConsultation resolves a consultation from a reservation, slot, or participant id.
func (h *ConsultationHandler) LookupConsultation(c *gin.Context) {
	lookup, err := models.ResolveLookup("", c.Query("reservationId"), c.Query("slotId"), c.Query("participantId"))
	if err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError(err.Error(), err))
		return
	}
	agg, err := h.engine.Get(c.Request.Context(), lookup)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (h *ConsultationHandler) ListConsultations(c *gin.Context) {
	raw := c.Query("status")
	status, ok := models.NormalizeStatus(raw)
	if !ok {
		middlewares.RespondError(c, h.log, utils.NewValidationError("unknown status "+strconv.Quote(raw), nil))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	consultations, err := h.engine.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "consultations": consultations})
}

// Statistics takes inclusive from/to dates (YYYY-MM-DD) and defaults to the current month.
func (h *ConsultationHandler) Statistics(c *gin.Context) {
	loc := h.clock.Location()
	now := h.clock.Now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 1, 0)

	if raw := c.Query("from"); raw != "" {
		t, err := time.ParseInLocation("2006-01-02", raw, loc)
		if err != nil {
			middlewares.RespondError(c, h.log, utils.NewValidationError("from must be formatted as YYYY-MM-DD", err))
			return
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.ParseInLocation("2006-01-02", raw, loc)
		if err != nil {
			middlewares.RespondError(c, h.log, utils.NewValidationError("to must be formatted as YYYY-MM-DD", err))
			return
		}
		to = t.AddDate(0, 0, 1)
	}

	stats, err := h.engine.Statistics(c.Request.Context(), from, to)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ApplyTransition moves a consultation to any catalogued status.
func (h *ConsultationHandler) ApplyTransition(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	if err := utils.ValidateTransitionInput(body.Status, body.Origin); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	status, _ := models.NormalizeStatus(body.Status)

	consultation, err := h.engine.ApplyTransition(c.Request.Context(), services.TransitionRequest{
		Lookup:        models.LookupConsultation(c.Param("id")),
		Status:        status,
		Origin:        models.StatusOrigin(body.Origin),
		TriggerScreen: body.TriggerScreen,
		ActorID:       body.ActorID,
		AppealGranted: body.AppealGranted,
	})
	h.respondConsultation(c, consultation, err)
}

func (h *ConsultationHandler) Start(c *gin.Context) {
	var body actorBody
	if err := bindOptional(c, &body); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	consultation, err := h.engine.Start(c.Request.Context(), c.Param("id"), body.ActorID)
	h.respondConsultation(c, consultation, err)
}

func (h *ConsultationHandler) Finalize(c *gin.Context) {
	var body finalizeBody
	if err := bindOptional(c, &body); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	consultation, err := h.engine.Finalize(c.Request.Context(), c.Param("id"), body.Force, body.ActorID)
	h.respondConsultation(c, consultation, err)
}

func (h *ConsultationHandler) Cancel(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	if err := utils.ValidateCancelInput(body.By); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}

	ctx, id := c.Request.Context(), c.Param("id")
	var (
		consultation *models.Consultation
		err          error
	)
	switch body.By {
	case "patient":
		consultation, err = h.engine.CancelByPatient(ctx, id, body.WithinWindow, body.ActorID)
	case "professional":
		consultation, err = h.engine.CancelByProfessional(ctx, id, body.WithinWindow, body.ActorID)
	default:
		consultation, err = h.engine.CancelByForceMajeure(ctx, id, body.ActorID)
	}
	h.respondConsultation(c, consultation, err)
}

func (h *ConsultationHandler) MarkNoShow(c *gin.Context) {
	var body noShowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	if err := utils.ValidateRole(body.Role); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	consultation, err := h.engine.MarkNoShow(c.Request.Context(), c.Param("id"), models.Role(body.Role), body.ActorID)
	h.respondConsultation(c, consultation, err)
}

func (h *ConsultationHandler) Reschedule(c *gin.Context) {
	var body rescheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	origin := models.StatusOrigin(body.Origin)
	if origin != models.OriginPaciente && origin != models.OriginPsicologo {
		middlewares.RespondError(c, h.log, utils.NewValidationError("origin must be Paciente or Psicologo", nil))
		return
	}
	consultation, err := h.engine.Reschedule(c.Request.Context(), c.Param("id"), origin, body.WithinWindow, body.ActorID)
	h.respondConsultation(c, consultation, err)
}

// ScheduleTimeline replaces the pending jobs of a consultation. scheduledAt is a naive
// wall-clock timestamp in the business zone or an RFC3339 instant.
func (h *ConsultationHandler) ScheduleTimeline(c *gin.Context) {
	var body timelineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	start, err := utils.ParseWallClock(h.clock, body.ScheduledAt)
	if err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError(err.Error(), err))
		return
	}

	jobs, err := h.timeline.ScheduleTimeline(c.Request.Context(), c.Param("id"), start)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"consultationId": c.Param("id"), "scheduledAt": start, "jobs": jobs})
}

func (h *ConsultationHandler) PendingTimeline(c *gin.Context) {
	pending, err := h.timeline.PendingTimeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consultationId": c.Param("id"), "pending": pending})
}

func (h *ConsultationHandler) RemoveTimeline(c *gin.Context) {
	if err := h.timeline.RemoveTimeline(c.Request.Context(), c.Param("id")); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// IssueTokens returns the transport tokens of both participants, creating them when needed.
func (h *ConsultationHandler) IssueTokens(c *gin.Context) {
	tokens, err := h.tokens.EnsureTransportTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}
