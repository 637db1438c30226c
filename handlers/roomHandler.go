package handlers

import (
	"PsiConsulta/middlewares"
	"PsiConsulta/models"
	"PsiConsulta/services"
	"PsiConsulta/utils"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Rooms is the presence surface used by participants and operators.
type Rooms interface {
	GetRoom(ctx context.Context, consultationID string) (*services.Room, error)
	RegisterJoin(ctx context.Context, consultationID string, role models.Role, token string) (*services.Room, error)
	IsOpen(ctx context.Context, consultationID string) (bool, error)
	CloseRoom(ctx context.Context, req services.CloseRequest) (*models.Consultation, error)
	SaveDuration(ctx context.Context, consultationID string, d services.SessionDuration) error
	GetDuration(ctx context.Context, consultationID string) (*services.SessionDuration, error)
	SaveLastWarningMinute(ctx context.Context, consultationID string, minute int) (bool, error)
}

type RoomHandler struct {
	rooms Rooms
	log   *zap.Logger
}

func NewRoomHandler(rooms Rooms, log *zap.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, log: log}
}

type closeRoomBody struct {
	Reason      string `json:"reason"`
	MissingRole string `json:"missingRole"`
	Force       bool   `json:"force"`
	ActorID     string `json:"actorId"`
}

type durationBody struct {
	ElapsedSeconds   int `json:"elapsedSeconds"`
	RemainingSeconds int `json:"remainingSeconds"`
}

type warningBody struct {
	Minute int `json:"minute"`
}

func (h *RoomHandler) participant(c *gin.Context) (middlewares.Participant, bool) {
	p, ok := middlewares.ParticipantFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing participant"})
	}
	return p, ok
}

// Join records the caller entering the room.
func (h *RoomHandler) Join(c *gin.Context) {
	p, ok := h.participant(c)
	if !ok {
		return
	}
	room, err := h.rooms.RegisterJoin(c.Request.Context(), p.ConsultationID, p.Role, p.Token)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) Status(c *gin.Context) {
	id := c.Param("id")
	open, err := h.rooms.IsOpen(c.Request.Context(), id)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), id)
	if err != nil {
		h.log.Warn("failed to read room", zap.String("consultation_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"consultationId": id, "open": open, "room": room})
}

func (h *RoomHandler) GetDuration(c *gin.Context) {
	d, err := h.rooms.GetDuration(c.Request.Context(), c.Param("id"))
	if err != nil {
		middlewares.RespondError(c, h.log, utils.NewTransientError("failed to read duration", err))
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Duration not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *RoomHandler) SaveDuration(c *gin.Context) {
	var body durationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	if err := utils.ValidateDuration(body.ElapsedSeconds, body.RemainingSeconds); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	err := h.rooms.SaveDuration(c.Request.Context(), c.Param("id"), services.SessionDuration{
		ElapsedSeconds:   body.ElapsedSeconds,
		RemainingSeconds: body.RemainingSeconds,
	})
	if err != nil {
		middlewares.RespondError(c, h.log, utils.NewTransientError("failed to save duration", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// SaveWarning reports whether this is the first notice for the given minute.
func (h *RoomHandler) SaveWarning(c *gin.Context) {
	var body warningBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Minute <= 0 {
		middlewares.RespondError(c, h.log, utils.NewValidationError("minute must be a positive number", err))
		return
	}
	first, err := h.rooms.SaveLastWarningMinute(c.Request.Context(), c.Param("id"), body.Minute)
	if err != nil {
		middlewares.RespondError(c, h.log, utils.NewTransientError("failed to save warning", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"minute": body.Minute, "first": first})
}

// CloseRoom closes the room and applies the matching transition.
func (h *RoomHandler) CloseRoom(c *gin.Context) {
	var body closeRoomBody
	if err := c.ShouldBindJSON(&body); err != nil {
		middlewares.RespondError(c, h.log, utils.NewValidationError("Invalid request body", err))
		return
	}
	if err := utils.ValidateMissingRole(body.MissingRole); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	consultation, err := h.rooms.CloseRoom(c.Request.Context(), services.CloseRequest{
		ConsultationID: c.Param("id"),
		Reason:         services.CloseReason(body.Reason),
		MissingRole:    models.MissingRole(body.MissingRole),
		Force:          body.Force,
		ActorID:        body.ActorID,
	})
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, consultation)
}
