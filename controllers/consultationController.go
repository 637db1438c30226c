package controllers

import (
	"PsiConsulta/handlers"

	"github.com/gin-gonic/gin"
)

type ConsultationController struct {
	Consultations *handlers.ConsultationHandler
	Rooms         *handlers.RoomHandler
	Commissions   *handlers.CommissionHandler
}

func NewConsultationController(consultations *handlers.ConsultationHandler, rooms *handlers.RoomHandler, commissions *handlers.CommissionHandler) *ConsultationController {
	return &ConsultationController{
		Consultations: consultations,
		Rooms:         rooms,
		Commissions:   commissions,
	}
}

// RegisterRoutes mounts the operational API behind operator and the participant
// room endpoints behind participant.
func (cc *ConsultationController) RegisterRoutes(router *gin.Engine, operator, participant gin.HandlerFunc) {
	api := router.Group("/api/v1", operator)
	{
		api.GET("/consultations", cc.Consultations.ListConsultations)
		api.GET("/consultations/statistics", cc.Consultations.Statistics)
		api.GET("/consultations/lookup", cc.Consultations.LookupConsultation)
		api.GET("/consultations/:id", cc.Consultations.GetConsultation)
		api.POST("/consultations/:id/transitions", cc.Consultations.ApplyTransition)
		api.POST("/consultations/:id/start", cc.Consultations.Start)
		api.POST("/consultations/:id/finalize", cc.Consultations.Finalize)
		api.POST("/consultations/:id/cancel", cc.Consultations.Cancel)
		api.POST("/consultations/:id/no-show", cc.Consultations.MarkNoShow)
		api.POST("/consultations/:id/reschedule", cc.Consultations.Reschedule)
		api.POST("/consultations/:id/timeline", cc.Consultations.ScheduleTimeline)
		api.GET("/consultations/:id/timeline", cc.Consultations.PendingTimeline)
		api.DELETE("/consultations/:id/timeline", cc.Consultations.RemoveTimeline)
		api.POST("/consultations/:id/tokens", cc.Consultations.IssueTokens)
		api.POST("/consultations/:id/room/close", cc.Rooms.CloseRoom)

		api.GET("/commissions", cc.Commissions.ListCommissions)
	}

	room := router.Group("/room/:id", participant)
	{
		room.POST("/join", cc.Rooms.Join)
		room.GET("/status", cc.Rooms.Status)
		room.GET("/duration", cc.Rooms.GetDuration)
		room.PUT("/duration", cc.Rooms.SaveDuration)
		room.PUT("/warning", cc.Rooms.SaveWarning)
	}
}
