package handlers

import (
	"PsiConsulta/middlewares"
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CommissionLister interface {
	ListByPeriod(ctx context.Context, period string) ([]models.Commission, error)
}

type CommissionHandler struct {
	commissions CommissionLister
	clock       utils.Clock
	log         *zap.Logger
}

func NewCommissionHandler(commissions CommissionLister, clock utils.Clock, log *zap.Logger) *CommissionHandler {
	return &CommissionHandler{commissions: commissions, clock: clock, log: log}
}

// ListCommissions returns the commissions of ?period=YYYY-MM, defaulting to the current month.
func (h *CommissionHandler) ListCommissions(c *gin.Context) {
	period := c.DefaultQuery("period", utils.Period(h.clock, h.clock.Now()))
	if err := utils.ValidatePeriod(period); err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}

	commissions, err := h.commissions.ListByPeriod(c.Request.Context(), period)
	if err != nil {
		middlewares.RespondError(c, h.log, err)
		return
	}

	total := decimal.Zero
	for _, commission := range commissions {
		total = total.Add(commission.Amount)
	}
	c.JSON(http.StatusOK, gin.H{
		"period":      period,
		"count":       len(commissions),
		"total":       total.StringFixed(2),
		"commissions": commissions,
	})
}
