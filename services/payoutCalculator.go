package services

import (
	"PsiConsulta/config"
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PayoutCalculator computes and stores the professional's commission (repasse) per consultation.
type PayoutCalculator struct {
	plans       PlanStore
	commissions CommissionStore
	cfg         config.PayoutConfig
	clock       utils.Clock
	log         *zap.Logger
}

func NewPayoutCalculator(plans PlanStore, commissions CommissionStore, cfg config.PayoutConfig, clock utils.Clock, log *zap.Logger) *PayoutCalculator {
	return &PayoutCalculator{plans: plans, commissions: commissions, cfg: cfg, clock: clock, log: log}
}

// BaseValue returns the session value the commission is computed on and the plan tier it came from.
// An active subscription plan is split over its sessions; otherwise the consultation value,
// the single-session list price, and the configured fallback are tried in order.
func (p *PayoutCalculator) BaseValue(ctx context.Context, c models.Consultation) (decimal.Decimal, models.PlanKind, error) {
	plan, err := p.plans.ActivePatientPlan(ctx, c.PatientID)
	if err != nil {
		return decimal.Zero, "", err
	}
	if plan != nil && plan.Plan.Kind != models.PlanSingle && plan.Plan.Price.IsPositive() {
		divisor := decimal.NewFromInt(plan.Plan.Kind.SessionsPerCycle())
		return plan.Plan.Price.Div(divisor), plan.Plan.Kind, nil
	}

	if c.Value.IsPositive() {
		return c.Value, models.PlanSingle, nil
	}

	listPrice, err := p.plans.ListPrice(ctx)
	if err != nil {
		return decimal.Zero, "", err
	}
	if listPrice.IsPositive() {
		return listPrice, models.PlanSingle, nil
	}
	return p.cfg.FallbackListPrice, models.PlanSingle, nil
}

// Percent is the payout share of the professional's contracting form.
func (p *PayoutCalculator) Percent(personType models.PersonType) decimal.Decimal {
	if personType == models.PersonIncorporated {
		return p.cfg.IncorporatedPercent
	}
	return p.cfg.IndependentPercent
}

// SettlementStatus holds sessions after the cutoff day, and every session of an inactive professional.
func (p *PayoutCalculator) SettlementStatus(sessionAt time.Time, professionalActive bool) models.CommissionStatus {
	day := utils.Normalize(p.clock, sessionAt).Day()
	if professionalActive && day <= p.cfg.CutoffDay {
		return models.CommissionAvailable
	}
	return models.CommissionHeld
}

// Compute builds the commission of a consultation, or nil when there is no value to pay on.
func (p *PayoutCalculator) Compute(ctx context.Context, agg *models.ConsultationAggregate) (*models.Commission, error) {
	c := agg.Consultation
	base, tier, err := p.BaseValue(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base value: %w", err)
	}
	if !base.IsPositive() {
		return nil, nil
	}
	percent := p.Percent(agg.Professional.PersonType)

	return &models.Commission{
		ConsultationID: c.ID,
		ProfessionalID: c.ProfessionalID,
		PatientID:      c.PatientID,
		BaseValue:      base,
		Percent:        percent,
		Amount:         base.Mul(percent),
		PlanTier:       tier,
		Period:         utils.Period(p.clock, c.ScheduledAt),
		Status:         p.SettlementStatus(c.ScheduledAt, agg.Professional.Active),
		Type:           models.CommissionType,
	}, nil
}

// Reconcile makes the stored commission match the billing flag: billable consultations get one
// commission upserted by consultation id, non-billable ones lose any existing commission.
func (p *PayoutCalculator) Reconcile(ctx context.Context, agg *models.ConsultationAggregate, billable bool) (*models.Commission, error) {
	id := agg.Consultation.ID
	if !billable {
		deleted, err := p.commissions.DeleteByConsultation(ctx, id)
		if err != nil {
			return nil, err
		}
		if deleted {
			p.log.Info("commission reversed", zap.String("consultation_id", id))
		}
		return nil, nil
	}

	commission, err := p.Compute(ctx, agg)
	if err != nil {
		return nil, err
	}
	if commission == nil {
		p.log.Warn("no value to compute commission on", zap.String("consultation_id", id))
		return nil, nil
	}
	if err := p.commissions.Upsert(ctx, commission); err != nil {
		return nil, err
	}
	return commission, nil
}

// ListByPeriod returns the commissions of a YYYY-MM period.
func (p *PayoutCalculator) ListByPeriod(ctx context.Context, period string) ([]models.Commission, error) {
	if _, err := time.Parse("2006-01", period); err != nil {
		return nil, utils.NewValidationError(fmt.Sprintf("invalid period %q, expected YYYY-MM", period), err)
	}
	return p.commissions.ListByPeriod(ctx, period)
}
