package services

import (
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransitionRequest asks for a consultation to move to Status. Empty Origin and TriggerScreen
// take the catalog defaults; a nil AppealGranted keeps the stored outcome.
type TransitionRequest struct {
	Lookup        models.ConsultationLookup
	Status        models.ConsultationStatus
	Origin        models.StatusOrigin
	TriggerScreen string
	ActorID       string
	AppealGranted *bool

	billableOverride *bool
}

// decideFunc picks the transition after the aggregate is loaded and locked.
// A nil request leaves the consultation unchanged.
type decideFunc func(agg *models.ConsultationAggregate) (*TransitionRequest, error)

// TimelineRemover drops the pending jobs of a consultation.
type TimelineRemover interface {
	RemoveTimeline(ctx context.Context, consultationID string) error
}

// TransitionService is the consultation state machine. Every change runs in one transaction;
// notifications and audit rows are dispatched after commit.
type TransitionService struct {
	repo       ConsultationStore
	payout     *PayoutCalculator
	timeline   TimelineRemover
	notifier   Notifier
	auditor    *Auditor
	dispatcher *Dispatcher
	clock      utils.Clock
	log        *zap.Logger
}

func NewTransitionService(
	repo ConsultationStore,
	payout *PayoutCalculator,
	timeline TimelineRemover,
	notifier Notifier,
	auditor *Auditor,
	dispatcher *Dispatcher,
	clock utils.Clock,
	log *zap.Logger,
) *TransitionService {
	return &TransitionService{
		repo:       repo,
		payout:     payout,
		timeline:   timeline,
		notifier:   notifier,
		auditor:    auditor,
		dispatcher: dispatcher,
		clock:      clock,
		log:        log,
	}
}

// ApplyTransition validates and applies a status change with all its side effects.
func (s *TransitionService) ApplyTransition(ctx context.Context, req TransitionRequest) (*models.Consultation, error) {
	if !req.Status.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown status %q", req.Status), nil)
	}
	if req.Origin != "" && !req.Origin.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown origin %q", req.Origin), nil)
	}
	return s.run(ctx, req.Lookup, "transition", func(*models.ConsultationAggregate) (*TransitionRequest, error) {
		return &req, nil
	})
}

// Start moves a consultation to in-progress. It is refused more than a minute before the start.
func (s *TransitionService) Start(ctx context.Context, consultationID, actorID string) (*models.Consultation, error) {
	return s.run(ctx, models.LookupConsultation(consultationID), "start", func(agg *models.ConsultationAggregate) (*TransitionRequest, error) {
		if agg.Consultation.Status == models.StatusEmAndamento {
			return nil, nil
		}
		if utils.EvaluateNoShowWindow(s.clock.Now(), agg.Consultation.ScheduledAt) == utils.WindowTooEarly {
			return nil, utils.NewValidationError(fmt.Sprintf("consultation %s has not reached its start window", consultationID), nil)
		}
		return &TransitionRequest{
			Status:        models.StatusEmAndamento,
			Origin:        models.OriginSistemico,
			TriggerScreen: models.ScreenSession,
			ActorID:       actorID,
		}, nil
	})
}

// Finalize completes a consultation. Both participants must have joined unless force is set.
// A consultation that is already completed is returned unchanged.
func (s *TransitionService) Finalize(ctx context.Context, consultationID string, force bool, actorID string) (*models.Consultation, error) {
	return s.run(ctx, models.LookupConsultation(consultationID), "finalize", func(agg *models.ConsultationAggregate) (*TransitionRequest, error) {
		if agg.Consultation.Status == models.StatusRealizada {
			return nil, nil
		}
		if !force && !agg.BothJoined() {
			return nil, utils.NewParticipantsNotPresentError(consultationID)
		}
		return &TransitionRequest{
			Status:        models.StatusRealizada,
			Origin:        models.OriginSistemico,
			TriggerScreen: models.ScreenSession,
			ActorID:       actorID,
		}, nil
	})
}

func (s *TransitionService) CancelByPatient(ctx context.Context, consultationID string, withinWindow bool, actorID string) (*models.Consultation, error) {
	status := models.StatusCanceladaPacienteForaDoPrazo
	if withinWindow {
		status = models.StatusCanceladaPacienteNoPrazo
	}
	return s.ApplyTransition(ctx, TransitionRequest{
		Lookup:  models.LookupConsultation(consultationID),
		Status:  status,
		Origin:  models.OriginPaciente,
		ActorID: actorID,
	})
}

func (s *TransitionService) CancelByProfessional(ctx context.Context, consultationID string, withinWindow bool, actorID string) (*models.Consultation, error) {
	status := models.StatusCanceladaPsicologoForaDoPrazo
	if withinWindow {
		status = models.StatusCanceladaPsicologoNoPrazo
	}
	return s.ApplyTransition(ctx, TransitionRequest{
		Lookup:  models.LookupConsultation(consultationID),
		Status:  status,
		Origin:  models.OriginPsicologo,
		ActorID: actorID,
	})
}

// CancelByForceMajeure is the generic cancellation used when a room is closed as cancelled.
func (s *TransitionService) CancelByForceMajeure(ctx context.Context, consultationID, actorID string) (*models.Consultation, error) {
	return s.ApplyTransition(ctx, TransitionRequest{
		Lookup:  models.LookupConsultation(consultationID),
		Status:  models.StatusCanceladaForcaMaior,
		ActorID: actorID,
	})
}

// MarkNoShow records that the participant in role did not attend.
func (s *TransitionService) MarkNoShow(ctx context.Context, consultationID string, role models.Role, actorID string) (*models.Consultation, error) {
	status := models.StatusPacienteNaoCompareceu
	if role == models.RoleProfessional {
		status = models.StatusPsicologoNaoCompareceu
	}
	return s.ApplyTransition(ctx, TransitionRequest{
		Lookup:        models.LookupConsultation(consultationID),
		Status:        status,
		Origin:        models.OriginSistemico,
		TriggerScreen: models.ScreenSession,
		ActorID:       actorID,
	})
}

// Reschedule closes the consultation with the reschedule status of origin. The new booking is a
// separate consultation. A patient can only reschedule inside the window.
func (s *TransitionService) Reschedule(ctx context.Context, consultationID string, origin models.StatusOrigin, withinWindow bool, actorID string) (*models.Consultation, error) {
	var status models.ConsultationStatus
	switch {
	case origin == models.OriginPaciente && withinWindow:
		status = models.StatusReagendadaPacienteNoPrazo
	case origin == models.OriginPsicologo && withinWindow:
		status = models.StatusReagendadaPsicologoNoPrazo
	case origin == models.OriginPsicologo:
		status = models.StatusReagendadaPsicologoForaDoPrazo
	case origin == models.OriginPaciente:
		return nil, utils.NewValidationError("patient reschedule outside the window is a late cancellation", nil)
	default:
		return nil, utils.NewValidationError(fmt.Sprintf("origin %q cannot reschedule", origin), nil)
	}
	return s.ApplyTransition(ctx, TransitionRequest{
		Lookup:  models.LookupConsultation(consultationID),
		Status:  status,
		Origin:  origin,
		ActorID: actorID,
	})
}

// ProcessNoShow closes a consultation whose participants did not show up. Before the
// no-show deadline it only moves the consultation to in-progress. Repeated calls return the
// already closed consultation.
func (s *TransitionService) ProcessNoShow(ctx context.Context, consultationID string, missing models.MissingRole) (*models.Consultation, error) {
	if !missing.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown missing role %q", missing), nil)
	}
	return s.run(ctx, models.LookupConsultation(consultationID), "no-show", func(agg *models.ConsultationAggregate) (*TransitionRequest, error) {
		c := agg.Consultation
		if c.Status.IsTerminal() {
			return nil, nil
		}

		switch utils.EvaluateNoShowWindow(s.clock.Now(), c.ScheduledAt) {
		case utils.WindowTooEarly:
			return nil, nil
		case utils.WindowStarting:
			if c.Status == models.StatusEmAndamento {
				return nil, nil
			}
			return &TransitionRequest{Status: models.StatusEmAndamento, Origin: models.OriginSistemico, TriggerScreen: models.ScreenSession}, nil
		}

		req := &TransitionRequest{Origin: models.OriginSistemico, TriggerScreen: models.ScreenSession}
		switch missing {
		case models.MissingPatient:
			req.Status = models.StatusPacienteNaoCompareceu
		case models.MissingProfessional:
			req.Status = models.StatusPsicologoNaoCompareceu
		case models.MissingBoth:
			notBillable := false
			req.Status = models.StatusPacienteNaoCompareceu
			req.billableOverride = &notBillable
		}
		return req, nil
	})
}

// RecordJoin stores the first join time of role.
func (s *TransitionService) RecordJoin(ctx context.Context, consultationID string, role models.Role, at time.Time) error {
	if !role.Valid() {
		return utils.NewValidationError(fmt.Sprintf("unknown role %q", role), nil)
	}
	status, err := s.repo.Status(ctx, consultationID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return utils.NewInvalidTransitionError(string(status), "join")
	}
	changed, err := s.repo.MarkJoined(ctx, consultationID, role, utils.Normalize(s.clock, at))
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("participant joined", zap.String("consultation_id", consultationID), zap.String("role", string(role)))
	}
	return nil
}

// InvalidateTokens clears the stored transport tokens of a consultation.
func (s *TransitionService) InvalidateTokens(ctx context.Context, consultationID string) error {
	return s.repo.ClearTokens(ctx, consultationID)
}

func (s *TransitionService) Get(ctx context.Context, lookup models.ConsultationLookup) (*models.ConsultationAggregate, error) {
	return s.repo.LoadAggregate(ctx, lookup)
}

func (s *TransitionService) ListByStatus(ctx context.Context, status models.ConsultationStatus, limit int) ([]models.Consultation, error) {
	if !status.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown status %q", status), nil)
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

// StatusCount is one row of the status statistics.
type StatusCount struct {
	Status  models.ConsultationStatus `json:"status"`
	Label   string                    `json:"label"`
	Count   int64                     `json:"count"`
	Percent decimal.Decimal           `json:"percent"`
}

type Statistics struct {
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Total  int64         `json:"total"`
	Counts []StatusCount `json:"counts"`
}

// Statistics counts consultations scheduled in [from, to) per status, in catalog order.
func (s *TransitionService) Statistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	if !to.After(from) {
		return nil, utils.NewValidationError("statistics range is empty", nil)
	}
	counts, err := s.repo.CountByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{From: from, To: to}
	for _, n := range counts {
		stats.Total += n
	}
	for _, status := range models.AllStatuses() {
		n := counts[status]
		percent := decimal.Zero
		if stats.Total > 0 {
			percent = decimal.NewFromInt(n * 100).Div(decimal.NewFromInt(stats.Total)).Round(2)
		}
		stats.Counts = append(stats.Counts, StatusCount{Status: status, Label: status.Label(), Count: n, Percent: percent})
	}
	return stats, nil
}

func (s *TransitionService) run(ctx context.Context, lookup models.ConsultationLookup, action string, decide decideFunc) (*models.Consultation, error) {
	var (
		result models.Consultation
		events []Event
	)
	err := s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		agg, err := s.repo.LoadAggregate(ctx, lookup)
		if err != nil {
			return err
		}
		result = agg.Consultation

		req, err := decide(agg)
		if err != nil {
			return err
		}
		if req == nil || req.Status == agg.Consultation.Status {
			return nil
		}
		if !models.CanTransition(agg.Consultation.Status, req.Status) {
			return utils.NewInvalidTransitionError(string(agg.Consultation.Status), string(req.Status))
		}

		events, err = s.apply(ctx, agg, *req)
		if err != nil {
			return err
		}
		result = agg.Consultation
		return nil
	})
	if err != nil {
		s.rejected(lookup, action, err)
		return nil, err
	}
	s.dispatcher.Dispatch(events...)
	return &result, nil
}

// apply mutates every aggregate touched by the transition. It runs inside the transaction.
func (s *TransitionService) apply(ctx context.Context, agg *models.ConsultationAggregate, req TransitionRequest) ([]Event, error) {
	c := &agg.Consultation
	previous := c.Status

	appeal := req.AppealGranted
	if appeal == nil {
		appeal = c.AppealGranted
	}
	origin := req.Origin
	if origin == "" {
		origin = models.ResolveDefaultOrigin(req.Status)
	}
	screen := req.TriggerScreen
	if screen == "" {
		screen = models.ResolveTriggerScreen(req.Status)
	}
	billable := models.IsBillable(req.Status, appeal)
	if req.billableOverride != nil {
		billable = *req.billableOverride
	}
	effect := models.ResolveBalanceEffect(req.Status, appeal)

	if req.Status == models.StatusEmAndamento {
		others, err := s.repo.CountOtherInProgress(ctx, c.ID, c.PatientID, c.ProfessionalID)
		if err != nil {
			return nil, err
		}
		if others > 0 {
			return nil, utils.NewConcurrentSessionError(c.ID)
		}
	}

	c.Status = req.Status
	c.Billable = billable
	c.Origin = origin
	c.TriggerScreen = screen
	c.BalanceEffect = effect
	c.AppealGranted = appeal
	c.StatusActorID = req.ActorID
	if err := s.repo.UpdateStatus(ctx, c); err != nil {
		return nil, err
	}

	refunded := false
	if effect == models.EffectRefund && c.PlanCycleID != nil &&
		c.CreditRefundedAt == nil && !previous.IsRefundedStatus() {
		now := s.clock.Now()
		var err error
		if refunded, err = s.repo.RefundCredit(ctx, c.ID, *c.PlanCycleID, now); err != nil {
			return nil, err
		}
		c.CreditRefundedAt = &now
	}

	if err := s.syncSlotAndReservation(ctx, agg); err != nil {
		return nil, err
	}

	var commission *models.Commission
	if c.Status.IsTerminal() {
		var err error
		if commission, err = s.payout.Reconcile(ctx, agg, billable); err != nil {
			return nil, err
		}
	}

	s.log.Info("consultation status changed",
		zap.String("consultation_id", c.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(c.Status)),
		zap.Bool("billable", billable),
		zap.Bool("refunded", refunded),
	)
	return s.events(*c, previous, refunded, commission), nil
}

func (s *TransitionService) syncSlotAndReservation(ctx context.Context, agg *models.ConsultationAggregate) error {
	c := agg.Consultation

	var (
		slotStatus        models.SlotStatus
		reservationStatus models.ReservationStatus
		release           bool
		clearTokens       bool
	)
	switch {
	case c.Status == models.StatusEmAndamento:
		slotStatus, reservationStatus = models.SlotInProgress, models.ReservationInProgress
	case c.Status.IsCompletedLike():
		slotStatus, reservationStatus, clearTokens = models.SlotCompleted, models.ReservationCompleted, true
	case c.Status.ReleasesSlot():
		slotStatus, reservationStatus, release, clearTokens = models.SlotAvailable, models.ReservationCancelled, true, true
	default:
		return nil
	}

	if agg.Slot != nil {
		if err := s.repo.UpdateSlot(ctx, agg.Slot.ID, slotStatus, release); err != nil {
			return err
		}
	}
	if agg.Reservation != nil {
		if err := s.repo.UpdateReservation(ctx, c.ID, reservationStatus, clearTokens); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransitionService) events(c models.Consultation, previous models.ConsultationStatus, refunded bool, commission *models.Commission) []Event {
	payload := map[string]interface{}{
		"consultationId": c.ID,
		"status":         c.Status,
		"label":          c.Status.Label(),
		"previousStatus": previous,
		"billable":       c.Billable,
	}

	events := []Event{
		func(ctx context.Context) {
			s.notifier.Notify(ctx, ConsultationChannel(c.ID), "status-changed", payload)
			s.notifier.NotifyUser(ctx, c.PatientID, "consultation-status", payload)
			s.notifier.NotifyUser(ctx, c.ProfessionalID, "consultation-status", payload)
		},
	}

	metadata := map[string]interface{}{
		"consultationId": c.ID,
		"from":           previous,
		"to":             c.Status,
		"origin":         c.Origin,
		"balanceEffect":  c.BalanceEffect,
		"billable":       c.Billable,
		"refunded":       refunded,
	}
	if commission != nil {
		metadata["commissionAmount"] = commission.Amount.String()
		metadata["commissionStatus"] = commission.Status
	}
	events = append(events, s.auditor.Event(AuditEntry{
		UserID:      c.StatusActorID,
		Action:      "consultation.status",
		Description: fmt.Sprintf("Consulta %s: %s -> %s", c.ID, previous.Label(), c.Status.Label()),
		Status:      models.AuditSuccess,
		Metadata:    metadata,
	}))

	if c.Status.IsTerminal() && s.timeline != nil {
		events = append(events, func(ctx context.Context) {
			if err := s.timeline.RemoveTimeline(ctx, c.ID); err != nil {
				s.log.Warn("failed to remove pending jobs", zap.String("consultation_id", c.ID), zap.Error(err))
			}
		})
	}
	return events
}

func (s *TransitionService) rejected(lookup models.ConsultationLookup, action string, err error) {
	status := models.AuditFailure
	if !utils.IsBusinessRule(err) {
		s.log.Error("consultation transition failed", zap.String("lookup", lookup.String()), zap.String("action", action), zap.Error(err))
	} else {
		s.log.Warn("consultation transition rejected", zap.String("lookup", lookup.String()), zap.String("action", action), zap.Error(err))
	}
	if errors.Is(err, utils.ErrNotFound) {
		return
	}
	s.dispatcher.Dispatch(s.auditor.Event(AuditEntry{
		Action:      "consultation." + action,
		Description: err.Error(),
		Status:      status,
		Metadata:    map[string]interface{}{"lookup": lookup.String()},
	}))
}
