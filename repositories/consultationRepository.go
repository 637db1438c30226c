package repositories

import (
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var activeStatuses = []models.ConsultationStatus{models.StatusAgendada, models.StatusEmAndamento}

type ConsultationRepository struct {
	db *gorm.DB
}

func NewConsultationRepository(db *gorm.DB) *ConsultationRepository {
	return &ConsultationRepository{db: db}
}

// WithinTransaction runs fn as one atomic unit of work. Repositories called with the
// context passed to fn take part in the same transaction.
func (r *ConsultationRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return withinTransaction(ctx, r.db, fn)
}

// LoadAggregate reads a consultation and its direct relations. Inside a transaction the
// consultation row is locked until commit.
func (r *ConsultationRepository) LoadAggregate(ctx context.Context, lookup models.ConsultationLookup) (*models.ConsultationAggregate, error) {
	if lookup.ID == "" {
		return nil, utils.NewValidationError("empty consultation lookup", nil)
	}

	q := conn(ctx, r.db).
		Preload("Reservation").
		Preload("Slot").
		Preload("PlanCycle").
		Preload("Professional")
	if inTransaction(ctx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: clause.CurrentTable}})
	}

	switch lookup.Kind {
	case models.ByConsultationID:
		q = q.Where("id = ?", lookup.ID)
	case models.ByReservationID:
		q = q.Where("id = (?)", conn(ctx, r.db).Model(&models.SessionReservation{}).Select("consultation_id").Where("id = ?", lookup.ID))
	case models.BySlotID:
		q = q.Where("slot_id = ?", lookup.ID).Order("scheduled_at DESC")
	case models.ByParticipantID:
		q = q.Where("(patient_id = ? OR professional_id = ?) AND status IN ?", lookup.ID, lookup.ID, activeStatuses).
			Order("scheduled_at ASC")
	default:
		return nil, utils.NewValidationError(fmt.Sprintf("unsupported lookup kind %d", lookup.Kind), nil)
	}

	var consultation models.Consultation
	if err := q.First(&consultation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError(fmt.Sprintf("consultation %s not found", lookup))
		}
		return nil, utils.NewTransientError("failed to load consultation", err)
	}

	agg, err := models.NewConsultationAggregate(consultation)
	if err != nil {
		return nil, fmt.Errorf("failed to build consultation aggregate: %w", err)
	}
	return agg, nil
}

// Status reads only the current status of a consultation.
func (r *ConsultationRepository) Status(ctx context.Context, consultationID string) (models.ConsultationStatus, error) {
	var c models.Consultation
	err := conn(ctx, r.db).Select("id, status").First(&c, "id = ?", consultationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.NewNotFoundError(fmt.Sprintf("consultation %s not found", consultationID))
		}
		return "", fmt.Errorf("failed to get consultation status: %w", err)
	}
	return c.Status, nil
}

// UpdateStatus persists the status fields of c.
func (r *ConsultationRepository) UpdateStatus(ctx context.Context, c *models.Consultation) error {
	err := conn(ctx, r.db).Model(&models.Consultation{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"status":          c.Status,
		"billable":        c.Billable,
		"origin":          c.Origin,
		"trigger_screen":  c.TriggerScreen,
		"balance_effect":  c.BalanceEffect,
		"appeal_granted":  c.AppealGranted,
		"status_actor_id": c.StatusActorID,
	}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return utils.NewConcurrentSessionError(c.ID)
		}
		return fmt.Errorf("failed to update consultation: %w", err)
	}
	return nil
}

// CountOtherInProgress counts in-progress consultations sharing a participant with consultationID.
func (r *ConsultationRepository) CountOtherInProgress(ctx context.Context, consultationID, patientID, professionalID string) (int64, error) {
	var count int64
	err := conn(ctx, r.db).Model(&models.Consultation{}).
		Where("id <> ? AND status = ? AND (patient_id = ? OR professional_id = ?)",
			consultationID, models.StatusEmAndamento, patientID, professionalID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress consultations: %w", err)
	}
	return count, nil
}

// RefundCredit moves one credit from used back to available for consultationID. The
// consultation's credit_refunded_at marker is claimed first, so a consultation is refunded
// at most once whatever statuses it passes through. It reports false when the marker was
// already set or the cycle had nothing used.
func (r *ConsultationRepository) RefundCredit(ctx context.Context, consultationID, planCycleID string, at time.Time) (bool, error) {
	refunded := false
	err := withinTransaction(ctx, r.db, func(ctx context.Context) error {
		claim := conn(ctx, r.db).Model(&models.Consultation{}).
			Where("id = ? AND credit_refunded_at IS NULL", consultationID).
			Update("credit_refunded_at", at)
		if claim.Error != nil {
			return fmt.Errorf("failed to mark credit refund: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return nil
		}

		res := conn(ctx, r.db).Model(&models.PlanCycle{}).
			Where("id = ? AND used > 0", planCycleID).
			Updates(map[string]interface{}{
				"available": gorm.Expr("available + 1"),
				"used":      gorm.Expr("used - 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to refund credit: %w", res.Error)
		}
		refunded = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

// UpdateSlot sets the slot status, unbinding its patient when release is true.
func (r *ConsultationRepository) UpdateSlot(ctx context.Context, slotID string, status models.SlotStatus, release bool) error {
	updates := map[string]interface{}{"status": status}
	if release {
		updates["patient_id"] = nil
	}
	if err := conn(ctx, r.db).Model(&models.ScheduleSlot{}).Where("id = ?", slotID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}
	return nil
}

// UpdateReservation sets the reservation status and optionally clears transport tokens.
func (r *ConsultationRepository) UpdateReservation(ctx context.Context, consultationID string, status models.ReservationStatus, clearTokens bool) error {
	updates := map[string]interface{}{"status": status}
	if clearTokens {
		updates["patient_token"] = nil
		updates["professional_token"] = nil
	}
	err := conn(ctx, r.db).Model(&models.SessionReservation{}).Where("consultation_id = ?", consultationID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// ClearTokens removes both transport tokens.
func (r *ConsultationRepository) ClearTokens(ctx context.Context, consultationID string) error {
	err := conn(ctx, r.db).Model(&models.SessionReservation{}).Where("consultation_id = ?", consultationID).
		Updates(map[string]interface{}{"patient_token": nil, "professional_token": nil}).Error
	if err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

func (r *ConsultationRepository) SaveTokens(ctx context.Context, consultationID, patientToken, professionalToken string) error {
	err := conn(ctx, r.db).Model(&models.SessionReservation{}).Where("consultation_id = ?", consultationID).
		Updates(map[string]interface{}{"patient_token": patientToken, "professional_token": professionalToken}).Error
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// MarkJoined sets the joined timestamp of role once. It reports whether a row changed.
func (r *ConsultationRepository) MarkJoined(ctx context.Context, consultationID string, role models.Role, at time.Time) (bool, error) {
	column := "professional_joined_at"
	if role == models.RolePatient {
		column = "patient_joined_at"
	}
	res := conn(ctx, r.db).Model(&models.SessionReservation{}).
		Where("consultation_id = ? AND "+column+" IS NULL", consultationID).
		Update(column, at)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark join: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActivePatientPlan returns the patient's active plan, or nil.
func (r *ConsultationRepository) ActivePatientPlan(ctx context.Context, patientID string) (*models.PatientPlan, error) {
	var pp models.PatientPlan
	err := conn(ctx, r.db).Preload("Plan").
		Where("patient_id = ? AND active = ?", patientID, true).
		Order("created_at DESC").
		First(&pp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active plan: %w", err)
	}
	return &pp, nil
}

// ListPrice returns the price of the active single-session plan, or zero.
func (r *ConsultationRepository) ListPrice(ctx context.Context) (decimal.Decimal, error) {
	var plan models.Plan
	err := conn(ctx, r.db).Where("kind = ? AND active = ?", models.PlanSingle, true).Order("created_at ASC").First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get list price: %w", err)
	}
	return plan.Price, nil
}

// ListByStatus returns consultations in status, most recent first.
func (r *ConsultationRepository) ListByStatus(ctx context.Context, status models.ConsultationStatus, limit int) ([]models.Consultation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var consultations []models.Consultation
	err := conn(ctx, r.db).Where("status = ?", status).Order("scheduled_at DESC").Limit(limit).Find(&consultations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list consultations: %w", err)
	}
	return consultations, nil
}

type statusCount struct {
	Status models.ConsultationStatus
	Total  int64
}

// CountByStatus counts consultations scheduled in [from, to) per status.
func (r *ConsultationRepository) CountByStatus(ctx context.Context, from, to time.Time) (map[models.ConsultationStatus]int64, error) {
	var rows []statusCount
	err := conn(ctx, r.db).Model(&models.Consultation{}).
		Select("status, count(*) AS total").
		Where("scheduled_at >= ? AND scheduled_at < ?", from, to).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count consultations: %w", err)
	}
	counts := make(map[models.ConsultationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
