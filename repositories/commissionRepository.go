package repositories

import (
	"PsiConsulta/models"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// FindByConsultation returns the commission of a consultation, or nil.
func (r *CommissionRepository) FindByConsultation(ctx context.Context, consultationID string) (*models.Commission, error) {
	var commission models.Commission
	err := conn(ctx, r.db).First(&commission, "consultation_id = ?", consultationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return &commission, nil
}

// Upsert writes the commission keyed by consultation id.
func (r *CommissionRepository) Upsert(ctx context.Context, commission *models.Commission) error {
	if commission.ID == "" {
		commission.ID = uuid.New().String()
	}
	err := conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "consultation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"professional_id", "patient_id", "base_value", "percent", "amount",
			"plan_tier", "period", "status", "type", "updated_at",
		}),
	}).Create(commission).Error
	if err != nil {
		return fmt.Errorf("failed to upsert commission: %w", err)
	}
	return nil
}

// DeleteByConsultation removes the commission of a consultation. It reports whether one existed.
func (r *CommissionRepository) DeleteByConsultation(ctx context.Context, consultationID string) (bool, error) {
	res := conn(ctx, r.db).Where("consultation_id = ?", consultationID).Delete(&models.Commission{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete commission: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListByPeriod returns the commissions of a YYYY-MM period.
func (r *CommissionRepository) ListByPeriod(ctx context.Context, period string) ([]models.Commission, error) {
	var commissions []models.Commission
	err := conn(ctx, r.db).Where("period = ?", period).Order("created_at ASC").Find(&commissions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	return commissions, nil
}
