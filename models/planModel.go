package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlanKind is the billing cadence of a patient plan.
type PlanKind string

const (
	PlanSingle     PlanKind = "avulsa"
	PlanMonthly    PlanKind = "mensal"
	PlanQuarterly  PlanKind = "trimestral"
	PlanSemiannual PlanKind = "semestral"
)

// SessionsPerCycle is the number of sessions one plan price pays for.
func (k PlanKind) SessionsPerCycle() int64 {
	switch k {
	case PlanMonthly:
		return 4
	case PlanQuarterly:
		return 12
	case PlanSemiannual:
		return 24
	default:
		return 1
	}
}

// Plan is a sellable session package.
type Plan struct {
	ID        string          `gorm:"primaryKey;column:id" json:"id"`
	Name      string          `gorm:"column:name;size:100;not null;unique" json:"name"`
	Kind      PlanKind        `gorm:"column:kind;size:16;not null;index" json:"kind"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null" json:"price"`
	Active    bool            `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// PatientPlan binds a patient to a plan.
type PatientPlan struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	PatientID string    `gorm:"column:patient_id;not null;index" json:"patient_id"`
	PlanID    string    `gorm:"column:plan_id;not null" json:"plan_id"`
	Active    bool      `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	Plan      Plan      `gorm:"foreignKey:PlanID;references:ID" json:"plan"`
}

func (PatientPlan) TableName() string {
	return "patient_plans"
}

// PlanCycle is the session-credit pool of a patient's active plan period.
type PlanCycle struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	PatientID string    `gorm:"column:patient_id;not null;index" json:"patient_id"`
	Available int       `gorm:"column:available;not null;default:0" json:"available"`
	Used      int       `gorm:"column:used;not null;default:0" json:"used"`
	Active    bool      `gorm:"column:active;not null;default:true" json:"active"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (PlanCycle) TableName() string {
	return "plan_cycles"
}

// SeedPlans inserts the list-price plans used as commission fallbacks.
func SeedPlans(db *gorm.DB) error {
	initialPlans := []Plan{
		{ID: "plan-avulsa", Name: "Avulsa", Kind: PlanSingle, Price: decimal.RequireFromString("189.99"), Active: true},
		{ID: "plan-mensal", Name: "Mensal", Kind: PlanMonthly, Price: decimal.RequireFromString("679.96"), Active: true},
		{ID: "plan-trimestral", Name: "Trimestral", Kind: PlanQuarterly, Price: decimal.RequireFromString("1919.88"), Active: true},
		{ID: "plan-semestral", Name: "Semestral", Kind: PlanSemiannual, Price: decimal.RequireFromString("3599.76"), Active: true},
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, plan := range initialPlans {
			if err := tx.FirstOrCreate(&plan, Plan{Name: plan.Name}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
