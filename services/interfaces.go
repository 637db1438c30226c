package services

import (
	"PsiConsulta/models"
	"PsiConsulta/queue"
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ConsultationStore is the relational side of the consultation aggregate.
// Calls made with the context handed to WithinTransaction join that transaction.
type ConsultationStore interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	LoadAggregate(ctx context.Context, lookup models.ConsultationLookup) (*models.ConsultationAggregate, error)
	Status(ctx context.Context, consultationID string) (models.ConsultationStatus, error)
	UpdateStatus(ctx context.Context, c *models.Consultation) error
	CountOtherInProgress(ctx context.Context, consultationID, patientID, professionalID string) (int64, error)
	RefundCredit(ctx context.Context, consultationID, planCycleID string, at time.Time) (bool, error)
	UpdateSlot(ctx context.Context, slotID string, status models.SlotStatus, release bool) error
	UpdateReservation(ctx context.Context, consultationID string, status models.ReservationStatus, clearTokens bool) error
	ClearTokens(ctx context.Context, consultationID string) error
	SaveTokens(ctx context.Context, consultationID, patientToken, professionalToken string) error
	MarkJoined(ctx context.Context, consultationID string, role models.Role, at time.Time) (bool, error)
	ListByStatus(ctx context.Context, status models.ConsultationStatus, limit int) ([]models.Consultation, error)
	CountByStatus(ctx context.Context, from, to time.Time) (map[models.ConsultationStatus]int64, error)
}

// PlanStore resolves plan prices for payouts.
type PlanStore interface {
	ActivePatientPlan(ctx context.Context, patientID string) (*models.PatientPlan, error)
	ListPrice(ctx context.Context) (decimal.Decimal, error)
}

type CommissionStore interface {
	FindByConsultation(ctx context.Context, consultationID string) (*models.Commission, error)
	Upsert(ctx context.Context, commission *models.Commission) error
	DeleteByConsultation(ctx context.Context, consultationID string) (bool, error)
	ListByPeriod(ctx context.Context, period string) ([]models.Commission, error)
}

type AuditStore interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// KVStore is a string key-value store with per-key expiry. Get returns "" for a missing key.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys ...string) error
}

// Notifier delivers real-time events. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, channel, event string, payload interface{})
	NotifyUser(ctx context.Context, userID, event string, payload interface{})
}

type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Remove(ctx context.Context, ids ...string) error
	Pending(ctx context.Context, id string) (time.Time, bool, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}
