package services

import (
	"PsiConsulta/models"
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const auditModule = "Consultas"

// AuditEntry describes one mutating operation.
type AuditEntry struct {
	UserID      string
	Action      string
	Description string
	Status      models.AuditStatus
	Metadata    map[string]interface{}
}

// Auditor writes audit rows. Failures are logged and never returned.
type Auditor struct {
	store AuditStore
	log   *zap.Logger
}

func NewAuditor(store AuditStore, log *zap.Logger) *Auditor {
	return &Auditor{store: store, log: log}
}

func (a *Auditor) Record(ctx context.Context, entry AuditEntry) {
	if a == nil || a.store == nil {
		return
	}
	row := &models.AuditLog{
		UserID:      entry.UserID,
		Action:      entry.Action,
		Module:      auditModule,
		Description: entry.Description,
		Status:      entry.Status,
	}
	if row.Status == "" {
		row.Status = models.AuditSuccess
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err == nil {
			row.Metadata = datatypes.JSON(raw)
		}
	}
	if err := a.store.Create(ctx, row); err != nil {
		a.log.Warn("failed to write audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}

// Event wraps Record for the post-commit dispatcher.
func (a *Auditor) Event(entry AuditEntry) Event {
	return func(ctx context.Context) {
		a.Record(ctx, entry)
	}
}
