package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Role identifies a participant of a consultation.
type Role string

const (
	RolePatient      Role = "patient"
	RoleProfessional Role = "professional"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProfessional
}

// MissingRole names who failed to join a session.
type MissingRole string

const (
	MissingPatient      MissingRole = "Patient"
	MissingProfessional MissingRole = "Professional"
	MissingBoth         MissingRole = "Both"
)

func (m MissingRole) Valid() bool {
	return m == MissingPatient || m == MissingProfessional || m == MissingBoth
}

// Consultation model
type Consultation struct {
	ID               string              `gorm:"primaryKey;column:id" json:"id"`
	ScheduledAt      time.Time           `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	Status           ConsultationStatus  `gorm:"column:status;size:64;not null;index" json:"status"`
	Billable         bool                `gorm:"column:billable;not null;default:false" json:"billable"`
	Origin           StatusOrigin        `gorm:"column:origin;size:32" json:"origin"`
	TriggerScreen    string              `gorm:"column:trigger_screen;size:128" json:"trigger_screen"`
	BalanceEffect    BalanceEffect       `gorm:"column:balance_effect;size:32" json:"balance_effect"`
	AppealGranted    *bool               `gorm:"column:appeal_granted" json:"appeal_granted,omitempty"`
	Value            decimal.Decimal     `gorm:"column:value;type:numeric(12,2);not null;default:0" json:"value"`
	PatientID        string              `gorm:"column:patient_id;not null;index" json:"patient_id"`
	ProfessionalID   string              `gorm:"column:professional_id;not null;index" json:"professional_id"`
	PlanCycleID      *string             `gorm:"column:plan_cycle_id;index" json:"plan_cycle_id,omitempty"`
	SlotID           string              `gorm:"column:slot_id;not null;index" json:"slot_id"`
	StatusActorID    string              `gorm:"column:status_actor_id;size:64" json:"status_actor_id,omitempty"`
	CreditRefundedAt *time.Time          `gorm:"column:credit_refunded_at" json:"credit_refunded_at,omitempty"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	Reservation      *SessionReservation `gorm:"foreignKey:ConsultationID;references:ID" json:"-"`
	Slot             *ScheduleSlot       `gorm:"foreignKey:SlotID;references:ID" json:"-"`
	PlanCycle        *PlanCycle          `gorm:"foreignKey:PlanCycleID;references:ID" json:"-"`
	Professional     *Professional       `gorm:"foreignKey:ProfessionalID;references:ID" json:"-"`
}

func (Consultation) TableName() string {
	return "consultations"
}

// ReservationStatus mirrors part of the consultation status on the session reservation.
type ReservationStatus string

const (
	ReservationReserved   ReservationStatus = "Reservado"
	ReservationInProgress ReservationStatus = "EmAndamento"
	ReservationCompleted  ReservationStatus = "Concluido"
	ReservationCancelled  ReservationStatus = "Cancelado"
)

// SessionReservation tracks joins and transport tokens of a consultation.
type SessionReservation struct {
	ID                   string            `gorm:"primaryKey;column:id" json:"id"`
	ConsultationID       string            `gorm:"column:consultation_id;not null;uniqueIndex" json:"consultation_id"`
	ScheduledAt          time.Time         `gorm:"column:scheduled_at;not null" json:"scheduled_at"`
	PatientJoinedAt      *time.Time        `gorm:"column:patient_joined_at" json:"patient_joined_at"`
	ProfessionalJoinedAt *time.Time        `gorm:"column:professional_joined_at" json:"professional_joined_at"`
	PatientToken         *string           `gorm:"column:patient_token;type:text" json:"-"`
	ProfessionalToken    *string           `gorm:"column:professional_token;type:text" json:"-"`
	Status               ReservationStatus `gorm:"column:status;size:32;not null" json:"status"`
	UpdatedAt            time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (SessionReservation) TableName() string {
	return "session_reservations"
}

// JoinedAt returns the joined timestamp of role.
func (r *SessionReservation) JoinedAt(role Role) *time.Time {
	if r == nil {
		return nil
	}
	if role == RolePatient {
		return r.PatientJoinedAt
	}
	return r.ProfessionalJoinedAt
}

// Token returns the stored transport token of role.
func (r *SessionReservation) Token(role Role) *string {
	if r == nil {
		return nil
	}
	if role == RolePatient {
		return r.PatientToken
	}
	return r.ProfessionalToken
}

// SlotStatus is the availability state of a schedule slot.
type SlotStatus string

const (
	SlotAvailable  SlotStatus = "Available"
	SlotReserved   SlotStatus = "Reserved"
	SlotInProgress SlotStatus = "InProgress"
	SlotCompleted  SlotStatus = "Completed"
	SlotCancelled  SlotStatus = "Cancelled"
)

// ScheduleSlot is a bookable unit of professional availability.
type ScheduleSlot struct {
	ID             string     `gorm:"primaryKey;column:id" json:"id"`
	ProfessionalID string     `gorm:"column:professional_id;not null;index" json:"professional_id"`
	PatientID      *string    `gorm:"column:patient_id;index" json:"patient_id"`
	StartsAt       time.Time  `gorm:"column:starts_at;not null;index" json:"starts_at"`
	Status         SlotStatus `gorm:"column:status;size:32;not null" json:"status"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ScheduleSlot) TableName() string {
	return "schedule_slots"
}

// PersonType is the contracting form of a professional.
type PersonType string

const (
	PersonIncorporated PersonType = "juridico"
	PersonIndependent  PersonType = "autonomo"
)

// Professional model
type Professional struct {
	ID         string     `gorm:"primaryKey;column:id" json:"id"`
	Name       string     `gorm:"column:name;not null" json:"name"`
	Email      string     `gorm:"column:email" json:"email"`
	PersonType PersonType `gorm:"column:person_type;size:16;not null;default:autonomo" json:"person_type"`
	Active     bool       `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Professional) TableName() string {
	return "professionals"
}

// CommissionStatus tells whether a payout can be settled in its period.
type CommissionStatus string

const (
	CommissionAvailable CommissionStatus = "disponivel"
	CommissionHeld      CommissionStatus = "retido"
)

// CommissionType is the only commission type written by this service.
const CommissionType = "repasse"

// Commission is the payout owed to a professional for one consultation.
type Commission struct {
	ID             string           `gorm:"primaryKey;column:id" json:"id"`
	ConsultationID string           `gorm:"column:consultation_id;not null;uniqueIndex" json:"consultation_id"`
	ProfessionalID string           `gorm:"column:professional_id;not null;index" json:"professional_id"`
	PatientID      string           `gorm:"column:patient_id;not null" json:"patient_id"`
	BaseValue      decimal.Decimal  `gorm:"column:base_value;type:numeric(12,4);not null" json:"base_value"`
	Percent        decimal.Decimal  `gorm:"column:percent;type:numeric(5,4);not null" json:"percent"`
	Amount         decimal.Decimal  `gorm:"column:amount;type:numeric(12,4);not null" json:"amount"`
	PlanTier       PlanKind         `gorm:"column:plan_tier;size:16;not null" json:"plan_tier"`
	Period         string           `gorm:"column:period;size:7;not null;index" json:"period"`
	Status         CommissionStatus `gorm:"column:status;size:16;not null" json:"status"`
	Type           string           `gorm:"column:type;size:16;not null;default:repasse" json:"type"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Commission) TableName() string {
	return "commissions"
}

// AuditStatus is the outcome recorded with an audit entry.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "Sucesso"
	AuditFailure AuditStatus = "Falha"
	AuditAlert   AuditStatus = "Alerta"
)

// AuditLog model
type AuditLog struct {
	ID          string         `gorm:"primaryKey;column:id" json:"id"`
	UserID      string         `gorm:"column:user_id;size:64;index" json:"user_id"`
	Action      string         `gorm:"column:action;size:64;not null;index" json:"action"`
	Module      string         `gorm:"column:module;size:64;not null" json:"module"`
	Description string         `gorm:"column:description;type:text" json:"description"`
	Status      AuditStatus    `gorm:"column:status;size:16;not null" json:"status"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
