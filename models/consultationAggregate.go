package models

import (
	"errors"
	"fmt"
)

// LookupKind selects which identifier resolves a consultation.
type LookupKind int

const (
	ByConsultationID LookupKind = iota
	ByReservationID
	BySlotID
	ByParticipantID
)

func (k LookupKind) String() string {
	switch k {
	case ByConsultationID:
		return "consultation"
	case ByReservationID:
		return "reservation"
	case BySlotID:
		return "slot"
	case ByParticipantID:
		return "participant"
	default:
		return "unknown"
	}
}

// ConsultationLookup is a tagged union of the keys a consultation can be resolved by.
// A participant lookup resolves that participant's most recent active consultation.
type ConsultationLookup struct {
	Kind LookupKind
	ID   string
}

func LookupConsultation(id string) ConsultationLookup {
	return ConsultationLookup{Kind: ByConsultationID, ID: id}
}

// ResolveLookup picks the first non-empty key in priority order:
// consultation, reservation, slot, participant.
func ResolveLookup(consultationID, reservationID, slotID, participantID string) (ConsultationLookup, error) {
	switch {
	case consultationID != "":
		return ConsultationLookup{Kind: ByConsultationID, ID: consultationID}, nil
	case reservationID != "":
		return ConsultationLookup{Kind: ByReservationID, ID: reservationID}, nil
	case slotID != "":
		return ConsultationLookup{Kind: BySlotID, ID: slotID}, nil
	case participantID != "":
		return ConsultationLookup{Kind: ByParticipantID, ID: participantID}, nil
	}
	return ConsultationLookup{}, errors.New("no consultation identifier supplied")
}

func (l ConsultationLookup) String() string {
	return fmt.Sprintf("%s:%s", l.Kind, l.ID)
}

// ConsultationAggregate is a consultation with its direct relations, as loaded in one read.
type ConsultationAggregate struct {
	Consultation Consultation
	Professional Professional
	Reservation  *SessionReservation
	Slot         *ScheduleSlot
	PlanCycle    *PlanCycle
}

// NewConsultationAggregate detaches the preloaded relations and validates the result.
func NewConsultationAggregate(c Consultation) (*ConsultationAggregate, error) {
	agg := &ConsultationAggregate{
		Reservation: c.Reservation,
		Slot:        c.Slot,
		PlanCycle:   c.PlanCycle,
	}
	if c.Professional != nil {
		agg.Professional = *c.Professional
	}
	c.Reservation, c.Slot, c.PlanCycle, c.Professional = nil, nil, nil, nil
	agg.Consultation = c
	if err := agg.Validate(); err != nil {
		return nil, err
	}
	return agg, nil
}

// Validate rejects aggregates the state machine cannot reason about.
func (a *ConsultationAggregate) Validate() error {
	c := a.Consultation
	switch {
	case c.ID == "":
		return errors.New("consultation id is empty")
	case c.PatientID == "" || c.ProfessionalID == "":
		return fmt.Errorf("consultation %s has no patient or professional", c.ID)
	case c.ScheduledAt.IsZero():
		return fmt.Errorf("consultation %s has no scheduled start", c.ID)
	case !c.Status.Valid():
		return fmt.Errorf("consultation %s has unknown status %q", c.ID, c.Status)
	case a.Professional.ID != c.ProfessionalID:
		return fmt.Errorf("consultation %s professional %s not loaded", c.ID, c.ProfessionalID)
	case a.Reservation != nil && a.Reservation.ConsultationID != c.ID:
		return fmt.Errorf("consultation %s has a foreign reservation", c.ID)
	case a.Slot != nil && a.Slot.ID != c.SlotID:
		return fmt.Errorf("consultation %s slot mismatch", c.ID)
	}
	return nil
}

// BothJoined reports whether both joined timestamps are set.
func (a *ConsultationAggregate) BothJoined() bool {
	return a.Reservation != nil && a.Reservation.PatientJoinedAt != nil && a.Reservation.ProfessionalJoinedAt != nil
}

// NoneJoined reports whether neither participant has joined.
func (a *ConsultationAggregate) NoneJoined() bool {
	return a.Reservation == nil || (a.Reservation.PatientJoinedAt == nil && a.Reservation.ProfessionalJoinedAt == nil)
}

// MissingRole returns who has not joined, or "" if both did.
func (a *ConsultationAggregate) MissingRole() MissingRole {
	switch {
	case a.NoneJoined():
		return MissingBoth
	case a.Reservation.PatientJoinedAt == nil:
		return MissingPatient
	case a.Reservation.ProfessionalJoinedAt == nil:
		return MissingProfessional
	}
	return ""
}

// ParticipantID returns the user id behind a role.
func (a *ConsultationAggregate) ParticipantID(role Role) string {
	if role == RolePatient {
		return a.Consultation.PatientID
	}
	return a.Consultation.ProfessionalID
}
