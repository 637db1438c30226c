package services

import (
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TransportTokens are the per-role credentials handed to the video transport.
type TransportTokens struct {
	ConsultationID    string `json:"consultationId"`
	PatientToken      string `json:"patientToken"`
	ProfessionalToken string `json:"psychologistToken"`
	Reused            bool   `json:"reused"`
}

// Token returns the token of role.
func (t *TransportTokens) Token(role models.Role) string {
	if role == models.RolePatient {
		return t.PatientToken
	}
	return t.ProfessionalToken
}

type TokenService struct {
	repo   ConsultationStore
	issuer *utils.TokenIssuer
	clock  utils.Clock
	log    *zap.Logger
}

func NewTokenService(repo ConsultationStore, issuer *utils.TokenIssuer, clock utils.Clock, log *zap.Logger) *TokenService {
	return &TokenService{repo: repo, issuer: issuer, clock: clock, log: log}
}

// EnsureTransportTokens returns the stored tokens while both are still valid, and otherwise
// issues and stores a fresh pair.
func (s *TokenService) EnsureTransportTokens(ctx context.Context, consultationID string) (*TransportTokens, error) {
	agg, err := s.repo.LoadAggregate(ctx, models.LookupConsultation(consultationID))
	if err != nil {
		return nil, err
	}
	if !agg.Consultation.Status.IsActive() {
		return nil, utils.NewInvalidTransitionError(string(agg.Consultation.Status), "issue-tokens")
	}
	if agg.Reservation == nil {
		return nil, utils.NewNotFoundError(fmt.Sprintf("consultation %s has no session reservation", consultationID))
	}

	now := s.clock.Now()
	if p, q := agg.Reservation.PatientToken, agg.Reservation.ProfessionalToken; p != nil && q != nil {
		if s.valid(*p, consultationID, now) && s.valid(*q, consultationID, now) {
			return &TransportTokens{ConsultationID: consultationID, PatientToken: *p, ProfessionalToken: *q, Reused: true}, nil
		}
	}

	tokens := &TransportTokens{ConsultationID: consultationID}
	for _, role := range []models.Role{models.RolePatient, models.RoleProfessional} {
		token, err := s.issuer.Issue(consultationID, string(role), agg.ParticipantID(role), now)
		if err != nil {
			return nil, err
		}
		if role == models.RolePatient {
			tokens.PatientToken = token
		} else {
			tokens.ProfessionalToken = token
		}
	}
	if err := s.repo.SaveTokens(ctx, consultationID, tokens.PatientToken, tokens.ProfessionalToken); err != nil {
		return nil, err
	}
	s.log.Info("transport tokens issued", zap.String("consultation_id", consultationID))
	return tokens, nil
}

// Validate decodes a participant token.
func (s *TokenService) Validate(token string) (*utils.TransportClaims, error) {
	return s.issuer.Validate(token, s.clock.Now())
}

func (s *TokenService) valid(token, consultationID string, now time.Time) bool {
	claims, err := s.issuer.Validate(token, now)
	return err == nil && claims.ConsultationID == consultationID
}
