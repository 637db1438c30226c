package services

import (
	"PsiConsulta/models"
	"PsiConsulta/utils"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	roomTTL       = 2 * time.Hour
	closedRoomTTL = 24 * time.Hour
	tokenTTL      = time.Hour
	durationTTL   = 2 * time.Hour

	roomOpen   = "open"
	roomClosed = "closed"
)

// CloseReason tells why a room was closed and which transition follows.
type CloseReason string

const (
	CloseCompleted  CloseReason = "completed"
	CloseInactivity CloseReason = "inactivity"
	CloseTimeout    CloseReason = "timeout"
	CloseCancelled  CloseReason = "cancelled"
)

func (r CloseReason) Valid() bool {
	switch r {
	case CloseCompleted, CloseInactivity, CloseTimeout, CloseCancelled:
		return true
	}
	return false
}

func RoomKey(consultationID string) string {
	return "room:" + consultationID
}

func TokenKey(consultationID string, role models.Role) string {
	return fmt.Sprintf("token:%s:%s", consultationID, role)
}

func DurationKey(consultationID string) string {
	return "session:duration:" + consultationID
}

// Room is the ephemeral presence snapshot of a consultation.
type Room struct {
	ConsultationID       string      `json:"consultationId"`
	ScheduledAt          time.Time   `json:"scheduledAt"`
	Status               string      `json:"status"`
	PatientJoined        bool        `json:"patientJoined"`
	PatientJoinedAt      *time.Time  `json:"patientJoinedAt,omitempty"`
	PsychologistJoined   bool        `json:"psychologistJoined"`
	PsychologistJoinedAt *time.Time  `json:"psychologistJoinedAt,omitempty"`
	ClosedAt             *time.Time  `json:"closedAt,omitempty"`
	TokensInvalidated    bool        `json:"tokensInvalidated"`
	Reason               CloseReason `json:"reason,omitempty"`
}

func (r *Room) Open() bool {
	return r.Status == roomOpen && !r.TokensInvalidated
}

func (r *Room) BothJoined() bool {
	return r.PatientJoined && r.PsychologistJoined
}

func (r *Room) markJoined(role models.Role, at time.Time) bool {
	switch role {
	case models.RolePatient:
		if r.PatientJoined {
			return false
		}
		r.PatientJoined, r.PatientJoinedAt = true, &at
	case models.RoleProfessional:
		if r.PsychologistJoined {
			return false
		}
		r.PsychologistJoined, r.PsychologistJoinedAt = true, &at
	}
	return true
}

// SessionDuration is the timer snapshot shared by both clients.
type SessionDuration struct {
	ElapsedSeconds    int       `json:"elapsedSeconds"`
	RemainingSeconds  int       `json:"remainingSeconds"`
	LastWarningMinute int       `json:"lastWarningMinute,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CloseRequest closes a room. MissingRole is used for inactivity and timeout closes;
// Force finalizes a completed session without both joins recorded.
type CloseRequest struct {
	ConsultationID string
	Reason         CloseReason
	MissingRole    models.MissingRole
	Force          bool
	ActorID        string
}

// PresenceService keeps the short-lived room state. It is advisory: a store failure never
// blocks the relational side of a close.
type PresenceService struct {
	kv         KVStore
	repo       ConsultationStore
	engine     *TransitionService
	notifier   Notifier
	dispatcher *Dispatcher
	clock      utils.Clock
	log        *zap.Logger
}

func NewPresenceService(kv KVStore, repo ConsultationStore, engine *TransitionService, notifier Notifier, dispatcher *Dispatcher, clock utils.Clock, log *zap.Logger) *PresenceService {
	return &PresenceService{kv: kv, repo: repo, engine: engine, notifier: notifier, dispatcher: dispatcher, clock: clock, log: log}
}

// GetRoom returns the room snapshot, or nil when there is none.
func (p *PresenceService) GetRoom(ctx context.Context, consultationID string) (*Room, error) {
	raw, err := p.kv.Get(ctx, RoomKey(consultationID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("failed to decode room %s: %w", consultationID, err)
	}
	return &room, nil
}

func (p *PresenceService) saveRoom(ctx context.Context, room *Room, ttl time.Duration) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to encode room %s: %w", room.ConsultationID, err)
	}
	return p.kv.Set(ctx, RoomKey(room.ConsultationID), raw, ttl)
}

// InitializeRoom creates an open room. An existing room is kept as is.
func (p *PresenceService) InitializeRoom(ctx context.Context, consultationID string, scheduledAt time.Time) (*Room, error) {
	existing, err := p.GetRoom(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	room := &Room{
		ConsultationID: consultationID,
		ScheduledAt:    utils.Normalize(p.clock, scheduledAt),
		Status:         roomOpen,
	}
	if err := p.saveRoom(ctx, room, roomTTL); err != nil {
		return nil, err
	}
	p.log.Info("room initialized", zap.String("consultation_id", consultationID))
	return room, nil
}

// RegisterJoin records the first join of role and stores its token. Repeated joins only refresh the token.
func (p *PresenceService) RegisterJoin(ctx context.Context, consultationID string, role models.Role, token string) (*Room, error) {
	if !role.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown role %q", role), nil)
	}
	room, err := p.GetRoom(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		room = &Room{ConsultationID: consultationID, Status: roomOpen}
	}
	if !room.Open() {
		return nil, utils.NewValidationError(fmt.Sprintf("room %s is closed", consultationID), nil)
	}

	now := p.clock.Now()
	if err := p.engine.RecordJoin(ctx, consultationID, role, now); err != nil {
		return nil, err
	}

	firstJoin := room.markJoined(role, now)
	if err := p.saveRoom(ctx, room, roomTTL); err != nil {
		return nil, err
	}
	if token != "" {
		if err := p.kv.Set(ctx, TokenKey(consultationID, role), token, tokenTTL); err != nil {
			return nil, err
		}
	}
	if firstJoin {
		p.dispatcher.Dispatch(broadcast(p.notifier, consultationID, "participant-joined", map[string]interface{}{
			"consultationId": consultationID,
			"role":           role,
			"joinedAt":       now,
			"bothJoined":     room.BothJoined(),
		}))
	}
	return room, nil
}

// IsTokenValid compares token with the stored one. A store error allows the participant;
// a missing entry falls back to the reservation token.
func (p *PresenceService) IsTokenValid(ctx context.Context, consultationID string, role models.Role, token string) bool {
	if token == "" {
		return false
	}
	stored, err := p.kv.Get(ctx, TokenKey(consultationID, role))
	if err != nil {
		p.log.Warn("presence store unavailable, allowing token", zap.String("consultation_id", consultationID), zap.Error(err))
		return true
	}
	if stored != "" {
		return stored == token
	}

	agg, err := p.repo.LoadAggregate(ctx, models.LookupConsultation(consultationID))
	if err != nil {
		if utils.IsBusinessRule(err) {
			return false
		}
		p.log.Warn("token fallback unavailable, allowing token", zap.String("consultation_id", consultationID), zap.Error(err))
		return true
	}
	dbToken := agg.Reservation.Token(role)
	return dbToken != nil && *dbToken == token
}

// IsOpen reports whether the room accepts participants. Without a room entry the consultation
// status decides.
func (p *PresenceService) IsOpen(ctx context.Context, consultationID string) (bool, error) {
	room, err := p.GetRoom(ctx, consultationID)
	if err != nil {
		p.log.Warn("presence store unavailable, using consultation status", zap.String("consultation_id", consultationID), zap.Error(err))
	}
	if err == nil && room != nil {
		return room.Open(), nil
	}
	status, err := p.repo.Status(ctx, consultationID)
	if err != nil {
		return false, err
	}
	return !status.IsTerminal(), nil
}

// CloseRoom closes the room and applies the transition of the reason.
func (p *PresenceService) CloseRoom(ctx context.Context, req CloseRequest) (*models.Consultation, error) {
	if !req.Reason.Valid() {
		return nil, utils.NewValidationError(fmt.Sprintf("unknown close reason %q", req.Reason), nil)
	}
	id := req.ConsultationID
	if err := p.closeEphemeral(ctx, id, req.Reason); err != nil {
		p.log.Warn("failed to close room in presence store", zap.String("consultation_id", id), zap.Error(err))
	}

	var (
		consultation *models.Consultation
		err          error
	)
	switch req.Reason {
	case CloseCompleted:
		consultation, err = p.engine.Finalize(ctx, id, req.Force, req.ActorID)
		if err != nil {
			if clearErr := p.engine.InvalidateTokens(ctx, id); clearErr != nil {
				p.log.Warn("failed to clear tokens", zap.String("consultation_id", id), zap.Error(clearErr))
			}
		}
	case CloseInactivity, CloseTimeout:
		missing := req.MissingRole
		if missing == "" {
			missing = models.MissingBoth
		}
		consultation, err = p.engine.ProcessNoShow(ctx, id, missing)
	case CloseCancelled:
		consultation, err = p.engine.CancelByForceMajeure(ctx, id, req.ActorID)
	}
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"consultationId": id,
		"reason":         req.Reason,
		"status":         consultation.Status,
	}
	p.dispatcher.Dispatch(broadcast(p.notifier, id, "room-closed", payload, consultation.PatientID, consultation.ProfessionalID))
	return consultation, nil
}

func (p *PresenceService) closeEphemeral(ctx context.Context, consultationID string, reason CloseReason) error {
	room, err := p.GetRoom(ctx, consultationID)
	if err != nil {
		return err
	}
	if room == nil {
		room = &Room{ConsultationID: consultationID}
	}
	now := p.clock.Now()
	room.Status = roomClosed
	room.ClosedAt = &now
	room.TokensInvalidated = true
	room.Reason = reason
	if err := p.saveRoom(ctx, room, closedRoomTTL); err != nil {
		return err
	}
	return p.kv.DeleteBatch(ctx,
		TokenKey(consultationID, models.RolePatient),
		TokenKey(consultationID, models.RoleProfessional),
		DurationKey(consultationID),
	)
}

func (p *PresenceService) SaveDuration(ctx context.Context, consultationID string, d SessionDuration) error {
	current, err := p.GetDuration(ctx, consultationID)
	if err != nil {
		return err
	}
	if current != nil && d.LastWarningMinute == 0 {
		d.LastWarningMinute = current.LastWarningMinute
	}
	d.UpdatedAt = p.clock.Now()
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.kv.Set(ctx, DurationKey(consultationID), raw, durationTTL)
}

// GetDuration returns the timer snapshot, or nil when there is none.
func (p *PresenceService) GetDuration(ctx context.Context, consultationID string) (*SessionDuration, error) {
	raw, err := p.kv.Get(ctx, DurationKey(consultationID))
	if err != nil || raw == "" {
		return nil, err
	}
	var d SessionDuration
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to decode duration %s: %w", consultationID, err)
	}
	return &d, nil
}

// SaveLastWarningMinute records a delivered countdown notice. It reports false when this or a
// later notice was already delivered.
func (p *PresenceService) SaveLastWarningMinute(ctx context.Context, consultationID string, minute int) (bool, error) {
	d, err := p.GetDuration(ctx, consultationID)
	if err != nil {
		return false, err
	}
	if d == nil {
		d = &SessionDuration{}
	}
	if d.LastWarningMinute > 0 && d.LastWarningMinute <= minute {
		return false, nil
	}
	d.LastWarningMinute = minute
	return true, p.SaveDuration(ctx, consultationID, *d)
}
