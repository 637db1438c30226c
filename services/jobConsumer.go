package services

import (
	"PsiConsulta/database"
	"PsiConsulta/models"
	"PsiConsulta/queue"
	"PsiConsulta/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// JobConsumer executes timeline jobs. Each job re-reads the consultation and the presence
// state before acting, so late or repeated deliveries turn into no-ops.
type JobConsumer struct {
	repo          ConsultationStore
	engine        *TransitionService
	presence      *PresenceService
	tokens        *TokenService
	notifier      Notifier
	dispatcher    *Dispatcher
	locker        Locker
	clock         utils.Clock
	sessionLength time.Duration
	log           *zap.Logger
}

func NewJobConsumer(
	repo ConsultationStore,
	engine *TransitionService,
	presence *PresenceService,
	tokens *TokenService,
	notifier Notifier,
	dispatcher *Dispatcher,
	locker Locker,
	clock utils.Clock,
	sessionLength time.Duration,
	log *zap.Logger,
) *JobConsumer {
	return &JobConsumer{
		repo:          repo,
		engine:        engine,
		presence:      presence,
		tokens:        tokens,
		notifier:      notifier,
		dispatcher:    dispatcher,
		locker:        locker,
		clock:         clock,
		sessionLength: sessionLength,
		log:           log,
	}
}

func lockKey(consultationID string) string {
	return "lock:consultation:" + consultationID
}

// Handle runs one job under the consultation lock.
func (j *JobConsumer) Handle(ctx context.Context, job queue.Job) error {
	if job.ConsultationID == "" {
		return utils.NewValidationError(fmt.Sprintf("job %s has no consultation id", job.ID), nil)
	}
	release, err := j.locker.Acquire(ctx, lockKey(job.ConsultationID))
	if err != nil {
		if errors.Is(err, database.ErrLockNotAcquired) {
			return utils.NewTransientError("consultation is locked by another job", err)
		}
		return utils.NewTransientError("failed to lock consultation", err)
	}
	defer release()

	agg, err := j.repo.LoadAggregate(ctx, models.LookupConsultation(job.ConsultationID))
	if err != nil {
		return err
	}
	log := j.log.With(
		zap.String("job_id", job.ID),
		zap.String("consultation_id", job.ConsultationID),
		zap.String("status", string(agg.Consultation.Status)),
	)
	if !agg.Consultation.Status.IsActive() {
		log.Debug("consultation already closed, skipping job")
		return nil
	}

	switch job.Kind {
	case queue.KindNotifyStart:
		return j.notifyStart(ctx, agg)
	case queue.KindStartSession:
		return j.startSession(ctx, agg, log)
	case queue.KindIssueTokens:
		return j.issueTokens(ctx, agg)
	case queue.KindWarnInactivity:
		return j.warnInactivity(ctx, agg, job)
	case queue.KindCancelNoShow:
		return j.cancelNoShow(ctx, agg, log)
	case queue.KindNotifyTimeRemaining:
		return j.notifyTimeRemaining(ctx, agg, job, log)
	case queue.KindFinishSession, queue.KindFinalize:
		return j.finish(ctx, agg, job.Kind, log)
	case queue.KindEndConsultation:
		return j.end(ctx, agg, log)
	}
	return utils.NewValidationError(fmt.Sprintf("unknown job kind %q", job.Kind), nil)
}

func (j *JobConsumer) notifyStart(ctx context.Context, agg *models.ConsultationAggregate) error {
	c := agg.Consultation
	payload := map[string]interface{}{
		"consultationId": c.ID,
		"scheduledAt":    c.ScheduledAt,
		"minutesToStart": int(utils.ClampDelay(j.clock.Now(), c.ScheduledAt).Round(time.Minute).Minutes()),
	}
	j.dispatcher.Dispatch(broadcast(j.notifier, c.ID, "session-starting", payload, c.PatientID, c.ProfessionalID))
	return nil
}

// startSession opens the room, moves the consultation to in-progress, and makes sure tokens exist.
func (j *JobConsumer) startSession(ctx context.Context, agg *models.ConsultationAggregate, log *zap.Logger) error {
	c := agg.Consultation
	if _, err := j.presence.InitializeRoom(ctx, c.ID, c.ScheduledAt); err != nil {
		log.Warn("failed to initialize room", zap.Error(err))
	}
	if c.Status != models.StatusEmAndamento {
		if _, err := j.engine.Start(ctx, c.ID, ""); err != nil {
			return err
		}
	}
	return j.issueTokens(ctx, agg)
}

func (j *JobConsumer) issueTokens(ctx context.Context, agg *models.ConsultationAggregate) error {
	tokens, err := j.tokens.EnsureTransportTokens(ctx, agg.Consultation.ID)
	if err != nil {
		return err
	}
	if tokens.Reused {
		return nil
	}
	for _, role := range []models.Role{models.RolePatient, models.RoleProfessional} {
		userID := agg.ParticipantID(role)
		payload := map[string]interface{}{
			"consultationId": agg.Consultation.ID,
			"role":           role,
			"token":          tokens.Token(role),
		}
		j.dispatcher.Dispatch(func(ctx context.Context) {
			j.notifier.NotifyUser(ctx, userID, "session-token", payload)
		})
	}
	return nil
}

func (j *JobConsumer) warnInactivity(ctx context.Context, agg *models.ConsultationAggregate, job queue.Job) error {
	if agg.BothJoined() {
		return nil
	}
	j.dispatcher.Dispatch(broadcast(j.notifier, agg.Consultation.ID, "inactivity-warning", map[string]interface{}{
		"consultationId":   agg.Consultation.ID,
		"missingRole":      agg.MissingRole(),
		"countdownSeconds": job.CountdownSeconds,
	}))
	return nil
}

// cancelNoShow cancels only when neither participant joined by the deadline.
func (j *JobConsumer) cancelNoShow(ctx context.Context, agg *models.ConsultationAggregate, log *zap.Logger) error {
	c := agg.Consultation
	if utils.EvaluateNoShowWindow(j.clock.Now(), c.ScheduledAt) != utils.WindowExpired {
		return utils.NewTransientError(fmt.Sprintf("no-show deadline of %s not reached", c.ID), nil)
	}
	if !agg.NoneJoined() {
		log.Info("a participant joined, keeping consultation", zap.String("missing", string(agg.MissingRole())))
		return nil
	}
	_, err := j.presence.CloseRoom(ctx, CloseRequest{
		ConsultationID: c.ID,
		Reason:         CloseInactivity,
		MissingRole:    models.MissingBoth,
	})
	return err
}

// notifyTimeRemaining sends a countdown notice once, and only while both participants are in the room.
func (j *JobConsumer) notifyTimeRemaining(ctx context.Context, agg *models.ConsultationAggregate, job queue.Job, log *zap.Logger) error {
	id := agg.Consultation.ID
	room, err := j.presence.GetRoom(ctx, id)
	if err != nil {
		return utils.NewTransientError("failed to read room", err)
	}
	if room == nil || !room.Open() || !room.BothJoined() {
		log.Debug("participants not present, skipping countdown", zap.Int("minutes_remaining", job.MinutesRemaining))
		return nil
	}
	first, err := j.presence.SaveLastWarningMinute(ctx, id, job.MinutesRemaining)
	if err != nil {
		return utils.NewTransientError("failed to save countdown", err)
	}
	if !first {
		return nil
	}
	j.dispatcher.Dispatch(broadcast(j.notifier, id, "time-remaining", map[string]interface{}{
		"consultationId":   id,
		"minutesRemaining": job.MinutesRemaining,
	}))
	return nil
}

// finish completes a session where both participants are known to have joined. When only the
// room saw both joins, the session is forced once its length has elapsed. Anything else is left
// to the end-of-consultation job.
func (j *JobConsumer) finish(ctx context.Context, agg *models.ConsultationAggregate, kind queue.Kind, log *zap.Logger) error {
	force, ok := j.finalizable(ctx, agg)
	if !ok {
		log.Info("participants incomplete, deferring to end job", zap.String("missing", string(agg.MissingRole())))
		return nil
	}
	id := agg.Consultation.ID
	var err error
	if kind == queue.KindFinishSession {
		_, err = j.presence.CloseRoom(ctx, CloseRequest{ConsultationID: id, Reason: CloseCompleted, Force: force})
	} else {
		_, err = j.engine.Finalize(ctx, id, force, "")
	}
	return err
}

// end is the safety net after the session length: finalize when both joined, otherwise close
// as a no-show of whoever is missing.
func (j *JobConsumer) end(ctx context.Context, agg *models.ConsultationAggregate, log *zap.Logger) error {
	id := agg.Consultation.ID
	if force, ok := j.finalizable(ctx, agg); ok {
		_, err := j.engine.Finalize(ctx, id, force || j.elapsed(agg), "")
		return err
	}
	missing := agg.MissingRole()
	log.Info("closing consultation as no-show", zap.String("missing", string(missing)))
	_, err := j.presence.CloseRoom(ctx, CloseRequest{ConsultationID: id, Reason: CloseTimeout, MissingRole: missing})
	return err
}

func (j *JobConsumer) finalizable(ctx context.Context, agg *models.ConsultationAggregate) (force bool, ok bool) {
	if agg.BothJoined() {
		return false, true
	}
	room, err := j.presence.GetRoom(ctx, agg.Consultation.ID)
	if err != nil || room == nil || !room.BothJoined() {
		return false, false
	}
	if !j.elapsed(agg) {
		return false, false
	}
	return true, true
}

func (j *JobConsumer) elapsed(agg *models.ConsultationAggregate) bool {
	return !j.clock.Now().Before(agg.Consultation.ScheduledAt.Add(j.sessionLength))
}
