package services

import (
	"PsiConsulta/queue"
	"PsiConsulta/utils"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	preStartNotice    = 10 * time.Minute
	inactivityWarning = 9*time.Minute + 30*time.Second
	safetyNetDelay    = time.Minute
)

// countdownMinutes are the remaining-time notices sent near the end of a session.
var countdownMinutes = []int{15, 10, 5, 3}

// TimelineStep is one job of the timeline, relative to the scheduled start.
type TimelineStep struct {
	Kind             queue.Kind
	Offset           time.Duration
	MinutesRemaining int
	CountdownSeconds int
}

// Timeline returns the fixed job sequence for a session of the given length.
func Timeline(sessionLength time.Duration) []TimelineStep {
	steps := []TimelineStep{
		{Kind: queue.KindNotifyStart, Offset: -preStartNotice},
		{Kind: queue.KindStartSession},
		{Kind: queue.KindIssueTokens},
		{Kind: queue.KindWarnInactivity, Offset: inactivityWarning, CountdownSeconds: int((utils.NoShowDeadline - inactivityWarning).Seconds())},
		{Kind: queue.KindCancelNoShow, Offset: utils.NoShowDeadline},
	}
	for _, minutes := range countdownMinutes {
		steps = append(steps, TimelineStep{
			Kind:             queue.KindNotifyTimeRemaining,
			Offset:           sessionLength - time.Duration(minutes)*time.Minute,
			MinutesRemaining: minutes,
		})
	}
	return append(steps,
		TimelineStep{Kind: queue.KindFinishSession, Offset: sessionLength},
		TimelineStep{Kind: queue.KindFinalize, Offset: sessionLength},
		TimelineStep{Kind: queue.KindEndConsultation, Offset: sessionLength + safetyNetDelay},
	)
}

// TimelineScheduler enqueues the delayed jobs of a consultation.
type TimelineScheduler struct {
	queue         JobQueue
	clock         utils.Clock
	sessionLength time.Duration
	log           *zap.Logger
}

func NewTimelineScheduler(jobs JobQueue, clock utils.Clock, sessionLength time.Duration, log *zap.Logger) *TimelineScheduler {
	return &TimelineScheduler{queue: jobs, clock: clock, sessionLength: sessionLength, log: log}
}

// ScheduleTimeline enqueues every step at scheduledStart plus its offset. Steps already in the
// past run immediately. Scheduling again replaces the pending jobs.
func (s *TimelineScheduler) ScheduleTimeline(ctx context.Context, consultationID string, scheduledStart time.Time) ([]queue.Job, error) {
	if consultationID == "" || scheduledStart.IsZero() {
		return nil, utils.NewValidationError("consultation id and scheduled start are required", nil)
	}
	start := utils.Normalize(s.clock, scheduledStart)
	now := s.clock.Now()

	jobs := make([]queue.Job, 0, 12)
	for _, step := range Timeline(s.sessionLength) {
		job := queue.Job{
			ID:               queue.JobID(step.Kind, consultationID, step.MinutesRemaining),
			Kind:             step.Kind,
			ConsultationID:   consultationID,
			ScheduledStart:   start,
			RunAt:            now.Add(utils.ClampDelay(now, start.Add(step.Offset))),
			MinutesRemaining: step.MinutesRemaining,
			CountdownSeconds: step.CountdownSeconds,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return nil, utils.NewTransientError(fmt.Sprintf("failed to schedule %s", job.ID), err)
		}
		jobs = append(jobs, job)
	}

	s.log.Info("consultation timeline scheduled",
		zap.String("consultation_id", consultationID),
		zap.Time("scheduled_start", start),
		zap.Duration("delay", utils.ClampDelay(now, start)),
	)
	return jobs, nil
}

// PendingJob is a timeline step still waiting in the queue.
type PendingJob struct {
	ID    string     `json:"id"`
	Kind  queue.Kind `json:"kind"`
	RunAt time.Time  `json:"runAt"`
}

// PendingTimeline lists the steps of a consultation that have not been promoted yet.
func (s *TimelineScheduler) PendingTimeline(ctx context.Context, consultationID string) ([]PendingJob, error) {
	var pending []PendingJob
	for _, step := range Timeline(s.sessionLength) {
		id := queue.JobID(step.Kind, consultationID, step.MinutesRemaining)
		at, ok, err := s.queue.Pending(ctx, id)
		if err != nil {
			return nil, utils.NewTransientError("failed to read pending jobs", err)
		}
		if ok {
			pending = append(pending, PendingJob{ID: id, Kind: step.Kind, RunAt: utils.Normalize(s.clock, at)})
		}
	}
	return pending, nil
}

// RemoveTimeline deletes the pending jobs of a consultation.
func (s *TimelineScheduler) RemoveTimeline(ctx context.Context, consultationID string) error {
	var ids []string
	for _, step := range Timeline(s.sessionLength) {
		ids = append(ids, queue.JobID(step.Kind, consultationID, step.MinutesRemaining))
	}
	return s.queue.Remove(ctx, ids...)
}
