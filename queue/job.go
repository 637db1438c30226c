package queue

import (
	"fmt"
	"time"
)

// Kind names a step of the consultation timeline.
type Kind string

const (
	KindNotifyStart         Kind = "notify-start"
	KindStartSession        Kind = "start-session"
	KindIssueTokens         Kind = "issue-tokens"
	KindWarnInactivity      Kind = "warn-inactivity"
	KindCancelNoShow        Kind = "cancel-no-show"
	KindNotifyTimeRemaining Kind = "notify-time-remaining"
	KindFinishSession       Kind = "finish-session"
	KindFinalize            Kind = "finalize-consultation"
	KindEndConsultation     Kind = "end-consultation"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Job is the payload stored for one delayed execution.
type Job struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	ConsultationID   string    `json:"consultationId"`
	ScheduledStart   time.Time `json:"scheduledStart"`
	RunAt            time.Time `json:"runAt"`
	MinutesRemaining int       `json:"minutesRemaining,omitempty"`
	CountdownSeconds int       `json:"countdownSeconds,omitempty"`
	Attempts         int       `json:"attempts"`
}

// JobID is the deduplication key of a job. Enqueueing the same id again replaces the pending job.
func JobID(kind Kind, consultationID string, minutesRemaining int) string {
	if minutesRemaining > 0 {
		return fmt.Sprintf("%s:%s:%d", kind, consultationID, minutesRemaining)
	}
	return fmt.Sprintf("%s:%s", kind, consultationID)
}

// Backoff returns the retry delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := minBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
