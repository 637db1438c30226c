package utils

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"
)

const (
	// DefaultTimezone is the canonical zone for every delay and period computation.
	DefaultTimezone = "America/Sao_Paulo"

	// NoShowDeadline is how long after the scheduled start a missing participant is a no-show.
	NoShowDeadline = 10 * time.Minute

	// StartWindow is how early a consultation may move to in-progress.
	StartWindow = time.Minute

	wallClockLayout = "2006-01-02 15:04:05"
)

// Clock supplies the current time already normalized to the canonical zone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// SystemClock reads the wall clock and converts it to a fixed location.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock loads the named zone. An empty name uses DefaultTimezone.
func NewSystemClock(zone string) (*SystemClock, error) {
	if zone == "" {
		zone = DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", zone, err)
	}
	return &SystemClock{loc: loc}, nil
}

func (c *SystemClock) Now() time.Time {
	return time.Now().In(c.loc)
}

func (c *SystemClock) Location() *time.Location {
	return c.loc
}

// Normalize converts t to the clock's zone. The instant is unchanged.
func Normalize(c Clock, t time.Time) time.Time {
	return t.In(c.Location())
}

// ParseWallClock reads a naive "YYYY-MM-DD HH:MM:SS" timestamp as wall time in the clock's zone.
// RFC3339 input keeps its own offset and is then normalized.
func ParseWallClock(c Clock, raw string) (time.Time, error) {
	if t, err := time.ParseInLocation(wallClockLayout, raw, c.Location()); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return Normalize(c, t), nil
}

// Period returns the YYYY-MM settlement bucket of t in the clock's zone.
func Period(c Clock, t time.Time) string {
	return Normalize(c, t).Format("2006-01")
}

// NoShowWindow classifies "now" relative to a scheduled start for no-show processing.
type NoShowWindow int

const (
	// WindowTooEarly: more than StartWindow before the start. Nothing may happen yet.
	WindowTooEarly NoShowWindow = iota
	// WindowStarting: inside the start window or the grace period. Only a move to in-progress is allowed.
	WindowStarting
	// WindowExpired: the grace period is over; no-show rules apply.
	WindowExpired
)

func (w NoShowWindow) String() string {
	switch w {
	case WindowTooEarly:
		return "too-early"
	case WindowStarting:
		return "starting"
	case WindowExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// EvaluateNoShowWindow is the single elapsed-time guard shared by the job consumer and the
// transition engine. Both instants are compared as absolute times.
func EvaluateNoShowWindow(now, scheduledStart time.Time) NoShowWindow {
	switch {
	case now.Before(scheduledStart.Add(-StartWindow)):
		return WindowTooEarly
	case now.Before(scheduledStart.Add(NoShowDeadline)):
		return WindowStarting
	default:
		return WindowExpired
	}
}

// ClampDelay returns the wait from now until at, never negative.
func ClampDelay(now, at time.Time) time.Duration {
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// FixedClock is a manually driven Clock.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewFixedClock(now time.Time, loc *time.Location) *FixedClock {
	return &FixedClock{now: now.In(loc), loc: loc}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Location() *time.Location {
	return c.loc
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.In(c.loc)
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
