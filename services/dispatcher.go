package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event is a side effect that runs after a transaction commits.
type Event func(ctx context.Context)

// Dispatcher drains post-commit events without blocking the caller.
type Dispatcher struct {
	events  chan Event
	inline  bool
	timeout time.Duration
	log     *zap.Logger
}

func NewDispatcher(buffer int, log *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{events: make(chan Event, buffer), timeout: 10 * time.Second, log: log}
}

// NewInlineDispatcher runs events synchronously inside Dispatch.
func NewInlineDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{inline: true, timeout: 10 * time.Second, log: log}
}

// Dispatch queues events. When the buffer is full the event is dropped and logged.
func (d *Dispatcher) Dispatch(events ...Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if d.inline {
			d.run(context.Background(), ev)
			continue
		}
		select {
		case d.events <- ev:
		default:
			d.log.Warn("post-commit queue full, dropping event")
		}
	}
}

// Run executes queued events until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.inline {
		return
	}
	for {
		select {
		case ev := <-d.events:
			d.run(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.events:
					d.run(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(parent context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("post-commit event panicked", zap.Any("panic", r))
		}
	}()
	ev(ctx)
}
