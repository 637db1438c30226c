package queue

import (
	"PsiConsulta/utils"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Source is the queue side the pool consumes.
type Source interface {
	Promote(ctx context.Context, now time.Time, limit int) (int, error)
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error)
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, at time.Time) error
	DeadLetter(ctx context.Context, d Delivery, cause error) error
}

// Alerter is told about jobs that ran out of attempts.
type Alerter interface {
	SendDeadJobAlert(jobID, consultationID string, attempts int, cause error, at time.Time) error
}

type PoolConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	BlockTimeout time.Duration
	ClaimIdle    time.Duration
	PromoteBatch int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	return c
}

// WorkerPool runs a bounded number of consumers over a Source.
type WorkerPool struct {
	source  Source
	handler Handler
	alerter Alerter
	cfg     PoolConfig
	now     func() time.Time
	name    string
	log     *zap.Logger
}

func NewWorkerPool(source Source, handler Handler, alerter Alerter, cfg PoolConfig, now func() time.Time, log *zap.Logger) *WorkerPool {
	if now == nil {
		now = time.Now
	}
	return &WorkerPool{
		source:  source,
		handler: handler,
		alerter: alerter,
		cfg:     cfg.withDefaults(),
		now:     now,
		name:    "worker-" + uuid.New().String()[:8],
		log:     log,
	}
}

// Run promotes due jobs and consumes them until ctx is done.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promoteLoop(ctx)
	}()

	for i := 0; i < p.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", p.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx, consumer)
		}()
	}

	p.log.Info("job workers started", zap.Int("concurrency", p.cfg.Concurrency), zap.String("name", p.name))
	wg.Wait()
	p.log.Info("job workers stopped")
}

func (p *WorkerPool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.source.Promote(ctx, p.now(), p.cfg.PromoteBatch); err != nil && ctx.Err() == nil {
				p.log.Warn("failed to promote jobs", zap.Error(err))
			}
		}
	}
}

func (p *WorkerPool) consume(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		deliveries, err := p.source.Read(ctx, consumer, 1, p.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("failed to read jobs", zap.String("consumer", consumer), zap.Error(err))
			p.sleep(ctx, Backoff(1))
			continue
		}
		if len(deliveries) == 0 {
			deliveries, err = p.source.Reclaim(ctx, consumer, p.cfg.ClaimIdle, 1)
			if err != nil && ctx.Err() == nil {
				p.log.Warn("failed to reclaim jobs", zap.String("consumer", consumer), zap.Error(err))
			}
		}
		for _, d := range deliveries {
			p.Process(ctx, d)
		}
	}
}

// Process runs one delivery and settles it: ack on success or business-rule rejection,
// retry with backoff on transient failure, dead letter after the last attempt.
func (p *WorkerPool) Process(ctx context.Context, d Delivery) {
	log := p.log.With(
		zap.String("job_id", d.Job.ID),
		zap.String("kind", string(d.Job.Kind)),
		zap.String("consultation_id", d.Job.ConsultationID),
		zap.Int("attempt", d.Job.Attempts+1),
	)

	err := p.handler.Handle(ctx, d.Job)
	switch {
	case err == nil:
		if ackErr := p.source.Ack(ctx, d); ackErr != nil {
			log.Warn("failed to ack job", zap.Error(ackErr))
		}
		return
	case utils.IsBusinessRule(err):
		log.Warn("job rejected by business rule", zap.Error(err))
		if ackErr := p.source.Ack(ctx, d); ackErr != nil {
			log.Warn("failed to ack job", zap.Error(ackErr))
		}
		return
	}

	d.Job.Attempts++
	if d.Job.Attempts >= p.cfg.MaxAttempts {
		log.Error("job exhausted its attempts", zap.Error(err))
		if dlErr := p.source.DeadLetter(ctx, d, err); dlErr != nil {
			log.Error("failed to dead-letter job", zap.Error(dlErr))
		}
		if p.alerter != nil {
			if alertErr := p.alerter.SendDeadJobAlert(d.Job.ID, d.Job.ConsultationID, d.Job.Attempts, err, p.now()); alertErr != nil {
				log.Warn("failed to send job alert", zap.Error(alertErr))
			}
		}
		return
	}

	delay := Backoff(d.Job.Attempts)
	log.Warn("job failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
	if retryErr := p.source.Retry(ctx, d, p.now().Add(delay)); retryErr != nil {
		log.Error("failed to reschedule job", zap.Error(retryErr))
	}
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
