package main

import (
	"PsiConsulta/cache"
	"PsiConsulta/config"
	"PsiConsulta/controllers"
	"PsiConsulta/database"
	"PsiConsulta/logger"
	"PsiConsulta/queue"
	"PsiConsulta/repositories"
	"PsiConsulta/routes"
	"PsiConsulta/services"
	"PsiConsulta/utils"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "psi-consulta")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = zapLog.Sync() }()

	if err := run(cfg, zapLog); err != nil {
		zapLog.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.InitDB(ctx, cfg.DBURL, cfg.IsDevelopment(), log)
	if err != nil {
		return err
	}

	redisClient, err := database.InitializeRedis(cfg.RedisAddress, log)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	kv, err := cache.NewCache(redisClient)
	if err != nil {
		return err
	}

	clock, err := utils.NewSystemClock(cfg.Timezone)
	if err != nil {
		return err
	}

	issuer, err := utils.NewTokenIssuer(cfg.TokenSecret, utils.TransportTokenExpiry)
	if err != nil {
		return err
	}

	jobs, err := queue.NewDelayedQueue(ctx, redisClient, log)
	if err != nil {
		return err
	}

	consultationRepo := repositories.NewConsultationRepository(db)
	commissionRepo := repositories.NewCommissionRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	dispatcher := services.NewDispatcher(0, log)
	notifier := services.NewRedisNotifier(redisClient, log)
	auditor := services.NewAuditor(auditRepo, log)
	payout := services.NewPayoutCalculator(consultationRepo, commissionRepo, cfg.Payout, clock, log)
	timeline := services.NewTimelineScheduler(jobs, clock, cfg.SessionLength, log)
	engine := services.NewTransitionService(consultationRepo, payout, timeline, notifier, auditor, dispatcher, clock, log)
	presence := services.NewPresenceService(kv, consultationRepo, engine, notifier, dispatcher, clock, log)
	tokens := services.NewTokenService(consultationRepo, issuer, clock, log)
	consumer := services.NewJobConsumer(
		consultationRepo, engine, presence, tokens, notifier, dispatcher,
		database.NewLocker(redisClient, log), clock, cfg.SessionLength, log,
	)

	var alerter queue.Alerter
	if mailer := utils.NewAlertMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.AlertEmail); mailer != nil {
		alerter = mailer
	}
	pool := queue.NewWorkerPool(jobs, consumer, alerter, queue.PoolConfig{
		Concurrency:  cfg.JobConcurrency,
		MaxAttempts:  cfg.JobMaxAttempts,
		PollInterval: cfg.JobPollInterval,
	}, clock.Now, log)

	handler := routes.SetupRoutes(routes.Dependencies{
		Engine:   engine,
		Timeline: timeline,
		Tokens:   tokens,
		Presence: presence,
		Payout:   payout,
		Clock:    clock,
		Health: map[string]controllers.HealthCheck{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	}, cfg, log)

	srv := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        handler,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		IdleTimeout:    30 * time.Second,
	}

	wait := startBackground(ctx, dispatcher, pool)

	serveErr := make(chan error, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	database.MonitorRedisPool(redisClient, log)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-signals:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		log.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	log.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	<-served
	stop()

	wait()
	log.Info("server exited gracefully")
	return runErr
}

type runner interface {
	Run(ctx context.Context)
}

// startBackground runs producers on ctx and the dispatcher on its own context. The returned
// wait blocks until every producer has stopped, then stops the dispatcher and waits for it to
// drain, so events dispatched by jobs still in flight at shutdown are executed.
func startBackground(ctx context.Context, dispatcher runner, producers ...runner) (wait func()) {
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		dispatcher.Run(dispatchCtx)
	}()

	var wg sync.WaitGroup
	for _, r := range producers {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	return func() {
		wg.Wait()
		stopDispatch()
		<-dispatched
	}
}
