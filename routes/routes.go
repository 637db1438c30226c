package routes

import (
	"PsiConsulta/config"
	"PsiConsulta/controllers"
	"PsiConsulta/handlers"
	"PsiConsulta/middlewares"
	"PsiConsulta/services"
	"PsiConsulta/utils"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Dependencies are the services exposed over HTTP.
type Dependencies struct {
	Engine   *services.TransitionService
	Timeline *services.TimelineScheduler
	Tokens   *services.TokenService
	Presence *services.PresenceService
	Payout   *services.PayoutCalculator
	Clock    utils.Clock
	Health   map[string]controllers.HealthCheck
}

// SetupRoutes initializes the routes and middleware for the server
func SetupRoutes(deps Dependencies, cfg *config.AppConfig, log *zap.Logger) http.Handler {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewares.CorsMiddleware(middlewares.DefaultCorsConfig(cfg.AllowedOrigins)))
	router.Use(middlewares.NewRateLimiterMiddleware(middlewares.RateLimiterConfig{
		RequestsPerSecond: 15,
		Burst:             30,
	}))
	router.Use(middlewares.LoggingMiddleware(log))

	consultationHandler := handlers.NewConsultationHandler(deps.Engine, deps.Timeline, deps.Tokens, deps.Clock, log)
	roomHandler := handlers.NewRoomHandler(deps.Presence, log)
	commissionHandler := handlers.NewCommissionHandler(deps.Payout, deps.Clock, log)

	controller := controllers.NewConsultationController(consultationHandler, roomHandler, commissionHandler)
	controller.RegisterRoutes(
		router,
		middlewares.ValidateBearerToken(cfg.GetBearerToken(), log),
		middlewares.ParticipantTokenAuth(deps.Tokens, deps.Presence, log),
	)

	controllers.SetupRootRoute(router, deps.Health)

	return router
}
