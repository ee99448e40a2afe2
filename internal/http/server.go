package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/http/middleware"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/service/queue"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// NewServer wires the API. clickhouseDB may be nil, in which case the attempt
// history endpoint is not mounted.
func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, publisher PublishNower, logger *zap.Logger) *Server {
	// repos (MySQL)
	usersRepo := repository.NewUsersRepository(mysqlDB)
	accountsRepo := repository.NewAccountsRepository(mysqlDB)
	auditRepo := repository.NewAuditRepository(mysqlDB)
	queueSvc := queue.New(repository.NewOutboxRepository(mysqlDB), cfg.Kafka.Topics)

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.RequestID(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	authMW := middleware.APIKeyMiddleware(usersRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:      rds,
		DefaultRPS: cfg.RateLimit.RPS,
		Burst:      cfg.RateLimit.Burst,
	})

	accounts := accountHandlers{
		tx:       repository.NewTxRunner(mysqlDB),
		accounts: accountsRepo,
		audit:    auditRepo,
		queue:    queueSvc,
	}

	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/publications/:id/publish", publishHandler(publisher))
	if clickhouseDB != nil {
		v1.GET("/publications/:id/attempts", listAttemptsHandler(repository.NewCHAttemptsRepository(clickhouseDB)))
	}
	v1.POST("/accounts/:id/refresh", accounts.refresh)
	v1.POST("/accounts/:id/disconnect", accounts.disconnect)

	return &Server{e: e, log: logger}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
