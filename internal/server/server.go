package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/carelinkhq/carelink/internal/config"
	"github.com/carelinkhq/carelink/internal/observability"
	obsmiddleware "github.com/carelinkhq/carelink/internal/observability/logger"
	obstracing "github.com/carelinkhq/carelink/internal/observability/tracing"
	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Environment == "development",
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      paymentdomain.WebhookService
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger

	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      paymentdomain.WebhookService
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		log:    p.Log.Named("http.server"),

		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api", identityMiddleware())
	{
		api.GET("/plans", s.listPlans)
		api.GET("/plans/:code", s.getPlan)

		api.GET("/subscriptions/:id", s.getSubscription)
		api.GET("/subscriptions/:id/transactions", s.listTransactions)
		api.POST("/subscriptions/:id/upgrade", s.prepareUpgrade)
		api.POST("/subscriptions/:id/downgrade", s.prepareDowngrade)
		api.POST("/subscriptions/:id/cancel", s.cancelSubscription)

		api.GET("/transactions/:id", s.getTransaction)
		api.POST("/transactions/:id/checkout", s.createCheckout)
	}

	// Gateway callbacks authenticate with provider signatures, not the
	// identity header.
	s.engine.POST("/webhooks/:provider", s.ingestWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine, _ *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(
		NewEngine,
		NewServer,
	),
	fx.Invoke(run),
)
