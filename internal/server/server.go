package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/formforge/formforge/internal/account/domain"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	batchdomain "github.com/formforge/formforge/internal/batch/domain"
	"github.com/formforge/formforge/internal/config"
	ledgerdomain "github.com/formforge/formforge/internal/ledger/domain"
	limitsdomain "github.com/formforge/formforge/internal/limits/domain"
	"github.com/formforge/formforge/internal/storage"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, registry *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, log *zap.Logger, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
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

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	genID      *snowflake.Node
	store      storage.Store
	batchSvc   batchdomain.Service
	accountSvc accountdomain.Service
	ledgerSvc  ledgerdomain.Service
	limitsSvc  limitsdomain.Service
	tierSvc    tierdomain.Service
	auditSvc   auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	GenID      *snowflake.Node
	Store      storage.Store
	BatchSvc   batchdomain.Service
	AccountSvc accountdomain.Service
	LedgerSvc  ledgerdomain.Service
	LimitsSvc  limitsdomain.Service
	TierSvc    tierdomain.Service
	AuditSvc   auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		store:      p.Store,
		batchSvc:   p.BatchSvc,
		accountSvc: p.AccountSvc,
		ledgerSvc:  p.LedgerSvc,
		limitsSvc:  p.LimitsSvc,
		tierSvc:    p.TierSvc,
		auditSvc:   p.AuditSvc,
	}
}

func registerRoutes(s *Server) {
	api := s.engine.Group("/api/v1", s.ActorContext())

	api.GET("/tiers", s.ListTiers)

	api.POST("/batches", s.SubmitBatch)
	api.GET("/jobs/:id", s.GetJob)
	api.GET("/jobs/:id/output", s.DownloadJobOutput)
	api.POST("/jobs/:id/cancel", s.CancelJob)
	api.GET("/accounts/:id/jobs", s.ListAccountJobs)
	api.GET("/accounts/:id/credits", s.GetBalances)

	admin := api.Group("/admin", s.AdminRequired())
	admin.POST("/accounts", s.CreateAccount)
	admin.GET("/accounts/:id", s.GetAccount)
	admin.POST("/accounts/:id/credits", s.AdjustCredits)
	admin.PUT("/accounts/:id/limits", s.SetCustomLimits)
	admin.DELETE("/accounts/:id/limits", s.ClearCustomLimits)
	admin.PUT("/accounts/:id/tier", s.ChangeTier)
	admin.POST("/tiers", s.CreateTier)
	admin.PATCH("/tiers/:key", s.UpdateTier)
	admin.GET("/audit-logs", s.ListAuditLogs)
}
