package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/consensus"
	"github.com/edgeswarm/edgegate/internal/feed"
	"github.com/edgeswarm/edgegate/internal/handler"
	"github.com/edgeswarm/edgegate/internal/middleware"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/repository"
	"github.com/edgeswarm/edgegate/internal/service"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/edgeswarm/edgegate/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Server.LogLevel)

	// 2. Initialize Persistence
	// Threat cache (Redis > Memory)
	var threatCache service.ThreatCache
	if cfg.Redis.Addr != "" {
		redisCache, err := repository.NewRedisThreatCache(cfg, cfg.Gate.Freshness())
		if err == nil {
			logger.Info("connected to Redis")
			threatCache = redisCache
		} else {
			logger.Error("failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if threatCache == nil {
		threatCache = repository.NewMemoryThreatCache()
	}

	// Pattern memory + audit (Postgres > Memory/File)
	var outcomeRepo interface {
		service.OutcomeStore
		service.ThreatStore
	}
	var auditRepo service.AuditRepo
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("connected to PostgreSQL")
			pgRepo := repository.NewPostgresOutcomeRepo(db)
			outcomeRepo = pgRepo
			auditRepo = repository.NewPostgresAuditRepo(db)
			go runCleanup(cfg, pgRepo)
		} else {
			logger.Error("failed to connect to DB, outcomes will be memory-only", "error", err)
		}
	}
	if outcomeRepo == nil {
		outcomeRepo = repository.NewMemoryOutcomeRepo()
	}

	auditSvc, err := service.NewAuditService("./logs", auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	// 3. Initialize Core Services
	monitor := swarm.NewMonitor(cfg.Swarm)
	monitor.Start()
	monitor.Register(model.WorkerValidator, "consensus")
	monitor.Register(model.WorkerExecutor, "transport")

	var threatSource service.ThreatSource
	if cfg.Gate.SourceURL != "" {
		threatSource = service.NewHTTPThreatSource(cfg.Gate)
	}
	gate := service.NewThreatGate(cfg.Gate, threatSource, threatCache, outcomeRepo)
	if err := gate.Seed(context.Background()); err != nil {
		logger.Warn("threat seed failed, starting cold", "error", err)
	}

	judges := consensus.BuildJudges(cfg.Judges)
	if len(judges) == 0 {
		logger.Warn("no judges enabled: every opportunity will fail closed")
	}
	validator := consensus.NewValidator(cfg.Consensus, judges, monitor)

	executor := transport.NewHTTPExecutor(cfg.Transport)
	execBreaker := monitor.NewBreaker("transport:venue",
		cfg.Transport.BreakerThreshold,
		time.Duration(cfg.Transport.BreakerCooldownS)*time.Second)

	mgr := service.NewManager(cfg.Lifecycle, gate, validator, monitor, executor, execBreaker, outcomeRepo, auditSvc)
	mgr.Start()

	// In-process workers heartbeat on a timer; remote workers (the feed)
	// beat on traffic.
	go heartbeatLoop(monitor, cfg)

	// Detection feed (optional; the HTTP submit endpoint always works)
	var feedConsumer *feed.Consumer
	if cfg.Feed.URL != "" {
		feedConsumer = feed.NewConsumer(cfg.Feed, mgr, monitor)
		feedConsumer.Start()
	} else {
		monitor.Register(model.WorkerScanner, "http-intake")
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Swarm.HeartbeatIntervalSeconds) * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				monitor.Heartbeat(model.WorkerScanner, "http-intake")
			}
		}()
	}

	// 4. Initialize Handlers
	oppHandler := handler.NewOpportunityHandler(mgr)
	swarmHandler := handler.NewSwarmHandler(monitor, auditSvc)

	// 5. Setup Router
	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "edgegate", "swarm": monitor.Overall().String()})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg))
	v1.Use(middleware.RateLimitMiddleware(cfg))
	{
		v1.POST("/opportunities", oppHandler.Submit)
		v1.GET("/opportunities", oppHandler.List)
		v1.GET("/opportunities/:id", oppHandler.Get)
		v1.POST("/opportunities/:id/directive", oppHandler.Directive)
		v1.POST("/settlements", oppHandler.Settle)
		v1.GET("/swarm/health", swarmHandler.Health)
		v1.GET("/swarm/breakers", swarmHandler.Breakers)
		v1.GET("/audit", swarmHandler.Audit)

		admin := v1.Group("/swarm")
		admin.Use(middleware.AdminMiddleware(cfg))
		{
			admin.POST("/pause", swarmHandler.Pause)
			admin.POST("/resume", swarmHandler.Resume)
		}
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("edgegate started", "port", cfg.Server.Port, "judges", len(judges))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if feedConsumer != nil {
		feedConsumer.Stop()
	}
	mgr.Stop()
	monitor.Stop()
	auditSvc.Close()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	logger.Info("Server exiting")
}

func heartbeatLoop(monitor *swarm.Monitor, cfg *config.Config) {
	interval := time.Duration(cfg.Swarm.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		monitor.Heartbeat(model.WorkerValidator, "consensus")
		monitor.Heartbeat(model.WorkerExecutor, "transport")
	}
}

func runCleanup(cfg *config.Config, repo *repository.PostgresOutcomeRepo) {
	interval := time.Duration(cfg.Database.CleanupIntervalMin) * time.Minute
	if interval <= 0 {
		return
	}
	retention := time.Duration(cfg.Database.OutcomeRetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := repo.Cleanup(context.Background(), retention); err != nil {
			logger.Warn("outcome cleanup failed", "error", err)
		}
	}
}
