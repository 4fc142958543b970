// Package main is the unified entry point for Agentflow.
// The single binary serves the chat stream, graph CRUD, deployment, copilot,
// and notification endpoints with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/config"
	"github.com/agentflow/agentflow/internal/common/httpmw"
	"github.com/agentflow/agentflow/internal/common/logger"
	"github.com/agentflow/agentflow/internal/copilot"
	"github.com/agentflow/agentflow/internal/db"
	"github.com/agentflow/agentflow/internal/events/bus"
	"github.com/agentflow/agentflow/internal/middleware"
	"github.com/agentflow/agentflow/internal/notifications"
	"github.com/agentflow/agentflow/internal/runtime"
	"github.com/agentflow/agentflow/internal/stream"
	"github.com/agentflow/agentflow/internal/taskmanager"

	conversationrepo "github.com/agentflow/agentflow/internal/conversation/repository"
	conversationservice "github.com/agentflow/agentflow/internal/conversation/service"
	deploymenthandlers "github.com/agentflow/agentflow/internal/deployment/handlers"
	deploymentrepo "github.com/agentflow/agentflow/internal/deployment/repository"
	deploymentservice "github.com/agentflow/agentflow/internal/deployment/service"
	graphhandlers "github.com/agentflow/agentflow/internal/graph/handlers"
	graphrepo "github.com/agentflow/agentflow/internal/graph/repository"
	graphservice "github.com/agentflow/agentflow/internal/graph/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentflow...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Database: Postgres when a host is configured, SQLite otherwise.
	var pool *db.Pool
	if cfg.Database.Host != "" {
		pool, err = db.NewPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to postgres", zap.Error(err))
		}
		log.Info("Connected to postgres",
			zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
	} else {
		pool, err = db.NewSQLitePool(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open sqlite database", zap.Error(err))
		}
		log.Info("SQLite database initialized", zap.String("path", cfg.Database.SQLitePath))
	}
	defer pool.Close()

	graphRepo, err := graphrepo.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize graph repository", zap.Error(err))
	}
	conversationRepo, err := conversationrepo.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize conversation repository", zap.Error(err))
	}
	deploymentRepo, err := deploymentrepo.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize deployment repository", zap.Error(err))
	}
	checkpoints, err := checkpoint.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize checkpoint store", zap.Error(err))
	}

	llmClient := runtime.NewOpenAIClient()

	toolRegistry := runtime.NewStaticRegistry()
	runtime.RegisterBuiltins(toolRegistry)

	resolver := graphservice.NewResolver(graphRepo, llmClient, toolRegistry, checkpoints, log)
	graphSvc := graphservice.NewService(graphRepo, log)
	conversationSvc := conversationservice.NewService(conversationRepo, log)
	deploymentSvc := deploymentservice.NewService(deploymentRepo, graphRepo, eventBus, log)

	tasks := taskmanager.NewManager(time.Duration(cfg.Stream.DisplaceWaitMs)*time.Millisecond, log)
	engine := stream.NewEngine(tasks, resolver, conversationSvc, eventBus, cfg.Stream, cfg.LLM, log)

	// Copilot needs Redis for session state; skip it when unconfigured.
	var copilotHandlers *copilot.Handlers
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		sessionStore := copilot.NewSessionStore(redisClient, cfg.Redis.SessionTTLDuration())
		copilotSvc := copilot.NewService(sessionStore, eventBus, llmClient, cfg.LLM, log)
		copilotHandlers = copilot.NewHandlers(copilotSvc, eventBus, log)
		log.Info("Copilot enabled", zap.String("redis", cfg.Redis.Addr))
	} else {
		log.Info("Copilot disabled (no redis configured)")
	}

	hub := notifications.NewHub(log)
	bridge, err := notifications.NewBridge(eventBus, hub, log)
	if err != nil {
		log.Fatal("Failed to start notification bridge", zap.Error(err))
	}
	defer bridge.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log, "agentflow"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentflow"})
	})

	api := router.Group("/api/v1")
	api.Use(middleware.Identity())

	stream.NewHandlers(engine, log).RegisterRoutes(api)
	graphhandlers.NewHandlers(graphSvc, log).RegisterRoutes(api)
	deploymenthandlers.NewHandlers(deploymentSvc, log).RegisterRoutes(api)
	notifications.NewWSHandler(hub, log).RegisterRoutes(api)
	if copilotHandlers != nil {
		copilotHandlers.RegisterRoutes(api)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down Agentflow...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
	log.Info("Agentflow stopped")
}
