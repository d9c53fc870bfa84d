package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/lrtc/backend/internal/api/handlers"
	"github.com/lrtc/backend/internal/cache/predictions"
	"github.com/lrtc/backend/internal/cache/redis"
	"github.com/lrtc/backend/internal/classifier/nb"
	"github.com/lrtc/backend/internal/classifier/random"
	"github.com/lrtc/backend/internal/ensemble"
	"github.com/lrtc/backend/internal/evaluation"
	"github.com/lrtc/backend/internal/jobs"
	"github.com/lrtc/backend/internal/metrics"
	"github.com/lrtc/backend/internal/middleware/ratelimit"
	"github.com/lrtc/backend/internal/middleware/security"
	"github.com/lrtc/backend/internal/middleware/validation"
	"github.com/lrtc/backend/internal/model"
	"github.com/lrtc/backend/internal/policy"
	"github.com/lrtc/backend/internal/storage/sqlite"
	"github.com/lrtc/backend/pkg/circuitbreaker"
	"github.com/lrtc/backend/pkg/config"
	appLogger "github.com/lrtc/backend/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting model training API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cacheOptions []predictions.Option
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		cacheOptions = append(cacheOptions, predictions.WithRemote(redisClient))
	}

	jobManager := jobs.NewManager(cfg.Jobs.Workers)

	registry := model.NewRegistry(model.Deps{
		RootDir:      cfg.Models.RootDir,
		Statuses:     sqliteClient,
		Jobs:         jobManager,
		CacheFile:    cfg.Cache.FileName,
		CacheOptions: cacheOptions,
	})
	registry.Register(model.NBOverBOW, nb.New)
	registry.Register(model.Rand, random.New)

	memberTypes, err := model.ParseModelTypes(cfg.Ensemble.Members)
	if err != nil {
		appLogger.Fatal("Invalid ensemble members", zap.Error(err))
	}
	aggregation, err := ensemble.AggregationByName(cfg.Ensemble.Aggregation, cfg.Ensemble.Weights)
	if err != nil {
		appLogger.Fatal("Invalid ensemble aggregation", zap.Error(err))
	}

	ens, err := ensemble.FromRegistry(ensemble.Config{
		ModelDir:     cfg.Ensemble.ModelDir,
		Types:        memberTypes,
		Aggregation:  aggregation,
		CacheFile:    cfg.Cache.FileName,
		CacheOptions: cacheOptions,
	}, registry, sqliteClient, jobManager)
	if err != nil {
		appLogger.Fatal("Failed to create ensemble", zap.Error(err))
	}

	trainingPolicy, err := policy.FromNames(cfg.Policy.ModelTypes, cfg.Policy.Iterations)
	if err != nil {
		appLogger.Fatal("Invalid training policy", zap.Error(err))
	}

	appLogger.Info("Models configured",
		zap.Strings("registered", modelTypeNames(registry.Types())),
		zap.Strings("ensemble", cfg.Ensemble.Members),
		zap.String("aggregation", cfg.Ensemble.Aggregation),
		zap.String("policy", trainingPolicy.Name()),
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer rateLimiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Server.IsDevelopment,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1",
		rateLimiter.Middleware(),
		validation.Middleware(validation.Config{
			MaxInferItems: cfg.Server.MaxInferItems,
			Logger:        appLogger.Named("validation"),
		}),
	)

	evaluator := evaluation.NewEvaluator(sqliteClient)
	handlers.NewModelHandler(registry, ens, trainingPolicy, sqliteClient, evaluator).RegisterRoutes(api)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if err := sqliteClient.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"reason": "database",
			})
		}
		resp := fiber.Map{
			"status":       "ready",
			"running_jobs": jobManager.Running(),
		}
		if redisClient != nil {
			state := redisClient.Breaker().State()
			resp["redis"] = state.String()
			if state == circuitbreaker.StateOpen {
				// predictions are still served from local caches
				resp["status"] = "degraded"
			}
		}
		return c.JSON(resp)
	})

	streamHandler := handlers.NewTrainingStreamHandler(sqliteClient, jobManager, 0)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/training", websocket.New(streamHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		appLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := jobManager.Shutdown(ctx); err != nil {
		appLogger.Warn("Training jobs did not finish before shutdown", zap.Error(err))
	}

	appLogger.Info("Server stopped")
}

func modelTypeNames(types []model.ModelType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name()
	}
	return names
}
