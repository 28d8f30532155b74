package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/adcraft/api/internal/client"
	"github.com/adcraft/api/internal/config"
	"github.com/adcraft/api/internal/gateway"
	"github.com/adcraft/api/internal/handler"
	"github.com/adcraft/api/internal/logger"
	"github.com/adcraft/api/internal/middleware"
	"github.com/adcraft/api/internal/model"
	"github.com/adcraft/api/internal/pipeline"
	"github.com/adcraft/api/internal/reference"
	"github.com/adcraft/api/internal/service"
	"github.com/adcraft/api/internal/store"
	ws "github.com/adcraft/api/internal/websocket"
	"github.com/adcraft/api/pkg/response"
)

// @title          AdCraft API
// @version        1.0
// @description    Generates ad creatives in five styles with streamed progress.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisUp = false
		log.Warn("redis not available, rate limiting disabled", "error", err)
	}

	validate := model.NewValidator()

	// Initialize WebSocket hub
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	// Image storage: R2 when configured, local static files otherwise
	var storage client.StorageClient
	r2Configured := false
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", "error", err)
		} else {
			storage = r2Client
			r2Configured = true
		}
	}
	if storage == nil {
		disk, err := client.NewDiskStorage(cfg.Pipeline.StaticDir, cfg.Server.PublicURL+"/static")
		if err != nil {
			log.Error("failed to initialize local storage", "dir", cfg.Pipeline.StaticDir, "error", err)
			os.Exit(1)
		}
		storage = disk
		log.Info("R2 storage not configured, serving images locally", "dir", cfg.Pipeline.StaticDir)
	}

	// Generation provider: OpenAI when a key is set, placeholders otherwise
	openaiClient := client.NewOpenAIClient(&cfg.OpenAI)
	var gw gateway.Gateway
	if openaiClient.IsConfigured() {
		gw = gateway.NewOpenAIGateway(openaiClient, storage)
	} else {
		gw = gateway.NewPlaceholderGateway()
		log.Info("OpenAI not configured, using placeholder generation")
	}
	gw = gateway.WithImagePacing(
		gateway.WithTimeout(gw, cfg.Pipeline.CallTimeout),
		gateway.NewImageLimiter(cfg.Pipeline.ImageRateInterval, cfg.Pipeline.ImageRateBurst),
	)

	// Initialize pipeline
	resultStore := store.NewMemoryStore(cfg.Pipeline.ResultTTL)
	refs := reference.NewLoader(cfg.Pipeline.ReferenceDir, cfg.Pipeline.MaxReferences)
	orchestrator := pipeline.New(gw, refs, resultStore, validate, pipeline.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		Objects:     storage,
		Logger:      log,
	})

	// Initialize services and handlers
	generationService := service.NewGenerationService(orchestrator, resultStore, storage, hub, cfg.Pipeline.RunTimeout, log)
	generationHandler := handler.NewGenerationHandler(generationService, validate, log)

	var rateLimiter *middleware.RateLimiter
	if redisUp {
		rateLimiter = middleware.NewRateLimiter(redisClient)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"openai": openaiClient.IsConfigured(),
				"r2":     r2Configured,
				"redis":  redisUp,
			},
		})
	})

	// Locally stored images
	app.Static("/static", cfg.Pipeline.StaticDir)

	// API routes
	v1 := app.Group("/api/v1")

	images := v1.Group("/images")
	images.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Generate)
	images.Post("/generate/stream", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Stream)
	images.Post("/generate/async", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Start)
	images.Post("/modify", rateLimiter.ModifyLimit(cfg.RateLimit.ModifyPerHour), generationHandler.Modify)
	images.Get("/request/:runId", generationHandler.GetRequest)
	images.Delete("/request/:runId", generationHandler.DeleteRequest)
	images.Get("/styles", generationHandler.Styles)

	v1.Post("/stream/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Stream)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/runs/:runId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("runId"), generationService.GetRun)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}

	// wait for detached runs
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := generationService.Wait(drainCtx); err != nil {
		log.Warn("abandoning unfinished runs", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	if code == fiber.StatusNotFound {
		errCode = response.CodeNotFound
	}
	return response.Error(c, code, errCode, message, nil)
}
