package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fablecast/fablecast-backend/internal/clients/openai"
	redisbus "github.com/fablecast/fablecast-backend/internal/clients/redis"
	"github.com/fablecast/fablecast-backend/internal/clients/renderfarm"
	"github.com/fablecast/fablecast-backend/internal/clients/voice"
	"github.com/fablecast/fablecast-backend/internal/config"
	"github.com/fablecast/fablecast-backend/internal/data/db"
	"github.com/fablecast/fablecast-backend/internal/data/repos"
	"github.com/fablecast/fablecast-backend/internal/handlers"
	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	"github.com/fablecast/fablecast-backend/internal/jobs/pipeline"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/jobs/worker"
	"github.com/fablecast/fablecast-backend/internal/platform/envutil"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/logger"
	"github.com/fablecast/fablecast-backend/internal/server"
	"github.com/fablecast/fablecast-backend/internal/services"
	"github.com/fablecast/fablecast-backend/internal/sse"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Pipeline config
	cfg, err := config.LoadPipeline(envutil.String("PIPELINE_CONFIG", "pipeline.yaml"))
	if err != nil {
		log.Error("Could not load pipeline config", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	allRepos := repos.NewAll(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	ctx := context.Background()

	// Redis fan-out is optional; single-instance deployments run without it.
	var bus redisbus.SSEBus
	if os.Getenv("REDIS_ADDR") != "" {
		bus, err = redisbus.NewSSEBus(log)
		if err != nil {
			log.Error("Could not init Redis SSE bus", "error", err)
			os.Exit(1)
		}
		if err := bus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
			log.Error("Could not start Redis SSE forwarder", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_ADDR not set; job events stay instance-local")
	}

	// Clients
	log.Info("Setting up provider clients from main...")
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}
	voiceClient, err := voice.NewClient(log)
	if err != nil {
		log.Error("Could not init VoiceClient", "error", err)
		os.Exit(1)
	}
	farmClient, err := renderfarm.NewClient(log)
	if err != nil {
		log.Error("Could not init RenderFarmClient", "error", err)
		os.Exit(1)
	}
	bucketService, err := gcs.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	notifier := services.NewJobNotifier(sseHub, bus, log)
	quota := services.NewStageQuota(log)
	resolver := services.NewArtifactResolver(allRepos, bucketService, log)
	posterService, err := services.NewPosterService(log, bucketService)
	if err != nil {
		log.Error("Could not init PosterService", "error", err)
		os.Exit(1)
	}

	// Job system
	engine := orchestrator.NewEngine(cfg, quota, log)
	resumeController := orchestrator.NewResumeController(cfg.Resume, allRepos, resolver, notifier, log)

	registry := jobrt.NewRegistry()
	videoPipeline := pipeline.NewVideoGeneratePipeline(
		thePG,
		log,
		engine,
		allRepos,
		openaiClient,
		voiceClient,
		farmClient,
		bucketService,
		posterService,
		envutil.Int("IMAGE_CONCURRENCY", 3),
		envutil.Int("AUDIO_CONCURRENCY", 2),
	)
	if err := registry.Register(videoPipeline); err != nil {
		log.Error("Could not register video pipeline", "error", err)
		os.Exit(1)
	}

	jobWorker := worker.NewWorker(thePG, log, cfg.Worker, allRepos, registry, notifier)
	jobWorker.Start(ctx)

	jobService := services.NewVideoJobService(thePG, log, allRepos, resumeController, notifier)

	// HTTP
	router := server.NewRouter(server.RouterConfig{
		JobsHandler:     handlers.NewJobsHandler(jobService),
		RealtimeHandler: handlers.NewRealtimeHandler(log, sseHub),
	})

	addr := envutil.String("HTTP_ADDR", ":8080")
	log.Info("HTTP server listening", "addr", addr)
	if err := router.Run(addr); err != nil {
		log.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}
