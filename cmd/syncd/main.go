package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/api"
	"cleaning-sync-backend/internal/audit"
	"cleaning-sync-backend/internal/blob"
	"cleaning-sync-backend/internal/checklist"
	"cleaning-sync-backend/internal/db"
	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/logger"
	"cleaning-sync-backend/internal/mw"
	"cleaning-sync-backend/internal/notification"
	"cleaning-sync-backend/internal/presence"
	"cleaning-sync-backend/internal/rating"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/syncer"
	"cleaning-sync-backend/internal/task"
)

const eventStreamMaxLen = 100000

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log.Info("configuration loaded", zap.String("path", configPath))

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret (or AUTH_JWT_SECRET) must be configured")
	}

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatal("failed to initialize blob store", zap.Error(err))
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Redis.Addr != "" {
		client := events.NewRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; audit events stay in the database only", zap.Error(err))
		} else {
			publisher = events.NewRedisStreamPublisher(client, cfg.Redis.Stream, eventStreamMaxLen)
			log.Info("audit events published to redis", zap.String("stream", cfg.Redis.Stream))
		}
		defer client.Close()
	}
	emitter := events.NewEmitter(publisher, log)

	var webpushOptions *webpush.Options
	var alerter audit.Alerter
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		alerts := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions, log)
		alerts.Start(ctx)
		alerter = alerts
	} else {
		log.Warn("VAPID keys are not configured; violation alerts are disabled")
	}

	var rater rating.Rater
	if cfg.Rating.Enabled() {
		openAI, err := rating.NewOpenAIRater(cfg.Rating, blobs)
		if err != nil {
			log.Fatal("failed to initialize rater", zap.Error(err))
		}
		rater = openAI
	} else {
		log.Info("no rater configured; completed tasks are marked not_configured")
	}
	ratings := rating.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, rater, emitter, cfg.Rating.Timeout, log)
	ratings.Start(ctx)

	recorder := audit.NewRecorder(appStore, emitter, alerter, log)
	tasks := task.NewService(task.Deps{
		Store:         appStore,
		Checklists:    checklist.NewGormProvider(gormDB, cfg.Checklist),
		Blobs:         blobs,
		Rater:         ratings,
		Recorder:      recorder,
		Emitter:       emitter,
		DefaultRadius: cfg.Geofence.DefaultRadiusMeters,
		Logger:        log,
	})
	validator, err := syncer.NewValidator()
	if err != nil {
		log.Fatal("failed to compile payload schemas", zap.Error(err))
	}

	handler := api.NewHandler(api.Deps{
		Store:        appStore,
		Coordinator:  syncer.NewCoordinator(appStore, tasks, validator, emitter, log),
		Tasks:        tasks,
		Tracker:      presence.NewTracker(appStore, recorder, cfg.Geofence.DefaultRadiusMeters, cfg.Presence.Location, log),
		Validator:    validator,
		WebPush:      webpushOptions,
		MaxBatchSize: cfg.Sync.MaxBatchSize,
		Logger:       log,
	})
	router := api.NewRouter(handler, mw.NewTokenVerifier(cfg.Auth.JWTSecret), cfg.Server)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	log.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server Shutdown", zap.Error(err))
	}
	cancel()

	log.Info("server gracefully stopped")
}
