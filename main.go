package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/config"
	"wuzapi-autoflow/internal/adapters/cloudapi"
	"wuzapi-autoflow/internal/broadcast"
	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/credentials"
	"wuzapi-autoflow/internal/db"
	"wuzapi-autoflow/internal/flowengine"
	"wuzapi-autoflow/internal/flowgraph"
	"wuzapi-autoflow/internal/handlers"
	"wuzapi-autoflow/internal/jobqueue"
	"wuzapi-autoflow/internal/tagging"
	"wuzapi-autoflow/internal/worker"
	"wuzapi-autoflow/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Initializing database...")
	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()

	log.Info().Msg("Running database migrations...")
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	var broadcaster worker.Broadcaster = broadcast.Nop{}
	if cfg.RabbitURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
	} else {
		rabbit, err := broadcast.DialRabbit(broadcast.RabbitConfig{
			URL:            cfg.RabbitURL,
			Queue:          cfg.RabbitQueue,
			QueuePrefix:    cfg.RabbitQueuePrefix,
			SpecificEvents: cfg.RabbitSpecificEvents,
		})
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, publishing disabled")
		} else {
			defer rabbit.Close()
			broadcaster = rabbit
		}
	}

	phones, err := conversations.NewPhoneValidator(cfg.PhoneCountryCode, cfg.PhonePattern)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid phone settings")
	}

	graph := flowgraph.New(database.SQL)
	queue := jobqueue.New(database.SQL, cfg.JobWindow)
	store := conversations.NewStore(database.SQL)
	channels := credentials.NewStore(database.SQL, cfg.CredentialsCacheTTL)

	engine, err := flowengine.New(graph, queue, store, flowengine.Options{
		IdleWindow: cfg.FlowIdleWindow,
		Workers:    cfg.TagWorkers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize flow engine")
	}
	tagger := tagging.NewService(store, engine, broadcaster)

	gateway, err := cloudapi.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Cloud API client")
	}

	processor := worker.NewJobProcessor(queue, gateway, channels, store, broadcaster, cfg.JobBatchSize)
	runner := worker.NewScheduledTaskRunner(database.Gorm, tagger, store, phones, channels, broadcaster, cfg.DefaultCompanyID)

	sched := worker.NewScheduler()
	if err := sched.Every("flow-jobs", cfg.JobPollInterval, processor.Run); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule job processor")
	}
	if err := sched.Every("scheduled-tasks", cfg.TaskPollInterval, runner.Run); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule task runner")
	}
	sched.Start()

	srv := handlers.NewServer(handlers.Deps{
		Graph:         graph,
		Flow:          engine,
		Conversations: store,
		Channels:      channels,
		Tagger:        tagger,
		Queue:         queue,
		DB:            database.Gorm,
	}, handlers.Options{
		APIToken:     cfg.APIToken,
		VerifyToken:  cfg.WebhookVerifyToken,
		AppSecret:    cfg.WhatsAppAppSecret,
		BatchSize:    cfg.JobBatchSize,
		PollInterval: cfg.JobPollInterval,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msgf("Server starting on port %s...", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Workers did not stop in time")
	}
	engine.Close()
	log.Info().Msg("Shutdown complete")
}
