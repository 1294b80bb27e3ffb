package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"pipetrack/internal/config"
	"pipetrack/internal/offline"
	"pipetrack/internal/publisher"
	"pipetrack/internal/report"
	"pipetrack/internal/retry"
	"pipetrack/internal/rules"
	"pipetrack/internal/scheduler"
	"pipetrack/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize RabbitMQ task event publisher
	events, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	// Initialize stores
	contentStore := postgres.NewContentStore(db)
	taskStore := postgres.NewTaskStore(db)
	markerStore := postgres.NewMarkerStore(db, postgres.DefaultMarkerKey)
	txManager := postgres.NewTransactionManager(db)

	// Resilience layer: retry executor plus offline capture fed by a
	// connectivity probe against the database.
	reporter := report.NewLogReporter(logger)
	exec := retry.New(retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		MaxDelay:      cfg.Retry.MaxDelay,
	}, reporter, logger)

	queue := offline.NewQueue(logger)
	monitor := offline.NewMonitor(
		offline.ProbeFunc(db.PingContext),
		cfg.Offline.ProbeInterval,
		logger,
	)
	monitor.Subscribe(queue.SetOnline)

	engine := rules.NewEngine(
		contentStore,
		taskStore,
		txManager,
		events,
		exec,
		queue,
		reporter,
		logger,
		cfg.Engine,
	)

	sched := scheduler.New(engine, markerStore, exec, reporter, logger, cfg.Scheduler.CatchupInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		if err := monitor.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("connectivity monitor error", "error", err)
		}
	}()

	logger.Info("starting pipeline task engine",
		"fans_feedback_threshold", cfg.Engine.FansFeedbackThreshold,
		"overall_feedback_threshold", cfg.Engine.OverallFeedbackThreshold,
		"catchup_interval", cfg.Scheduler.CatchupInterval,
	)

	sched.Initialize(ctx)

	<-ctx.Done()
	sched.Stop()
	logger.Info("shut down")
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
