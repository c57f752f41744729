package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/oddswatch/internal/commands"
	"github.com/rewired-gh/oddswatch/internal/config"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/monitor"
	"github.com/rewired-gh/oddswatch/internal/oddsapi"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	logger.Info("Configuration loaded from %s", *configPath)

	reg := metrics.New()

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	store := storage.NewConditionStore(backend, reg)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr, reg)
		metricsServer.Start(func(err error) {
			logger.Error("Metrics server failed: %v", err)
		})
		logger.Info("Serving metrics on %s", cfg.Metrics.ListenAddr)
	}

	oddsClient := oddsapi.NewClient(oddsapi.Config{
		BaseURL: cfg.OddsAPI.BaseURL,
		APIKey:  cfg.OddsAPI.APIKey,
		Sports:  cfg.OddsAPI.Sports,
		Regions: cfg.OddsAPI.Regions,
		Markets: cfg.OddsAPI.Markets,
		Timeout: cfg.OddsAPI.Timeout,
	})

	var (
		telegramClient *telegram.Client
		notifier       monitor.Notifier
	)
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	mon := monitor.New(oddsClient, store, notifier, reg, monitor.Config{
		PollInterval:    cfg.Monitor.PollInterval,
		BackoffInterval: cfg.Monitor.BackoffInterval,
		Window:          cfg.Monitor.Window,
		TopN:            cfg.Monitor.TopN,
	})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	commandsCtx, stopCommands := context.WithCancel(context.Background())
	defer stopCommands()

	handler := commands.NewHandler(store, mon)
	if telegramClient != nil {
		telegramClient.ListenForCommands(commandsCtx, handler)
	}

	done := make(chan struct{})
	go func() {
		mon.Run(loopCtx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")

	stopLoop()
	<-done
	stopCommands()
	handler.Close()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down metrics server: %v", err)
		}
		cancel()
	}
	logger.Info("Service stopped")
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	if cfg.Backend == "json" {
		logger.Info("Using JSON condition file %s", cfg.FilePath)
		return storage.NewJSONFileBackend(cfg.FilePath)
	}
	logger.Info("Using SQLite condition database %s", cfg.DBPath)
	return storage.NewSQLiteBackend(cfg.DBPath)
}
