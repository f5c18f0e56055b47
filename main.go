package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/config"
	"vigil/log"
	"vigil/models"
	"vigil/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if len(cfg.GatewayIDs) == 0 {
		logger.Fatal("GATEWAY_IDS is required (comma-separated gateway list)")
	}

	// Optional status sinks
	var sinks []services.StatusSink

	if cfg.FirebaseDbUrl != "" && cfg.FirebaseServiceAccountJSON != "" {
		firebaseSink, err := services.NewFirebaseSink(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase sink", zap.Error(err))
		}
		sinks = append(sinks, firebaseSink)
		logger.Info("Firebase status sink initialized")
	}

	var telegramSink *services.TelegramSink
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegramSink, err = services.NewTelegramSink(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram sink", zap.Error(err))
		}
		sinks = append(sinks, telegramSink)
		logger.Info("Telegram notifier sink initialized")
	}

	// Status transitions go through a buffered dispatcher so a slow
	// persistence write never stalls liveness tracking
	dispatcher := services.NewStatusDispatcher(cfg.StatusQueueSize, logger, sinks...)
	defer dispatcher.Close()

	// Tracking engines, cross-wired through narrow interfaces
	offlineTimeout := time.Duration(cfg.OfflineTimeoutMinutes) * time.Minute
	liveness := services.NewLivenessEngine(offlineTimeout, dispatcher, logger)
	presence := services.NewPresenceTracker(dispatcher, logger)
	liveness.SetGatewayOracle(presence)
	presence.SetCascader(liveness)

	presence.Initialize(cfg.GatewayIDs)
	liveness.SetTopology(cfg.SensorGateways)

	// Transport selection
	var transport services.Transport
	switch cfg.Transport {
	case "amqp":
		transport = services.NewAMQPTransport(cfg, logger)
	default:
		transport = services.NewMQTTTransport(cfg, logger)
	}

	normalizer := services.NewNormalizer(logger)
	gracePeriod := time.Duration(cfg.ConnectGraceSeconds) * time.Second
	manager := services.NewConnectionManager(transport, normalizer, liveness, presence, gracePeriod, logger)
	manager.SetStateObserver(func(state models.ConnectionState) {
		logger.Info("Connection state changed", zap.String("state", state.String()))
	})

	if telegramSink != nil {
		if err := telegramSink.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("Vigil liveness engine starting",
		zap.String("transport", cfg.Transport),
		zap.Strings("gateway_ids", cfg.GatewayIDs),
		zap.Int("sensor_topology_entries", len(cfg.SensorGateways)),
		zap.Int("offline_timeout_minutes", cfg.OfflineTimeoutMinutes),
		zap.Int("connect_grace_seconds", cfg.ConnectGraceSeconds),
	)

	if err := manager.Start(cfg.GatewayIDs); err != nil {
		logger.Fatal("Failed to start connection", zap.Error(err))
	}

	// SIGHUP re-reads the offline timeout and applies it retroactively
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	go func() {
		for range reloadChan {
			reloaded, err := config.LoadConfig()
			if err != nil {
				logger.Error("Config reload failed", zap.Error(err))
				continue
			}
			liveness.SetOfflineTimeout(time.Duration(reloaded.OfflineTimeoutMinutes) * time.Minute)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping services")

	cleanupDone := make(chan bool, 1)
	go func() {
		manager.Stop()
		liveness.Stop()
		dispatcher.Close()
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
		logger.Info("Cleanup completed successfully")
	case <-time.After(5 * time.Second):
		logger.Warn("Cleanup timeout, forcing exit")
	}

	logger.Info("Vigil liveness engine stopped")
}
