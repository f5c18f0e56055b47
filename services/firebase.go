package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigil/config"
	"vigil/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseSink persists status transitions to the Realtime Database under
// status/sensors/{key} and status/gateways/{id}. Write failures are logged
// and dropped; in-memory liveness state remains the source of truth.
type FirebaseSink struct {
	client *db.Client
	logger *zap.Logger
}

func NewFirebaseSink(cfg *config.Config, logger *zap.Logger) (*FirebaseSink, error) {
	ctx := context.Background()

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	sink := &FirebaseSink{
		client: client,
		logger: logger,
	}

	if err := sink.testConnection(); err != nil {
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return sink, nil
}

// testConnection verifies database reachability with retry
func (fs *FirebaseSink) testConnection() error {
	ctx := context.Background()
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		ref := fs.client.NewRef("/")
		var data interface{}
		err := ref.Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseSink) SensorOnline(key string, lastSeen time.Time, battery *int, lastValue *float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := models.SensorStatus{
		Key:       key,
		Online:    true,
		LastSeen:  lastSeen,
		Battery:   battery,
		LastValue: lastValue,
		UpdatedAt: time.Now(),
	}

	ref := fs.client.NewRef("status/sensors/" + sanitizeRefKey(key))
	if err := ref.Set(ctx, status); err != nil {
		fs.logger.Error("Failed to persist sensor online status",
			zap.String("sensor_key", key),
			zap.Error(err))
	}
}

func (fs *FirebaseSink) SensorOffline(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ref := fs.client.NewRef("status/sensors/" + sanitizeRefKey(key))
	err := ref.Update(ctx, map[string]interface{}{
		"online":     false,
		"updated_at": time.Now(),
	})
	if err != nil {
		fs.logger.Error("Failed to persist sensor offline status",
			zap.String("sensor_key", key),
			zap.Error(err))
	}
}

func (fs *FirebaseSink) GatewayPresence(gatewayID string, connected bool, timestamp time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ref := fs.client.NewRef("status/gateways/" + sanitizeRefKey(gatewayID))
	err := ref.Set(ctx, models.GatewayRecord{
		ID:        gatewayID,
		Connected: connected,
		LastSeen:  timestamp,
	})
	if err != nil {
		fs.logger.Error("Failed to persist gateway presence",
			zap.String("gateway_id", gatewayID),
			zap.Error(err))
	}
}

// sanitizeRefKey replaces characters Firebase forbids in database paths
func sanitizeRefKey(key string) string {
	replacer := strings.NewReplacer(".", "-", "#", "-", "$", "-", "[", "-", "]", "-", "/", "-")
	return replacer.Replace(key)
}
