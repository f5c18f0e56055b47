package services

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"vigil/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramSink notifies operators of offline and recovery transitions. A
// per-subject cooldown keeps a flapping device from flooding the chat.
type TelegramSink struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	cooldown time.Duration
	logger   *zap.Logger

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	alertedOffline map[string]bool
}

func NewTelegramSink(cfg *config.Config, logger *zap.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramSink{
		bot:            bot,
		chatID:         chatID,
		cooldown:       time.Duration(cfg.TelegramCooldownSeconds) * time.Second,
		logger:         logger,
		lastAlertTimes: make(map[string]time.Time),
		alertedOffline: make(map[string]bool),
	}, nil
}

// SendStartupMessage announces that monitoring has started
func (ts *TelegramSink) SendStartupMessage() error {
	text := fmt.Sprintf("🟢 <b>Vigil liveness engine started</b>\n%s",
		time.Now().Format("2006-01-02 15:04:05"))
	return ts.send(text)
}

func (ts *TelegramSink) SensorOnline(key string, lastSeen time.Time, battery *int, lastValue *float64) {
	ts.mu.Lock()
	recovered := ts.alertedOffline["sensor:"+key]
	if recovered {
		delete(ts.alertedOffline, "sensor:"+key)
	}
	ts.mu.Unlock()

	if !recovered {
		return
	}

	text := fmt.Sprintf("✅ <b>Sensor recovered</b>\nSensor: <code>%s</code>\nLast seen: %s",
		key, lastSeen.Format("2006-01-02 15:04:05"))
	if err := ts.send(text); err != nil {
		ts.logger.Error("Failed to send sensor recovery alert",
			zap.String("sensor_key", key),
			zap.Error(err))
	}
}

func (ts *TelegramSink) SensorOffline(key string) {
	subject := "sensor:" + key
	if !ts.shouldAlert(subject) {
		return
	}

	text := fmt.Sprintf("🔴 <b>Sensor offline</b>\nSensor: <code>%s</code>\nTime: %s",
		key, time.Now().Format("2006-01-02 15:04:05"))
	if err := ts.send(text); err != nil {
		ts.logger.Error("Failed to send sensor offline alert",
			zap.String("sensor_key", key),
			zap.Error(err))
	}
}

func (ts *TelegramSink) GatewayPresence(gatewayID string, connected bool, timestamp time.Time) {
	subject := "gateway:" + gatewayID

	if connected {
		ts.mu.Lock()
		recovered := ts.alertedOffline[subject]
		if recovered {
			delete(ts.alertedOffline, subject)
		}
		ts.mu.Unlock()

		if !recovered {
			return
		}
		text := fmt.Sprintf("✅ <b>Gateway reconnected</b>\nGateway: <code>%s</code>\nTime: %s",
			gatewayID, timestamp.Format("2006-01-02 15:04:05"))
		if err := ts.send(text); err != nil {
			ts.logger.Error("Failed to send gateway recovery alert",
				zap.String("gateway_id", gatewayID),
				zap.Error(err))
		}
		return
	}

	if !ts.shouldAlert(subject) {
		return
	}

	text := fmt.Sprintf("⚠️ <b>Gateway disconnected</b>\nGateway: <code>%s</code>\nTime: %s",
		gatewayID, timestamp.Format("2006-01-02 15:04:05"))
	if err := ts.send(text); err != nil {
		ts.logger.Error("Failed to send gateway offline alert",
			zap.String("gateway_id", gatewayID),
			zap.Error(err))
	}
}

// shouldAlert applies the cooldown and marks the subject as alerted
func (ts *TelegramSink) shouldAlert(subject string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if last, ok := ts.lastAlertTimes[subject]; ok && now.Sub(last) < ts.cooldown {
		return false
	}
	ts.lastAlertTimes[subject] = now
	ts.alertedOffline[subject] = true
	return true
}

func (ts *TelegramSink) send(text string) error {
	msg := tgbotapi.NewMessage(ts.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := ts.bot.Send(msg)
	return err
}
