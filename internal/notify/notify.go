// Package notify delivers operator alerts to external channels. Delivery is
// fire-and-forget through a bounded queue: a slow or failing webhook never
// blocks the component that raised the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

// Message is one alert on its way out.
type Message struct {
	Level     string
	EventType string
	Text      string
	TraceID   string
	At        time.Time
}

// Notifier is a delivery channel for alert messages.
type Notifier interface {
	Send(msg Message) error
	Name() string
	IsEnabled() bool
}

// Manager fans alert messages out to every enabled channel. Publish never
// blocks; when the queue is full the message is dropped and counted.
type Manager struct {
	notifiers []Notifier
	queue     chan Message
	enabled   bool
	log       zerolog.Logger
}

const queueSize = 64

// NewManager builds the channel set from config. Channels with missing
// credentials stay disabled.
func NewManager(cfg *config.Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		queue:   make(chan Message, queueSize),
		enabled: cfg.NotificationConfig.Enabled,
		log:     logger.With().Str("component", "notifier").Logger(),
	}
	m.AddNotifier(NewTelegramNotifier(cfg.NotificationConfig.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.NotificationConfig.Discord))
	return m
}

// AddNotifier registers a delivery channel.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Publish queues a message for delivery. Returns immediately; a full queue
// drops the message.
func (m *Manager) Publish(msg Message) {
	if !m.enabled {
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.log.Warn().Str("event_type", msg.EventType).Msg("notification queue full, message dropped")
	}
}

// Run drains the queue until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.queue:
			m.deliver(msg)
		}
	}
}

func (m *Manager) deliver(msg Message) {
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(msg); err != nil {
			m.log.Warn().Err(err).Str("channel", n.Name()).Str("event_type", msg.EventType).Msg("notification delivery failed")
		}
	}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends alerts via the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier. Disabled unless both the
// bot token and chat ID are configured.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		apiBase:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(msg Message) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("*[%s] %s*\n%s\n`trace=%s`", msg.Level, msg.EventType, msg.Text, msg.TraceID)

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends alerts via a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a Discord notifier. Disabled unless the webhook
// URL is configured.
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(msg Message) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch msg.Level {
	case LevelWarn:
		color = 0xFFA500 // Orange
	case LevelError, LevelCritical:
		color = 0xFF0000 // Red
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("[%s] %s", msg.Level, msg.EventType),
		"description": msg.Text,
		"color":       color,
		"timestamp":   msg.At.Format(time.RFC3339),
		"footer":      map[string]any{"text": fmt.Sprintf("trace=%s", msg.TraceID)},
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
