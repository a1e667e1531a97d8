// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
)

// maxListedOutcomes caps the per-target lines of one message.
const maxListedOutcomes = 50

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// SendNotification posts a batch summary to the configured chat. Delivery
// failures are reported in the result.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	log := s.logger.With().
		Str("chat_id", cfg.ChatID).
		Str("batch_id", msg.BatchID).
		Logger()
	log.Debug().Int("outcomes", len(msg.Outcomes)).Msg("sending batch summary")

	if err := s.post(ctx, cfg, s.formatMessage(msg)); err != nil {
		log.Warn().Err(err).Msg("batch summary not delivered")
		return &models.TelegramResult{Error: err}, nil
	}

	log.Info().Msg("batch summary delivered")
	return &models.TelegramResult{MessageSent: true}, nil
}

func (s *Impl) post(ctx context.Context, cfg models.TelegramConfig, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := s.baseURL + "/bot" + cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	failed := 0
	for _, o := range msg.Outcomes {
		if !o.Succeeded {
			failed++
		}
	}

	action := escapeHTML(string(msg.Action))
	if failed == 0 {
		fmt.Fprintf(&b, "✅ <b>%s: all %d targets succeeded</b>\n\n", action, len(msg.Outcomes))
	} else {
		fmt.Fprintf(&b, "❌ <b>%s: %d of %d targets failed</b>\n\n", action, failed, len(msg.Outcomes))
	}

	fmt.Fprintf(&b, "🆔 <b>Batch:</b> <code>%s</code>\n", escapeHTML(msg.BatchID))
	fmt.Fprintf(&b, "👤 <b>Initiated by:</b> %s\n", escapeHTML(msg.InitiatedBy))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Millisecond))

	if len(msg.Outcomes) == 0 {
		return b.String()
	}

	b.WriteString("\n<b>🖥 Targets:</b>\n")
	for i, o := range msg.Outcomes {
		if i == maxListedOutcomes {
			fmt.Fprintf(&b, "  … and %d more\n", len(msg.Outcomes)-maxListedOutcomes)
			break
		}
		mark := "✅"
		if !o.Succeeded {
			mark = "❌"
		}
		fmt.Fprintf(&b, "  %s %s: %s\n", mark, escapeHTML(o.TargetID), escapeHTML(o.Detail))
	}

	return b.String()
}

// Telegram's HTML mode only needs these three escaped.
var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
