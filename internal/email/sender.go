// Package email delivers transactional emails through the platform's mail function.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/directoryhub/directory-hub/internal/config"
)

// Sender sends transactional emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email to send.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// FunctionSender posts emails to the platform's send-email function.
type FunctionSender struct {
	url        string
	serviceKey string
	from       string
	httpClient *http.Client
}

// NewFunctionSender creates a sender for the given function URL. The service
// key is sent as a bearer token.
func NewFunctionSender(url, serviceKey, from string, timeout time.Duration) *FunctionSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FunctionSender{
		url:        url,
		serviceKey: serviceKey,
		from:       from,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type functionRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
	From    string `json:"from,omitempty"`
}

// Send posts the email to the mail function.
func (f *FunctionSender) Send(ctx context.Context, msg Message) error {
	from := msg.From
	if from == "" {
		from = f.from
	}
	body, err := json.Marshal(functionRequest{
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		From:    from,
	})
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.serviceKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("email function error (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return nil
}

// LogSender logs emails instead of sending them. Used as fallback when no mail function is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that logs emails.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "email")}
}

// Send logs the email instead of sending it.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	l.logger.Info("email not sent, no mail function configured", "to", msg.To, "subject", msg.Subject)
	return nil
}

// NewSender picks the sender for the configured provider.
func NewSender(cfg config.EmailConfig, serviceKey string, logger *slog.Logger) Sender {
	if cfg.Provider == "function" && cfg.FunctionURL != "" {
		return NewFunctionSender(cfg.FunctionURL, serviceKey, cfg.From, cfg.Timeout.Duration)
	}
	return NewLogSender(logger)
}
