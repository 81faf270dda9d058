package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/directoryhub/directory-hub/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// EventHandler applies a verified Stripe event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret string
	events EventHandler
	logger *slog.Logger
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. With an empty
// secret, payloads are accepted without signature verification.
func NewWebhookHandler(secret string, events EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret: strings.TrimSpace(secret),
		events: events,
		logger: logger.With("component", "webhook"),
	}
}

// Verifying reports whether signatures are checked.
func (h *WebhookHandler) Verifying() bool { return h.secret != "" }

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(h.logger, w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(h.logger, w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	event, perr := h.parse(payload, r.Header.Get("Stripe-Signature"))
	if perr != nil {
		status = http.StatusBadRequest
		h.logger.Warn("Stripe webhook rejected", "error", perr.msg, "cause", perr.cause)
		writeJSON(h.logger, w, status, webhookErrorResponse{Error: perr.msg})
		return
	}
	eventType = string(event.Type)

	if err := h.events.HandleEvent(r.Context(), event); err != nil {
		h.logger.Error("Stripe webhook processing failed",
			"event_id", event.ID,
			"type", string(event.Type),
			"error", err,
		)
		status = http.StatusInternalServerError
		writeJSON(h.logger, w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(h.logger, w, status, webhookReceivedResponse{Received: true})
}

type parseError struct {
	msg   string
	cause error
}

func (h *WebhookHandler) parse(payload []byte, sigHeader string) (*stripe.Event, *parseError) {
	var event stripe.Event
	if h.secret == "" {
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, &parseError{msg: "invalid payload", cause: err}
		}
	} else {
		if strings.TrimSpace(sigHeader) == "" {
			return nil, &parseError{msg: "missing Stripe signature"}
		}
		var err error
		event, err = webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return nil, &parseError{msg: "invalid Stripe signature", cause: err}
		}
	}
	if event.Type == "" || event.Data == nil {
		return nil, &parseError{msg: "invalid payload"}
	}
	return &event, nil
}

func writeJSON[T any](logger *slog.Logger, w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode webhook response", "status", status, "error", err)
	}
}
