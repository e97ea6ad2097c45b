package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
)

// alertPayload is the JSON body POSTed to slo.alertWebhookUrl on threshold
// breach.
type alertPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// alertChecker debounces repeated breaches of the same kind by
// alertCooldownMs, so a sustained breach doesn't flood the webhook.
type alertChecker struct {
	cfg    config.SloConfig
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newAlertChecker(cfg config.SloConfig, logger *slog.Logger) *alertChecker {
	return &alertChecker{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 5 * time.Second},
		lastSent: make(map[string]time.Time),
	}
}

func (a *alertChecker) fire(ctx context.Context, kind, message string) {
	if a.cfg.AlertWebhookURL == "" {
		a.logger.Warn("observability: slo breach", "kind", kind, "message", message)
		return
	}

	a.mu.Lock()
	now := time.Now()
	if last, ok := a.lastSent[kind]; ok && now.Sub(last) < time.Duration(a.cfg.AlertCooldownMs)*time.Millisecond {
		a.mu.Unlock()
		return
	}
	a.lastSent[kind] = now
	a.mu.Unlock()

	body, err := json.Marshal(alertPayload{Kind: kind, Message: message, Timestamp: now.UnixMilli()})
	if err != nil {
		a.logger.Error("observability: marshal alert failed", "kind", kind, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("observability: build alert request failed", "kind", kind, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("observability: alert post failed", "kind", kind, "error", err)
		return
	}
	defer resp.Body.Close()
}
