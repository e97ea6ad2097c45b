package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
)

// inboundBody is the JSON the webhook expects on POST <path>.
type inboundBody struct {
	ChatID   string `json:"chatId"`
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

type outboxEntry struct {
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	expiresAt time.Time
}

// WebhookChannel is an HTTP channel: POST <path> publishes an inbound
// envelope, GET <path>/outbound drains the TTL-bounded per-chat outbox a
// polling client reads from. Grounded on the teacher's gateway server's
// net/http.Server + http.ServeMux wiring shape
// (internal/gateway/server.go), trimmed of WebSocket, managed-mode HTTP
// handler registries, and rate limiting that have no equivalent here.
type WebhookChannel struct {
	cfg    config.WebhookConfig
	srv    *http.Server
	logger *slog.Logger

	mu     sync.Mutex
	outbox map[string][]outboxEntry
}

func NewWebhookChannel(cfg config.WebhookConfig, logger *slog.Logger) *WebhookChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookChannel{cfg: cfg, logger: logger, outbox: make(map[string][]outboxEntry)}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Start(ctx context.Context, b *bus.Bus) error {
	if !w.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.withAuth(func(rw http.ResponseWriter, r *http.Request) {
		w.handleInbound(rw, r, b)
	}))
	mux.HandleFunc(w.cfg.Path+"/outbound", w.withAuth(w.handleOutbound))

	addr := fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
	w.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webhook: server failed", "error", err)
		}
	}()
	return nil
}

func (w *WebhookChannel) Stop() error {
	if w.srv == nil {
		return nil
	}
	return w.srv.Close()
}

// Send enqueues one outbound message into the per-chat TTL-bounded outbox,
// trimming the oldest entries past outboxMaxPerChat and dropping the
// oldest chat entirely past outboxMaxChats.
func (w *WebhookChannel) Send(msg OutboundMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ttl := time.Duration(w.cfg.OutboxChatTtlMs) * time.Millisecond
	entry := outboxEntry{Content: msg.Content, CreatedAt: time.Now().UnixMilli(), expiresAt: time.Now().Add(ttl)}

	entries := append(w.outbox[msg.ChatID], entry)
	if max := w.cfg.OutboxMaxPerChat; max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	w.outbox[msg.ChatID] = entries

	if max := w.cfg.OutboxMaxChats; max > 0 && len(w.outbox) > max {
		w.evictOldestChat(msg.ChatID)
	}
	return nil
}

// evictOldestChat drops the chat whose first entry is oldest, never the
// chat named by keep (the one that was just written to).
func (w *WebhookChannel) evictOldestChat(keep string) {
	var oldestChat string
	var oldestAt int64
	for chatID, entries := range w.outbox {
		if chatID == keep || len(entries) == 0 {
			continue
		}
		if oldestChat == "" || entries[0].CreatedAt < oldestAt {
			oldestChat = chatID
			oldestAt = entries[0].CreatedAt
		}
	}
	if oldestChat != "" {
		delete(w.outbox, oldestChat)
	}
}

func (w *WebhookChannel) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if w.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != w.cfg.AuthToken {
				http.Error(rw, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(rw, r)
	}
}

func (w *WebhookChannel) handleInbound(rw http.ResponseWriter, r *http.Request, b *bus.Bus) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxBody := w.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > maxBody {
		http.Error(rw, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var in inboundBody
	if err := json.Unmarshal(body, &in); err != nil || in.ChatID == "" || in.Content == "" {
		http.Error(rw, "invalid body: expected {chatId, content}", http.StatusBadRequest)
		return
	}

	env := bus.Envelope{
		ID:        uuid.NewString(),
		Channel:   w.Name(),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: time.Now().UnixMilli(),
	}
	if _, err := b.PublishInbound(r.Context(), env); err != nil {
		http.Error(rw, "failed to publish", http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

// handleOutbound drains and returns queued outbound entries for one chat,
// dropping any past their TTL.
func (w *WebhookChannel) handleOutbound(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		http.Error(rw, "missing chatId query parameter", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	entries := w.outbox[chatID]
	delete(w.outbox, chatID)
	w.mu.Unlock()

	now := time.Now()
	live := make([]outboxEntry, 0, len(entries))
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			live = append(live, e)
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(live); err != nil {
		w.logger.Error("webhook: encode outbound response failed", "error", err)
	}
}
