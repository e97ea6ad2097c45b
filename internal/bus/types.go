// Package bus implements Coreclaw's durable at-least-once message queue:
// every inbound and outbound envelope is persisted to storage before any
// handler sees it, so a crash mid-dispatch never loses or silently
// re-delivers work (spec.md §4.2).
package bus

import (
	"context"
	"time"

	"github.com/coreclaw/coreclaw/internal/store"
)

// Envelope is the wire shape carried by both queue directions.
type Envelope struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	ChatID    string            `json:"chatId"`
	SenderID  string            `json:"senderId,omitempty"`
	Content   string            `json:"content"`
	CreatedAt int64             `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Direction names which lane an envelope travels.
type Direction = store.QueueDirection

const (
	Inbound  = store.DirectionInbound
	Outbound = store.DirectionOutbound
)

// Handler processes one claimed envelope. The context is cancelled once the
// dispatch deadline (processingTimeoutMs) elapses, so a handler that honors
// ctx actually stops instead of continuing to run concurrently with a
// retried/reclaimed copy of the same envelope (spec.md §4.2/§5). A returned
// error drives the bus's retry/backoff/dead-letter policy; it is never
// surfaced synchronously to the publisher.
type Handler func(context.Context, Envelope) error

// Record is the bus-level view of a queue row, used by dead-letter
// listing/replay callers (CLI `/dlq`, admin endpoints).
type Record = store.BusQueueRecord

func nowMs() int64 { return time.Now().UnixMilli() }
