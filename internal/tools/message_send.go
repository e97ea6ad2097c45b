package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/store"
)

// OutboundPublisher is the narrow slice of *bus.Bus the message.send tool
// needs — publish, nothing else — so a tool can reach back onto the bus
// without the registry handing it the full Router (spec.md §9's cyclic
// wiring note: tools get a publish-only handle, not the router).
type OutboundPublisher interface {
	PublishOutbound(ctx context.Context, env bus.Envelope) (store.PublishResult, error)
}

// MessageSendTool implements "message.send": publish an outbound message
// to an arbitrary (channel, chatId) pair. The Policy engine requires admin
// for any pair other than the caller's own (spec.md §4.6).
type MessageSendTool struct {
	publisher OutboundPublisher
}

func NewMessageSendTool(publisher OutboundPublisher) *MessageSendTool {
	return &MessageSendTool{publisher: publisher}
}

func (t *MessageSendTool) Name() string        { return "message.send" }
func (t *MessageSendTool) Description() string { return "Send a message to a (channel, chatId) pair" }
func (t *MessageSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel": map[string]interface{}{"type": "string"},
			"chatId":  map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"channel", "chatId", "content"},
	}
}

func (t *MessageSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channel, _ := stringArg(args, "channel")
	chatID, _ := stringArg(args, "chatId")
	content, _ := stringArg(args, "content")
	if channel == "" || chatID == "" || content == "" {
		return ErrorResult("message.send: channel, chatId, and content are required")
	}

	env := bus.Envelope{
		ID:        fmt.Sprintf("outbound:%s:%s:tool:%d", channel, chatID, time.Now().UnixNano()),
		Channel:   channel,
		ChatID:    chatID,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	if _, err := t.publisher.PublishOutbound(ctx, env); err != nil {
		return ErrorResult(fmt.Sprintf("message.send: publish failed: %v", err))
	}
	return NewResult("sent")
}
