package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/store"
)

// ChatRegisterTool implements "chat.register": marking the calling chat
// registered (spec.md §4.6's Registered flag gating message persistence),
// or — when role="admin" is requested — routing through the admin
// bootstrap protocol instead of a plain role write (policy.go's
// chat.register case defers to this tool for that reason).
type ChatRegisterTool struct {
	store     *store.Storage
	bootstrap *AdminBootstrap
}

func NewChatRegisterTool(st *store.Storage, bootstrap *AdminBootstrap) *ChatRegisterTool {
	return &ChatRegisterTool{store: st, bootstrap: bootstrap}
}

func (t *ChatRegisterTool) Name() string { return "chat.register" }
func (t *ChatRegisterTool) Description() string {
	return "Register the current chat to receive persisted history, optionally requesting the admin role via a bootstrap key"
}
func (t *ChatRegisterTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"role":         map[string]interface{}{"type": "string", "description": "\"admin\" or \"normal\""},
			"bootstrapKey": map[string]interface{}{"type": "string"},
		},
	}
}

func (t *ChatRegisterTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	chat, err := t.store.GetChatByChannelAndID(ctx, channel, chatID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("chat.register: lookup chat: %v", err))
	}

	role, _ := stringArg(args, "role")
	if role == roleAdmin {
		key, _ := stringArg(args, "bootstrapKey")
		if err := t.bootstrap.Elevate(ctx, chat.ID, key); err != nil {
			return ErrorResult(fmt.Sprintf("admin bootstrap refused: %v", err))
		}
		if err := t.store.SetChatRegistered(ctx, chat.ID, true); err != nil {
			return ErrorResult(fmt.Sprintf("chat.register: mark registered: %v", err))
		}
		return NewResult("registered as admin")
	}

	if err := t.store.SetChatRegistered(ctx, chat.ID, true); err != nil {
		return ErrorResult(fmt.Sprintf("chat.register: mark registered: %v", err))
	}
	return NewResult("registered")
}
