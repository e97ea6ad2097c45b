package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	globalMemoryPath = "memory/global.md"
	maxMemoryFilename = 120
)

var memoryUnsafeChars = regexp.MustCompile(`[/\\\x00-\x1f]`)

// sanitizeChatMemoryFilename derives the per-chat memory filename
// (spec.md §6): percent-encode, replace "%" with "_", strip path
// separators and control characters, then cap to 120 characters.
func sanitizeChatMemoryFilename(channel, chatID string) string {
	raw := channel + "_" + chatID
	encoded := url.QueryEscape(raw)
	encoded = strings.ReplaceAll(encoded, "%", "_")
	encoded = memoryUnsafeChars.ReplaceAllString(encoded, "_")
	if len(encoded) > maxMemoryFilename {
		encoded = encoded[:maxMemoryFilename]
	}
	return encoded
}

// GlobalMemoryRelPath returns the workspace-relative path of the global
// memory file, for callers outside this package (the Context Builder).
func GlobalMemoryRelPath() string { return globalMemoryPath }

// ChatMemoryRelPath exports chatMemoryPath for the Context Builder, which
// needs the same per-chat memory filename the memory.read/memory.write
// tools use.
func ChatMemoryRelPath(workspace, channel, chatID string) string {
	return chatMemoryPath(workspace, channel, chatID)
}

// chatMemoryPath returns the relative workspace path for a chat's memory
// file, honoring a pre-existing legacy unsanitized filename if present.
func chatMemoryPath(workspace, channel, chatID string) string {
	legacy := filepath.Join("memory", fmt.Sprintf("%s_%s.md", channel, chatID))
	if _, err := os.Stat(filepath.Join(workspace, legacy)); err == nil {
		return legacy
	}
	return filepath.Join("memory", sanitizeChatMemoryFilename(channel, chatID)+".md")
}

// MemoryReadTool reads the global or per-chat memory file.
type MemoryReadTool struct {
	workspace string
}

func NewMemoryReadTool(workspace string) *MemoryReadTool { return &MemoryReadTool{workspace: workspace} }

func (t *MemoryReadTool) Name() string        { return "memory.read" }
func (t *MemoryReadTool) Description() string { return "Read the global or chat-scoped memory file" }
func (t *MemoryReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"scope": map[string]interface{}{
				"type": "string",
				"enum": []string{"global", "chat"},
			},
		},
		"required": []string{"scope"},
	}
}

func (t *MemoryReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	scope, _ := args["scope"].(string)
	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}

	path, err := memoryRelPath(ctx, workspace, scope)
	if err != nil {
		return ErrorResult(err.Error())
	}

	resolved, err := ResolvePath(path, workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return SilentResult("(memory is empty)")
		}
		return ErrorResult(fmt.Sprintf("failed to read memory: %v", err))
	}
	return SilentResult(string(data))
}

// MemoryWriteTool writes the global or per-chat memory file. The policy
// layer (spec.md §4.6) enforces admin-only for scope=global before Execute
// runs.
type MemoryWriteTool struct {
	workspace string
}

func NewMemoryWriteTool(workspace string) *MemoryWriteTool { return &MemoryWriteTool{workspace: workspace} }

func (t *MemoryWriteTool) Name() string        { return "memory.write" }
func (t *MemoryWriteTool) Description() string { return "Write the global or chat-scoped memory file" }
func (t *MemoryWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"scope": map[string]interface{}{
				"type": "string",
				"enum": []string{"global", "chat"},
			},
			"content": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"scope", "content"},
	}
}

func (t *MemoryWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	scope, _ := args["scope"].(string)
	content, _ := args["content"].(string)

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}

	path, err := memoryRelPath(ctx, workspace, scope)
	if err != nil {
		return ErrorResult(err.Error())
	}

	resolved, err := ResolvePath(path, workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create memory directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write memory: %v", err))
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s memory", len(content), scope))
}

func memoryRelPath(ctx context.Context, workspace, scope string) (string, error) {
	switch scope {
	case "global":
		return globalMemoryPath, nil
	case "chat":
		channel := ToolChannelFromCtx(ctx)
		chatID := ToolChatIDFromCtx(ctx)
		if channel == "" || chatID == "" {
			return "", fmt.Errorf("chat-scoped memory requires channel and chatId in context")
		}
		return chatMemoryPath(workspace, channel, chatID), nil
	default:
		return "", fmt.Errorf("scope must be \"global\" or \"chat\"")
	}
}
