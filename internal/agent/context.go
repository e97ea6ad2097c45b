package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tools"
)

// RunMode is derived from the inbound envelope (spec.md §4.7) and decides
// which system-prompt sections the ContextBuilder assembles.
type RunMode struct {
	Kind        string // "heartbeat" | "scheduled" | "chat"
	ContextMode string // "group" | "isolated"
}

// DeriveRunMode classifies one inbound envelope by its metadata.
func DeriveRunMode(env bus.Envelope) RunMode {
	if env.Metadata["isHeartbeat"] == "true" {
		return RunMode{Kind: "heartbeat", ContextMode: "group"}
	}
	if env.Metadata["isScheduledTask"] == "true" {
		contextMode := "group"
		if env.Metadata["contextMode"] == "isolated" {
			contextMode = "isolated"
		}
		return RunMode{Kind: "scheduled", ContextMode: contextMode}
	}
	return RunMode{Kind: "chat", ContextMode: "group"}
}

// IncludeChatContext reports whether history, chat memory, and the
// conversation summary belong in the assembled prompt.
func (m RunMode) IncludeChatContext() bool {
	return m.Kind == "chat" || m.ContextMode == "group"
}

const (
	minSystemPromptTokens = 64
	minLastMessageTokens  = 32
	truncatedSuffix       = "\n...[truncated by token budget]"
)

// BuildOptions carries everything ContextBuilder needs for one turn.
type BuildOptions struct {
	Workspace          string
	Chat               store.Chat
	Envelope           bus.Envelope
	Mode               RunMode
	History            []store.Message
	ConversationState  store.ConversationState
	HistoryMaxMessages  int
	MaxInputTokens      int
	ReserveOutputTokens int
}

// ContextBuilder assembles the input to one language-model call (spec.md
// §4.7), grounded on the teacher's system-prompt concatenation and context
// file loading in internal/agent/loop.go, trimmed of per-user bootstrap
// seeding and managed-mode dynamic context files that have no equivalent
// here.
type ContextBuilder struct{}

func NewContextBuilder() *ContextBuilder { return &ContextBuilder{} }

// Build assembles the system prompt and message list, then applies the
// token-budget cascade.
func (cb *ContextBuilder) Build(ctx context.Context, opts BuildOptions) []providers.Message {
	systemPrompt := cb.buildSystemPrompt(opts)

	userContent := opts.Envelope.Content
	if opts.Mode.Kind == "scheduled" {
		userContent = "[Scheduled Task] " + userContent
	}

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}

	if opts.Mode.IncludeChatContext() {
		messages = append(messages, historyMessages(opts.History, opts.HistoryMaxMessages)...)
	}

	messages = append(messages, providers.Message{Role: "user", Content: userContent})

	budget := tokenBudget(opts.MaxInputTokens, opts.ReserveOutputTokens)
	return applyTokenBudget(messages, budget)
}

// buildSystemPrompt joins the ordered sections of spec.md §4.7, omitting
// any section whose content is empty: Identity file, Tool Policy file,
// User Profile file, Global Memory file, Chat Memory file (chat context
// only), Skills Index, Always-Skills bodies, Enabled-Skills bodies,
// Conversation Summary (chat context only).
func (cb *ContextBuilder) buildSystemPrompt(opts BuildOptions) string {
	var sections []string

	addFile := func(relPath string) {
		if content := readWorkspaceFile(opts.Workspace, relPath); content != "" {
			sections = append(sections, content)
		}
	}

	addFile("IDENTITY.md")
	addFile("TOOLS.md")
	addFile("USER.md")
	addFile(tools.GlobalMemoryRelPath())

	if opts.Mode.IncludeChatContext() {
		addFile(tools.ChatMemoryRelPath(opts.Workspace, opts.Chat.Channel, opts.Chat.ChatID))
	}

	allSkills, alwaysSkills := listSkills(opts.Workspace)
	if index := buildSkillsIndex(opts.Workspace, allSkills, alwaysSkills); index != "" {
		sections = append(sections, index)
	}
	for _, name := range alwaysSkills {
		addFile(filepath.Join("skills", name, "SKILL.md"))
	}
	for _, name := range opts.ConversationState.EnabledSkills {
		if !contains(alwaysSkills, name) {
			addFile(filepath.Join("skills", name, "SKILL.md"))
		}
	}

	if opts.Mode.IncludeChatContext() && opts.ConversationState.Summary != "" {
		sections = append(sections, "Conversation Summary:\n"+opts.ConversationState.Summary)
	}

	return strings.Join(sections, "\n\n")
}

func readWorkspaceFile(workspace, relPath string) string {
	data, err := os.ReadFile(filepath.Join(workspace, relPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func historyMessages(history []store.Message, limit int) []providers.Message {
	if limit <= 0 {
		limit = 50
	}
	var filtered []store.Message
	for _, m := range history {
		if (m.Role == "user" || m.Role == "assistant") && strings.TrimSpace(m.Content) != "" {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]providers.Message, 0, len(filtered))
	for _, m := range filtered {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// tokenBudget returns max(256, maxInputTokens-reserveOutputTokens).
func tokenBudget(maxInputTokens, reserveOutputTokens int) int {
	budget := maxInputTokens - reserveOutputTokens
	if budget < 256 {
		budget = 256
	}
	return budget
}

// estimateTokens applies spec.md §4.7's per-character cost rule: 1 token
// for any Han/Hiragana/Katakana/Hangul code point, else 0.25, plus a flat
// 4-token per-message overhead.
func estimateTokens(m providers.Message) int {
	cost := 4.0
	for _, r := range m.Content {
		cost += runeCost(r)
	}
	for _, tc := range m.ToolCalls {
		for _, r := range tc.Name {
			cost += runeCost(r)
		}
		cost += 4
	}
	return int(cost)
}

func runeCost(r rune) float64 {
	switch {
	case unicode.Is(unicode.Han, r), unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r), unicode.Is(unicode.Hangul, r):
		return 1
	default:
		return 0.25
	}
}

func totalTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// applyTokenBudget implements the three-step cascade of spec.md §4.7.
func applyTokenBudget(messages []providers.Message, budget int) []providers.Message {
	if totalTokens(messages) <= budget {
		return messages
	}

	// Step 1: drop oldest non-system messages while more than one tail
	// message remains.
	for totalTokens(messages) > budget && len(messages) > 2 {
		// messages[0] is system; drop the oldest non-system message at
		// index 1 while a tail message (the final, most recent one)
		// survives.
		if len(messages) <= 2 {
			break
		}
		messages = append(messages[:1], messages[2:]...)
	}
	if totalTokens(messages) <= budget {
		return messages
	}

	// Step 2: truncate the system prompt, leaving at least 64 tokens.
	if len(messages) > 0 && messages[0].Role == "system" {
		overBudget := totalTokens(messages) - budget
		messages[0].Content = truncateForTokens(messages[0].Content, overBudget, minSystemPromptTokens)
	}
	if totalTokens(messages) <= budget {
		return messages
	}

	// Step 3: truncate the last message, preserving at least 32 tokens.
	if last := len(messages) - 1; last >= 0 {
		overBudget := totalTokens(messages) - budget
		messages[last].Content = truncateForTokens(messages[last].Content, overBudget, minLastMessageTokens)
	}
	return messages
}

// truncateForTokens removes roughly enough trailing characters to shed
// reduceBy tokens (at ~0.25 tokens/char for the common case), never
// shrinking below minTokens worth of content, then appends the truncation
// suffix.
func truncateForTokens(content string, reduceBy, minTokens int) string {
	runes := []rune(content)
	removeChars := reduceBy * 4 // inverse of the 0.25 tokens/char default cost
	keep := len(runes) - removeChars
	minChars := minTokens * 4
	if keep < minChars {
		keep = minChars
	}
	if keep < 0 {
		keep = 0
	}
	if keep >= len(runes) {
		return content
	}
	return string(runes[:keep]) + truncatedSuffix
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// listSkills enumerates skills/<name> directories. A skill is "always-on"
// if its directory contains a marker file named ALWAYS — the SKILL.md body
// format itself is out of scope, so this is the one convention the
// Context Builder imposes on top of it.
func listSkills(workspace string) (all, always []string) {
	dir := filepath.Join(workspace, "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		all = append(all, e.Name())
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "ALWAYS")); err == nil {
			always = append(always, e.Name())
		}
	}
	sort.Strings(all)
	return all, always
}

// buildSkillsIndex renders the bulleted "- name [flags]: description" index
// spec.md §4.7 names, marking always-on skills with "[always]".
func buildSkillsIndex(workspace string, names, always []string) string {
	if len(names) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Skills Index:\n")
	for _, name := range names {
		flags := ""
		if contains(always, name) {
			flags = " [always]"
		}
		desc := readSkillDescription(filepath.Join(workspace, "skills", name, "SKILL.md"))
		if desc != "" {
			fmt.Fprintf(&sb, "- %s%s: %s\n", name, flags, desc)
		} else {
			fmt.Fprintf(&sb, "- %s%s\n", name, flags)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// readSkillDescription returns the first non-empty, non-heading line of a
// SKILL.md file as its description, or "" if absent.
func readSkillDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "---") {
			continue
		}
		return line
	}
	return ""
}
