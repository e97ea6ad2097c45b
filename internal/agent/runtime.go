package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/coreclaw/coreclaw/internal/coreerr"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/tools"
)

const unableToCompleteMessage = "Unable to complete the request within tool limits."

// RunResult is what the Agent Runtime hands back to the Conversation Router:
// the final assistant content plus the tool-call transcript for the turn.
type RunResult struct {
	Content      string
	ToolMessages []providers.Message
}

// RuntimeOptions configures one Run call.
type RuntimeOptions struct {
	Provider          providers.Provider
	Tools             *tools.Registry
	MaxToolIterations int
	ProviderTimeoutMs int
	Model             string
	Temperature       float64
	Role              string
	Channel           string
	ChatID            string
	Workspace         string
	McpAllowedTools   []string
}

// Runtime operates the bounded tool-calling loop of spec.md §4.8.
type Runtime struct{}

func NewRuntime() *Runtime { return &Runtime{} }

// Run executes up to opts.MaxToolIterations iterations, grounded on the
// teacher's think/act/observe core in the former agent loop, trimmed of
// streaming, subagent, vision, and tracing concerns this domain has no
// equivalent for.
func (rt *Runtime) Run(ctx context.Context, messages []providers.Message, opts RuntimeOptions) (*RunResult, error) {
	maxIterations := opts.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	toolDefs := opts.Tools.ProviderDefs()

	var toolMessages []providers.Message

	for iteration := 0; iteration < maxIterations; iteration++ {
		chatReq := providers.ChatRequest{
			Messages:    messages,
			Model:       opts.Model,
			Temperature: opts.Temperature,
		}
		if len(toolDefs) > 0 {
			chatReq.Tools = toolDefs
		}

		resp, err := rt.call(ctx, opts.Provider, chatReq, opts.ProviderTimeoutMs)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return &RunResult{Content: resp.Content, ToolMessages: toolMessages}, nil
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   "",
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		toolMessages = append(toolMessages, assistantMsg)

		for _, tc := range resp.ToolCalls {
			result := opts.Tools.Execute(ctx, tools.ExecuteRequest{
				Tool:            tc.Name,
				Args:            tc.Arguments,
				Role:            opts.Role,
				Channel:         opts.Channel,
				ChatID:          opts.ChatID,
				Workspace:       opts.Workspace,
				McpAllowedTools: opts.McpAllowedTools,
			})

			content := result.ForLLM
			if result.IsError {
				content = fmt.Sprintf("Tool error: %s", result.ForLLM)
			}

			toolMsg := providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			}
			messages = append(messages, toolMsg)
			toolMessages = append(toolMessages, toolMsg)
		}
	}

	return &RunResult{Content: unableToCompleteMessage, ToolMessages: toolMessages}, nil
}

// call wraps one provider.Chat in a deadline of timeoutMs, surfacing a
// ProviderTimeoutError naming the exceeded budget instead of a generic
// context.DeadlineExceeded.
func (rt *Runtime) call(ctx context.Context, provider providers.Provider, req providers.ChatRequest, timeoutMs int) (*providers.ChatResponse, error) {
	if timeoutMs <= 0 {
		timeoutMs = 60_000
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	resp, err := provider.Chat(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", &coreerr.ProviderTimeoutError{TimeoutMs: timeoutMs}, err)
		}
		return nil, err
	}
	return resp, nil
}
