package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreclaw/coreclaw/internal/coreerr"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Tool is the interface every builtin tool implements. There is no teacher
// file defining this — loop.go calls through a *tools.Registry whose own
// definition never made it into the retrieval pack — so the shape here is
// built fresh from the call sites (ExecuteWithContext, ProviderDefs) and
// from spec.md §4.6's Registry description.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// CallRecorder receives one latency/outcome sample per tool invocation, for
// the observability package's per-tool aggregation (spec.md §4.10).
// Satisfied by *observability.Metrics without this package importing it.
type CallRecorder interface {
	RecordTool(tool string, latencyMs int64, failed bool)
}

// Registry holds the set of builtin tools, consults the Policy engine, and
// records an AuditEvent for every invocation (spec.md §4.6).
type Registry struct {
	tools          map[string]Tool
	policy         *PolicyEngine
	store          *store.Storage
	maxOutputChars int
	recorder       CallRecorder
}

func NewRegistry(policy *PolicyEngine, st *store.Storage, maxOutputChars int) *Registry {
	if maxOutputChars <= 0 {
		maxOutputChars = 8000
	}
	return &Registry{
		tools:          make(map[string]Tool),
		policy:         policy,
		store:          st,
		maxOutputChars: maxOutputChars,
	}
}

// SetRecorder attaches a metrics sink. Optional; a nil recorder (the
// default) simply skips recording.
func (r *Registry) SetRecorder(rec CallRecorder) {
	r.recorder = rec
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// ProviderDefs returns the registered tools as the wire-format definitions a
// Provider.Chat call expects.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// ExecuteRequest bundles everything Execute needs to validate, authorize,
// run, and audit one tool call.
type ExecuteRequest struct {
	Tool            string
	Args            map[string]interface{}
	Role            string
	Channel         string
	ChatID          string
	Workspace       string
	McpAllowedTools []string
}

// Execute runs the four-step pipeline of spec.md §4.6: validate args against
// the tool's schema, consult the Policy engine, invoke the handler and time
// it, then record an AuditEvent and truncate oversized output.
func (r *Registry) Execute(ctx context.Context, req ExecuteRequest) *Result {
	tool, ok := r.tools[req.Tool]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", req.Tool))
	}

	if err := validateArgs(tool.Parameters(), req.Args); err != nil {
		r.audit(ctx, req, "error", err.Error())
		return ErrorResult(fmt.Errorf("%w: %v", coreerr.ErrBadArgs, err).Error())
	}

	if r.policy != nil {
		if err := r.policy.Check(PolicyRequest{
			Tool:            req.Tool,
			Role:            req.Role,
			Args:            req.Args,
			CallerChannel:   req.Channel,
			CallerChatID:    req.ChatID,
			McpAllowedTools: req.McpAllowedTools,
		}); err != nil {
			r.audit(ctx, req, "denied", err.Error())
			return ErrorResult(err.Error())
		}
	}

	ctx = WithToolChannel(ctx, req.Channel)
	ctx = WithToolChatID(ctx, req.ChatID)
	ctx = WithToolRole(ctx, req.Role)
	ctx = WithToolWorkspace(ctx, req.Workspace)

	start := time.Now()
	result := tool.Execute(ctx, req.Args)
	latencyMs := time.Since(start).Milliseconds()
	slog.Debug("tool.executed", "tool", req.Tool, "latencyMs", latencyMs)

	outcome := "ok"
	reason := ""
	if result.IsError {
		outcome = "error"
		reason = result.ForLLM
	}
	r.audit(ctx, req, outcome, reason)
	if r.recorder != nil {
		r.recorder.RecordTool(req.Tool, latencyMs, result.IsError)
	}

	if len(result.ForLLM) > r.maxOutputChars {
		result.ForLLM = result.ForLLM[:r.maxOutputChars] + "\n...truncated"
	}
	return result
}

func (r *Registry) audit(ctx context.Context, req ExecuteRequest, outcome, reason string) {
	if r.store == nil {
		return
	}
	argsJSON := redactedArgsJSON(req.Args)
	_ = r.store.InsertAuditEvent(ctx, store.AuditEvent{ // best-effort; audit failure must not block the tool result
		Kind:     "tool_execute",
		ToolName: req.Tool,
		Outcome:  outcome,
		Reason:   reason,
		ArgsJSON: argsJSON,
	})
}

// redactedArgsJSON marshals a redacted copy of args for the audit trail; a
// marshal failure degrades to an empty-object string rather than losing the
// audit event entirely.
func redactedArgsJSON(args map[string]interface{}) string {
	data, err := json.Marshal(RedactArgs(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// validateArgs performs a minimal JSON-Schema-equivalent check: every name
// in the schema's "required" list must be present in args.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	required, ok := schema["required"].([]string)
	if !ok {
		return nil
	}
	for _, name := range required {
		if _, present := args[name]; !present {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}
