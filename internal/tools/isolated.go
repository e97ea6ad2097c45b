package tools

import (
	"context"
	"fmt"

	"github.com/coreclaw/coreclaw/internal/sandbox"
)

// IsolatedRuntime is the subset of *sandbox.Runtime the tools package
// depends on, so tests can substitute a fake without importing exec.Cmd
// machinery.
type IsolatedRuntime interface {
	Sandboxed(tool string) bool
	Execute(ctx context.Context, req sandbox.WorkerRequest, commandTimeoutMs int) (*sandbox.WorkerResponse, error)
}

// IsolatedTool wraps one of shell.exec/web.fetch/fs.write so that, when the
// runtime reports the tool as sandboxed, execution is delegated to a child
// process via the isolated tool runtime (spec.md §4.5) instead of running
// in this process.
type IsolatedTool struct {
	inner            Tool
	runtime          IsolatedRuntime
	commandTimeoutMs int
	policy           URLPolicy
	allowedShellCmds []string
	maxFetchChars    int
}

func NewIsolatedTool(inner Tool, runtime IsolatedRuntime, commandTimeoutMs int, policy URLPolicy, allowedShellCmds []string, maxFetchChars int) *IsolatedTool {
	return &IsolatedTool{
		inner:            inner,
		runtime:          runtime,
		commandTimeoutMs: commandTimeoutMs,
		policy:           policy,
		allowedShellCmds: allowedShellCmds,
		maxFetchChars:    maxFetchChars,
	}
}

func (t *IsolatedTool) Name() string                       { return t.inner.Name() }
func (t *IsolatedTool) Description() string                { return t.inner.Description() }
func (t *IsolatedTool) Parameters() map[string]interface{} { return t.inner.Parameters() }

func (t *IsolatedTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.runtime == nil || !t.runtime.Sandboxed(t.Name()) {
		return t.inner.Execute(ctx, args)
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	payload := t.buildPayload(args)

	resp, err := t.runtime.Execute(ctx, sandbox.WorkerRequest{
		Tool:      t.Name(),
		Payload:   payload,
		Workspace: workspace,
	}, t.commandTimeoutMs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("isolated tool runtime: %v", err))
	}
	if !resp.OK {
		return ErrorResult(resp.Error)
	}

	switch v := resp.Result.(type) {
	case string:
		return NewResult(v)
	default:
		return NewResult(fmt.Sprintf("%v", v))
	}
}

func (t *IsolatedTool) buildPayload(args map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(args)+4)
	for k, v := range args {
		payload[k] = v
	}
	switch t.Name() {
	case "shell.exec":
		if len(t.allowedShellCmds) > 0 {
			list := make([]interface{}, len(t.allowedShellCmds))
			for i, c := range t.allowedShellCmds {
				list[i] = c
			}
			payload["allowedShellCommands"] = list
		}
	case "web.fetch":
		payload["maxChars"] = t.maxFetchChars
		payload["allowedWebDomains"] = toInterfaceSlice(t.policy.AllowedWebDomains)
		payload["allowedWebPorts"] = toIntInterfaceSlice(t.policy.AllowedWebPorts)
		payload["blockedWebPorts"] = toIntInterfaceSlice(t.policy.BlockedWebPorts)
	}
	return payload
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toIntInterfaceSlice(in []int) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
