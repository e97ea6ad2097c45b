package tools

import (
	"strings"

	"github.com/coreclaw/coreclaw/internal/coreerr"
)

// protectedFiles are fs.write targets only an admin may touch.
var protectedFiles = map[string]bool{
	"IDENTITY.md": true,
	"TOOLS.md":    true,
	"USER.md":     true,
	".mcp.json":   true,
}

const protectedPrefix = "skills/"

const roleAdmin = "admin"

// PolicyRequest is the input to a single policy check: a tool invocation in
// the context of the calling chat.
type PolicyRequest struct {
	Tool            string
	Role            string // calling chat's role: "admin" or "normal"
	Args            map[string]interface{}
	CallerChannel   string
	CallerChatID    string
	McpAllowedTools []string // exact names plus "server.tool"/"server/tool" glob aliases
}

// PolicyEngine evaluates the flat per-rule RBAC table (spec.md §4.6). Unlike
// the teacher's layered profile/allow/deny pipeline, Coreclaw has no
// per-agent or per-provider tool scoping to thread through — every rule
// below is a fixed, named policy rather than a configurable one.
type PolicyEngine struct {
	allowShell bool
}

// NewPolicyEngine constructs a PolicyEngine. allowShell mirrors
// config.Config.AllowShell (spec.md §4.5: "shell.exec: require
// allowShell=true"); when false, shell.exec is denied to every role,
// admin included, independent of the registry even registering the tool.
func NewPolicyEngine(allowShell bool) *PolicyEngine {
	return &PolicyEngine{allowShell: allowShell}
}

// Check returns a *coreerr.PolicyDeniedError when req.Role lacks the
// privilege the named tool (and its arguments) require, nil otherwise.
func (pe *PolicyEngine) Check(req PolicyRequest) error {
	switch req.Tool {
	case "shell.exec":
		if !pe.allowShell {
			return &coreerr.PolicyDeniedError{Tool: req.Tool, RequiredRole: "allowShell=true"}
		}
		return pe.requireAdmin(req, "admin")

	case "fs.write":
		if path, ok := stringArg(req.Args, "path"); ok && isProtectedPath(path) {
			return pe.requireAdmin(req, "admin")
		}
		return nil

	case "memory.write":
		if scope, ok := stringArg(req.Args, "scope"); ok && scope == "global" {
			return pe.requireAdmin(req, "admin")
		}
		return nil

	case "message.send":
		channel, _ := stringArg(req.Args, "channel")
		chatID, _ := stringArg(req.Args, "chatId")
		if channel != "" && chatID != "" && (channel != req.CallerChannel || chatID != req.CallerChatID) {
			return pe.requireAdmin(req, "admin")
		}
		return nil

	case "chat.register":
		if role, ok := stringArg(req.Args, "role"); ok && role == roleAdmin {
			// The admin-bootstrap protocol (not a simple role check) governs
			// this case; the registry routes it to AdminBootstrap.Elevate
			// instead of denying here.
			return nil
		}
		return nil

	default:
		if isMCPTool(req.Tool) {
			if !mcpAllowed(req.Tool, req.McpAllowedTools) {
				return &coreerr.PolicyDeniedError{Tool: req.Tool, RequiredRole: roleAdmin}
			}
			return pe.requireAdmin(req, "admin")
		}
		return nil
	}
}

func (pe *PolicyEngine) requireAdmin(req PolicyRequest, role string) error {
	if req.Role == role {
		return nil
	}
	return &coreerr.PolicyDeniedError{Tool: req.Tool, RequiredRole: role}
}

func isProtectedPath(path string) bool {
	path = strings.TrimPrefix(path, "./")
	if protectedFiles[path] {
		return true
	}
	return strings.HasPrefix(path, protectedPrefix)
}

// isMCPTool recognizes the "server.tool" / "server/tool" naming convention
// used for MCP-origin tools. The MCP client registry itself is out of
// scope; this only classifies names so the allowlist rule can apply to
// whatever is registered under it. The dotted names of this package's own
// tools that have no case in Check are not MCP tools.
func isMCPTool(name string) bool {
	switch name {
	case "fs.read", "web.fetch", "memory.read", "skills.list":
		return false
	}
	return strings.Contains(name, ".") || strings.Contains(name, "/")
}

// mcpAllowed checks name against the allowlist, treating "." and "/" as
// interchangeable server/tool separators (spec.md §4.6: "exact name and
// glob aliases server.tool, server/tool").
func mcpAllowed(name string, allowlist []string) bool {
	normalized := strings.NewReplacer("/", ".").Replace(name)
	for _, a := range allowlist {
		if a == name || strings.NewReplacer("/", ".").Replace(a) == normalized {
			return true
		}
	}
	return false
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	if args == nil {
		return "", false
	}
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// redactedKeys names argument keys AuditEvent must replace with
// "[REDACTED]" before storing argsJson (spec.md §4.6 step 3).
var redactedKeys = []string{"bootstrapkey", "authtoken", "apikey"}

// RedactArgs returns a copy of args with sensitive values replaced, for
// the tool-call audit trail.
func RedactArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		sensitive := strings.Contains(lower, "secret") || strings.Contains(lower, "password")
		if !sensitive {
			for _, rk := range redactedKeys {
				if lower == rk {
					sensitive = true
					break
				}
			}
		}
		if sensitive {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
