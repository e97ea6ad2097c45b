package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultDenyPatterns blocks dangerous shell.exec invocations even when the
// caller is an admin and the command name passed allowedShellCommands.
// Defense-in-depth alongside the isolated worker's process-level sandboxing
// (scrubbed env, circuit breaker, output bound).
// Sources: OWASP Agentic AI Top 10, MITRE ATT&CK, PayloadsAllTheThings.
var defaultDenyPatterns = []*regexp.Regexp{
	// ── Destructive file operations ──
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// ── Data exfiltration ──
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bcurl\b.*(-d\b|-F\b|--data|--upload|--form|-T\b|-X\s*P(UT|OST|ATCH))`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*--post-(data|file)`),
	regexp.MustCompile(`/dev/tcp/`),

	// ── Reverse shells ──
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bopenssl\b.*s_client`),
	regexp.MustCompile(`\bmkfifo\b`),

	// ── Privilege escalation ──
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bunshare\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// ── Environment variable injection ──
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),

	// ── Container / host escape ──
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),
	regexp.MustCompile(`/sys/(kernel|fs|class|devices)/`),

	// ── Network reconnaissance / tunneling ──
	regexp.MustCompile(`\b(nmap|masscan|zmap|rustscan)\b`),
	regexp.MustCompile(`\b(chisel|frp|ngrok|cloudflared|bore|localtunnel)\b`),

	// ── Persistence ──
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),

	// ── Environment dumping ──
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// CheckShellDenyPatterns returns an error if command matches one of
// defaultDenyPatterns. Called both by ShellExecTool.Execute (in-process
// path) and by the isolated worker's runShellExec (sandboxed path), so the
// scan applies regardless of which side actually spawns the process
// (spec.md §4.5/§4.6).
func CheckShellDenyPatterns(command string) error {
	for _, pattern := range defaultDenyPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("command denied by safety policy: matches pattern %s", pattern.String())
		}
	}
	return nil
}

// ShellExecTool runs a single command as a direct child process — argv only,
// never through a shell — subject to an allowlist of permitted command
// names and the deny-pattern scan above (spec.md §4.5/§4.6).
type ShellExecTool struct {
	workspace            string
	allowedShellCommands []string // empty = any command name permitted
	timeout              time.Duration
}

func NewShellExecTool(workspace string, allowedShellCommands []string) *ShellExecTool {
	return &ShellExecTool{
		workspace:            workspace,
		allowedShellCommands: allowedShellCommands,
		timeout:              60 * time.Second,
	}
}

func (t *ShellExecTool) Name() string        { return "shell.exec" }
func (t *ShellExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ShellExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command line to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	if err := CheckShellDenyPatterns(command); err != nil {
		return ErrorResult(err.Error())
	}

	argv, err := TokenizeShellCommand(command)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot tokenize command: %v", err))
	}
	if len(argv) == 0 {
		return ErrorResult("command is empty after tokenization")
	}

	if len(t.allowedShellCommands) > 0 && !contains(t.allowedShellCommands, argv[0]) {
		return ErrorResult(fmt.Sprintf("command %q is not in allowedShellCommands", argv[0]))
	}

	cwd := ToolWorkspaceFromCtx(ctx)
	if cwd == "" {
		cwd = t.workspace
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if result == "" {
			result = runErr.Error()
		}
		return ErrorResult(result)
	}

	if result == "" {
		result = "(command completed with no output)"
	}
	return SilentResult(result)
}

// TokenizeShellCommand splits a command line into argv, honoring single and
// double quotes and backslash escapes, without invoking a shell — shell.exec
// always spawns argv[0] directly (spec.md §4.5).
func TokenizeShellCommand(command string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var inSingle, inDouble, haveToken bool

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(c)
			}
		case inDouble:
			switch c {
			case '"':
				inDouble = false
			case '\\':
				if i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\' || runes[i+1] == '$') {
					i++
					cur.WriteRune(runes[i])
				} else {
					cur.WriteRune(c)
				}
			default:
				cur.WriteRune(c)
			}
		case c == '\'':
			inSingle = true
			haveToken = true
		case c == '"':
			inDouble = true
			haveToken = true
		case c == '\\':
			if i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				haveToken = true
			}
		case c == ' ' || c == '\t' || c == '\n':
			if haveToken {
				args = append(args, cur.String())
				cur.Reset()
				haveToken = false
			}
		default:
			cur.WriteRune(c)
			haveToken = true
		}
	}

	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if haveToken {
		args = append(args, cur.String())
	}
	return args, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
