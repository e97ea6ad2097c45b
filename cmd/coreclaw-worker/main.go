// Command coreclaw-worker is the isolated tool runtime's child process
// (spec.md §4.5). It reads one WorkerRequest as JSON from stdin, executes
// exactly one high-risk tool invocation, and writes one WorkerResponse as
// JSON to stdout. It never reads configuration of its own — every policy
// input (URL allow/deny lists, command allowlist, file content) arrives in
// the request payload from the parent process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreclaw/coreclaw/internal/sandbox"
	"github.com/coreclaw/coreclaw/internal/tools"
)

const workerCommandTimeout = 55 * time.Second

func main() {
	req, err := readRequest(os.Stdin)
	if err != nil {
		writeResponse(sandbox.WorkerResponse{OK: false, Error: err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), workerCommandTimeout)
	defer cancel()

	var resp sandbox.WorkerResponse
	switch req.Tool {
	case "shell.exec":
		resp = runShellExec(ctx, req)
	case "web.fetch":
		resp = runWebFetch(ctx, req)
	case "fs.write":
		resp = runFsWrite(req)
	default:
		resp = sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("unsupported isolated tool %q", req.Tool)}
	}
	writeResponse(resp)
	if !resp.OK {
		os.Exit(1)
	}
}

func readRequest(r io.Reader) (sandbox.WorkerRequest, error) {
	var req sandbox.WorkerRequest
	data, err := io.ReadAll(r)
	if err != nil {
		return req, fmt.Errorf("read stdin: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func writeResponse(resp sandbox.WorkerResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(os.Stdout, `{"ok":false,"error":%q}`, err.Error())
		return
	}
	os.Stdout.Write(data)
}

func runShellExec(ctx context.Context, req sandbox.WorkerRequest) sandbox.WorkerResponse {
	command, _ := req.Payload["command"].(string)
	if command == "" {
		return sandbox.WorkerResponse{OK: false, Error: "command is required"}
	}
	if err := tools.CheckShellDenyPatterns(command); err != nil {
		return sandbox.WorkerResponse{OK: false, Error: err.Error()}
	}

	var allowed []string
	if raw, ok := req.Payload["allowedShellCommands"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				allowed = append(allowed, s)
			}
		}
	}

	argv, err := tools.TokenizeShellCommand(command)
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: err.Error()}
	}
	if len(argv) == 0 {
		return sandbox.WorkerResponse{OK: false, Error: "command is empty after tokenization"}
	}
	if len(allowed) > 0 && !contains(allowed, argv[0]) {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("command %q is not in allowedShellCommands", argv[0])}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := stdout.String()
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}
	if runErr != nil {
		if result == "" {
			result = runErr.Error()
		}
		return sandbox.WorkerResponse{OK: false, Error: result}
	}
	if result == "" {
		result = "(command completed with no output)"
	}
	return sandbox.WorkerResponse{OK: true, Result: result}
}

func runWebFetch(ctx context.Context, req sandbox.WorkerRequest) sandbox.WorkerResponse {
	rawURL, _ := req.Payload["url"].(string)
	if rawURL == "" {
		return sandbox.WorkerResponse{OK: false, Error: "url is required"}
	}
	maxChars := 50000
	if v, ok := req.Payload["maxChars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	policy := tools.URLPolicy{
		AllowedWebDomains: stringSlice(req.Payload["allowedWebDomains"]),
		AllowedWebPorts:   intSlice(req.Payload["allowedWebPorts"]),
		BlockedWebPorts:   intSlice(req.Payload["blockedWebPorts"]),
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("invalid URL: %v", err)}
	}
	if err := tools.CheckSSRF(ctx, parsed, policy); err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("SSRF protection: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: err.Error()}
	}
	httpReq.Header.Set("User-Agent", "Coreclaw/1.0 (+web.fetch isolated worker)")

	client := &http.Client{
		Timeout: workerCommandTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return fmt.Errorf("redirects are not followed")
		},
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("fetch failed: %v", err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, int64(maxChars)+1))
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("read body: %v", err)}
	}
	truncated := false
	body := string(data)
	if len(body) > maxChars {
		body = body[:maxChars]
		truncated = true
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k, v := range httpResp.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return sandbox.WorkerResponse{OK: true, Result: map[string]interface{}{
		"status":    httpResp.StatusCode,
		"headers":   headers,
		"body":      body,
		"truncated": truncated,
	}}
}

func runFsWrite(req sandbox.WorkerRequest) sandbox.WorkerResponse {
	path, _ := req.Payload["path"].(string)
	if path == "" {
		return sandbox.WorkerResponse{OK: false, Error: "path is required"}
	}
	content, _ := req.Payload["content"].(string)

	resolved, err := tools.ResolvePath(path, req.Workspace)
	if err != nil {
		return sandbox.WorkerResponse{OK: false, Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("failed to create parent directories: %v", err)}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return sandbox.WorkerResponse{OK: false, Error: fmt.Sprintf("failed to write file: %v", err)}
	}
	return sandbox.WorkerResponse{OK: true, Result: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSlice(v interface{}) []int {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		if n, ok := item.(float64); ok {
			out = append(out, int(n))
		}
	}
	return out
}
