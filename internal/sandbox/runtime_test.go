package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/coreerr"
)

// writeWorkerScript writes an executable shell script standing in for the
// coreclaw-worker binary, draining stdin (the WorkerRequest JSON) and
// printing body to stdout.
func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\ncat >/dev/null\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return path
}

func TestRuntime_Sandboxed_ReportsConfiguredToolNames(t *testing.T) {
	r := NewRuntime(Options{ToolNames: []string{"shell.exec"}})
	if !r.Sandboxed("shell.exec") {
		t.Fatal("expected shell.exec to be reported as sandboxed")
	}
	if r.Sandboxed("fs.read") {
		t.Fatal("expected fs.read, not configured as sandboxed, to report false")
	}
}

func TestRuntime_Execute_ParsesSuccessfulWorkerResponse(t *testing.T) {
	worker := writeWorkerScript(t, `printf '{"ok":true,"result":"done"}'`)
	r := NewRuntime(Options{WorkerPath: worker, MaxConcurrentWorkers: 2, WorkerTimeoutMs: 5000})

	resp, err := r.Execute(context.Background(), WorkerRequest{Tool: "fs.read", Workspace: t.TempDir()}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.OK || resp.Result != "done" {
		t.Fatalf("resp = %+v, want ok=true result=done", resp)
	}
}

func TestRuntime_Execute_ParsesFailedWorkerResponseWithoutError(t *testing.T) {
	worker := writeWorkerScript(t, `printf '{"ok":false,"error":"boom"}'`)
	r := NewRuntime(Options{WorkerPath: worker, MaxConcurrentWorkers: 2, WorkerTimeoutMs: 5000})

	resp, err := r.Execute(context.Background(), WorkerRequest{Tool: "fs.read", Workspace: t.TempDir()}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.OK || resp.Error != "boom" {
		t.Fatalf("resp = %+v, want ok=false error=boom", resp)
	}
}

func TestRuntime_Execute_TimesOutAndKillsTheWorker(t *testing.T) {
	worker := writeWorkerScript(t, "sleep 5\nprintf '{\"ok\":true}'")
	r := NewRuntime(Options{WorkerPath: worker, MaxConcurrentWorkers: 1, WorkerTimeoutMs: 20})

	_, err := r.Execute(context.Background(), WorkerRequest{Tool: "shell.exec", Workspace: t.TempDir()}, 0)
	if !errors.Is(err, coreerr.ErrHandlerTimeout) {
		t.Fatalf("Execute() error = %v, want ErrHandlerTimeout", err)
	}
}

func TestRuntime_Execute_OpenCircuitRejectsWithoutSpawning(t *testing.T) {
	worker := writeWorkerScript(t, `printf '{"ok":false,"error":"boom"}'`)
	r := NewRuntime(Options{
		WorkerPath: worker, MaxConcurrentWorkers: 2, WorkerTimeoutMs: 5000,
		OpenCircuitAfterFailures: 1, CircuitResetMs: int((time.Hour).Milliseconds()),
	})
	ctx := context.Background()
	req := WorkerRequest{Tool: "shell.exec", Workspace: t.TempDir()}

	if _, err := r.Execute(ctx, req, 0); err != nil {
		t.Fatalf("first Execute (opens the breaker): %v", err)
	}

	_, err := r.Execute(ctx, req, 0)
	var circuitErr *coreerr.CircuitOpenError
	if !errors.As(err, &circuitErr) {
		t.Fatalf("Execute() error = %v, want a CircuitOpenError once the breaker has opened", err)
	}
}
