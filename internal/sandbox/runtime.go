package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coreclaw/coreclaw/internal/coreerr"
)

// Runtime is the isolated tool runtime: a semaphore-bounded pool of child
// processes, each running the coreclaw-worker binary for one high-risk
// tool invocation (spec.md §4.5).
type Runtime struct {
	workerPath           string
	workerTimeout        time.Duration
	maxWorkerOutputChars int
	allowedEnv           []string
	toolNames            map[string]bool
	sem                  chan struct{}
	breaker              *CircuitBreaker
}

type Options struct {
	WorkerPath               string
	ToolNames                []string
	WorkerTimeoutMs          int
	MaxWorkerOutputChars     int
	MaxConcurrentWorkers     int
	OpenCircuitAfterFailures int
	CircuitResetMs           int
	AllowedEnv               []string
}

func NewRuntime(opts Options) *Runtime {
	maxWorkers := opts.MaxConcurrentWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	workerTimeoutMs := opts.WorkerTimeoutMs
	if workerTimeoutMs <= 0 {
		workerTimeoutMs = 30000
	}
	maxOutputChars := opts.MaxWorkerOutputChars
	if maxOutputChars <= 0 {
		maxOutputChars = 20000
	}

	names := make(map[string]bool, len(opts.ToolNames))
	for _, n := range opts.ToolNames {
		names[n] = true
	}

	return &Runtime{
		workerPath:           opts.WorkerPath,
		workerTimeout:        time.Duration(workerTimeoutMs) * time.Millisecond,
		maxWorkerOutputChars: maxOutputChars,
		allowedEnv:           opts.AllowedEnv,
		toolNames:            names,
		sem:                  make(chan struct{}, maxWorkers),
		breaker:              NewCircuitBreaker(opts.OpenCircuitAfterFailures, time.Duration(opts.CircuitResetMs)*time.Millisecond),
	}
}

// Sandboxed reports whether tool runs through the isolated worker rather
// than in-process.
func (r *Runtime) Sandboxed(tool string) bool {
	return r.toolNames[tool]
}

// Execute spawns a fresh worker child process, writes req to its stdin as
// JSON, and reads back a WorkerResponse from its stdout (spec.md §4.5
// steps 1-8). commandTimeoutMs, when positive, extends the wall-clock
// budget to commandTimeoutMs+2000ms if that exceeds the configured worker
// timeout (e.g. a long shell.exec command).
func (r *Runtime) Execute(ctx context.Context, req WorkerRequest, commandTimeoutMs int) (*WorkerResponse, error) {
	allowed, reopenAt := r.breaker.Allow(req.Tool)
	if !allowed {
		return nil, &coreerr.CircuitOpenError{Tool: req.Tool, ReopensAt: reopenAt.Format(time.RFC3339)}
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	timeout := r.workerTimeout
	if commandTimeoutMs > 0 {
		if cmdTimeout := time.Duration(commandTimeoutMs+2000) * time.Millisecond; cmdTimeout > timeout {
			timeout = cmdTimeout
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	cmd := exec.Command(r.workerPath)
	cmd.Env = ScrubEnv(r.allowedEnv)
	cmd.Dir = req.Workspace
	cmd.Stdin = bytes.NewReader(body)

	out := newLimitedBuffer(r.maxWorkerOutputChars + 4096)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		r.breaker.RecordFailure(req.Tool)
		return nil, fmt.Errorf("start worker: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil && out.Len() == 0 {
			r.breaker.RecordFailure(req.Tool)
			return nil, fmt.Errorf("worker exited: %w", err)
		}
	case <-time.After(timeout):
		r.killGracefully(cmd, waitErr)
		r.breaker.RecordFailure(req.Tool)
		return nil, coreerr.ErrHandlerTimeout
	}

	if out.overflowed && out.Len() == 0 {
		r.breaker.RecordFailure(req.Tool)
		return nil, fmt.Errorf("output exceeded limit")
	}

	var resp WorkerResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		r.breaker.RecordFailure(req.Tool)
		return nil, fmt.Errorf("decode worker response: %w", err)
	}

	if resp.OK {
		r.breaker.RecordSuccess(req.Tool)
	} else {
		r.breaker.RecordFailure(req.Tool)
	}
	return &resp, nil
}

// killGracefully sends SIGTERM, waits up to one second, then SIGKILLs.
func (r *Runtime) killGracefully(cmd *exec.Cmd, waitErr chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitErr:
	case <-time.After(time.Second):
		_ = cmd.Process.Kill()
		<-waitErr
	}
}

// limitedBuffer bounds accumulated output to limit bytes, tracking whether
// the bound was exceeded rather than silently growing without end.
type limitedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(p) > b.limit {
		room := b.limit - b.buf.Len()
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.overflowed = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}
