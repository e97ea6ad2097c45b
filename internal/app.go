// Package coreclaw wires the components built under internal/ into one
// running process: Storage, Bus, Registry, Router, Scheduler, Heartbeat
// Source, Isolated Tool Runtime, Observability, and channels (spec.md §9).
// Grounded on the teacher's cmd/root.go/cmd/gateway.go wiring order,
// regenerated fresh since the teacher's cmd/ tree doesn't survive into a
// single-binary deployment.
package coreclaw

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/channels"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/heartbeat"
	"github.com/coreclaw/coreclaw/internal/observability"
	"github.com/coreclaw/coreclaw/internal/providers"
	"github.com/coreclaw/coreclaw/internal/router"
	"github.com/coreclaw/coreclaw/internal/sandbox"
	"github.com/coreclaw/coreclaw/internal/scheduler"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tools"
)

// App is the assembled runtime. Stop is idempotent and tears components
// down in the reverse of the order Start brought them up.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Store     *store.Storage
	Bus       *bus.Bus
	Registry  *tools.Registry
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Heartbeat *heartbeat.Source
	Metrics   *observability.Metrics
	ObsServer *observability.Server

	channels     []channels.Channel
	otelShutdown func(context.Context) error
	started      bool
}

// New builds every component and wires them together, but does not start
// any goroutine or listener — call Start for that.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlitePath := cfg.SqlitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.DataDir, "coreclaw.sqlite")
	}
	backupDir := filepath.Join(cfg.DataDir, "backups")

	st, err := store.Open(ctx, sqlitePath, backupDir, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New(st, cfg.Bus, logger)

	metrics := observability.New()

	registry := tools.NewRegistry(tools.NewPolicyEngine(cfg.AllowShell), st, cfg.MaxToolOutputChars)
	registry.SetRecorder(metrics)
	registerTools(registry, st, b, cfg)

	provider := providers.NewHTTPProvider(
		"default",
		cfg.Provider.APIKey,
		cfg.Provider.BaseURL,
		"",
		cfg.Provider.Model,
		cfg.Provider.TimeoutMs,
	)

	hb := heartbeat.New(st, b, cfg.Heartbeat, logger)

	rt := router.New(st, b, hb, registry, provider, cfg, logger)
	b.RegisterInboundHandler(rt.HandleInbound)

	sched := scheduler.New(st, b, cfg.Scheduler, logger)
	sched.SetRecorder(metrics)

	obsServer := observability.New(st, metrics, cfg.Observability, cfg.Slo, logger)

	chans, err := buildChannels(cfg, st, logger)
	if err != nil {
		return nil, fmt.Errorf("build channels: %w", err)
	}
	outbound := newOutboundDispatcher(chans, logger)
	b.RegisterOutboundHandler(outbound.handle)

	app := &App{
		cfg:       cfg,
		logger:    logger,
		Store:     st,
		Bus:       b,
		Registry:  registry,
		Router:    rt,
		Scheduler: sched,
		Heartbeat: hb,
		Metrics:   metrics,
		ObsServer: obsServer,
		channels:  chans,
	}
	return app, nil
}

// Start launches every background goroutine and listener in dependency
// order: bus first (so channels have somewhere to publish to), then
// scheduler/heartbeat, then channels, then observability.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}

	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	a.Scheduler.Start(ctx)
	a.Heartbeat.Start(ctx)

	for _, ch := range a.channels {
		if err := ch.Start(ctx, a.Bus); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
	}

	if err := a.ObsServer.Start(ctx); err != nil {
		return fmt.Errorf("start observability server: %w", err)
	}

	instruments, shutdown, err := observability.StartOtel(ctx, a.cfg.Observability.Otel)
	if err != nil {
		return fmt.Errorf("start otel: %w", err)
	}
	a.otelShutdown = shutdown
	_ = instruments // wired into Metrics consumers once an OTel-backed recorder is needed; the in-memory aggregator above is authoritative for /metrics and alerts today.

	a.started = true
	return nil
}

// Stop tears components down in reverse order. Idempotent.
func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}

	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	a.ObsServer.Stop()
	for _, ch := range a.channels {
		if err := ch.Stop(); err != nil {
			a.logger.Error("app: channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
	a.Heartbeat.Stop()
	a.Scheduler.Stop()
	a.Bus.Stop()

	a.started = false
	return a.Store.Close()
}

// registerTools registers the builtin tools, wrapping shell.exec, web.fetch,
// and fs.write with the Isolated Tool Runtime when isolation is enabled
// (spec.md §4.5).
func registerTools(registry *tools.Registry, st *store.Storage, b *bus.Bus, cfg config.Config) {
	urlPolicy := tools.URLPolicy{
		AllowedWebDomains: cfg.AllowedWebDomains,
		AllowedWebPorts:   cfg.AllowedWebPorts,
		BlockedWebPorts:   cfg.BlockedWebPorts,
	}

	shellTool := tools.Tool(tools.NewShellExecTool(cfg.WorkspaceDir, cfg.AllowedShellCommands))
	webFetchTool := tools.Tool(tools.NewWebFetchTool(cfg.MaxToolOutputChars, urlPolicy))
	fsWriteTool := tools.Tool(tools.NewFsWriteTool(cfg.WorkspaceDir))

	if cfg.Isolation.Enabled {
		isoRuntime := sandbox.NewRuntime(sandbox.Options{
			ToolNames:                cfg.Isolation.ToolNames,
			WorkerTimeoutMs:          cfg.Isolation.WorkerTimeoutMs,
			MaxWorkerOutputChars:     cfg.Isolation.MaxWorkerOutputChars,
			MaxConcurrentWorkers:     cfg.Isolation.MaxConcurrentWorkers,
			OpenCircuitAfterFailures: cfg.Isolation.OpenCircuitAfterFailures,
			CircuitResetMs:           cfg.Isolation.CircuitResetMs,
			AllowedEnv:               cfg.AllowedEnv,
		})

		shellTool = tools.NewIsolatedTool(shellTool, isoRuntime, cfg.Isolation.WorkerTimeoutMs, urlPolicy, cfg.AllowedShellCommands, cfg.MaxToolOutputChars)
		webFetchTool = tools.NewIsolatedTool(webFetchTool, isoRuntime, cfg.Isolation.WorkerTimeoutMs, urlPolicy, cfg.AllowedShellCommands, cfg.MaxToolOutputChars)
		fsWriteTool = tools.NewIsolatedTool(fsWriteTool, isoRuntime, cfg.Isolation.WorkerTimeoutMs, urlPolicy, cfg.AllowedShellCommands, cfg.MaxToolOutputChars)
	}

	registry.Register(tools.NewFsReadTool(cfg.WorkspaceDir))
	registry.Register(fsWriteTool)
	if cfg.AllowShell {
		registry.Register(shellTool)
	}
	registry.Register(webFetchTool)
	registry.Register(tools.NewMemoryReadTool(cfg.WorkspaceDir))
	registry.Register(tools.NewMemoryWriteTool(cfg.WorkspaceDir))
	registry.Register(tools.NewSkillsListTool(cfg.WorkspaceDir))
	registry.Register(tools.NewMessageSendTool(b))

	cfgCopy := cfg
	registry.Register(tools.NewChatRegisterTool(st, tools.NewAdminBootstrap(st, &cfgCopy)))
}

// buildChannels constructs the channels named in scope by spec.md §6: CLI
// always runs, webhook runs when enabled.
func buildChannels(cfg config.Config, st *store.Storage, logger *slog.Logger) ([]channels.Channel, error) {
	chans := []channels.Channel{channels.NewCLIChannel(st)}
	if cfg.Webhook.Enabled {
		chans = append(chans, channels.NewWebhookChannel(cfg.Webhook, logger))
	}
	return chans, nil
}

// outboundDispatcher is the bus outbound Handler: it routes one outbound
// envelope to whichever registered channel matches its Channel field.
type outboundDispatcher struct {
	byName map[string]channels.Channel
	logger *slog.Logger
}

func newOutboundDispatcher(chans []channels.Channel, logger *slog.Logger) *outboundDispatcher {
	byName := make(map[string]channels.Channel, len(chans))
	for _, ch := range chans {
		byName[ch.Name()] = ch
	}
	return &outboundDispatcher{byName: byName, logger: logger}
}

func (d *outboundDispatcher) handle(ctx context.Context, env bus.Envelope) error {
	ch, ok := d.byName[env.Channel]
	if !ok {
		d.logger.Warn("app: no channel registered for outbound envelope", "channel", env.Channel)
		return fmt.Errorf("no channel registered for %q", env.Channel)
	}
	return ch.Send(channels.OutboundMessage{ChatID: env.ChatID, Content: env.Content})
}

// ContextBuilder exposes the agent package's builder for components
// outside this file that need to construct one directly (tests).
func ContextBuilder() *agent.ContextBuilder { return agent.NewContextBuilder() }
