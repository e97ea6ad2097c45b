package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Server exposes /metrics as Prometheus text and runs the periodic SLO
// threshold checker (spec.md §4.10).
type Server struct {
	store   *store.Storage
	metrics *Metrics
	cfg     config.ObservabilityConfig
	slo     config.SloConfig
	logger  *slog.Logger

	httpSrv *http.Server
	alerter *alertChecker

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st *store.Storage, metrics *Metrics, cfg config.ObservabilityConfig, slo config.SloConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		metrics: metrics,
		cfg:     cfg,
		slo:     slo,
		logger:  logger,
		alerter: newAlertChecker(slo, logger),
	}
}

// Start launches the HTTP listener (if enabled) and the SLO checker tick.
// Both are no-ops when unconfigured; Stop is idempotent either way.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Http.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", s.handleMetrics)
		addr := fmt.Sprintf("%s:%d", s.cfg.Http.Host, s.cfg.Http.Port)
		s.httpSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("observability: http server failed", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.checkThresholds(runCtx)
			}
		}
	}()
	return nil
}

func (s *Server) Stop() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.metrics.Snapshot()
	gauges := s.queueGauges(ctx)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := WritePrometheus(w, snap, gauges); err != nil {
		s.logger.Error("observability: write metrics failed", "error", err)
	}
}

func (s *Server) queueGauges(ctx context.Context) map[string]QueueGauge {
	gauges := make(map[string]QueueGauge, 2)
	for _, direction := range []store.QueueDirection{store.DirectionInbound, store.DirectionOutbound} {
		pending, _ := s.store.CountByStatus(ctx, direction, store.StatusPending)
		processing, _ := s.store.CountByStatus(ctx, direction, store.StatusProcessing)
		deadLetter, _ := s.store.CountByStatus(ctx, direction, store.StatusDeadLetter)
		gauges[string(direction)] = QueueGauge{Pending: pending, Processing: processing, DeadLetter: deadLetter}
	}
	return gauges
}

func (s *Server) checkThresholds(ctx context.Context) {
	gauges := s.queueGauges(ctx)
	for direction, g := range gauges {
		if s.slo.MaxPendingQueue > 0 && g.Pending > s.slo.MaxPendingQueue {
			s.alerter.fire(ctx, "max_pending_queue:"+direction, fmt.Sprintf("%s pending queue depth %d exceeds %d", direction, g.Pending, s.slo.MaxPendingQueue))
		}
		if s.slo.MaxDeadLetterQueue > 0 && g.DeadLetter > s.slo.MaxDeadLetterQueue {
			s.alerter.fire(ctx, "max_dead_letter_queue:"+direction, fmt.Sprintf("%s dead-letter queue depth %d exceeds %d", direction, g.DeadLetter, s.slo.MaxDeadLetterQueue))
		}
	}

	if s.slo.MaxToolFailureRate > 0 {
		if rate := s.metrics.WorstToolFailureRate(); rate > s.slo.MaxToolFailureRate {
			s.alerter.fire(ctx, "max_tool_failure_rate", fmt.Sprintf("worst tool failure rate %.3f exceeds %.3f", rate, s.slo.MaxToolFailureRate))
		}
	}
	if s.slo.MaxSchedulerDelayMs > 0 {
		if delay := s.metrics.MaxSchedulerDelayMs(); delay > int64(s.slo.MaxSchedulerDelayMs) {
			s.alerter.fire(ctx, "max_scheduler_delay_ms", fmt.Sprintf("scheduler delay %dms exceeds %dms", delay, s.slo.MaxSchedulerDelayMs))
		}
	}
	if s.slo.MaxMcpFailureRate > 0 {
		if rate := s.metrics.WorstMcpFailureRate(); rate > s.slo.MaxMcpFailureRate {
			s.alerter.fire(ctx, "max_mcp_failure_rate", fmt.Sprintf("worst MCP failure rate %.3f exceeds %.3f", rate, s.slo.MaxMcpFailureRate))
		}
	}
}
