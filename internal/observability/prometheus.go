package observability

import (
	"fmt"
	"io"
	"strings"
)

// WritePrometheus renders the current snapshot plus the supplied bus gauges
// as Prometheus text exposition format, hand-written since no pack repo
// imports client_golang — see DESIGN.md's stdlib justification for this
// package.
func WritePrometheus(w io.Writer, snap Snapshot, busGauges map[string]QueueGauge) error {
	var b strings.Builder

	b.WriteString("# HELP coreclaw_tool_calls_total Tool invocations\n")
	b.WriteString("# TYPE coreclaw_tool_calls_total counter\n")
	for _, t := range snap.Tools {
		fmt.Fprintf(&b, "coreclaw_tool_calls_total{tool=%q} %d\n", t.Tool, t.Calls)
	}

	b.WriteString("# HELP coreclaw_tool_failures_total Tool invocation failures\n")
	b.WriteString("# TYPE coreclaw_tool_failures_total counter\n")
	for _, t := range snap.Tools {
		fmt.Fprintf(&b, "coreclaw_tool_failures_total{tool=%q} %d\n", t.Tool, t.Failures)
	}

	b.WriteString("# HELP coreclaw_tool_latency_ms_max Maximum observed tool latency\n")
	b.WriteString("# TYPE coreclaw_tool_latency_ms_max gauge\n")
	for _, t := range snap.Tools {
		fmt.Fprintf(&b, "coreclaw_tool_latency_ms_max{tool=%q} %d\n", t.Tool, t.MaxLatencyMs)
	}

	b.WriteString("# HELP coreclaw_scheduler_dispatches_total Scheduler task firings\n")
	b.WriteString("# TYPE coreclaw_scheduler_dispatches_total counter\n")
	fmt.Fprintf(&b, "coreclaw_scheduler_dispatches_total %d\n", snap.SchedulerDispatches)

	b.WriteString("# HELP coreclaw_scheduler_delay_ms_max Maximum observed scheduler dispatch delay\n")
	b.WriteString("# TYPE coreclaw_scheduler_delay_ms_max gauge\n")
	fmt.Fprintf(&b, "coreclaw_scheduler_delay_ms_max %d\n", snap.SchedulerMaxDelayMs)

	b.WriteString("# HELP coreclaw_mcp_calls_total MCP calls per server\n")
	b.WriteString("# TYPE coreclaw_mcp_calls_total counter\n")
	for _, s := range snap.Mcp {
		fmt.Fprintf(&b, "coreclaw_mcp_calls_total{server=%q} %d\n", s.Server, s.Calls)
	}

	b.WriteString("# HELP coreclaw_mcp_failures_total MCP call failures per server\n")
	b.WriteString("# TYPE coreclaw_mcp_failures_total counter\n")
	for _, s := range snap.Mcp {
		fmt.Fprintf(&b, "coreclaw_mcp_failures_total{server=%q} %d\n", s.Server, s.Failures)
	}

	b.WriteString("# HELP coreclaw_queue_depth Bus queue depth by direction and status\n")
	b.WriteString("# TYPE coreclaw_queue_depth gauge\n")
	for direction, g := range busGauges {
		fmt.Fprintf(&b, "coreclaw_queue_depth{direction=%q,status=\"pending\"} %d\n", direction, g.Pending)
		fmt.Fprintf(&b, "coreclaw_queue_depth{direction=%q,status=\"processing\"} %d\n", direction, g.Processing)
		fmt.Fprintf(&b, "coreclaw_queue_depth{direction=%q,status=\"dead_letter\"} %d\n", direction, g.DeadLetter)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
