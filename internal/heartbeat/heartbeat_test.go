package heartbeat

import (
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
)

func TestParseActiveHours(t *testing.T) {
	start, end, err := parseActiveHours("09:30-17:00")
	if err != nil {
		t.Fatalf("parseActiveHours: %v", err)
	}
	if start != 9*60+30 || end != 17*60 {
		t.Fatalf("start=%d end=%d, want 570 1020", start, end)
	}
}

func TestParseActiveHours_Invalid(t *testing.T) {
	if _, _, err := parseActiveHours("not-a-range"); err == nil {
		t.Fatal("expected an error for a malformed activeHours spec")
	}
	if _, _, err := parseActiveHours("25:00-03:00"); err == nil {
		t.Fatal("expected an error for an out-of-range hour")
	}
}

func TestSource_InActiveHours_EmptyWindowAlwaysActive(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{}, nil)
	if !s.inActiveHours(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("an empty activeHours window should always be active")
	}
}

func TestSource_InActiveHours_NonWrappingWindow(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{ActiveHours: "09:00-17:00"}, nil)

	if !s.inActiveHours(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("noon should be inside a 09:00-17:00 window")
	}
	if s.inActiveHours(time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)) {
		t.Fatal("20:00 should be outside a 09:00-17:00 window")
	}
}

func TestSource_InActiveHours_WrappingWindow(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{ActiveHours: "22:00-06:00"}, nil)

	if !s.inActiveHours(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("23:00 should be inside a window that wraps past midnight")
	}
	if !s.inActiveHours(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatal("02:00 should be inside a window that wraps past midnight")
	}
	if s.inActiveHours(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("noon should be outside a 22:00-06:00 wrapping window")
	}
}

func TestSource_ShouldSuppressOutbound_AckTokenSuppressesHeartbeatTurn(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{SuppressAck: true, AckToken: "<<ok>>", DedupeWindowMs: 60000}, nil)

	if !s.ShouldSuppressOutbound("cli", "local", true, "<<ok>>") {
		t.Fatal("a heartbeat turn replying with the exact ack token should be suppressed")
	}
	if s.ShouldSuppressOutbound("cli", "local", true, "something else") {
		t.Fatal("a heartbeat turn with real content should not be suppressed by the ack rule")
	}
	if s.ShouldSuppressOutbound("cli", "local", false, "<<ok>>") {
		t.Fatal("the ack token should only suppress heartbeat turns, not ordinary replies")
	}
}

func TestSource_ShouldSuppressOutbound_DedupeWindow(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{DedupeWindowMs: 60000}, nil)

	s.RecordSent("cli", "local", "hello again")
	if !s.ShouldSuppressOutbound("cli", "local", false, "hello again") {
		t.Fatal("an identical reply within the dedupe window should be suppressed")
	}
	if s.ShouldSuppressOutbound("cli", "local", false, "a different reply") {
		t.Fatal("a distinct reply should never be suppressed by the dedupe rule")
	}
}

func TestSource_ShouldSuppressOutbound_DedupeWindowExpires(t *testing.T) {
	s := New(nil, nil, config.HeartbeatConfig{DedupeWindowMs: 1}, nil)

	s.RecordSent("cli", "local", "hello again")
	time.Sleep(5 * time.Millisecond)
	if s.ShouldSuppressOutbound("cli", "local", false, "hello again") {
		t.Fatal("a reply outside the dedupe window should not be suppressed")
	}
}
