// Package channels implements Coreclaw's transport boundary: publishing
// inbound envelopes onto the bus and delivering outbound envelopes back to
// whatever surface the user is on (spec.md §6 — individual platform SDKs
// are out of scope; only CLI and Webhook ship).
package channels

import (
	"context"

	"github.com/coreclaw/coreclaw/internal/bus"
)

// OutboundMessage is what a Channel delivers to its transport.
type OutboundMessage struct {
	ChatID  string
	Content string
}

// Channel is the minimal transport contract: start listening (publishing
// inbound envelopes to the bus as they arrive), stop, and deliver one
// outbound message. Generalized from the teacher's multi-platform Channel
// interface, stripped of DM/group policy, streaming, and reaction surfaces
// that have no equivalent in the CLI/webhook pair spec.md names.
type Channel interface {
	Name() string
	Start(ctx context.Context, b *bus.Bus) error
	Stop() error
	Send(msg OutboundMessage) error
}
