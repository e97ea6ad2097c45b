package channels

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/store"
)

// CLIChannel is a stdin/stdout REPL channel, grounded on the teacher's
// `cmd/agent_chat_standalone.go` interactive loop, trimmed of
// session/agent-name selection and adapted with the "/dlq" admin commands
// spec.md §6 names.
type CLIChannel struct {
	chatID  string
	store   *store.Storage
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCLIChannel(st *store.Storage) *CLIChannel {
	return &CLIChannel{chatID: "local", store: st}
}

func (c *CLIChannel) Name() string { return "cli" }

func (c *CLIChannel) Start(ctx context.Context, b *bus.Bus) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func() {
		defer close(c.done)
		c.repl(runCtx, b)
	}()
	return nil
}

func (c *CLIChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.running = false
	return nil
}

func (c *CLIChannel) Send(msg OutboundMessage) error {
	fmt.Printf("coreclaw: %s\n", msg.Content)
	return nil
}

func (c *CLIChannel) repl(ctx context.Context, b *bus.Bus) {
	fmt.Fprintln(os.Stderr, "Coreclaw CLI — type a message, \"/exit\" to quit, \"/dlq list|replay <id>\" to inspect the dead-letter queue.")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			return
		}
		if strings.HasPrefix(line, "/dlq") {
			c.handleDLQCommand(ctx, line)
			continue
		}

		env := bus.Envelope{
			ID:        uuid.NewString(),
			Channel:   c.Name(),
			ChatID:    c.chatID,
			SenderID:  "local",
			Content:   line,
			CreatedAt: time.Now().UnixMilli(),
		}
		if _, err := b.PublishInbound(ctx, env); err != nil {
			slog.Error("cli: publish inbound failed", "error", err)
		}
	}
}

// handleDLQCommand implements "/dlq list" and "/dlq replay <queueId>",
// the only administrative surface the CLI channel exposes (spec.md §6).
func (c *CLIChannel) handleDLQCommand(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		fmt.Fprintln(os.Stderr, "usage: /dlq list|replay <queueId>")
		return
	}
	switch fields[1] {
	case "list":
		for _, direction := range []store.QueueDirection{store.DirectionInbound, store.DirectionOutbound} {
			records, err := c.store.ListDeadLetter(ctx, direction, 20)
			if err != nil {
				fmt.Fprintf(os.Stderr, "dlq list (%s) failed: %v\n", direction, err)
				continue
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\t%s\n", direction, r.ID, r.LastError)
			}
		}
	case "replay":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "usage: /dlq replay <queueId>")
			return
		}
		for _, direction := range []store.QueueDirection{store.DirectionInbound, store.DirectionOutbound} {
			n, err := c.store.ReplayDeadLetter(ctx, fields[2], direction, 1)
			if err == nil && n > 0 {
				fmt.Printf("replayed %d record(s) from %s\n", n, direction)
				return
			}
		}
		fmt.Fprintln(os.Stderr, "no matching dead-letter record found")
	default:
		fmt.Fprintln(os.Stderr, "usage: /dlq list|replay <queueId>")
	}
}
