package store

// Chat is a (channel, chatId) identity. Created on first reference, never
// deleted.
type Chat struct {
	ID         string
	Channel    string
	ChatID     string
	Role       string // "admin" | "normal"
	Registered bool
	CreatedAt  int64
}

// Message belongs to a Chat. Immutable once inserted.
type Message struct {
	ID        string
	ChatFK    string
	Role      string // "user" | "assistant" | "system" | "tool"
	SenderID  string
	Content   string
	CreatedAt int64
	Stored    bool
}

// ConversationState is per-Chat summarization/skills state.
type ConversationState struct {
	ChatFK        string
	Summary       string
	EnabledSkills []string
	LastCompactAt *int64
}

// QueueDirection names which bus lane a record belongs to.
type QueueDirection string

const (
	DirectionInbound  QueueDirection = "inbound"
	DirectionOutbound QueueDirection = "outbound"
)

// QueueStatus is a BusQueueRecord's lifecycle stage.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusProcessed  QueueStatus = "processed"
	StatusDeadLetter QueueStatus = "dead_letter"
)

// BusQueueRecord owns queue state for one envelope.
type BusQueueRecord struct {
	ID             string
	Direction      QueueDirection
	Payload        string // JSON envelope
	Status         QueueStatus
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  int64
	ClaimedAt      *int64
	LastError      string
	DeadLetteredAt *int64
	CreatedAt      int64
}

// InboundExecutionStatus is the ledger's lifecycle stage.
type InboundExecutionStatus string

const (
	ExecInProgress InboundExecutionStatus = "in_progress"
	ExecCompleted  InboundExecutionStatus = "completed"
	ExecFailed     InboundExecutionStatus = "failed"
)

// InboundExecution is the effectively-once ledger row for one inbound
// messageId.
type InboundExecution struct {
	MessageID     string
	Status        InboundExecutionStatus
	StartedAt     int64
	FinishedAt    *int64
	ResultContent string
	OutboundID    string
}

// Task belongs to a Chat.
type Task struct {
	ID            string
	ChatFK        string
	Prompt        string
	ScheduleType  string // "cron" | "interval" | "once"
	ScheduleValue string
	ContextMode   string // "group" | "isolated"
	Status        string // "active" | "paused" | "done"
	NextRunAt     *int64
}

// TaskRun is one firing of a Task.
type TaskRun struct {
	ID         string
	TaskFK     string
	Status     string // "running" | "success" | "failure"
	Error      string
	StartedAt  int64
	FinishedAt *int64
}

// AuditEvent is an append-only record of a policy/tool decision.
type AuditEvent struct {
	ID        string
	Kind      string
	ToolName  string
	Outcome   string // "ok" | "denied" | "error"
	Reason    string
	ArgsJSON  string
	CreatedAt int64
}
