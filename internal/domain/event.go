package domain

import "time"

// EventKind discriminates the variants of a RunEvent.
type EventKind string

const (
	EventRunStatus    EventKind = "run.status"
	EventMessageDelta EventKind = "message.delta"
	EventTodoUpdate   EventKind = "todo.update"
	EventRunWarning   EventKind = "run.warning"
	EventRunClosed    EventKind = "run.closed"
)

// RunEvent is one record in the per-run, totally ordered event log.
type RunEvent struct {
	RunID   string
	Seq     int64
	Kind    EventKind
	TS      time.Time
	Payload any
}

// RunStatusPayload is the payload of an EventRunStatus event.
type RunStatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// MessageDeltaPayload is the payload of an EventMessageDelta event.
type MessageDeltaPayload struct {
	Text string `json:"text"`
}

// TodoUpdatePayload is the payload of an EventTodoUpdate event.
type TodoUpdatePayload struct {
	TodoID  string `json:"todoId"`
	Status  string `json:"status"`
	Content string `json:"content"`
}

// RunWarningPayload is the payload of an EventRunWarning event.
type RunWarningPayload struct {
	Message string `json:"message"`
}

// RunClosedPayload is the payload of the terminal EventRunClosed event.
type RunClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RunUsage is the finalize-once token accounting for a run.
type RunUsage struct {
	RunID        string
	InputTokens  int64
	OutputTokens int64
	Finalized    bool
	FinalizedAt  time.Time
}

// TodoItem is the upserted, current state of one todo inside a run.
type TodoItem struct {
	RunID     string
	TodoID    string
	Status    string
	Content   string
	UpdatedAt time.Time
}

// TodoEvent is one append-only entry in a run's todo-event log.
type TodoEvent struct {
	RunID  string
	Seq    int64
	TodoID string
	Kind   string
	TS     time.Time
}
