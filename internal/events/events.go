// Package events defines the execution-core event stream and an in-process
// publisher/subscriber for it.
//
// The event names and payload shapes are grounded on
// original_source/backend/agentic/executor.py (TaskStateEvent,
// ContextCommittedEvent, ToolCallEvent) and
// original_source/backend/utils/retry_handler.py's model_retry event dict.
// Grounded on the teacher's event_emitter.go for the "channel of structured
// events, closed on Done" shape, generalized from per-chat chunks to
// per-plan events.
package events

import (
	"sync"
	"time"
)

// Kind names one of the event stream's event types (spec.md's External
// Interfaces event table).
type Kind string

const (
	KindTaskStateChanged  Kind = "task_state_changed"
	KindContextCommitted  Kind = "context_committed"
	KindToolCalled        Kind = "tool_called"
	KindModelRetry        Kind = "model_retry"
	KindStreamMessage     Kind = "stream_message"
	KindStreamToolCall    Kind = "stream_tool_call"
)

// TaskState is the lifecycle state carried by a TaskStateChanged event.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskFailed  TaskState = "FAILED"
)

// Event is the envelope every subscriber receives. Exactly one of the typed
// payload fields is populated, selected by Kind; this mirrors how the
// original emits distinct dataclasses but lets Go callers switch on a single
// concrete type instead of a sum type.
type Event struct {
	Kind      Kind
	At        time.Time
	TaskState *TaskStateEvent      `json:"task_state,omitempty"`
	Context   *ContextCommitted    `json:"context_committed,omitempty"`
	ToolCall  *ToolCalled          `json:"tool_called,omitempty"`
	Retry     *ModelRetry          `json:"model_retry,omitempty"`
	Stream    *StreamSegment       `json:"stream,omitempty"`
}

// TaskStateEvent reports a task attempt transitioning state.
type TaskStateEvent struct {
	PlanID  string
	TaskID  string
	State   TaskState
	Attempt int
	CtxID   string // populated once State == TaskDone
}

// ContextCommitted reports a new context snapshot being created.
type ContextCommitted struct {
	PlanID   string
	TaskID   string
	NewCtxID string
	BaseCtxID string
}

// ToolCalled reports a completed tool invocation and its recorded hashes.
type ToolCalled struct {
	PlanID     string
	TaskID     string
	Tool       string
	Provider   string
	Model      string
	InputHash  string
	OutputHash string
	LatencyMs  int
	Tokens     int
	CostUSD    float64
}

// ModelRetry is emitted when the retry handler schedules a retry after a
// classified-transient provider error. The field names and the 200-rune
// error preview truncation are taken directly from
// original_source/backend/utils/retry_handler.py's should_retry.
type ModelRetry struct {
	Attempt      int
	MaxAttempts  int
	DelaySeconds float64
	Model        string
	Reason       string
	ErrorPreview string
}

// StreamSegment carries one increment from the stream parser (message text,
// tool-call field, tool-call param) up to subscribers watching a live
// response.
type StreamSegment struct {
	Segment string // "thoughts" | "message" | "tool_call"
	Action  string // "start" | "append" | "complete"
	Text    string
	ToolCallIndex int
	Field         string
	ParamName     string
	ParamValue    string
	ParamComplete bool
}

// Publisher fans an event out to all current subscribers. The zero value is
// ready to use.
type Publisher struct {
	mu   sync.Mutex
	subs []chan *Event
}

// Subscribe returns a channel that receives every event published after the
// call. The channel has a small buffer so a slow subscriber doesn't block
// the executor; if the buffer fills, the oldest unread event is dropped
// rather than the publisher blocking (publishers deliver execution-critical
// state, not replayable history).
func (p *Publisher) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, 64)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber, dropping it for any
// subscriber whose buffer is full.
func (p *Publisher) Publish(ev *Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// TaskStateChanged is a convenience constructor+publish for the common case.
func (p *Publisher) TaskStateChanged(planID, taskID string, state TaskState, attempt int, ctxID string) {
	p.Publish(&Event{
		Kind: KindTaskStateChanged,
		TaskState: &TaskStateEvent{
			PlanID: planID, TaskID: taskID, State: state, Attempt: attempt, CtxID: ctxID,
		},
	})
}

// ContextCommittedEvent is a convenience constructor+publish.
func (p *Publisher) ContextCommittedEvent(planID, taskID, baseCtxID, newCtxID string) {
	p.Publish(&Event{
		Kind: KindContextCommitted,
		Context: &ContextCommitted{
			PlanID: planID, TaskID: taskID, BaseCtxID: baseCtxID, NewCtxID: newCtxID,
		},
	})
}

// ToolCalledEvent is a convenience constructor+publish.
func (p *Publisher) ToolCalledEvent(tc ToolCalled) {
	p.Publish(&Event{Kind: KindToolCalled, ToolCall: &tc})
}

// ModelRetryEvent is a convenience constructor+publish, truncating the error
// preview to 200 runes exactly as the original does.
func (p *Publisher) ModelRetryEvent(mr ModelRetry) {
	r := []rune(mr.ErrorPreview)
	if len(r) > 200 {
		mr.ErrorPreview = string(r[:200])
	}
	p.Publish(&Event{Kind: KindModelRetry, Retry: &mr})
}
