// Package run implements the agent run pipeline: the per-conversation
// state machine that reserves a sandbox, syncs the
// workspace in, streams the agent as SSE, syncs outputs back, and
// releases the container on every exit path.
package run

import (
	"encoding/json"
	"time"

	"silexa/substrate/internal/errs"
)

// State is a run's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StatePreparing  State = "preparing"
	StateExecuting  State = "executing"
	StateFinalizing State = "finalizing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCrashed    State = "crashed"
	StateRecovered  State = "recovered"
)

// Usage is the six-counter token accounting block.
type Usage struct {
	InputTokens           int64 `json:"input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	CacheCreation5mTokens int64 `json:"cache_creation_5m_tokens"`
	CacheCreation1hTokens int64 `json:"cache_creation_1h_tokens"`
	CacheReadTokens       int64 `json:"cache_read_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// Result is the payload of the final `result` SSE event.
type Result struct {
	Subtype    string  `json:"subtype"`
	Result     string  `json:"result"`
	Usage      Usage   `json:"usage"`
	CostUSD    float64 `json:"cost_usd"`
	NumTurns   int     `json:"num_turns"`
	DurationMS int64   `json:"duration_ms"`
}

// EventKind tags the variant of an agent event; dispatch is always over
// this explicit schema, never over reflected payload shapes.
type EventKind string

const (
	EventSessionStart EventKind = "session_start"
	EventTextDelta    EventKind = "text_delta"
	EventThinking     EventKind = "thinking"
	EventToolUse      EventKind = "tool_use"
	EventToolResult   EventKind = "tool_result"
	EventResult       EventKind = "result"
	EventError        EventKind = "error"
)

// Event is one tagged-variant agent event. Only the fields for the tagged
// kind are populated.
type Event struct {
	Kind EventKind

	SessionID string // session_start

	Content string // text_delta, thinking

	ToolUseID  string          // tool_use, tool_result
	ToolName   string          // tool_use
	ToolInput  json.RawMessage // tool_use
	ToolResult string          // tool_result
	IsError    bool            // tool_result

	Result *Result // result

	Err *errs.Error // error
}

// SSE payload shapes for the event translation table.

type sessionStartPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

type contentPayload struct {
	Content string `json:"content"`
}

type toolUsePayload struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type toolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
}

type errorPayload struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

type recoveredPayload struct {
	ContainerID string `json:"container_id"`
}

// Record is one run's bookkeeping row, held in the in-memory table.
type Record struct {
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	Usage          Usage     `json:"usage"`
	CostUSD        float64   `json:"cost_usd"`
	NumTurns       int       `json:"num_turns"`
	Error          string    `json:"error,omitempty"`
}
