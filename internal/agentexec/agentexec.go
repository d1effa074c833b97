// Package agentexec runs an agent turn by exec-ing the agent entrypoint
// inside the sandbox and translating its line-delimited JSON event stream
// into the pipeline's tagged events. Two transports share one relay: a
// Docker exec attach with stdcopy demux, and a Kubernetes SPDY exec.
package agentexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/tooling"
)

// maxEventLine bounds one JSON event line; the agent entrypoint chunks
// larger text into multiple text_delta events.
const maxEventLine = 4 * 1024 * 1024

// turnRequest is the JSON document written to the agent's stdin.
type turnRequest struct {
	SystemPrompt    string            `json:"system_prompt"`
	UserInput       string            `json:"user_input"`
	Executor        run.Executor      `json:"executor"`
	Tokens          map[string]string `json:"tokens,omitempty"`
	PreferredSkills []string          `json:"preferred_skills,omitempty"`
}

// wireEvent is one line of the agent's stream-json output.
type wireEvent struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Subtype    string          `json:"subtype,omitempty"`
	Usage      run.Usage       `json:"usage,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// toolReply is written back to the agent's stdin after a host-side tool
// dispatch resolves.
type toolReply struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
}

// relay owns the transport-agnostic half of a turn: write the turn
// request, scan event lines, translate, and answer host-side tool calls.
type relay struct {
	tools *tooling.Registry
	log   zerolog.Logger
}

func (r *relay) run(ctx context.Context, req run.Request, stdin io.Writer, stdout io.Reader, stderr *bytes.Buffer, events chan<- run.Event) {
	initial, err := json.Marshal(turnRequest{
		SystemPrompt:    req.SystemPrompt,
		UserInput:       req.UserInput,
		Executor:        req.Executor,
		Tokens:          req.Tokens,
		PreferredSkills: req.PreferredSkills,
	})
	if err != nil {
		r.log.Error().Err(err).Str("run_id", req.RunID).Msg("marshal turn request")
		return
	}
	if _, err := stdin.Write(append(initial, '\n')); err != nil {
		r.log.Warn().Err(err).Str("run_id", req.RunID).Msg("write turn request")
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			r.log.Warn().Err(err).Str("run_id", req.RunID).Msg("unparseable agent event line")
			continue
		}
		switch we.Type {
		case "session_start", "text_delta", "text", "thinking", "tool_use", "tool_result", "result", "error":
		default:
			// Agent-internal chatter; not part of the event contract.
			continue
		}
		ev, hostTool := r.translate(we)
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if hostTool {
			r.dispatchTool(ctx, req, we, stdin, events)
		}
		if ev.Kind == run.EventResult || ev.Kind == run.EventError {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Str("run_id", req.RunID).Str("stderr", truncate(stderr.String(), 2048)).Msg("agent stream ended abnormally")
	}
}

// translate maps one wire event to the pipeline's tagged variant. The
// second return reports whether the event is a tool_use this host must
// answer (registered in the tool registry, rather than executed by the
// agent itself inside the sandbox).
func (r *relay) translate(we wireEvent) (run.Event, bool) {
	switch we.Type {
	case "session_start":
		return run.Event{Kind: run.EventSessionStart, SessionID: we.SessionID}, false
	case "text_delta", "text":
		return run.Event{Kind: run.EventTextDelta, Content: we.Content}, false
	case "thinking":
		return run.Event{Kind: run.EventThinking, Content: we.Content}, false
	case "tool_use":
		hostTool := false
		if r.tools != nil {
			for _, name := range r.tools.Names() {
				if name == we.ToolName {
					hostTool = true
					break
				}
			}
		}
		return run.Event{Kind: run.EventToolUse, ToolUseID: we.ToolUseID, ToolName: we.ToolName, ToolInput: we.ToolInput}, hostTool
	case "tool_result":
		return run.Event{Kind: run.EventToolResult, ToolUseID: we.ToolUseID, ToolResult: we.Result, IsError: we.IsError}, false
	case "result":
		return run.Event{Kind: run.EventResult, Result: &run.Result{
			Subtype:    we.Subtype,
			Result:     we.Result,
			Usage:      we.Usage,
			CostUSD:    we.CostUSD,
			NumTurns:   we.NumTurns,
			DurationMS: we.DurationMS,
		}}, false
	case "error":
		code := errs.Code(we.Code)
		if code == "" {
			code = errs.SDKError
		}
		return run.Event{Kind: run.EventError, Err: errs.New(code, errs.CategoryAgent, we.Message)}, false
	default:
		return run.Event{}, false
	}
}

// dispatchTool answers a host-side tool call through the registry and
// feeds the result both to the agent's stdin and to the SSE stream.
func (r *relay) dispatchTool(ctx context.Context, req run.Request, we wireEvent, stdin io.Writer, events chan<- run.Event) {
	result, isErr, err := r.tools.Dispatch(ctx, we.ToolName, we.ToolInput)
	if err != nil {
		result = "tool dispatch failed"
		isErr = true
		r.log.Warn().Err(err).Str("run_id", req.RunID).Str("tool", we.ToolName).Msg("tool dispatch failed")
	}
	reply, _ := json.Marshal(toolReply{Type: "tool_result", ToolUseID: we.ToolUseID, Result: result, IsError: isErr})
	if _, err := stdin.Write(append(reply, '\n')); err != nil {
		r.log.Warn().Err(err).Str("run_id", req.RunID).Msg("write tool reply")
	}
	select {
	case events <- run.Event{Kind: run.EventToolResult, ToolUseID: we.ToolUseID, ToolResult: result, IsError: isErr}:
	case <-ctx.Done():
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
