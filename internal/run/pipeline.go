package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/lock"
	"silexa/substrate/internal/metrics"
	"silexa/substrate/internal/workspace"
)

const syncRetries = 3

// Emitter is the write side of the SSE stream. The sse.Framer satisfies
// it; tests substitute a recorder.
type Emitter interface {
	Emit(name string, payload any) error
}

// Pipeline drives a run through its state machine. One Pipeline
// serves the whole process; per-run state lives in Prepared values and
// the run Table.
type Pipeline struct {
	locks  *lock.Registry
	pool   *container.Pool
	engine *workspace.Engine
	store  *workspace.Store
	agent  Agent
	runs   *Table

	execTTL    time.Duration
	basePrompt string

	log zerolog.Logger
}

func NewPipeline(locks *lock.Registry, pool *container.Pool, engine *workspace.Engine, store *workspace.Store, agent Agent, runs *Table, execTTL time.Duration, basePrompt string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		locks:      locks,
		pool:       pool,
		engine:     engine,
		store:      store,
		agent:      agent,
		runs:       runs,
		execTTL:    execTTL,
		basePrompt: basePrompt,
		log:        log.With().Str("subsystem", "run_pipeline").Logger(),
	}
}

// Runs exposes the run record table for the read-only operator surfaces.
func (p *Pipeline) Runs() *Table { return p.runs }

// Prepared carries a run's state between Prepare and Execute: the lock
// token, the leased container, the pre-run manifest, and the augmented
// system prompt.
type Prepared struct {
	RunID        string
	Tenant       string
	Conversation string
	Descriptor   *container.Descriptor
	SystemPrompt string

	token       lock.Token
	preRun      workspace.LocalManifest
	preVersions map[string]int
}

// Prepare runs the `preparing` phase: conversation lock, container lease,
// sync-in, pre-run snapshot, prompt assembly. Any error here fails the
// run before an SSE body is sent, so the caller can still answer with a
// plain HTTP status.
func (p *Pipeline) Prepare(ctx context.Context, tenant, conv string) (*Prepared, error) {
	token, ok := p.locks.TryAcquire(conv)
	if !ok {
		return nil, errs.Lockedf("conversation %s already has a run in flight", conv)
	}

	runID := uuid.NewString()
	p.runs.Start(runID, conv)
	p.runs.SetState(runID, StatePreparing)
	metrics.RunsActive.Inc()

	fail := func(desc *container.Descriptor, err error) (*Prepared, error) {
		if desc != nil {
			p.pool.Release(ctx, desc, container.Outcome{Healthy: true})
		}
		p.runs.Finish(runID, StateFailed, Usage{}, 0, 0, err.Error())
		metrics.RunsActive.Dec()
		p.locks.Release(token)
		return nil, err
	}

	desc, err := p.pool.Acquire(ctx, tenant, conv)
	if err != nil {
		return fail(nil, err)
	}

	if _, err := p.syncInWithRetry(ctx, tenant, conv, desc.WorkspaceHostPath); err != nil {
		return fail(desc, err)
	}
	preRun, err := p.engine.Snapshot(desc.WorkspaceHostPath)
	if err != nil {
		return fail(desc, err)
	}
	files, err := p.store.List(ctx, tenant, conv)
	if err != nil {
		return fail(desc, err)
	}
	preVersions := make(map[string]int, len(files))
	for _, f := range files {
		preVersions[f.FilePath] = f.Version
	}

	return &Prepared{
		RunID:        runID,
		Tenant:       tenant,
		Conversation: conv,
		Descriptor:   desc,
		SystemPrompt: BuildSystemPrompt(p.basePrompt, "/workspace", files),
		token:        token,
		preRun:       preRun,
		preVersions:  preVersions,
	}, nil
}

// Abort releases a prepared run that never reached Execute (for callers
// whose streaming setup fails after Prepare succeeded).
func (p *Pipeline) Abort(ctx context.Context, pr *Prepared, cause error) {
	p.pool.Release(ctx, pr.Descriptor, container.Outcome{Healthy: true})
	p.locks.Release(pr.token)
	msg := "aborted before execution"
	if cause != nil {
		msg = cause.Error()
	}
	p.runs.Finish(pr.RunID, StateFailed, Usage{}, 0, 0, msg)
	metrics.RunsActive.Dec()
}

// Execute runs `executing` and `finalizing` for a prepared run, emitting
// SSE events through out. The container lease and conversation lock are
// released on every exit path, including panics.
func (p *Pipeline) Execute(ctx context.Context, pr *Prepared, req Request, out Emitter) Record {
	outcome := container.Outcome{Healthy: true}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("run_id", pr.RunID).Interface("panic", r).Msg("run panicked")
			p.runs.Finish(pr.RunID, StateFailed, Usage{}, 0, 0, fmt.Sprintf("panic: %v", r))
			outcome = container.Outcome{Healthy: false}
		}
		p.pool.Release(context.Background(), pr.Descriptor, outcome)
		p.locks.Release(pr.token)
		metrics.RunsActive.Dec()
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.execTTL)
	defer cancel()

	started := time.Now()
	p.runs.SetState(pr.RunID, StateExecuting)

	req.RunID = pr.RunID
	req.ConversationID = pr.Conversation
	req.ContainerID = pr.Descriptor.ContainerID
	req.SystemPrompt = pr.SystemPrompt
	req.WorkspacePath = "/workspace"
	req.ProxySocketPath = pr.Descriptor.ProxySocketPath

	_ = out.Emit("session_start", sessionStartPayload{SessionID: pr.RunID, ConversationID: pr.Conversation})

	var final *Result
	var runErr *errs.Error
	crashed := false
	atBoundary := false

	events, err := p.agent.Stream(runCtx, req)
	if err != nil {
		runErr = errs.Wrap(errs.SDKError, errs.CategoryAgent, "agent stream start", err)
	} else {
		final, runErr, crashed, atBoundary = p.consume(runCtx, events, out)
	}

	// Crash recovery is attempted at most once per run: allocate a
	// replacement sandbox, re-sync from object storage, and re-issue the
	// turn only when it died at a tool-call boundary.
	if crashed {
		final, runErr = p.recoverOnce(runCtx, pr, req, out, atBoundary)
		if final == nil {
			outcome = container.Outcome{Crashed: true}
		}
	}

	p.runs.SetState(pr.RunID, StateFinalizing)
	presented := p.finalize(pr)

	duration := time.Since(started).Milliseconds()

	if runErr != nil {
		_ = out.Emit("error", errorPayload{Code: runErr.Code, Message: runErr.Message})
		_ = out.Emit("result", Result{
			Subtype:    "error_during_execution",
			Result:     runErr.Message,
			DurationMS: duration,
		})
		terminal := StateFailed
		if crashed {
			terminal = StateCrashed
		}
		p.runs.Finish(pr.RunID, terminal, Usage{}, 0, 0, runErr.Error())
		p.log.Warn().Str("run_id", pr.RunID).Str("code", string(runErr.Code)).Msg("run failed")
		rec, _ := p.runs.Get(pr.RunID)
		return rec
	}

	res := Result{Subtype: "success", DurationMS: duration}
	if final != nil {
		res = *final
		if res.Subtype == "" {
			res.Subtype = "success"
		}
		res.DurationMS = duration
	}
	_ = out.Emit("result", res)
	p.runs.Finish(pr.RunID, StateSucceeded, res.Usage, res.CostUSD, res.NumTurns, "")
	p.log.Info().Str("run_id", pr.RunID).Int("presented_files", len(presented)).Msg("run succeeded")
	rec, _ := p.runs.Get(pr.RunID)
	return rec
}

// consume drains one agent turn, translating each tagged event to its SSE
// frame. It reports whether the turn crashed and
// whether it ended at a tool-call boundary.
func (p *Pipeline) consume(ctx context.Context, events <-chan Event, out Emitter) (*Result, *errs.Error, bool, bool) {
	atBoundary := false
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errs.New(errs.Timeout, errs.CategoryTimeout, "run exceeded execution deadline"), false, atBoundary
			}
			return nil, errs.Wrap(errs.Internal, errs.CategoryInfrastructure, "run canceled", ctx.Err()), false, atBoundary
		case ev, ok := <-events:
			if !ok {
				// The turn ended without a result or error event: the
				// sandbox died underneath the agent.
				return nil, nil, true, atBoundary
			}
			var emitErr error
			switch ev.Kind {
			case EventSessionStart:
				// The run announced its own session_start already.
			case EventTextDelta:
				atBoundary = false
				emitErr = out.Emit("text_delta", contentPayload{Content: ev.Content})
			case EventThinking:
				atBoundary = false
				emitErr = out.Emit("thinking", contentPayload{Content: ev.Content})
			case EventToolUse:
				atBoundary = false
				emitErr = out.Emit("tool_use", toolUsePayload{ToolUseID: ev.ToolUseID, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
			case EventToolResult:
				atBoundary = true
				emitErr = out.Emit("tool_result", toolResultPayload{ToolUseID: ev.ToolUseID, Result: ev.ToolResult, IsError: ev.IsError})
			case EventResult:
				return ev.Result, nil, false, atBoundary
			case EventError:
				e := ev.Err
				if e == nil {
					e = errs.Internalf("agent reported an unspecified error")
				}
				return nil, e, e.Category == errs.CategoryCrash, atBoundary
			}
			if emitErr != nil {
				return nil, errs.Wrap(errs.Timeout, errs.CategoryTimeout, "client stopped draining the stream", emitErr), false, atBoundary
			}
		}
	}
}

// recoverOnce handles a crashed turn: replace the sandbox, emit
// container_recovered, re-sync the workspace, and re-issue the turn if it
// stopped at a tool-call boundary; otherwise report CONTAINER_CRASHED.
func (p *Pipeline) recoverOnce(ctx context.Context, pr *Prepared, req Request, out Emitter, atBoundary bool) (*Result, *errs.Error) {
	p.runs.SetState(pr.RunID, StateCrashed)

	desc, err := p.pool.Recover(ctx, pr.Tenant, pr.Conversation, pr.Descriptor)
	if err != nil {
		return nil, errs.New(errs.ContainerCrashed, errs.CategoryCrash, "sandbox crashed and could not be replaced")
	}
	pr.Descriptor = desc
	req.ContainerID = desc.ContainerID
	req.ProxySocketPath = desc.ProxySocketPath
	_ = out.Emit("container_recovered", recoveredPayload{ContainerID: desc.ContainerID})
	p.runs.SetState(pr.RunID, StateRecovered)

	if _, err := p.syncInWithRetry(ctx, pr.Tenant, pr.Conversation, desc.WorkspaceHostPath); err != nil {
		return nil, errs.New(errs.ContainerCrashed, errs.CategoryCrash, "workspace re-sync after crash failed")
	}

	if !atBoundary {
		return nil, errs.New(errs.ContainerCrashed, errs.CategoryCrash, "sandbox crashed mid-turn")
	}

	events, err := p.agent.Stream(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.SDKError, errs.CategoryAgent, "agent stream restart", err)
	}
	final, runErr, crashedAgain, _ := p.consume(ctx, events, out)
	if crashedAgain {
		return nil, errs.New(errs.ContainerCrashed, errs.CategoryCrash, "sandbox crashed again after recovery")
	}
	return final, runErr
}

// finalize performs the best-effort sync-out and presented-file
// registration. Sync-out runs even after a failed turn; its errors are
// logged, never escalated.
func (p *Pipeline) finalize(pr *Prepared) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	post, err := p.engine.Snapshot(pr.Descriptor.WorkspaceHostPath)
	if err != nil {
		p.log.Warn().Err(err).Str("run_id", pr.RunID).Msg("post-run snapshot failed")
		return nil
	}
	if _, _, err := p.engine.SyncOut(ctx, pr.Tenant, pr.Conversation, pr.Descriptor.WorkspaceHostPath, p.store, pr.preRun); err != nil {
		p.log.Warn().Err(err).Str("run_id", pr.RunID).Msg("sync-out failed")
	}

	touched := make(map[string]bool)
	for _, path := range workspace.PresentedFiles(pr.preRun, post) {
		touched[path] = true
	}

	records, err := p.store.List(ctx, pr.Tenant, pr.Conversation)
	if err != nil {
		p.log.Warn().Err(err).Str("run_id", pr.RunID).Msg("list records for presented-file registration failed")
		return nil
	}

	// A record counts as produced by this run when the bind mount changed
	// underneath it, or when it is new / version-bumped since prepare;
	// the latter covers files written through the workspace tools, which
	// reach the store without ever touching the bind mount.
	var presented []string
	for _, rec := range records {
		if rec.Source != workspace.SourceAICreated {
			continue
		}
		prev, existed := pr.preVersions[rec.FilePath]
		if touched[rec.FilePath] || !existed || rec.Version != prev {
			presented = append(presented, rec.FilePath)
		}
	}
	if len(presented) > 0 {
		if err := p.store.MarkPresented(ctx, pr.Tenant, pr.Conversation, presented); err != nil {
			p.log.Warn().Err(err).Str("run_id", pr.RunID).Msg("mark presented failed")
		}
	}
	return presented
}

// syncInWithRetry applies the retry policy for infrastructure errors:
// up to three attempts with exponential backoff, no retry for validation
// or authorization failures.
func (p *Pipeline) syncInWithRetry(ctx context.Context, tenant, conv, hostPath string) ([]workspace.FileStatus, error) {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < syncRetries; attempt++ {
		var statuses []workspace.FileStatus
		statuses, err = p.engine.SyncIn(ctx, tenant, conv, hostPath)
		if err == nil {
			return statuses, nil
		}
		if e, ok := errs.As(err); ok && e.Category != errs.CategoryInfrastructure {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, err
}
