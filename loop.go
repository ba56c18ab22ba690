package starling

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultMaxResponseChars aborts a turn whose accumulated LLM response
// grows past this size (degenerate output guard).
const DefaultMaxResponseChars = 300_000

// AgentConfig controls one agent's loop behaviour.
type AgentConfig struct {
	// Model is the configured model name, resolved by the provider.
	Model string
	// MaxContextChars is the context character budget (default 400k).
	MaxContextChars int
	// MaxResponseChars is the degenerate-output cap (default 300k).
	MaxResponseChars int
	// MaxTurns forces a done() summary after this many iterations.
	// Zero means unlimited.
	MaxTurns int
	// SubAgent marks child agents: leaner system prompt, no environment
	// re-description.
	SubAgent bool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentLogger sets a structured logger for loop lifecycle events.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// AgentTracer sets the span tracer for per-iteration tracing.
func AgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// AgentInstructions sets the project instruction loader.
func AgentInstructions(il *InstructionLoader) AgentOption {
	return func(a *Agent) { a.instructions = il }
}

// Agent drives the turn loop: stream the LLM response, execute fenced code
// blocks against the Session as they complete, feed results back, repeat
// until the code calls done() or the response is pure prose.
type Agent struct {
	session      *Session
	provider     Provider
	store        Store
	config       AgentConfig
	agentID      string
	instructions *InstructionLoader
	tracer       Tracer
	logger       *slog.Logger
}

// NewAgent assembles an agent around an existing session.
func NewAgent(session *Session, provider Provider, store Store, config AgentConfig, agentID string, opts ...AgentOption) *Agent {
	if config.MaxContextChars <= 0 {
		config.MaxContextChars = DefaultMaxContextChars
	}
	if config.MaxResponseChars <= 0 {
		config.MaxResponseChars = DefaultMaxResponseChars
	}
	a := &Agent{
		session:  session,
		provider: provider,
		store:    store,
		config:   config,
		agentID:  agentID,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AgentID returns the agent identity used for Store rows.
func (a *Agent) AgentID() string { return a.agentID }

// Session returns the owned session.
func (a *Agent) Session() *Session { return a.session }

// SetModel changes the configured model for subsequent turns.
func (a *Agent) SetModel(model string) { a.config.Model = model }

// execAccumulator gathers execution state across the code blocks of one
// turn.
type execAccumulator struct {
	toolCalls      []ToolCallRecord
	images         []ToolImage
	combinedOutput string
	finalResponse  string
	execError      string
	hadFailure     bool
}

// Run executes turns until a termination condition holds. msgs is the full
// history including the just-appended user message; runOffset is the
// iteration counter the turn numbering continues from. Events are emitted
// in parse/execution order; exactly one EventDone terminates the stream.
//
// The returned history and iteration reflect everything that happened,
// including partial turns cut short by cancellation.
func (a *Agent) Run(ctx context.Context, msgs []Message, runOffset int, events chan<- AgentEvent) ([]Message, int) {
	// Sends are unconditional: the event contract guarantees a terminal
	// Done even on cancellation, so the consumer must drain until then.
	emit := func(ev AgentEvent) {
		events <- ev
	}

	cumulative := TokenUsage{}
	iteration := runOffset
	var toolImages []ToolImage
	maxTurnsFinal := false

	for {
		if ctx.Err() != nil {
			a.snapshotToStore(msgs, iteration, cumulative)
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		// Provider freshness gates the turn: a failed refresh is fatal.
		if _, err := a.provider.EnsureFresh(ctx); err != nil {
			emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf("credential refresh failed: %v", err)})
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		msgs, _ = CollapseHistory(msgs, a.config.MaxContextChars)

		system := a.buildSystemPrompt()
		toolList := a.toolNames()

		emit(AgentEvent{
			Type:         EventLLMRequest,
			Iteration:    iteration,
			MessageCount: len(msgs),
			ToolList:     toolList,
		})

		// Forward sandbox messages and prompts to the event stream while
		// code runs.
		msgCh := make(chan SandboxMessage, 100)
		promptCh := make(chan UserPrompt, 1)
		forwardersDone := make(chan struct{})
		go func() {
			defer close(forwardersDone)
			mc, pc := msgCh, promptCh
			for mc != nil || pc != nil {
				select {
				case m, ok := <-mc:
					if !ok {
						mc = nil
						continue
					}
					if m.Kind != "final" {
						emit(AgentEvent{Type: EventMessage, Content: m.Text, Kind: m.Kind})
					}
				case p, ok := <-pc:
					if !ok {
						pc = nil
						continue
					}
					emit(AgentEvent{Type: EventPrompt, Question: p.Question, Options: p.Options, Reply: p.Reply})
				}
			}
		}()
		a.session.SetMessageSender(msgCh)
		a.session.SetPromptSender(promptCh)

		closeForwarders := func() {
			a.session.ClearMessageSender()
			a.session.ClearPromptSender()
			close(msgCh)
			close(promptCh)
			<-forwardersDone
		}

		acc := &execAccumulator{}
		parser := &FenceParser{
			OnProse: func(text string) {
				emit(AgentEvent{Type: EventTextDelta, Content: text})
			},
			OnCode: func(code string) {
				emit(AgentEvent{Type: EventCodeBlock, Code: code})
				// Skip execution after a failed block or a done() call;
				// the code still lands in the assistant message.
				if acc.hadFailure || acc.finalResponse != "" {
					return
				}
				a.executeAndCollect(ctx, code, acc, emit)
			},
		}

		req := ChatRequest{
			Model:    a.config.Model,
			System:   system,
			Messages: ToChat(msgs),
			Images:   imagesToChat(toolImages),
		}
		toolImages = nil

		response, usage, outcome := a.streamWithRetry(ctx, iteration, req, parser, acc, emit)
		switch outcome {
		case turnAborted:
			closeForwarders()
			a.snapshotToStore(msgs, iteration, cumulative)
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		case turnFailed:
			closeForwarders()
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		parser.Finish()
		closeForwarders()

		cumulative.Add(usage)
		emit(AgentEvent{Type: EventTokenUsage, Iteration: iteration, Usage: usage, Cumulative: cumulative})

		// Pull the accumulated done() payload even when it arrived in a
		// block that also produced output.
		if fr := a.session.FinalResponse(); fr != "" && acc.finalResponse == "" {
			acc.finalResponse = fr
		}

		// Empty response with no execution at all.
		if strings.TrimSpace(response) == "" && len(acc.toolCalls) == 0 &&
			acc.combinedOutput == "" && !acc.hadFailure {
			a.logger.Warn("loop: empty LLM response", "agent_id", a.agentID)
			emit(AgentEvent{Type: EventError, ErrText: "I didn't get a response — please try again."})
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		toolImages = append(toolImages, acc.images...)

		// done() is the stop signal.
		if acc.finalResponse != "" {
			emit(AgentEvent{Type: EventMessage, Content: acc.finalResponse, Kind: "final"})
			msgs = append(msgs, AssistantMessage(NextMessageID(msgs), parser.Segments()))
			a.store.MarkAgentDone(a.agentID)
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		a.recordTurnHistory(ctx, msgs, iteration, response, acc)

		hasCode := parser.HasCode()
		hasOutput := acc.combinedOutput != ""
		hasToolCalls := len(acc.toolCalls) > 0

		// Pure prose with nothing executed — the model is done talking.
		if !hasCode && !hasOutput && !hasToolCalls && !acc.hadFailure {
			msgs = append(msgs, AssistantMessage(NextMessageID(msgs), parser.Segments()))
			a.store.MarkAgentDone(a.agentID)
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}

		msgs = append(msgs, AssistantMessage(NextMessageID(msgs), parser.Segments()))
		msgs = append(msgs, FeedbackMessage(NextMessageID(msgs), parser.CodeBlocks(), acc.combinedOutput, len(acc.toolCalls), acc.execError))

		iteration++
		if maxTurnsFinal {
			// The grace turn after the limit message has run its course.
			a.store.MarkAgentDone(a.agentID)
			emit(AgentEvent{Type: EventDone})
			return msgs, iteration
		}
		if a.config.MaxTurns > 0 && iteration >= runOffset+a.config.MaxTurns {
			limitMsg := fmt.Sprintf(
				"Turn limit reached (%d). You MUST call done() now with:\n"+
					"1. Summary of what you accomplished\n"+
					"2. List of remaining tasks not yet completed\n"+
					"3. Recommended next steps\n"+
					"Do NOT make any more tool calls. Call done() immediately.",
				a.config.MaxTurns)
			msgs = append(msgs, TextMessage(NextMessageID(msgs), RoleSystem, limitMsg))
			maxTurnsFinal = true
		}
	}
}

// streamOutcome classifies how one LLM stream ended.
type streamOutcome int

const (
	// turnContinue: the stream completed; process the parsed response.
	turnContinue streamOutcome = iota
	// turnAborted: cancellation; snapshot and stop.
	turnAborted
	// turnFailed: unrecoverable stream error already reported; stop
	// without snapshotting.
	turnFailed
)

// streamWithRetry runs the LLM stream, feeding deltas to the parser, with
// bounded retry on provider-transient errors. Retries only happen before
// any code has executed this turn; after execution begins, stream errors
// surface immediately.
func (a *Agent) streamWithRetry(ctx context.Context, iteration int, req ChatRequest, parser *FenceParser, acc *execAccumulator, emit func(AgentEvent)) (string, TokenUsage, streamOutcome) {
	iterCtx := ctx
	var span Span
	if a.tracer != nil {
		iterCtx, span = a.tracer.Start(ctx, "agent.turn.llm",
			StringAttr("model", req.Model), IntAttr("messages", len(req.Messages)))
		defer span.End()
	}

	var lastErr error
	for attempt := 0; attempt <= llmMaxRetries; attempt++ {
		if attempt > 0 {
			emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf(
				"Retrying in %s (attempt %d/%d)...",
				llmRetryDelays[attempt-1], attempt+1, llmMaxRetries+1)})
			if !retrySleep(ctx, attempt-1, lastErr) {
				return parser.Response(), TokenUsage{}, turnAborted
			}
		}

		start := time.Now()
		// Per-attempt context so an aborted consume loop releases the
		// stream goroutine (its sends select on this context).
		attemptCtx, cancelAttempt := context.WithCancel(iterCtx)
		ch := make(chan string, 64)
		type streamResult struct {
			resp ChatResponse
			err  error
		}
		resultCh := make(chan streamResult, 1)
		go func() {
			resp, err := a.provider.StreamChat(attemptCtx, req, ch)
			resultCh <- streamResult{resp, err}
		}()

		var streamErr error
		prevLen := len(parser.Response())
		gapTimer := time.NewTimer(llmStreamTimeout)
	consume:
		for {
			select {
			case <-ctx.Done():
				gapTimer.Stop()
				cancelAttempt()
				return parser.Response(), TokenUsage{}, turnAborted
			case <-gapTimer.C:
				cancelAttempt()
				emit(AgentEvent{Type: EventError, ErrText: "LLM response timed out"})
				return parser.Response(), TokenUsage{}, turnFailed
			case snapshot, ok := <-ch:
				if !ok {
					break consume
				}
				gapTimer.Reset(llmStreamTimeout)
				if len(snapshot) > prevLen {
					delta := snapshot[prevLen:]
					prevLen = len(snapshot)
					parser.Feed(delta)
					if prevLen > a.config.MaxResponseChars {
						cancelAttempt()
						emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf(
							"response exceeded %d characters, aborting turn", a.config.MaxResponseChars)})
						return parser.Response(), TokenUsage{}, turnFailed
					}
				}
			}
		}
		gapTimer.Stop()
		result := <-resultCh
		cancelAttempt()
		streamErr = result.err

		if streamErr == nil {
			emit(AgentEvent{
				Type:       EventLLMResponse,
				Iteration:  iteration,
				Content:    parser.Response(),
				DurationMS: time.Since(start).Milliseconds(),
			})
			return parser.Response(), result.resp.Usage, turnContinue
		}

		// The first parsed block always runs, so any parsed code means
		// execution has begun.
		executed := parser.HasCode() || len(acc.toolCalls) > 0 || acc.combinedOutput != "" || acc.hadFailure
		if executed {
			// Code already ran this turn — never retry, surface and keep
			// the partial response.
			emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf("LLM stream error (after partial execution): %v", streamErr)})
			return parser.Response(), TokenUsage{}, turnContinue
		}
		if isRetryable(streamErr) && attempt < llmMaxRetries {
			lastErr = streamErr
			a.logger.Warn("loop: transient LLM error, retrying", "agent_id", a.agentID, "attempt", attempt+1, "error", streamErr)
			continue
		}
		if span != nil {
			span.Error(streamErr)
		}
		emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf("LLM error: %v", streamErr)})
		return parser.Response(), TokenUsage{}, turnFailed
	}

	emit(AgentEvent{Type: EventError, ErrText: fmt.Sprintf(
		"LLM failed after %d attempts: %v", llmMaxRetries+1, lastErr)})
	return parser.Response(), TokenUsage{}, turnFailed
}

// executeAndCollect runs one code block and folds its results into the
// accumulator, emitting code_output and tool_call events.
func (a *Agent) executeAndCollect(ctx context.Context, code string, acc *execAccumulator, emit func(AgentEvent)) {
	execCtx := ctx
	var span Span
	if a.tracer != nil {
		execCtx, span = a.tracer.Start(ctx, "agent.turn.exec", IntAttr("code_chars", len(code)))
		defer span.End()
	}

	resp, err := a.session.RunCode(execCtx, code)
	if err != nil {
		acc.hadFailure = true
		acc.execError = err.Error()
		emit(AgentEvent{Type: EventCodeOutput, ErrText: err.Error()})
		if span != nil {
			span.Error(err)
		}
		return
	}

	emit(AgentEvent{Type: EventCodeOutput, Output: resp.Output, ErrText: resp.ErrText})

	for _, tc := range a.session.ToolCalls() {
		record := tc
		emit(AgentEvent{Type: EventToolCall, ToolCall: &record, DurationMS: tc.DurationMS})
		if summary := subAgentSummary(tc); summary != nil {
			emit(AgentEvent{Type: EventSubAgentDone, SubAgent: summary})
		}
		acc.toolCalls = append(acc.toolCalls, tc)
	}
	acc.images = append(acc.images, a.session.ToolImages()...)
	acc.combinedOutput += resp.Output
	if fr := a.session.FinalResponse(); fr != "" {
		acc.finalResponse = fr
	}
	if resp.ErrText != "" {
		acc.execError = resp.ErrText
		acc.hadFailure = true
	}
}

// subAgentSummary extracts the _sub_agent metadata block from a completed
// agent_result call, if present.
func subAgentSummary(tc ToolCallRecord) *SubAgentSummary {
	if tc.Tool != "agent_result" {
		return nil
	}
	payload, ok := tc.Result.(map[string]any)
	if !ok {
		return nil
	}
	meta, ok := payload["_sub_agent"].(map[string]any)
	if !ok {
		return nil
	}
	summary := &SubAgentSummary{Success: tc.Success}
	summary.Task, _ = meta["task"].(string)
	if usage, ok := meta["usage"].(TokenUsage); ok {
		summary.Usage = usage
	}
	switch v := meta["tool_calls"].(type) {
	case int:
		summary.ToolCalls = v
	case float64:
		summary.ToolCalls = int(v)
	}
	switch v := meta["iterations"].(type) {
	case int:
		summary.Iterations = v
	case float64:
		summary.Iterations = int(v)
	}
	return summary
}

// recordTurnHistory injects the turn record into the REPL-side _history so
// collapsed turns stay introspectable.
func (a *Agent) recordTurnHistory(ctx context.Context, msgs []Message, iteration int, response string, acc *execAccumulator) {
	userMsg := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			userMsg = msgs[i].Render()
			break
		}
	}
	turn := map[string]any{
		"index":        iteration,
		"user_message": userMsg,
		"code":         response,
		"output":       acc.combinedOutput,
		"error":        acc.execError,
		"tool_calls":   acc.toolCalls,
	}
	encoded := jsonString(turn, "{}")
	escaped := strings.ReplaceAll(encoded, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "'", `\'`)
	if _, err := a.session.RunCode(ctx, "_history._add_turn('"+escaped+"')"); err != nil {
		a.logger.Warn("loop: record history failed", "agent_id", a.agentID, "error", err)
	}
}

// snapshotToStore persists the in-flight agent state on cancellation.
func (a *Agent) snapshotToStore(msgs []Message, iteration int, usage TokenUsage) {
	blob, err := a.session.Snapshot()
	if err != nil {
		a.logger.Warn("loop: snapshot failed", "agent_id", a.agentID, "error", err)
		blob = nil
	}
	rec := AgentRecord{
		AgentID:   a.agentID,
		Status:    "active",
		Messages:  jsonString(msgs, "[]"),
		Iteration: iteration,
		Config:    "{}",
		Snapshot:  blob,
		Usage:     usage,
	}
	if err := a.store.SaveAgentState(rec); err != nil {
		a.logger.Error("loop: save agent state failed", "agent_id", a.agentID, "error", err)
	}
}

// toolNames lists the visible tool names for llm_request events.
func (a *Agent) toolNames() []string {
	defs := a.session.Tools().Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if !d.Hidden {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

// buildSystemPrompt assembles the per-turn system prompt: the CodeAct
// contract, tool documentation, environment context, and project
// instructions.
func (a *Agent) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString(systemPreamble)

	b.WriteString("\n\n## Tools\n\nCall these as functions from Python code blocks, with keyword arguments:\n\n")
	for _, d := range a.session.Tools().Definitions() {
		if d.Hidden {
			continue
		}
		b.WriteString(renderToolDoc(d))
	}

	if !a.config.SubAgent {
		b.WriteString("\n## Environment\n\n")
		b.WriteString(buildEnvContext())
	}

	if a.instructions != nil {
		if inst := a.instructions.SystemInstructions(); inst != "" {
			b.WriteString("\n\n")
			b.WriteString(inst)
		}
	}
	return b.String()
}

// systemPreamble is the CodeAct contract shown to the model every turn.
const systemPreamble = `You are a coding agent. You act by writing Python code in fenced blocks
(` + "```python" + `). Each block runs in a persistent REPL; variables survive
across turns. Code output is returned to you in the next message.

Rules:
- Call done(value) when the task is complete; the value is shown to the user.
- Use message(text) to stream progress while long code runs.
- Use ask(question, options=None) to ask the user and block for an answer.
- Use gather(lambda: tool_a(...), lambda: tool_b(...)) to run tools in parallel.
- _history holds collapsed turns; _mem is a scratch store that survives turns.
- Plain prose with no code block also ends the conversation turn.`

// renderToolDoc formats one tool definition for the system prompt.
func renderToolDoc(d ToolDefinition) string {
	var params []string
	for _, p := range d.Params {
		s := p.Name + ": " + p.Type
		if !p.Required {
			s += "?"
		}
		params = append(params, s)
	}
	doc := fmt.Sprintf("- %s(%s)", d.Name, strings.Join(params, ", "))
	if d.Returns != "" {
		doc += " -> " + d.Returns
	}
	doc += "\n"
	if d.Description != "" {
		doc += "  " + strings.ReplaceAll(d.Description, "\n", "\n  ") + "\n"
	}
	return doc
}

// buildEnvContext describes the working directory for the system prompt.
func buildEnvContext() string {
	var parts []string
	cwd, err := os.Getwd()
	if err == nil {
		parts = append(parts, "Working directory: "+cwd)
		if _, err := os.Stat(filepath.Join(cwd, ".git")); err == nil {
			parts = append(parts, "Git repository: yes")
		}
		if entries, err := os.ReadDir(cwd); err == nil {
			var names []string
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") {
					continue
				}
				names = append(names, e.Name())
				if len(names) >= 30 {
					break
				}
			}
			if len(names) > 0 {
				parts = append(parts, "Entries: "+strings.Join(names, ", "))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// imagesToChat converts tool images to the request wire shape.
func imagesToChat(images []ToolImage) []ChatImage {
	if len(images) == 0 {
		return nil
	}
	out := make([]ChatImage, 0, len(images))
	for _, img := range images {
		out = append(out, ChatImage{MIME: img.MIME, Base64: base64.StdEncoding.EncodeToString(img.Data)})
	}
	return out
}
