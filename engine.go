package starling

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// RunMode selects how a turn's input is framed.
type RunMode int

const (
	// ModeNormal executes the user request directly.
	ModeNormal RunMode = iota
	// ModePlan restricts the turn to read-only planning: the model may
	// only write the plan file and must not mutate anything else.
	ModePlan
)

// TurnInput is one user request handed to the engine.
type TurnInput struct {
	Text string
	Mode RunMode
	// PlanFile is the path the plan mode writes and the normal mode
	// executes from. Empty disables plan handling.
	PlanFile string
}

// AgentStateEnvelope is the portable agent state the embedder persists
// between turns and across processes.
type AgentStateEnvelope struct {
	AgentID      string     `json:"agent_id"`
	Messages     []Message  `json:"messages"`
	Iteration    int        `json:"iteration"`
	Usage        TokenUsage `json:"usage"`
	REPLSnapshot []byte     `json:"repl_snapshot,omitempty"`
}

// TurnResult is what RunTurn returns to the embedder.
type TurnResult struct {
	State AgentStateEnvelope
	// FinalMessage is the done() payload, when the turn produced one.
	FinalMessage string
	// Done reports that the agent considers the task finished.
	Done bool
}

// RuntimeEngine is the host-facing façade over one Agent: it frames turn
// input by mode, drives the loop, and persists the updated envelope.
type RuntimeEngine struct {
	agent *Agent
	state AgentStateEnvelope

	mu sync.Mutex
}

// NewEngine wraps an agent with a fresh envelope.
func NewEngine(agent *Agent) *RuntimeEngine {
	return &RuntimeEngine{
		agent: agent,
		state: AgentStateEnvelope{AgentID: agent.AgentID()},
	}
}

// NewEngineFromState wraps an agent and restores a previously exported
// envelope, including the REPL snapshot when present.
func NewEngineFromState(agent *Agent, state AgentStateEnvelope) (*RuntimeEngine, error) {
	e := &RuntimeEngine{agent: agent, state: state}
	if len(state.REPLSnapshot) > 0 {
		if err := agent.Session().Restore(state.REPLSnapshot); err != nil {
			return nil, fmt.Errorf("engine: restore repl: %w", err)
		}
	}
	return e, nil
}

// ExportState returns a copy of the current envelope.
func (e *RuntimeEngine) ExportState() AgentStateEnvelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.state
	out.Messages = append([]Message(nil), e.state.Messages...)
	return out
}

// SetState replaces the envelope. The REPL snapshot is not applied; use
// RestoreREPL for that.
func (e *RuntimeEngine) SetState(state AgentStateEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SnapshotREPL captures the interpreter namespace and scratch files.
// Only valid outside a running turn.
func (e *RuntimeEngine) SnapshotREPL() ([]byte, error) {
	return e.agent.Session().Snapshot()
}

// RestoreREPL applies a snapshot blob to the interpreter.
// Only valid outside a running turn.
func (e *RuntimeEngine) RestoreREPL(blob []byte) error {
	return e.agent.Session().Restore(blob)
}

// ResetSession clears the REPL namespace and re-registers tool stubs.
func (e *RuntimeEngine) ResetSession() error {
	return e.agent.Session().Reset()
}

// SetModel switches the model for subsequent turns.
func (e *RuntimeEngine) SetModel(model string) { e.agent.SetModel(model) }

// planModePrefix frames a planning turn. The rules are strict: the model
// reads, it does not act.
const planModePrefix = `PLAN MODE. You are in read-only planning mode.
Rules:
- Do NOT modify any file except the plan file: %s
- Do NOT run shell commands that change state (no writes, installs, deletions).
- The shell, file_write and task tools are forbidden except for writing the plan file.
- Investigate, then write a numbered step-by-step plan to the plan file.
- Finish with done() summarising the plan.

`

// executingPlanPrefix frames a normal turn that follows an approved plan.
const executingPlanPrefix = "You previously wrote this plan. Execute it now, step by step:\n\n%s\n\n"

// RunTurn appends the user message (with any mode prefix), drives the agent
// loop, streams events into events, and returns the updated envelope. The
// events channel is closed when the turn ends; the stream always terminates
// with exactly one done event. Cancelling ctx snapshots state and ends the
// turn cleanly.
func (e *RuntimeEngine) RunTurn(ctx context.Context, input TurnInput, events chan<- AgentEvent) (TurnResult, error) {
	e.mu.Lock()
	msgs := e.state.Messages
	iteration := e.state.Iteration
	e.mu.Unlock()

	// First turn: seed the history with the system preamble marker that
	// anchors the rolling window.
	if len(msgs) == 0 {
		msgs = append(msgs, TextMessage("m0", RoleSystem, "Conversation start."))
	}

	text := input.Text
	switch input.Mode {
	case ModePlan:
		if input.PlanFile != "" {
			text = fmt.Sprintf(planModePrefix, input.PlanFile) + text
		}
	case ModeNormal:
		if input.PlanFile != "" {
			if plan, err := os.ReadFile(input.PlanFile); err == nil && len(plan) > 0 {
				text = fmt.Sprintf(executingPlanPrefix, string(plan)) + text
			}
		}
	}
	msgs = append(msgs, UserMessage(NextMessageID(msgs), text))

	// Intercept the stream to capture the final message and done flag
	// while forwarding everything to the caller.
	inner := make(chan AgentEvent, 100)
	var finalMessage string
	var turnUsage TokenUsage
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range inner {
			if ev.Type == EventMessage && ev.Kind == "final" {
				finalMessage = ev.Content
			}
			if ev.Type == EventTokenUsage {
				turnUsage.Add(ev.Usage)
			}
			events <- ev
		}
	}()

	newMsgs, newIteration := e.agent.Run(ctx, msgs, iteration, inner)
	close(inner)
	<-forwarded
	close(events)

	snapshot, err := e.agent.Session().Snapshot()
	if err != nil {
		snapshot = nil
	}

	e.mu.Lock()
	e.state.Messages = newMsgs
	e.state.Iteration = newIteration
	e.state.REPLSnapshot = snapshot
	e.state.Usage.Add(turnUsage)
	usage := e.state.Usage
	e.mu.Unlock()

	status := "active"
	if finalMessage != "" {
		status = "done"
	}
	rec := AgentRecord{
		AgentID:   e.state.AgentID,
		Status:    status,
		Messages:  jsonString(newMsgs, "[]"),
		Iteration: newIteration,
		Config:    "{}",
		Snapshot:  snapshot,
		Usage:     usage,
	}
	if err := e.agent.store.SaveAgentState(rec); err != nil {
		return TurnResult{}, fmt.Errorf("engine: persist state: %w", err)
	}

	return TurnResult{
		State:        e.ExportState(),
		FinalMessage: finalMessage,
		Done:         finalMessage != "",
	}, nil
}
