package starling

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, provider Provider, store Store) *RuntimeEngine {
	t.Helper()
	session, err := NewSession(echoTool{}, "engine-agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Close)
	agent := NewAgent(session, provider, store, AgentConfig{Model: "script-1"}, "engine-agent")
	return NewEngine(agent)
}

// runTurn drives one engine turn, draining events.
func runTurn(t *testing.T, e *RuntimeEngine, input TurnInput) (TurnResult, []AgentEvent) {
	t.Helper()
	events := make(chan AgentEvent, 256)
	var collected []AgentEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			collected = append(collected, ev)
		}
	}()
	result, err := e.RunTurn(context.Background(), input, events)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	return result, collected
}

func TestEngineEchoTurn(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\nprint(\"hello\")\n```\n"),
		respondText("Printed it.\n"),
	}}
	store := newFakeStore()
	e := newTestEngine(t, provider, store)

	result, events := runTurn(t, e, TurnInput{Text: "echo hello"})

	if result.FinalMessage != "" {
		t.Errorf("final = %q, want absent", result.FinalMessage)
	}
	if result.Done {
		t.Error("turn without done() must not report Done")
	}
	if result.State.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", result.State.Iteration)
	}

	foundOutput := false
	for _, ev := range events {
		if ev.Type == EventCodeOutput && ev.Output == "hello\n" {
			foundOutput = true
		}
	}
	if !foundOutput {
		t.Error("missing code output event")
	}

	// Engine persisted the envelope.
	rec, ok := store.LoadAgentState("engine-agent")
	if !ok {
		t.Fatal("no agent row")
	}
	if rec.Status != "active" {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.Snapshot) == 0 {
		t.Error("REPL snapshot not persisted")
	}
}

func TestEngineDoneTurn(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\ndone(\"4\")\n```\n"),
	}}
	store := newFakeStore()
	e := newTestEngine(t, provider, store)

	result, events := runTurn(t, e, TurnInput{Text: "what is 2+2?"})

	if result.FinalMessage != "4" {
		t.Errorf("final = %q, want 4", result.FinalMessage)
	}
	if !result.Done {
		t.Error("Done should be set")
	}
	if last := events[len(events)-1].Type; last != EventDone {
		t.Errorf("last event = %s", last)
	}
	if rec, _ := store.LoadAgentState("engine-agent"); rec.Status != "done" {
		t.Errorf("status = %q, want done", rec.Status)
	}
}

func TestEngineStatePersistsAcrossTurns(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\ncounter = 10\n```\n"),
		respondText("Stored.\n"),
		respondText("```python\ndone(str(counter))\n```\n"),
	}}
	e := newTestEngine(t, provider, newFakeStore())

	runTurn(t, e, TurnInput{Text: "remember 10"})
	result, _ := runTurn(t, e, TurnInput{Text: "what was it?"})

	if result.FinalMessage != "10" {
		t.Errorf("final = %q: REPL state lost across turns", result.FinalMessage)
	}
	// Both user messages live in the exported history.
	users := 0
	for _, m := range e.ExportState().Messages {
		if m.Role == RoleUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("user messages = %d, want 2", users)
	}
}

func TestEnginePlanModePrefix(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("Planning complete.\n"),
	}}
	e := newTestEngine(t, provider, newFakeStore())

	planFile := filepath.Join(t.TempDir(), "plan.md")
	runTurn(t, e, TurnInput{Text: "refactor the parser", Mode: ModePlan, PlanFile: planFile})

	var userMsg string
	for _, m := range e.ExportState().Messages {
		if m.Role == RoleUser {
			userMsg = m.Render()
		}
	}
	if !strings.Contains(userMsg, "PLAN MODE") || !strings.Contains(userMsg, planFile) {
		t.Errorf("plan prefix missing: %q", userMsg)
	}
	if !strings.Contains(userMsg, "refactor the parser") {
		t.Errorf("original text missing: %q", userMsg)
	}
}

func TestEngineExecutingPlanPrefix(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("Executing.\n"),
	}}
	e := newTestEngine(t, provider, newFakeStore())

	planFile := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(planFile, []byte("1. do the thing"), 0o644); err != nil {
		t.Fatal(err)
	}
	runTurn(t, e, TurnInput{Text: "go", Mode: ModeNormal, PlanFile: planFile})

	var userMsg string
	for _, m := range e.ExportState().Messages {
		if m.Role == RoleUser {
			userMsg = m.Render()
		}
	}
	if !strings.Contains(userMsg, "1. do the thing") {
		t.Errorf("plan content not injected: %q", userMsg)
	}
}

func TestEngineExportSetState(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{respondText("ok\n")}}
	e := newTestEngine(t, provider, newFakeStore())

	runTurn(t, e, TurnInput{Text: "hello"})
	exported := e.ExportState()
	if exported.AgentID != "engine-agent" || len(exported.Messages) == 0 {
		t.Fatalf("exported = %+v", exported)
	}

	// Appending to the export must not grow engine state.
	exported.Messages = append(exported.Messages, TextMessage("extra", RoleSystem, "x"))
	if got := e.ExportState(); len(got.Messages) == len(exported.Messages) {
		t.Error("export shares its slice with engine state")
	}

	e.SetState(AgentStateEnvelope{AgentID: "engine-agent"})
	if got := e.ExportState(); len(got.Messages) != 0 {
		t.Errorf("SetState did not replace messages: %d", len(got.Messages))
	}
}

func TestEngineREPLSnapshotRoundTrip(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\nflag = \"set\"\n```\n"),
		respondText("ok\n"),
	}}
	e := newTestEngine(t, provider, newFakeStore())
	runTurn(t, e, TurnInput{Text: "set a flag"})

	blob, err := e.SnapshotREPL()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ResetSession(); err != nil {
		t.Fatal(err)
	}
	if err := e.RestoreREPL(blob); err != nil {
		t.Fatal(err)
	}

	// The restored namespace still has the flag.
	provider2 := &scriptProvider{steps: []scriptStep{
		respondText("```python\ndone(flag)\n```\n"),
	}}
	e.agent.provider = provider2
	result, _ := runTurn(t, e, TurnInput{Text: "read it back"})
	if result.FinalMessage != "set" {
		t.Errorf("final = %q, want set", result.FinalMessage)
	}
}
