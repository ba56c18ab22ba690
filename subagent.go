package starling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tier is the sub-agent intelligence level requested by the caller.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// parseTier validates the intelligence argument.
func parseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierLow, TierMedium, TierHigh:
		return Tier(s), true
	}
	return "", false
}

// TierModels maps tiers to model names. Empty entries fall back to the
// parent's model.
type TierModels struct {
	Low    string
	Medium string
	High   string
}

// tierTurnLimits bounds each tier's loop.
var tierTurnLimits = map[Tier]int{TierLow: 15, TierMedium: 30, TierHigh: 50}

// defaultSubAgentTimeout bounds agent_result waits with no explicit
// timeout argument.
const defaultSubAgentTimeout = 10 * time.Minute

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// LauncherLogger sets a structured logger for child lifecycle events.
func LauncherLogger(l *slog.Logger) LauncherOption {
	return func(s *Launcher) { s.logger = l }
}

// LauncherModels overrides the tier→model mapping.
func LauncherModels(m TierModels) LauncherOption {
	return func(s *Launcher) { s.models = m }
}

// Launcher is the sub-agent tool provider: one visible agent_call tool that
// spawns a child agent at an intelligence tier, plus hidden handle
// follow-ups. Children get the parent's base tools (no nested agent_call)
// and a copy of the parent's _mem and _history.
type Launcher struct {
	baseTools    StreamingToolProvider
	provider     Provider
	store        Store
	parentID     string
	parentConfig AgentConfig
	models       TierModels
	handles      *HandleMap
	logger       *slog.Logger
}

var _ StreamingToolProvider = (*Launcher)(nil)

// NewLauncher builds the launcher. baseTools is the child tool surface;
// it must not include the launcher itself.
func NewLauncher(baseTools StreamingToolProvider, provider Provider, store Store, parentID string, parentConfig AgentConfig, opts ...LauncherOption) *Launcher {
	s := &Launcher{
		baseTools:    baseTools,
		provider:     provider,
		store:        store,
		parentID:     parentID,
		parentConfig: parentConfig,
		handles:      NewHandleMap(),
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close kills every live child.
func (s *Launcher) Close() { s.handles.KillAll() }

// Definitions exposes agent_call and the hidden follow-ups.
func (s *Launcher) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "agent_call",
			Description: "Spawn a sub-agent to work on a task in its own REPL. Returns a handle; " +
				"use agent_result(id) to wait for the answer. The sub-agent sees your _mem and _history.",
			Params: []ToolParam{
				{Name: "prompt", Type: "string", Required: true, Description: "task for the sub-agent"},
				{Name: "intelligence", Type: "string", Required: true, Description: `"low", "medium", or "high"`},
				{Name: "schema", Type: "object", Required: false, Description: "JSON schema the result must satisfy"},
			},
			Returns: `{"__handle__": "agent", "id": ...}`,
		},
		{
			Name:        "agent_result",
			Description: "Wait for a sub-agent to finish and return its result.",
			Params: []ToolParam{
				{Name: "id", Type: "string", Required: true},
				{Name: "timeout", Type: "number", Required: false, Description: "seconds"},
			},
			Hidden: true,
		},
		{
			Name:        "agent_output",
			Description: "Drain a running sub-agent's buffered output without waiting.",
			Params:      []ToolParam{{Name: "id", Type: "string", Required: true}},
			Hidden:      true,
		},
		{
			Name:        "agent_kill",
			Description: "Cancel a running sub-agent.",
			Params:      []ToolParam{{Name: "id", Type: "string", Required: true}},
			Hidden:      true,
		},
	}
}

// Execute dispatches without progress streaming.
func (s *Launcher) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	return s.ExecuteStreaming(ctx, name, args, nil)
}

// ExecuteStreaming dispatches the agent tools.
func (s *Launcher) ExecuteStreaming(ctx context.Context, name string, args map[string]any, progress chan<- SandboxMessage) (ToolResult, error) {
	switch name {
	case "agent_call":
		return s.agentCall(args)
	case "agent_result":
		return s.agentResult(ctx, args, progress)
	case "agent_output":
		return s.agentOutput(args)
	case "agent_kill":
		return s.agentKill(args)
	}
	return FailResult("unknown tool: %s", name), nil
}

// childRun carries everything a running child accumulates, attached to the
// handle result.
type childRun struct {
	task       string
	final      string
	context    []string
	usage      TokenUsage
	toolCalls  int
	iterations int
	schema     *jsonschema.Schema
	schemaName string
}

func (s *Launcher) agentCall(args map[string]any) (ToolResult, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return FailResult("agent_call: missing 'prompt'"), nil
	}
	intelligence, _ := args["intelligence"].(string)
	tier, ok := parseTier(intelligence)
	if !ok {
		return FailResult(`agent_call: missing or invalid 'intelligence': must be "low", "medium", or "high"`), nil
	}

	var compiled *jsonschema.Schema
	var schemaName, classCode, doneCode string
	if raw, present := args["schema"]; present && raw != nil {
		schemaJSON := jsonString(raw, "")
		var err error
		compiled, err = compileSchema(schemaJSON)
		if err != nil {
			return FailResult("agent_call: invalid schema: %v", err), nil
		}
		schemaName, classCode, doneCode, err = buildSchemaClass(raw)
		if err != nil {
			return FailResult("agent_call: %v", err), nil
		}
		prompt = fmt.Sprintf(
			"%s\n\nA `%s` class is available in your environment. You MUST call done() with an instance of `%s`. Construct it and pass it to done().",
			prompt, schemaName, schemaName)
	}

	model := s.pickModel(tier)
	childID := NewID()

	// Record the child before it runs so list_active_agents sees it.
	_ = s.store.SaveAgentState(AgentRecord{
		AgentID:  childID,
		ParentID: s.parentID,
		Status:   "active",
		Messages: "[]",
		Config:   jsonString(map[string]any{"tier": string(tier), "model": model}, "{}"),
	})

	run := &childRun{task: prompt, schema: compiled, schemaName: schemaName}

	handle := SpawnHandle(context.Background(), "agent", func(ctx context.Context, h *Handle) ToolResult {
		return s.runChild(ctx, h, run, childID, tier, model, prompt, classCode, doneCode)
	})
	s.handles.Put(handle)

	s.logger.Info("launcher: sub-agent spawned", "child_id", childID, "tier", tier, "model", model)
	return OKResult(HandleValue("agent", handle.ID())), nil
}

// runChild builds the child session+agent and drives its loop to
// completion, buffering prose for agent_output/agent_result streaming.
func (s *Launcher) runChild(ctx context.Context, h *Handle, run *childRun, childID string, tier Tier, model, prompt, classCode, doneCode string) ToolResult {
	session, err := NewSession(s.baseTools, childID, SessionLogger(s.logger))
	if err != nil {
		return FailResult("agent_call: start child session: %v", err)
	}
	defer session.Close()

	// Seed the child REPL with the parent's cross-turn state.
	if rec, ok := s.store.LoadAgentState(s.parentID); ok && len(rec.Snapshot) > 0 {
		if historyJSON, memJSON, err := ExtractREPLState(rec.Snapshot); err == nil {
			s.injectState(ctx, session, "_history._load", historyJSON)
			s.injectState(ctx, session, "_mem._load", memJSON)
		}
	}

	// Install the schema result class and the validating done wrapper.
	// Two separate execs: the wrapper chunk reassigns done, so the alias
	// to the original must bind in an earlier chunk.
	if classCode != "" {
		if _, err := session.RunCode(ctx, "_plain_done = done"); err != nil {
			return FailResult("agent_call: inject schema: %v", err)
		}
		if _, err := session.RunCode(ctx, classCode+"\n"+doneCode); err != nil {
			return FailResult("agent_call: inject schema: %v", err)
		}
	}

	config := AgentConfig{
		Model:           model,
		MaxContextChars: s.parentConfig.MaxContextChars,
		MaxTurns:        tierTurnLimits[tier],
		SubAgent:        true,
	}
	child := NewAgent(session, s.provider, s.store, config, childID, AgentLogger(s.logger))

	events := make(chan AgentEvent, 100)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range events {
			switch ev.Type {
			case EventTextDelta:
				h.Push(ev.Content)
				run.context = append(run.context, strings.TrimRight(ev.Content, "\n"))
			case EventMessage:
				if ev.Kind == "final" {
					run.final = ev.Content
				} else {
					h.Push(ev.Content)
				}
			case EventToolCall:
				run.toolCalls++
			case EventTokenUsage:
				run.usage.Add(ev.Usage)
			case EventPrompt:
				// Children cannot reach the user; unblock with empty.
				ev.Reply <- ""
			}
		}
	}()

	msgs := []Message{
		TextMessage("m0", RoleSystem, "Conversation start."),
		UserMessage("m1", prompt),
	}
	_, iterations := child.Run(ctx, msgs, 0, events)
	close(events)
	<-consumed
	run.iterations = iterations

	s.store.MarkAgentDone(childID)

	if ctx.Err() != nil {
		return FailResult("agent %s cancelled", childID)
	}

	// Validate a schema-constrained result host-side as well: the child's
	// done wrapper already checked shape, this enforces it.
	if run.schema != nil && run.final != "" {
		var decoded any
		if err := json.Unmarshal([]byte(run.final), &decoded); err != nil {
			return FailResult("agent result is not valid JSON for schema %s: %v", run.schemaName, err)
		}
		if err := run.schema.Validate(decoded); err != nil {
			return FailResult("agent result failed schema validation: %v", err)
		}
	}

	return OKResult(map[string]any{
		"result":  run.final,
		"context": run.context,
		"_sub_agent": map[string]any{
			"task":       run.task,
			"usage":      run.usage,
			"tool_calls": run.toolCalls,
			"iterations": run.iterations,
		},
	})
}

// injectState loads a JSON payload into a child REPL helper.
func (s *Launcher) injectState(ctx context.Context, session *Session, fn, payload string) {
	if payload == "" || payload == "null" {
		return
	}
	escaped := strings.ReplaceAll(payload, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "'", `\'`)
	if _, err := session.RunCode(ctx, fn+"('"+escaped+"')"); err != nil {
		s.logger.Warn("launcher: state injection failed", "fn", fn, "error", err)
	}
}

func (s *Launcher) agentResult(ctx context.Context, args map[string]any, progress chan<- SandboxMessage) (ToolResult, error) {
	id, _ := args["id"].(string)
	h, ok := s.handles.Get(id)
	if !ok {
		return MissingHandle("agent", id), nil
	}
	timeout := defaultSubAgentTimeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	// Stream buffered child prose while waiting.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-h.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if progress == nil {
					continue
				}
				for _, line := range h.Drain() {
					progress <- SandboxMessage{Text: line, Kind: "progress"}
				}
			}
		}
	}()

	result := h.Await(ctx, timeout)
	<-streamDone
	s.handles.Remove(id)
	return result, nil
}

func (s *Launcher) agentOutput(args map[string]any) (ToolResult, error) {
	id, _ := args["id"].(string)
	h, ok := s.handles.Get(id)
	if !ok {
		return MissingHandle("agent", id), nil
	}
	return OKResult(map[string]any{
		"output": h.Drain(),
		"state":  h.State().String(),
	}), nil
}

func (s *Launcher) agentKill(args map[string]any) (ToolResult, error) {
	id, _ := args["id"].(string)
	h, ok := s.handles.Remove(id)
	if !ok {
		return MissingHandle("agent", id), nil
	}
	h.Kill()
	return OKResult("killed"), nil
}

// pickModel resolves a tier to a model, preferring the host override.
func (s *Launcher) pickModel(tier Tier) string {
	var m string
	switch tier {
	case TierLow:
		m = s.models.Low
	case TierMedium:
		m = s.models.Medium
	case TierHigh:
		m = s.models.High
	}
	if m == "" {
		m = s.parentConfig.Model
	}
	if m == "" {
		m = s.provider.DefaultModel()
	}
	return m
}

// compileSchema parses and compiles a JSON schema document.
func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("result.json")
}

// buildSchemaClass generates the REPL-side result class and validating
// done() wrapper for a schema. The class is a constructor function that
// type-checks its fields and returns a struct; the wrapper serialises the
// struct to JSON and hands it to the original done.
func buildSchemaClass(raw any) (name, classCode, doneCode string, err error) {
	doc, ok := raw.(map[string]any)
	if !ok {
		return "", "", "", fmt.Errorf("schema must be a JSON object")
	}
	name, _ = doc["title"].(string)
	if name == "" {
		name = "Result"
	}

	props, _ := doc["properties"].(map[string]any)
	requiredSet := map[string]bool{}
	if reqList, ok := doc["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				requiredSet[s] = true
			}
		}
	}

	fields := make([]string, 0, len(props))
	for f := range props {
		fields = append(fields, f)
	}
	// Required fields first (they become positional parameters), each
	// group sorted for stable generated code.
	sort.Slice(fields, func(i, j int) bool {
		ri, rj := requiredSet[fields[i]], requiredSet[fields[j]]
		if ri != rj {
			return ri
		}
		return fields[i] < fields[j]
	})

	var params, checks, kwargs, encodes []string
	for _, f := range fields {
		spec, _ := props[f].(map[string]any)
		typ, _ := spec["type"].(string)
		if requiredSet[f] {
			params = append(params, f)
		} else {
			params = append(params, f+"=None")
		}
		if check := typeCheck(f, typ, !requiredSet[f]); check != "" {
			checks = append(checks, check)
		}
		kwargs = append(kwargs, fmt.Sprintf("%s=%s", f, f))
		encodes = append(encodes, fmt.Sprintf("'%s': value.%s", f, f))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "def %s(%s):\n", name, strings.Join(params, ", "))
	for _, c := range checks {
		fmt.Fprintf(&b, "    %s\n", c)
	}
	fmt.Fprintf(&b, "    return struct(_schema_class='%s', %s)\n", name, strings.Join(kwargs, ", "))
	classCode = b.String()

	doneCode = fmt.Sprintf(`def done(value):
    if type(value) != 'struct' or getattr(value, '_schema_class', None) != '%s':
        fail('done() requires an instance of %s')
    _plain_done(json.encode({%s}))
`, name, name, strings.Join(encodes, ", "))
	return name, classCode, doneCode, nil
}

// typeCheck emits the field type assertion for the generated constructor.
func typeCheck(field, typ string, optional bool) string {
	var want string
	switch typ {
	case "string":
		want = "'string'"
	case "integer":
		want = "'int'"
	case "number":
		return guardOptional(field, fmt.Sprintf(
			"if type(%s) != 'int' and type(%s) != 'float':\n        fail('%s must be a number')",
			field, field, field), optional)
	case "boolean":
		want = "'bool'"
	case "array":
		want = "'list'"
	case "object":
		want = "'dict'"
	default:
		return ""
	}
	return guardOptional(field, fmt.Sprintf(
		"if type(%s) != %s:\n        fail('%s must be %s')", field, want, field, typ), optional)
}

// guardOptional wraps a check so optional None values pass.
func guardOptional(field, check string, optional bool) string {
	if !optional {
		return check
	}
	return fmt.Sprintf("if %s != None:\n        %s", field, strings.ReplaceAll(check, "\n        ", "\n            "))
}
