package starling

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- fakes ---

// fakeStore implements Store in memory for loop and engine tests.
type fakeStore struct {
	mu      sync.Mutex
	archive map[string]string
	tasks   map[string]TaskEntry
	deps    map[[2]string]bool
	agents  map[string]AgentRecord
	counter int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		archive: make(map[string]string),
		tasks:   make(map[string]TaskEntry),
		deps:    make(map[[2]string]bool),
		agents:  make(map[string]AgentRecord),
	}
}

func (s *fakeStore) StoreArchive(content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := ContentHash(content)
	s.archive[hash] = content
	return hash, nil
}

func (s *fakeStore) GetArchive(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.archive[hash]
	return c, ok
}

func (s *fakeStore) NextTaskID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return pad4hex(s.counter), nil
}

func pad4hex(n int64) string {
	const digits = "0123456789abcdef"
	out := []byte{'0', '0', '0', '0'}
	for i := 3; i >= 0 && n > 0; i-- {
		out[i] = digits[n%16]
		n /= 16
	}
	return string(out)
}

func (s *fakeStore) CreateTask(t TaskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *fakeStore) GetTask(id string) (TaskEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *fakeStore) ListTasks(status TaskStatus, blocked *bool) ([]TaskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskEntry
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTask(id string, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	s.tasks[id] = t
	return nil
}

func (s *fakeStore) DeleteTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	for k := range s.deps {
		if k[0] == id || k[1] == id {
			delete(s.deps, k)
		}
	}
	return ok
}

func (s *fakeStore) AddDep(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[[2]string{blockerID, blockedID}] = true
	return nil
}

func (s *fakeStore) RemoveDep(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deps, [2]string{blockerID, blockedID})
	return nil
}

func (s *fakeStore) SaveAgentState(rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[rec.AgentID] = rec
	return nil
}

func (s *fakeStore) LoadAgentState(agentID string) (AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	return rec, ok
}

func (s *fakeStore) ListActiveAgents(parentID string) ([]AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentRecord
	for _, rec := range s.agents {
		if rec.Status == "active" && (parentID == "" || rec.ParentID == parentID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkAgentDone(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		rec.Status = "done"
		s.agents[agentID] = rec
	}
}

func (s *fakeStore) Close() error { return nil }

var _ Store = (*fakeStore)(nil)

// scriptStep is one scripted StreamChat behaviour.
type scriptStep func(ctx context.Context, ch chan<- string) (ChatResponse, error)

// respondText streams text in small cumulative chunks then succeeds.
func respondText(text string) scriptStep {
	return func(ctx context.Context, ch chan<- string) (ChatResponse, error) {
		for i := 4; i <= len(text); i += 4 {
			select {
			case ch <- text[:i]:
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
		select {
		case ch <- text:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
		return ChatResponse{Content: text, Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

// respondErr fails immediately.
func respondErr(err error) scriptStep {
	return func(context.Context, chan<- string) (ChatResponse, error) {
		return ChatResponse{}, err
	}
}

// respondTextThenErr streams text, then fails instead of completing.
func respondTextThenErr(text string, err error) scriptStep {
	return func(ctx context.Context, ch chan<- string) (ChatResponse, error) {
		select {
		case ch <- text:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
		return ChatResponse{}, err
	}
}

// respondBlocking emits one delta then blocks until cancellation.
func respondBlocking(text string) scriptStep {
	return func(ctx context.Context, ch chan<- string) (ChatResponse, error) {
		select {
		case ch <- text:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
}

// scriptProvider replays scripted steps; extra calls repeat the last step.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
	// lastReq records the most recent request for assertions.
	lastReq ChatRequest
}

func (p *scriptProvider) Name() string               { return "script" }
func (p *scriptProvider) DefaultModel() string       { return "script-1" }
func (p *scriptProvider) ResolveModel(m string) string { return m }
func (p *scriptProvider) EnsureFresh(context.Context) (bool, error) { return false, nil }

func (p *scriptProvider) StreamChat(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	p.lastReq = req
	step := p.steps[idx]
	p.mu.Unlock()
	return step(ctx, ch)
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ Provider = (*scriptProvider)(nil)

// runAgent drives Run with an event collector and returns the final
// history, iteration, and ordered events.
func runAgent(t *testing.T, ctx context.Context, agent *Agent, msgs []Message, onEvent func(AgentEvent)) ([]Message, int, []AgentEvent) {
	t.Helper()
	events := make(chan AgentEvent, 256)
	var collected []AgentEvent
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			mu.Lock()
			collected = append(collected, ev)
			mu.Unlock()
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()
	outMsgs, iter := agent.Run(ctx, msgs, 0, events)
	close(events)
	<-done
	return outMsgs, iter, collected
}

func newLoopAgent(t *testing.T, provider Provider, store Store) *Agent {
	t.Helper()
	session, err := NewSession(echoTool{}, "loop-agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Close)
	return NewAgent(session, provider, store, AgentConfig{Model: "script-1"}, "loop-agent")
}

func seedMsgs(user string) []Message {
	msgs := []Message{TextMessage("m0", RoleSystem, "Conversation start.")}
	return append(msgs, UserMessage(NextMessageID(msgs), user))
}

// eventTypes extracts the type sequence, optionally filtered.
func eventTypes(events []AgentEvent, keep ...AgentEventType) []AgentEventType {
	keepSet := make(map[AgentEventType]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	var out []AgentEventType
	for _, ev := range events {
		if len(keep) == 0 || keepSet[ev.Type] {
			out = append(out, ev.Type)
		}
	}
	return out
}

// --- tests ---

func TestLoopEchoHello(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("a\n```python\nprint(\"hello\")\n```\nb\n"),
		respondText("All done here.\n"),
	}}
	store := newFakeStore()
	agent := newLoopAgent(t, provider, store)

	msgs, iter, events := runAgent(t, context.Background(), agent, seedMsgs("echo hello"), nil)

	// One executed turn plus one prose-only turn.
	if iter != 1 {
		t.Errorf("iteration = %d, want 1", iter)
	}

	got := eventTypes(events, EventCodeBlock, EventCodeOutput, EventDone)
	want := []AgentEventType{EventCodeBlock, EventCodeOutput, EventDone}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("event order = %v, want %v", got, want)
	}
	for _, ev := range events {
		if ev.Type == EventCodeBlock && ev.Code != `print("hello")` {
			t.Errorf("code = %q", ev.Code)
		}
		if ev.Type == EventCodeOutput && ev.Output != "hello\n" {
			t.Errorf("output = %q", ev.Output)
		}
		if ev.Type == EventMessage && ev.Kind == "final" {
			t.Error("no final message expected")
		}
	}

	// History: preamble, user, assistant, feedback, assistant(prose).
	if len(msgs) != 5 {
		t.Fatalf("history length = %d: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != RoleAssistant || msgs[3].Role != RoleSystem {
		t.Errorf("turn shape wrong: %s %s", msgs[2].Role, msgs[3].Role)
	}

	// Exactly one Done in the stream.
	if n := len(eventTypes(events, EventDone)); n != 1 {
		t.Errorf("done events = %d, want 1", n)
	}
}

func TestLoopDoneTerminates(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\ndone(\"4\")\n```\n"),
	}}
	store := newFakeStore()
	// Seed the row so MarkAgentDone has something to flip.
	store.SaveAgentState(AgentRecord{AgentID: "loop-agent", Status: "active"})
	agent := newLoopAgent(t, provider, store)

	msgs, iter, events := runAgent(t, context.Background(), agent, seedMsgs("what is 2+2?"), nil)

	var final string
	for _, ev := range events {
		if ev.Type == EventMessage && ev.Kind == "final" {
			final = ev.Content
		}
	}
	if final != "4" {
		t.Errorf("final = %q, want 4", final)
	}
	if iter != 0 {
		t.Errorf("iteration = %d, want 0", iter)
	}
	if provider.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", provider.callCount())
	}
	// Assistant message appended, no feedback message after it.
	last := msgs[len(msgs)-1]
	if last.Role != RoleAssistant {
		t.Errorf("last message role = %s", last.Role)
	}
	if rec, _ := store.LoadAgentState("loop-agent"); rec.Status != "done" {
		t.Errorf("agent status = %q, want done", rec.Status)
	}
}

func TestLoopDoneSkipsLaterBlocks(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\ndone(\"x\")\n```\n```python\nprint(\"never\")\n```\n"),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	msgs, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	if n := len(eventTypes(events, EventCodeBlock)); n != 2 {
		t.Errorf("both blocks should be parsed, got %d", n)
	}
	if n := len(eventTypes(events, EventCodeOutput)); n != 1 {
		t.Errorf("only the first block may execute, got %d outputs", n)
	}
	// Both blocks land in the assistant message.
	last := msgs[len(msgs)-1]
	codeParts := 0
	for _, p := range last.Parts {
		if p.Kind == PartCode {
			codeParts++
		}
	}
	if codeParts != 2 {
		t.Errorf("assistant code parts = %d, want 2", codeParts)
	}
}

func TestLoopFailureSkipsSubsequentBlocks(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\nundefined_name()\n```\n```python\nprint(\"after\")\n```\n"),
		respondText("Recovering.\n"),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	msgs, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	outputs := 0
	for _, ev := range events {
		if ev.Type == EventCodeOutput {
			outputs++
			if ev.ErrText == "" {
				t.Error("first block should report an error")
			}
		}
	}
	if outputs != 1 {
		t.Errorf("outputs = %d, want 1 (second block skipped)", outputs)
	}

	// Assistant message of the failed turn still captures both blocks.
	var failedTurn *Message
	for i := range msgs {
		if msgs[i].Role == RoleAssistant {
			failedTurn = &msgs[i]
			break
		}
	}
	if failedTurn == nil {
		t.Fatal("no assistant message")
	}
	codeParts := 0
	for _, p := range failedTurn.Parts {
		if p.Kind == PartCode {
			codeParts++
		}
	}
	if codeParts != 2 {
		t.Errorf("captured code parts = %d, want 2", codeParts)
	}

	// Feedback carries the error with the retry nudge.
	var feedback *Message
	for i := range msgs {
		if msgs[i].Role == RoleSystem && msgs[i].ID != "m0" {
			feedback = &msgs[i]
		}
	}
	if feedback == nil {
		t.Fatal("no feedback message")
	}
	foundErr := false
	for _, p := range feedback.Parts {
		if p.Kind == PartError && strings.Contains(p.Content, "Fix and retry.") {
			foundErr = true
		}
	}
	if !foundErr {
		t.Errorf("feedback lacks error part: %+v", feedback.Parts)
	}
}

// shrinkRetryDelays makes the retry ladder instant for a test.
func shrinkRetryDelays(t *testing.T) {
	t.Helper()
	saved := llmRetryDelays
	llmRetryDelays = [llmMaxRetries]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { llmRetryDelays = saved })
}

func TestLoopRetriesTransientBeforeExecution(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptProvider{steps: []scriptStep{
		respondErr(&ErrHTTP{Status: 429, Body: "rate limited"}),
		respondErr(&ErrHTTP{Status: 503, Body: "overloaded"}),
		respondText("Fine now.\n"),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	_, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	if provider.callCount() != 3 {
		t.Errorf("LLM calls = %d, want 3 (two retries then success)", provider.callCount())
	}
	if n := len(eventTypes(events, EventDone)); n != 1 {
		t.Errorf("done events = %d", n)
	}
}

func TestLoopRetryExhaustion(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptProvider{steps: []scriptStep{
		respondErr(&ErrHTTP{Status: 429, Body: "rate limited"}),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	_, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	if provider.callCount() != llmMaxRetries+1 {
		t.Errorf("LLM calls = %d, want %d", provider.callCount(), llmMaxRetries+1)
	}
	types := eventTypes(events, EventDone)
	if len(types) != 1 {
		t.Errorf("done events = %d", len(types))
	}
}

func TestLoopNoRetryForFatalError(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptProvider{steps: []scriptStep{
		respondErr(&ErrLLM{Provider: "script", Message: "invalid api key"}),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	_, _, _ = runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	if provider.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1 (no retry on fatal)", provider.callCount())
	}
}

func TestLoopNoRetryAfterExecution(t *testing.T) {
	shrinkRetryDelays(t)
	provider := &scriptProvider{steps: []scriptStep{
		respondTextThenErr("```python\nprint(\"ran\")\n```\n", &ErrHTTP{Status: 503, Body: "overloaded"}),
		respondText("Continuing.\n"),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	_, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	// Call 1 fails after the block ran; no retry of call 1, the turn
	// continues into call 2.
	if provider.callCount() != 2 {
		t.Errorf("LLM calls = %d, want 2", provider.callCount())
	}
	foundPartial := false
	for _, ev := range events {
		if ev.Type == EventError && strings.Contains(ev.ErrText, "after partial execution") {
			foundPartial = true
		}
	}
	if !foundPartial {
		t.Error("expected an 'after partial execution' error event")
	}
}

func TestLoopCancellationMidStream(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondBlocking("thinking...\n"),
	}}
	store := newFakeStore()
	agent := newLoopAgent(t, provider, store)

	ctx, cancel := context.WithCancel(context.Background())
	sawDelta := make(chan struct{})
	var once sync.Once

	_, iter, events := runAgent(t, ctx, agent, seedMsgs("go"), func(ev AgentEvent) {
		if ev.Type == EventTextDelta {
			once.Do(func() { close(sawDelta); cancel() })
		}
	})
	<-sawDelta

	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Errorf("last event = %s, want done", last.Type)
	}
	for _, ev := range events {
		if ev.Type == EventToolCall {
			t.Error("no tool calls may follow cancellation")
		}
	}

	rec, ok := store.LoadAgentState("loop-agent")
	if !ok {
		t.Fatal("no agent row persisted on cancel")
	}
	if rec.Status != "active" {
		t.Errorf("status = %q, want active", rec.Status)
	}
	if rec.Iteration != iter {
		t.Errorf("persisted iteration = %d, run returned %d", rec.Iteration, iter)
	}
}

func TestLoopMaxTurnsForcesDone(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\nprint(\"work\")\n```\n"),
		respondText("```python\ndone(\"summary of work\")\n```\n"),
	}}
	store := newFakeStore()
	session, err := NewSession(echoTool{}, "limited-agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Close)
	agent := NewAgent(session, provider, store, AgentConfig{Model: "script-1", MaxTurns: 1}, "limited-agent")

	msgs, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	var final string
	for _, ev := range events {
		if ev.Type == EventMessage && ev.Kind == "final" {
			final = ev.Content
		}
	}
	if final != "summary of work" {
		t.Errorf("final = %q", final)
	}

	foundLimit := false
	for _, m := range msgs {
		if m.Role == RoleSystem {
			for _, p := range m.Parts {
				if strings.Contains(p.Content, "Turn limit reached") {
					foundLimit = true
				}
			}
		}
	}
	if !foundLimit {
		t.Error("limit message missing from history")
	}
}

func TestLoopDegenerateResponseAborts(t *testing.T) {
	long := strings.Repeat("spam spam spam\n", 200)
	provider := &scriptProvider{steps: []scriptStep{respondText(long)}}
	store := newFakeStore()
	session, err := NewSession(echoTool{}, "degen-agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Close)
	agent := NewAgent(session, provider, store,
		AgentConfig{Model: "script-1", MaxResponseChars: 500}, "degen-agent")

	_, _, events := runAgent(t, context.Background(), agent, seedMsgs("go"), nil)

	foundCap := false
	for _, ev := range events {
		if ev.Type == EventError && strings.Contains(ev.ErrText, "exceeded") {
			foundCap = true
		}
	}
	if !foundCap {
		t.Error("expected a degenerate-length error event")
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestLoopHistoryInjection(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		respondText("```python\nprint(\"step\")\n```\n"),
		respondText("```python\nprint(len(_history))\ndone(\"ok\")\n```\n"),
	}}
	agent := newLoopAgent(t, provider, newFakeStore())

	_, _, events := runAgent(t, context.Background(), agent, seedMsgs("count turns"), nil)

	// Turn 0 executed and was recorded; turn 1 reads len(_history) == 1.
	var outputs []string
	for _, ev := range events {
		if ev.Type == EventCodeOutput && ev.Output != "" {
			outputs = append(outputs, ev.Output)
		}
	}
	if len(outputs) != 2 || outputs[1] != "1\n" {
		t.Errorf("outputs = %q, want second to be \"1\\n\"", outputs)
	}
}
