package starling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starlinghq/starling/interp"
)

// maxParallelToolTasks caps concurrent tool dispatch per session, so a
// gather() over a large list cannot overwhelm external services.
const maxParallelToolTasks = 10

// ExecResponse is the outcome of running one code block.
type ExecResponse struct {
	Output  string
	ErrText string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// SessionLogger sets a structured logger for session lifecycle and tool
// dispatch events.
func SessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// Session is the host-side handle over exactly one interpreter runtime plus
// a scratch directory. It is the sole sender of interpreter requests; tool
// calls surfaced by the runtime are dispatched on the host executor, one
// goroutine per call, preserving code-level parallelism via gather().
type Session struct {
	runtime *interp.Runtime
	tools   StreamingToolProvider
	logger  *slog.Logger

	scratchDir string
	agentID    string

	// toolSem bounds concurrent tool tasks.
	toolSem *semaphore.Weighted

	// Per-run accumulators. recordMu guards the slices; the sender fields
	// are only swapped between runs.
	recordMu      sync.Mutex
	toolCalls     []ToolCallRecord
	toolImages    []ToolImage
	finalResponse string

	messageCh chan<- SandboxMessage
	promptCh  chan<- UserPrompt
}

// NewSession starts an interpreter runtime, installs the provider's tool
// definitions, and prepares a scratch directory (removed on Close).
func NewSession(tools StreamingToolProvider, agentID string, opts ...SessionOption) (*Session, error) {
	scratch, err := os.MkdirTemp("", "starling-scratch-*")
	if err != nil {
		return nil, fmt.Errorf("session: scratch dir: %w", err)
	}

	runtime, err := interp.Start()
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("session: start runtime: %w", err)
	}

	s := &Session{
		runtime:    runtime,
		tools:      tools,
		logger:     nopLogger,
		scratchDir: scratch,
		agentID:    agentID,
		toolSem:    semaphore.NewWeighted(maxParallelToolTasks),
	}
	for _, o := range opts {
		o(s)
	}

	defsJSON := jsonString(tools.Definitions(), "[]")
	if err := runtime.Send(interp.Request{Kind: interp.ReqInit, ToolDefsJSON: defsJSON, AgentID: agentID}); err != nil {
		s.Close()
		return nil, &ErrChildExited{}
	}
	resp, err := runtime.Recv()
	if err != nil {
		s.Close()
		return nil, &ErrChildExited{}
	}
	if resp.Kind != interp.RespReady {
		s.Close()
		return nil, &ErrProtocol{Detail: fmt.Sprintf("expected ready, got %s", resp.Kind)}
	}
	if resp.ErrText != "" {
		s.Close()
		return nil, &ErrProtocol{Detail: resp.ErrText}
	}

	s.logger.Debug("session: runtime ready", "agent_id", agentID, "scratch", scratch)
	return s, nil
}

// ScratchDir returns the session's private working directory.
func (s *Session) ScratchDir() string { return s.scratchDir }

// Tools returns the session's tool provider.
func (s *Session) Tools() StreamingToolProvider { return s.tools }

// SetMessageSender routes sandbox message() output for the current turn.
func (s *Session) SetMessageSender(ch chan<- SandboxMessage) { s.messageCh = ch }

// ClearMessageSender detaches the current message route.
func (s *Session) ClearMessageSender() { s.messageCh = nil }

// SetPromptSender routes ask() prompts for the current turn.
func (s *Session) SetPromptSender(ch chan<- UserPrompt) { s.promptCh = ch }

// ClearPromptSender detaches the current prompt route.
func (s *Session) ClearPromptSender() { s.promptCh = nil }

// ToolCalls returns the records accumulated by the last RunCode.
func (s *Session) ToolCalls() []ToolCallRecord {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return append([]ToolCallRecord(nil), s.toolCalls...)
}

// ToolImages returns the images accumulated by the last RunCode.
func (s *Session) ToolImages() []ToolImage {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return append([]ToolImage(nil), s.toolImages...)
}

// FinalResponse returns the done() payload captured by the last RunCode, or
// "" when the code did not call done().
func (s *Session) FinalResponse() string { return s.finalResponse }

// normalizeCode drops lines that are only ASCII dashes and whitespace —
// markdown separators the model sometimes emits inside code blocks.
func normalizeCode(code string) string {
	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && strings.Trim(trimmed, "-") == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// RunCode executes one code block in the persistent REPL. Tool calls the
// code issues are dispatched concurrently; the call returns once the block
// finished and every spawned tool task delivered its result.
func (s *Session) RunCode(ctx context.Context, code string) (ExecResponse, error) {
	s.recordMu.Lock()
	s.toolCalls = nil
	s.toolImages = nil
	s.recordMu.Unlock()
	s.finalResponse = ""

	id := NewID()
	if err := s.runtime.Send(interp.Request{Kind: interp.ReqExec, ID: id, Code: normalizeCode(code)}); err != nil {
		return ExecResponse{}, &ErrChildExited{}
	}

	var wg sync.WaitGroup
	for {
		resp, err := s.runtime.Recv()
		if err != nil {
			return ExecResponse{}, &ErrChildExited{}
		}
		switch resp.Kind {
		case interp.RespToolCall:
			wg.Add(1)
			go s.dispatchToolCall(ctx, resp, &wg)

		case interp.RespMessage:
			if resp.MsgKind == "final" {
				s.finalResponse = resp.Text
			} else if s.messageCh != nil {
				s.messageCh <- SandboxMessage{Text: resp.Text, Kind: resp.MsgKind}
			}

		case interp.RespAskUser:
			if s.promptCh != nil {
				s.promptCh <- UserPrompt{Question: resp.Question, Options: resp.Options, Reply: resp.Reply}
			} else {
				// No prompt route this turn — answer empty so the
				// interpreter does not deadlock.
				resp.Reply <- ""
			}

		case interp.RespExecResult:
			if resp.ID != id {
				return ExecResponse{}, &ErrProtocol{Detail: "exec result id mismatch"}
			}
			wg.Wait()
			return ExecResponse{Output: resp.Output, ErrText: resp.ErrText}, nil

		default:
			return ExecResponse{}, &ErrProtocol{Detail: fmt.Sprintf("unexpected response %s during exec", resp.Kind)}
		}
	}
}

// dispatchToolCall runs one tool invocation on the host executor and
// delivers the result to the interpreter's reply channel. A panicking tool
// becomes a failed record, never a hung interpreter.
func (s *Session) dispatchToolCall(ctx context.Context, call interp.Response, wg *sync.WaitGroup) {
	defer wg.Done()

	var args map[string]any
	if err := json.Unmarshal([]byte(call.ArgsJSON), &args); err != nil {
		args = map[string]any{}
	}

	start := time.Now()
	result := func() (res ToolResult) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("session: tool panic", "tool", call.Name, "panic", fmt.Sprintf("%v", p))
				res = FailResult("tool %s panicked: %v", call.Name, p)
			}
		}()
		if err := s.toolSem.Acquire(ctx, 1); err != nil {
			return FailResult("tool %s cancelled: %v", call.Name, err)
		}
		defer s.toolSem.Release(1)
		r, err := s.tools.ExecuteStreaming(ctx, call.Name, args, s.messageCh)
		if err != nil {
			return FailResult("%s", err.Error())
		}
		return r
	}()

	call.Reply <- jsonString(map[string]any{
		"success": result.Success,
		"result":  jsonString(result.Result, "null"),
	}, `{"success":false,"result":"\"encode error\""}`)

	s.recordMu.Lock()
	s.toolCalls = append(s.toolCalls, ToolCallRecord{
		Tool:       call.Name,
		Args:       args,
		Result:     result.Result,
		Success:    result.Success,
		DurationMS: time.Since(start).Milliseconds(),
	})
	s.toolImages = append(s.toolImages, result.Images...)
	s.recordMu.Unlock()

	s.logger.Debug("session: tool call done", "tool", call.Name, "success", result.Success, "duration", time.Since(start))
}

// CheckComplete reports whether code parses as a complete program.
func (s *Session) CheckComplete(code string) (bool, error) {
	if err := s.runtime.Send(interp.Request{Kind: interp.ReqCheckComplete, Code: code}); err != nil {
		return false, &ErrChildExited{}
	}
	resp, err := s.runtime.Recv()
	if err != nil {
		return false, &ErrChildExited{}
	}
	if resp.Kind != interp.RespCheckCompleteResult {
		return false, &ErrProtocol{Detail: fmt.Sprintf("expected check result, got %s", resp.Kind)}
	}
	return resp.IsComplete, nil
}

// Reset clears the REPL namespace and re-registers tool stubs.
func (s *Session) Reset() error {
	id := NewID()
	if err := s.runtime.Send(interp.Request{Kind: interp.ReqReset, ID: id}); err != nil {
		return &ErrChildExited{}
	}
	resp, err := s.runtime.Recv()
	if err != nil {
		return &ErrChildExited{}
	}
	if resp.Kind != interp.RespResetResult || resp.ID != id {
		return &ErrProtocol{Detail: "unexpected reset response"}
	}
	return nil
}

// Close shuts down the interpreter and removes the scratch directory.
func (s *Session) Close() {
	s.runtime.Close()
	os.RemoveAll(s.scratchDir)
}
