package interp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// CacheEnv overrides the interpreter scratch/cache directory.
const CacheEnv = "STARLING_CACHE"

// Runtime is the host-side handle to the interpreter thread. Exactly one
// sender (the owning Session) may use Send/Recv; responses arrive strictly
// in protocol order except for ToolCall/Message/AskUser, which are emitted
// while an Exec is in flight.
type Runtime struct {
	req  chan Request
	resp chan Response
	done chan struct{}
}

// Start launches the interpreter thread and returns its handle. The thread
// prepares its cache directory, locks itself to an OS thread, and blocks on
// the request channel until Shutdown.
func Start() (*Runtime, error) {
	if err := ensureCacheDir(); err != nil {
		return nil, err
	}
	r := &Runtime{
		req:  make(chan Request),
		resp: make(chan Response, 16),
		done: make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

// Send delivers a request to the interpreter thread. Returns an error when
// the thread has exited.
func (r *Runtime) Send(req Request) error {
	select {
	case r.req <- req:
		return nil
	case <-r.done:
		return fmt.Errorf("interp: runtime exited")
	}
}

// Recv blocks for the next response. Returns an error when the thread has
// exited and no responses remain.
func (r *Runtime) Recv() (Response, error) {
	select {
	case resp := <-r.resp:
		return resp, nil
	case <-r.done:
		// Drain any response raced with shutdown.
		select {
		case resp := <-r.resp:
			return resp, nil
		default:
			return Response{}, fmt.Errorf("interp: runtime exited")
		}
	}
}

// Close requests shutdown and releases the thread. Safe to call once.
func (r *Runtime) Close() {
	_ = r.Send(Request{Kind: ReqShutdown})
}

// ensureCacheDir creates the interpreter cache directory. Starlark carries
// no embedded stdlib to extract, so this is the whole hermetic-home setup.
func ensureCacheDir() error {
	dir := os.Getenv(CacheEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		dir = filepath.Join(home, ".starling", "cache")
	}
	return os.MkdirAll(dir, 0o755)
}

// serve is the interpreter thread main loop. It owns all interpreter state;
// nothing outside this goroutine touches it.
func (r *Runtime) serve() {
	runtime.LockOSThread()
	defer close(r.done)

	env := newEnviron(r.resp)

	for req := range r.req {
		switch req.Kind {
		case ReqInit:
			if err := env.install(req.ToolDefsJSON, req.AgentID); err != nil {
				r.resp <- Response{Kind: RespReady, ErrText: err.Error()}
				continue
			}
			r.resp <- Response{Kind: RespReady}

		case ReqExec:
			output, errText := env.exec(req.Code)
			r.resp <- Response{Kind: RespExecResult, ID: req.ID, Output: output, ErrText: errText}

		case ReqSnapshot:
			data, err := env.snapshot()
			if err != nil {
				r.resp <- Response{Kind: RespSnapshotResult, ID: req.ID, ErrText: err.Error()}
				continue
			}
			r.resp <- Response{Kind: RespSnapshotResult, ID: req.ID, Data: data}

		case ReqRestore:
			if err := env.restore(req.Blob); err != nil {
				r.resp <- Response{Kind: RespResetResult, ID: req.ID, ErrText: err.Error()}
				continue
			}
			r.resp <- Response{Kind: RespResetResult, ID: req.ID}

		case ReqReset:
			env.reset()
			r.resp <- Response{Kind: RespResetResult, ID: req.ID}

		case ReqCheckComplete:
			r.resp <- Response{Kind: RespCheckCompleteResult, IsComplete: parsesComplete(req.Code)}

		case ReqShutdown:
			return
		}
	}
}

// fileOpts is the dialect the REPL accepts: set literals, while loops,
// top-level control flow, recursion, and global reassignment across chunks.
var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// parsesComplete reports whether code parses as a complete program. Used by
// the fence-aware streamer as a safety net; the primary block boundary is
// the closing fence.
func parsesComplete(code string) bool {
	_, err := fileOpts.Parse("<check>", code, 0)
	return err == nil
}

// environ is the interpreter-thread state: the persistent namespace, the
// injected builtins and tool stubs, and the cross-turn _history/_mem pair.
type environ struct {
	out chan<- Response
	// globals is the live REPL namespace: injected builtins plus every
	// top-level binding user code has made. Chunks execute against it
	// un-frozen, REPL-style.
	globals starlark.StringDict
	// baseNames marks the injected bindings so snapshots skip them.
	baseNames map[string]bool
	history   *historyValue
	mem       *memValue
	agentID   string
	defs      []stubDef

	// execOut accumulates print() output for the block being executed.
	execOut strings.Builder
}

// stubDef is the slice of a tool definition the stub builder needs.
type stubDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Returns     string `json:"returns"`
}

func newEnviron(out chan<- Response) *environ {
	return &environ{
		out:     out,
		globals: starlark.StringDict{},
		history: newHistoryValue(),
		mem:     newMemValue(),
	}
}

// install parses tool definitions and rebuilds the injected environment.
func (e *environ) install(toolDefsJSON, agentID string) error {
	var defs []stubDef
	if toolDefsJSON != "" {
		if err := json.Unmarshal([]byte(toolDefsJSON), &defs); err != nil {
			return fmt.Errorf("interp: tool definitions: %w", err)
		}
	}
	e.defs = defs
	e.agentID = agentID
	e.rebuildGlobals(nil)
	return nil
}

// reset clears the namespace and re-registers tool stubs. The _history and
// _mem values are recreated empty.
func (e *environ) reset() {
	e.history = newHistoryValue()
	e.mem = newMemValue()
	e.rebuildGlobals(nil)
}

// rebuildGlobals replaces the namespace with the injected base plus any
// extra user bindings (used by restore).
func (e *environ) rebuildGlobals(extra starlark.StringDict) {
	base := e.buildBase()
	e.baseNames = make(map[string]bool, len(base))
	globals := make(starlark.StringDict, len(base)+len(extra))
	for k, v := range base {
		e.baseNames[k] = true
		globals[k] = v
	}
	for k, v := range extra {
		globals[k] = v
	}
	e.globals = globals
}

// exec runs one code block against the persistent namespace and returns
// (stdout, error text). Chunks run REPL-style: the namespace is not frozen
// between blocks, so lists and dicts stay mutable across turns.
func (e *environ) exec(code string) (string, string) {
	e.execOut.Reset()

	thread := &starlark.Thread{
		Name:  "starling/" + e.agentID,
		Print: func(_ *starlark.Thread, msg string) { e.execOut.WriteString(msg + "\n") },
	}

	f, err := fileOpts.Parse("<turn>", code, 0)
	if err != nil {
		return "", err.Error()
	}
	if err := starlark.ExecREPLChunk(f, thread, e.globals); err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return e.execOut.String(), evalErr.Backtrace()
		}
		return e.execOut.String(), err.Error()
	}
	return e.execOut.String(), ""
}
