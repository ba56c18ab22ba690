// Package interp hosts the embedded Starlark interpreter that executes the
// agent's fenced code blocks. One goroutine pinned to an OS thread owns the
// interpreter for the process lifetime; the host talks to it over a
// message-oriented request/response protocol. Tool calls and user prompts
// travel host-ward as responses carrying a synchronous reply channel, which
// is how code like gather(lambda: a(), lambda: b()) issues several tool
// calls concurrently while the interpreter waits.
package interp

// RequestKind identifies a host→interpreter request.
type RequestKind string

const (
	// ReqInit installs tool stubs and the agent identity. Must be first.
	ReqInit RequestKind = "init"
	// ReqExec runs one code block in the persistent namespace.
	ReqExec RequestKind = "exec"
	// ReqSnapshot serialises the namespace to an opaque blob.
	ReqSnapshot RequestKind = "snapshot"
	// ReqRestore replaces the namespace from a snapshot blob.
	ReqRestore RequestKind = "restore"
	// ReqReset clears the namespace and re-registers tool stubs.
	ReqReset RequestKind = "reset"
	// ReqCheckComplete asks whether code parses as a complete program.
	ReqCheckComplete RequestKind = "check_complete"
	// ReqShutdown stops the interpreter thread.
	ReqShutdown RequestKind = "shutdown"
)

// Request is one host→interpreter message.
type Request struct {
	Kind RequestKind
	// ID correlates Exec/Snapshot/Restore/Reset requests with results.
	ID string
	// Code is the source for Exec and CheckComplete.
	Code string
	// ToolDefsJSON is the serialised []ToolDefinition for Init. Reset reuses
	// the definitions installed by Init.
	ToolDefsJSON string
	// AgentID is the identity exposed to the REPL on Init.
	AgentID string
	// Blob is the snapshot payload for Restore.
	Blob []byte
}

// ResponseKind identifies an interpreter→host response.
type ResponseKind string

const (
	RespReady               ResponseKind = "ready"
	RespToolCall            ResponseKind = "tool_call"
	RespMessage             ResponseKind = "message"
	RespExecResult          ResponseKind = "exec_result"
	RespSnapshotResult      ResponseKind = "snapshot_result"
	RespResetResult         ResponseKind = "reset_result"
	RespCheckCompleteResult ResponseKind = "check_complete_result"
	RespAskUser             ResponseKind = "ask_user"
)

// Response is one interpreter→host message. ToolCall and AskUser carry a
// reply channel the host must send exactly one value to; the interpreter
// side blocks on it.
type Response struct {
	Kind ResponseKind
	ID   string

	// ToolCall fields. Reply receives {"success": bool, "result": string}
	// where result is the JSON-encoded tool payload.
	Name     string
	ArgsJSON string
	Reply    chan string

	// Message fields (message() and done()).
	Text    string
	MsgKind string

	// ExecResult fields.
	Output  string
	ErrText string

	// SnapshotResult payload.
	Data []byte

	// CheckCompleteResult payload.
	IsComplete bool

	// AskUser fields. Reply receives the user's answer.
	Question string
	Options  []string
}
