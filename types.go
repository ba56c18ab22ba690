package starling

import "encoding/json"

// --- Message model ---

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind identifies the kind of content a Part carries.
type PartKind string

const (
	// PartProse is assistant commentary outside code fences.
	PartProse PartKind = "prose"
	// PartCode is a fenced code block emitted by the assistant.
	PartCode PartKind = "code"
	// PartOutput is interpreter stdout captured during execution.
	PartOutput PartKind = "output"
	// PartError is an interpreter error raised during execution.
	PartError PartKind = "error"
	// PartText is plain text (system preamble, user input, notes).
	PartText PartKind = "text"
)

// PruneStateKind tags the lifecycle of a Part's content.
type PruneStateKind string

const (
	PruneIntact     PruneStateKind = "intact"
	PruneDeleted    PruneStateKind = "deleted"
	PruneSummarized PruneStateKind = "summarized"
)

// PruneState is the per-Part lifecycle marker. Deleted and Summarized carry
// the 12-hex archive hash of the original content so it stays retrievable
// from the Store.
type PruneState struct {
	Kind PruneStateKind `json:"kind"`
	// Breadcrumb is a short hint of what was deleted (Deleted only).
	Breadcrumb string `json:"breadcrumb,omitempty"`
	// Summary replaces the content in rendering (Summarized only).
	Summary string `json:"summary,omitempty"`
	// ArchiveHash addresses the original content in the Store.
	ArchiveHash string `json:"archive_hash,omitempty"`
}

// Intact reports whether the part content is unmodified.
func (p PruneState) Intact() bool { return p.Kind == "" || p.Kind == PruneIntact }

// Part is one typed span of a Message. Part ids are dense within a message:
// "{msg_id}.p{k}" with k counting from 0.
type Part struct {
	ID         string     `json:"id"`
	Kind       PartKind   `json:"kind"`
	Content    string     `json:"content"`
	PruneState PruneState `json:"prune_state"`
}

// Message is one entry in the conversation history. Ids are "m{n}" assigned
// monotonically. Messages are never mutated after creation except by pruning
// (a PruneState transition on Output/Error parts).
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// --- Token accounting ---

// TokenUsage counts tokens for one or more LLM calls.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedInputTokens += other.CachedInputTokens
}

// Total returns the sum of input and output tokens.
func (u TokenUsage) Total() int64 { return u.InputTokens + u.OutputTokens }

// --- Task graph ---

// TaskStatus is the lifecycle state of a TaskEntry.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status no longer blocks dependants.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// TaskEntry is a persisted unit of work with dependency edges.
// Ids are 4-hex strings allocated monotonically by the Store.
type TaskEntry struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      TaskStatus     `json:"status"`
	Priority    string         `json:"priority"` // high | medium | low
	ActiveForm  string         `json:"active_form,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// Blocks lists task ids that cannot start until this one completes.
	Blocks []string `json:"blocks,omitempty"`
	// BlockedBy lists task ids that must complete before this one.
	BlockedBy []string `json:"blocked_by,omitempty"`
}

// --- Agent persistence ---

// AgentRecord is the per-agent row persisted by the Store for resume.
type AgentRecord struct {
	AgentID  string `json:"agent_id"`
	ParentID string `json:"parent_id,omitempty"`
	Status   string `json:"status"` // active | done
	// Messages is the serialised []Message history.
	Messages  string     `json:"messages"`
	Iteration int        `json:"iteration"`
	Config    string     `json:"config_json"`
	Snapshot  []byte     `json:"-"` // opaque REPL snapshot blob
	Usage     TokenUsage `json:"usage"`
}

// --- Tool contract ---

// ToolParam describes one parameter of a tool.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// ToolDefinition describes a callable tool exposed to the REPL.
// Hidden definitions stay callable from code but are omitted from the
// LLM-facing tool list (used for handle follow-ups like shell_result).
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ToolParam `json:"params,omitempty"`
	Returns     string      `json:"returns,omitempty"`
	Hidden      bool        `json:"hidden,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool        `json:"success"`
	Result  any         `json:"result"`
	Images  []ToolImage `json:"images,omitempty"`
}

// ToolImage is binary image content produced by a tool, forwarded to the
// next LLM turn.
type ToolImage struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// ToolCallRecord captures one completed tool invocation within a turn.
type ToolCallRecord struct {
	Tool       string `json:"tool"`
	Args       any    `json:"args"`
	Result     any    `json:"result"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// --- Sandbox side-channel ---

// SandboxMessage is a status line produced by REPL code via message().
// Kind is an open set; "progress", "tool_output" and "final" are the kinds
// the core interprets.
type SandboxMessage struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// UserPrompt is a blocking question from REPL code via ask(). Reply carries
// the user's answer back to the interpreter thread; it must receive exactly
// one value.
type UserPrompt struct {
	Question string
	Options  []string
	Reply    chan<- string
}

// --- LLM protocol types ---

// ChatMessage is the flat rendering of a Message handed to a provider.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatImage is inline binary content for a multimodal request.
type ChatImage struct {
	MIME   string `json:"mime"`
	Base64 string `json:"base64"`
}

// ChatRequest is one LLM call.
type ChatRequest struct {
	Model    string        `json:"model"`
	System   string        `json:"system,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Images   []ChatImage   `json:"images,omitempty"`
}

// ChatResponse is the final accumulated result of one LLM call.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// --- helpers ---

// jsonString marshals v, falling back to fallback on error.
func jsonString(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}
