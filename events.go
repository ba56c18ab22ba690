package starling

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// EventTextDelta carries an incremental prose chunk from the LLM.
	EventTextDelta AgentEventType = "text_delta"
	// EventCodeBlock signals a complete fenced code block was parsed.
	EventCodeBlock AgentEventType = "code_block"
	// EventCodeOutput carries interpreter stdout (and optional error) for
	// one executed block.
	EventCodeOutput AgentEventType = "code_output"
	// EventToolCall carries the record of a completed tool invocation.
	EventToolCall AgentEventType = "tool_call"
	// EventMessage is a sandbox message() forwarded from running code.
	EventMessage AgentEventType = "message"
	// EventLLMRequest signals the start of an LLM call.
	EventLLMRequest AgentEventType = "llm_request"
	// EventLLMResponse carries the full accumulated LLM response.
	EventLLMResponse AgentEventType = "llm_response"
	// EventTokenUsage carries per-iteration and cumulative usage.
	EventTokenUsage AgentEventType = "token_usage"
	// EventSubAgentDone summarises a completed sub-agent run.
	EventSubAgentDone AgentEventType = "sub_agent_done"
	// EventPrompt is a blocking ask() question awaiting a reply.
	EventPrompt AgentEventType = "prompt"
	// EventError reports a failure. Always followed by EventDone.
	EventError AgentEventType = "error"
	// EventDone terminates the event stream. Exactly one per turn.
	EventDone AgentEventType = "done"
)

// AgentEvent is a typed event emitted while a turn runs. Consumers receive
// these on the channel passed to Agent.Run / RuntimeEngine.RunTurn. Every
// stream ends with exactly one EventDone.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Content carries the text delta (text_delta), full response
	// (llm_response), or message text (message).
	Content string `json:"content,omitempty"`
	// Kind is the sandbox message kind (message only).
	Kind string `json:"kind,omitempty"`
	// Code is the fenced block source (code_block).
	Code string `json:"code,omitempty"`
	// Output is interpreter stdout (code_output).
	Output string `json:"output,omitempty"`
	// ErrText is the execution or failure description (code_output, error).
	ErrText string `json:"error,omitempty"`

	// ToolCall is the completed invocation record (tool_call).
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`

	// Iteration is the turn counter (llm_request, llm_response, token_usage).
	Iteration int `json:"iteration,omitempty"`
	// MessageCount is the rendered history length (llm_request).
	MessageCount int `json:"message_count,omitempty"`
	// ToolList names the visible tools (llm_request).
	ToolList []string `json:"tool_list,omitempty"`
	// DurationMS is the call duration (llm_response, tool_call).
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Usage and Cumulative carry token accounting (token_usage).
	Usage      TokenUsage `json:"usage,omitempty"`
	Cumulative TokenUsage `json:"cumulative,omitempty"`

	// SubAgent summarises a finished child run (sub_agent_done).
	SubAgent *SubAgentSummary `json:"sub_agent,omitempty"`

	// Prompt fields (prompt). Reply must receive exactly one value.
	Question string        `json:"question,omitempty"`
	Options  []string      `json:"options,omitempty"`
	Reply    chan<- string `json:"-"`
}

// SubAgentSummary is the metadata block attached to sub_agent_done events
// and to agent_result tool payloads.
type SubAgentSummary struct {
	Task       string     `json:"task"`
	Usage      TokenUsage `json:"usage"`
	ToolCalls  int        `json:"tool_calls"`
	Iterations int        `json:"iterations"`
	Success    bool       `json:"success"`
}
