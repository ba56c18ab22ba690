package starling

import "fmt"

// --- construction ---

// NewMessage builds a message with dense part ids "{id}.p{k}".
// Part ids on the input are overwritten.
func NewMessage(id string, role Role, parts []Part) Message {
	for i := range parts {
		parts[i].ID = fmt.Sprintf("%s.p%d", id, i)
	}
	if len(parts) == 0 {
		parts = []Part{{ID: id + ".p0", Kind: PartProse, Content: ""}}
	}
	return Message{ID: id, Role: role, Parts: parts}
}

// NextMessageID returns the id for the next message appended to msgs.
// Message ids are "m{n}" with n the current history length.
func NextMessageID(msgs []Message) string {
	return fmt.Sprintf("m%d", len(msgs))
}

// TextMessage builds a single-part message of kind Text.
func TextMessage(id string, role Role, content string) Message {
	return NewMessage(id, role, []Part{{Kind: PartText, Content: content}})
}

// UserMessage builds a user message holding plain text.
func UserMessage(id, content string) Message {
	return TextMessage(id, RoleUser, content)
}

// --- rendering ---

// Render returns the LLM-visible text of a part, honouring its PruneState:
// Intact renders the content verbatim; Deleted renders a breadcrumb with the
// archive hash; Summarized renders the summary under a header naming the
// hash of the original.
func (p Part) Render() string {
	switch p.PruneState.Kind {
	case PruneDeleted:
		return fmt.Sprintf("[pruned:%s — %s]", p.PruneState.ArchiveHash, p.PruneState.Breadcrumb)
	case PruneSummarized:
		return fmt.Sprintf("[SUMMARY of original %s]\n%s", p.PruneState.ArchiveHash, p.PruneState.Summary)
	default:
		return p.Content
	}
}

// Render returns the full rendered message body: parts joined by newlines,
// code parts wrapped back into fences, output/error parts labelled so the
// model can tell them apart in system feedback.
func (m Message) Render() string {
	var out string
	for i, p := range m.Parts {
		if i > 0 {
			out += "\n"
		}
		body := p.Render()
		switch p.Kind {
		case PartCode:
			out += "```python\n" + body + "\n```"
		case PartOutput:
			out += "Output:\n" + body
		case PartError:
			out += "Error:\n" + body
		default:
			out += body
		}
	}
	return out
}

// CharCount returns the summed rendered length of the message's parts
// (Part.Render; fences, labels and separators added by Message.Render are
// not counted), the unit of the rolling-window budget.
func (m Message) CharCount() int {
	n := 0
	for _, p := range m.Parts {
		n += len(p.Render())
	}
	return n
}

// ToChat flattens messages into the provider wire shape.
func ToChat(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Render()})
	}
	return out
}

// --- turn assembly ---

// Segment is one ordered span of an assistant response, as produced by the
// fence parser: prose and code in the order they appeared.
type Segment struct {
	Kind    PartKind // PartProse or PartCode
	Content string
}

// AssistantMessage builds the assistant message for a turn from ordered
// response segments. Empty segments are dropped; part ids are dense.
func AssistantMessage(id string, segments []Segment) Message {
	var parts []Part
	for _, s := range segments {
		if s.Content == "" {
			continue
		}
		parts = append(parts, Part{Kind: s.Kind, Content: s.Content})
	}
	return NewMessage(id, RoleAssistant, parts)
}

// FeedbackMessage builds the system feedback message that follows an
// executed turn: echoed code blocks, then combined output with a tool-call
// count marker, then the execution error if any.
func FeedbackMessage(id string, codeBlocks []string, output string, toolCalls int, execErr string) Message {
	var parts []Part
	for _, code := range codeBlocks {
		parts = append(parts, Part{Kind: PartCode, Content: code})
	}
	switch {
	case output != "" && toolCalls > 0:
		parts = append(parts, Part{Kind: PartOutput, Content: fmt.Sprintf("%s\n[%d tool call(s) executed]", output, toolCalls)})
	case output != "":
		parts = append(parts, Part{Kind: PartOutput, Content: output})
	case toolCalls > 0:
		parts = append(parts, Part{Kind: PartOutput, Content: fmt.Sprintf("[%d tool call(s) executed]", toolCalls)})
	}
	if execErr != "" {
		parts = append(parts, Part{Kind: PartError, Content: execErr + "\nFix and retry."})
	}
	return NewMessage(id, RoleSystem, parts)
}
