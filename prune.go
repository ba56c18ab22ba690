package starling

import "fmt"

// historyNoteID is the reserved id of the synthetic collapse marker. The
// note is regenerated every turn: CollapseHistory removes any previous one
// before re-computing the window.
const historyNoteID = "history_note"

// DefaultMaxContextChars is the context character budget. Character-based
// rather than token-based for provider portability.
const DefaultMaxContextChars = 400_000

// tailWindowPercent is the share of the context budget reserved for the
// verbatim tail of recent messages.
const tailWindowPercent = 40

// CollapseHistory applies the rolling-window collapse: keep the most recent
// messages whose rendered size fits within 40% of maxContextChars, preserve
// the first message (system preamble) and every User message verbatim, drop
// the rest, and insert a single system note (id "history_note") pointing the
// model at `_history` for the collapsed content.
//
// Returns the new slice and the number of collapsed turns.
func CollapseHistory(msgs []Message, maxContextChars int) ([]Message, int) {
	if maxContextChars <= 0 {
		maxContextChars = DefaultMaxContextChars
	}

	// Drop any previous note before re-computing the window.
	kept := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != historyNoteID {
			kept = append(kept, m)
		}
	}
	msgs = kept

	budget := maxContextChars * tailWindowPercent / 100

	// Walk backwards from the newest message, accumulating rendered chars
	// until the tail budget is exceeded. msgs[0] is never a candidate.
	tailChars := 0
	keepFrom := len(msgs)
	for i := len(msgs) - 1; i >= 1; i-- {
		cost := msgs[i].CharCount()
		if tailChars+cost > budget {
			break
		}
		tailChars += cost
		keepFrom = i
	}
	if keepFrom <= 1 {
		return msgs, 0
	}

	// User messages in the collapsed region survive verbatim.
	var preserved []Message
	for _, m := range msgs[1:keepFrom] {
		if m.Role == RoleUser {
			preserved = append(preserved, m)
		}
	}

	// Collapsed turns are assistant+feedback pairs.
	collapsed := (keepFrom - 1 - len(preserved)) / 2
	if collapsed <= 0 {
		return msgs, 0
	}

	note := fmt.Sprintf(
		"[%d earlier turns collapsed — their data is in `_history`.\n"+
			"Use `_history.user_messages()` to see what the user asked, "+
			"`_history.search(\"pattern\")` to find past results, "+
			"`_history[i]` for a specific turn.]",
		collapsed)

	out := make([]Message, 0, 2+len(preserved)+len(msgs)-keepFrom)
	out = append(out, msgs[0])
	out = append(out, Message{
		ID:   historyNoteID,
		Role: RoleSystem,
		Parts: []Part{{
			ID:      historyNoteID + ".p0",
			Kind:    PartText,
			Content: note,
		}},
	})
	out = append(out, preserved...)
	out = append(out, msgs[keepFrom:]...)
	return out, collapsed
}

// Archiver is the slice of Store the pruning helpers need.
type Archiver interface {
	StoreArchive(content string) (string, error)
}

// DeletePart transitions a part to Deleted, archiving its current content
// first so it stays retrievable by hash. No-op when already pruned.
func DeletePart(p *Part, breadcrumb string, arc Archiver) error {
	if !p.PruneState.Intact() {
		return nil
	}
	hash, err := arc.StoreArchive(p.Content)
	if err != nil {
		return err
	}
	p.PruneState = PruneState{Kind: PruneDeleted, Breadcrumb: breadcrumb, ArchiveHash: hash}
	return nil
}

// SummarizePart transitions a part to Summarized, archiving its current
// content first. No-op when already pruned.
func SummarizePart(p *Part, summary string, arc Archiver) error {
	if !p.PruneState.Intact() {
		return nil
	}
	hash, err := arc.StoreArchive(p.Content)
	if err != nil {
		return err
	}
	p.PruneState = PruneState{Kind: PruneSummarized, Summary: summary, ArchiveHash: hash}
	return nil
}
