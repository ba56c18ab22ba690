package starling

import (
	"strings"
	"testing"
)

// fakeArchive implements Archiver in memory.
type fakeArchive struct {
	entries map[string]string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{entries: make(map[string]string)}
}

func (a *fakeArchive) StoreArchive(content string) (string, error) {
	hash := ContentHash(content)
	a.entries[hash] = content
	return hash, nil
}

// buildHistory creates a system preamble plus n user+assistant+feedback
// triples of the given per-message size.
func buildHistory(turns, msgChars int) []Message {
	msgs := []Message{TextMessage("m0", RoleSystem, "preamble")}
	filler := strings.Repeat("x", msgChars)
	for i := 0; i < turns; i++ {
		msgs = append(msgs, UserMessage(NextMessageID(msgs), "question "+filler))
		msgs = append(msgs, AssistantMessage(NextMessageID(msgs), []Segment{{Kind: PartProse, Content: filler}}))
		msgs = append(msgs, FeedbackMessage(NextMessageID(msgs), nil, filler, 0, ""))
	}
	return msgs
}

func TestCollapsePreservesUserMessages(t *testing.T) {
	msgs := buildHistory(20, 1000)
	userCount := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			userCount++
		}
	}

	// Budget small enough that most turns collapse.
	collapsed, n := CollapseHistory(msgs, 10_000)
	if n == 0 {
		t.Fatal("expected collapse to happen")
	}

	gotUsers := 0
	notes := 0
	for _, m := range collapsed {
		if m.Role == RoleUser {
			gotUsers++
		}
		if m.ID == historyNoteID {
			notes++
		}
	}
	if gotUsers != userCount {
		t.Errorf("user messages lost: %d -> %d", userCount, gotUsers)
	}
	if notes != 1 {
		t.Errorf("expected exactly one history note, got %d", notes)
	}
	if collapsed[0].ID != "m0" {
		t.Errorf("first message must survive, got %s", collapsed[0].ID)
	}
	if collapsed[1].ID != historyNoteID {
		t.Errorf("note should follow the preamble, got %s", collapsed[1].ID)
	}
}

func TestCollapseRegeneratesNote(t *testing.T) {
	msgs := buildHistory(20, 1000)
	collapsed, _ := CollapseHistory(msgs, 10_000)

	// Add more turns, collapse again: still exactly one note.
	filler := strings.Repeat("y", 1000)
	for i := 0; i < 5; i++ {
		collapsed = append(collapsed, UserMessage(NextMessageID(collapsed), filler))
		collapsed = append(collapsed, AssistantMessage(NextMessageID(collapsed), []Segment{{Kind: PartProse, Content: filler}}))
		collapsed = append(collapsed, FeedbackMessage(NextMessageID(collapsed), nil, filler, 0, ""))
	}
	again, _ := CollapseHistory(collapsed, 10_000)
	notes := 0
	for _, m := range again {
		if m.ID == historyNoteID {
			notes++
		}
	}
	if notes != 1 {
		t.Errorf("note must be regenerated, not duplicated: %d", notes)
	}
}

func TestCollapseNoopUnderBudget(t *testing.T) {
	msgs := buildHistory(2, 10)
	out, n := CollapseHistory(msgs, DefaultMaxContextChars)
	if n != 0 {
		t.Errorf("no collapse expected, got %d", n)
	}
	if len(out) != len(msgs) {
		t.Errorf("history changed: %d -> %d", len(msgs), len(out))
	}
}

func TestCollapseNoteMentionsHistory(t *testing.T) {
	msgs := buildHistory(20, 1000)
	collapsed, _ := CollapseHistory(msgs, 10_000)
	var note string
	for _, m := range collapsed {
		if m.ID == historyNoteID {
			note = m.Parts[0].Content
		}
	}
	if !strings.Contains(note, "_history") {
		t.Errorf("note should point at _history, got %q", note)
	}
}

func TestDeletePartArchives(t *testing.T) {
	arc := newFakeArchive()
	p := Part{ID: "m1.p0", Kind: PartOutput, Content: "big output"}
	if err := DeletePart(&p, "output of step 1", arc); err != nil {
		t.Fatal(err)
	}
	if p.PruneState.Kind != PruneDeleted {
		t.Fatalf("state = %+v", p.PruneState)
	}
	stored, ok := arc.entries[p.PruneState.ArchiveHash]
	if !ok || stored != "big output" {
		t.Errorf("content not archived: %v %q", ok, stored)
	}
	// Second transition is a no-op.
	before := p.PruneState
	if err := SummarizePart(&p, "changed", arc); err != nil {
		t.Fatal(err)
	}
	if p.PruneState != before {
		t.Errorf("pruned part mutated again: %+v", p.PruneState)
	}
}

func TestSummarizePartArchives(t *testing.T) {
	arc := newFakeArchive()
	p := Part{ID: "m1.p1", Kind: PartError, Content: "trace"}
	if err := SummarizePart(&p, "it failed", arc); err != nil {
		t.Fatal(err)
	}
	if p.PruneState.Kind != PruneSummarized || p.PruneState.Summary != "it failed" {
		t.Errorf("state = %+v", p.PruneState)
	}
	if _, ok := arc.entries[p.PruneState.ArchiveHash]; !ok {
		t.Error("original content not archived")
	}
}
