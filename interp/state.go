package interp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
)

// historyValue is the `_history` object: an indexable record of past turns
// that survives rolling-window collapse. Each turn is the JSON the agent
// loop injects via _history._add_turn(...).
type historyValue struct {
	turns []any
}

func newHistoryValue() *historyValue {
	return &historyValue{}
}

// --- starlark.Value ---

func (h *historyValue) String() string        { return fmt.Sprintf("<history %d turns>", len(h.turns)) }
func (h *historyValue) Type() string          { return "history" }
func (h *historyValue) Freeze()               {}
func (h *historyValue) Truth() starlark.Bool  { return len(h.turns) > 0 }
func (h *historyValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: history") }

// --- starlark.Indexable ---

func (h *historyValue) Len() int { return len(h.turns) }
func (h *historyValue) Index(i int) starlark.Value {
	return fromGo(h.turns[i])
}

// --- starlark.HasAttrs ---

func (h *historyValue) AttrNames() []string {
	return []string{"_add_turn", "_dump", "_load", "search", "user_messages"}
}

func (h *historyValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "user_messages":
		return starlark.NewBuiltin("user_messages", h.userMessages), nil
	case "search":
		return starlark.NewBuiltin("search", h.search), nil
	case "_add_turn":
		return starlark.NewBuiltin("_add_turn", h.addTurn), nil
	case "_load":
		return starlark.NewBuiltin("_load", h.load), nil
	case "_dump":
		return starlark.NewBuiltin("_dump", h.dump), nil
	}
	return nil, nil
}

// userMessages returns the user message of every recorded turn.
func (h *historyValue) userMessages(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("user_messages", args, kwargs); err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, t := range h.turns {
		if m, ok := t.(map[string]any); ok {
			if um, ok := m["user_message"].(string); ok && um != "" {
				out = append(out, starlark.String(um))
			}
		}
	}
	return starlark.NewList(out), nil
}

// search returns every turn whose JSON rendering contains pattern
// (case-insensitive substring).
func (h *historyValue) search(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern string
	if err := starlark.UnpackArgs("search", args, kwargs, "pattern", &pattern); err != nil {
		return nil, err
	}
	needle := strings.ToLower(pattern)
	var out []starlark.Value
	for _, t := range h.turns {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), needle) {
			out = append(out, fromGo(t))
		}
	}
	return starlark.NewList(out), nil
}

func (h *historyValue) addTurn(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var turnJSON string
	if err := starlark.UnpackArgs("_add_turn", args, kwargs, "turn", &turnJSON); err != nil {
		return nil, err
	}
	var turn any
	if err := json.Unmarshal([]byte(turnJSON), &turn); err != nil {
		turn = turnJSON
	}
	h.turns = append(h.turns, turn)
	return starlark.None, nil
}

func (h *historyValue) load(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var turnsJSON string
	if err := starlark.UnpackArgs("_load", args, kwargs, "turns", &turnsJSON); err != nil {
		return nil, err
	}
	var turns []any
	if err := json.Unmarshal([]byte(turnsJSON), &turns); err != nil {
		return nil, fmt.Errorf("_load: %w", err)
	}
	h.turns = turns
	return starlark.None, nil
}

func (h *historyValue) dump(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("_dump", args, kwargs); err != nil {
		return nil, err
	}
	data, err := json.Marshal(h.turns)
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

// dumpGo returns the raw turn list for snapshotting.
func (h *historyValue) dumpGo() []any { return h.turns }

func (h *historyValue) loadGo(turns []any) { h.turns = turns }

// memValue is the `_mem` object: an attribute-style key/value store for
// cross-turn state (`_mem.notes = [...]`). Values must be JSON-shaped to
// survive snapshots.
type memValue struct {
	entries map[string]starlark.Value
}

func newMemValue() *memValue {
	return &memValue{entries: make(map[string]starlark.Value)}
}

// --- starlark.Value ---

func (m *memValue) String() string        { return fmt.Sprintf("<mem %d keys>", len(m.entries)) }
func (m *memValue) Type() string          { return "mem" }
func (m *memValue) Freeze()               {}
func (m *memValue) Truth() starlark.Bool  { return len(m.entries) > 0 }
func (m *memValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: mem") }

// --- starlark.HasAttrs / HasSetField ---

func (m *memValue) AttrNames() []string {
	names := []string{"_dump", "_keys", "_load"}
	for k := range m.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *memValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "_load":
		return starlark.NewBuiltin("_load", m.load), nil
	case "_dump":
		return starlark.NewBuiltin("_dump", m.dump), nil
	case "_keys":
		return starlark.NewBuiltin("_keys", m.keys), nil
	}
	if v, ok := m.entries[name]; ok {
		return v, nil
	}
	return nil, nil
}

func (m *memValue) SetField(name string, val starlark.Value) error {
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("mem: reserved name %q", name)
	}
	m.entries[name] = val
	return nil
}

func (m *memValue) keys(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("_keys", args, kwargs); err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, k := range m.AttrNames() {
		if !strings.HasPrefix(k, "_") {
			out = append(out, starlark.String(k))
		}
	}
	return starlark.NewList(out), nil
}

func (m *memValue) load(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dataJSON string
	if err := starlark.UnpackArgs("_load", args, kwargs, "data", &dataJSON); err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("_load: %w", err)
	}
	m.entries = make(map[string]starlark.Value, len(data))
	for k, v := range data {
		m.entries[k] = fromGo(v)
	}
	return starlark.None, nil
}

func (m *memValue) dump(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("_dump", args, kwargs); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m.dumpGo())
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

// dumpGo returns the entries as plain Go data for snapshotting.
func (m *memValue) dumpGo() map[string]any {
	out := make(map[string]any, len(m.entries))
	for k, v := range m.entries {
		out[k] = toGo(v)
	}
	return out
}

func (m *memValue) loadGo(data map[string]any) {
	m.entries = make(map[string]starlark.Value, len(data))
	for k, v := range data {
		m.entries[k] = fromGo(v)
	}
}
