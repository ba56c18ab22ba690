package interp

import (
	"encoding/json"

	"go.starlark.net/starlark"
)

// namespaceSnapshot is the wire shape of the interpreter var blob. The host
// treats the whole blob as opaque bytes; only this package reads it.
type namespaceSnapshot struct {
	Version int            `json:"version"`
	Globals map[string]any `json:"globals"`
	History []any          `json:"history"`
	Mem     map[string]any `json:"mem"`
}

const snapshotVersion = 1

// snapshot serialises every JSON-shaped module-level binding plus the
// _history/_mem state. Functions and other non-data values are skipped:
// code redefines them, data cannot be recomputed.
func (e *environ) snapshot() ([]byte, error) {
	globals := make(map[string]any, len(e.globals))
	for name, v := range e.globals {
		if e.baseNames[name] || !snapshottable(v) {
			continue
		}
		globals[name] = toGo(v)
	}
	return json.Marshal(namespaceSnapshot{
		Version: snapshotVersion,
		Globals: globals,
		History: e.history.dumpGo(),
		Mem:     e.mem.dumpGo(),
	})
}

// restore replaces the namespace from a snapshot blob.
func (e *environ) restore(blob []byte) error {
	var snap namespaceSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return err
	}
	extra := make(starlark.StringDict, len(snap.Globals))
	for name, v := range snap.Globals {
		extra[name] = fromGo(v)
	}
	e.history.loadGo(snap.History)
	e.mem.loadGo(snap.Mem)
	e.rebuildGlobals(extra)
	return nil
}

// ExtractState decodes the _history and _mem portions of a namespace blob
// as JSON text, for injecting a parent's cross-turn state into a child
// interpreter. The blob stays opaque to everything outside this package.
func ExtractState(blob []byte) (historyJSON, memJSON string, err error) {
	var snap namespaceSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return "", "", err
	}
	h, err := json.Marshal(snap.History)
	if err != nil {
		return "", "", err
	}
	m, err := json.Marshal(snap.Mem)
	if err != nil {
		return "", "", err
	}
	return string(h), string(m), nil
}

// snapshottable reports whether a value round-trips through the snapshot
// encoding.
func snapshottable(v starlark.Value) bool {
	switch v.(type) {
	case *starlark.Function, *starlark.Builtin:
		return false
	}
	return true
}
