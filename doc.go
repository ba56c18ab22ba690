// Package starling is an embeddable CodeAct agent runtime: an agent loop
// that drives an LLM which answers in prose interleaved with fenced Python
// code blocks, executes each block in a persistent embedded interpreter, and
// feeds the output back into the next turn. Host-defined tools appear inside
// the interpreter as ordinary callable functions.
//
// The core pieces are the Agent loop (fence-aware streaming parser plus turn
// lifecycle), the Session (host side of the interpreter bridge), the interp
// sub-package (the interpreter on its own OS thread), the Provider adapters
// (provider/...), and the persistent Store (store/sqlite) holding the
// archive, the task graph, and agent snapshots for resume.
package starling
