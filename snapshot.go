package starling

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/starlinghq/starling/interp"
)

// replSnapshot packages the interpreter namespace blob together with the
// scratch directory contents. The whole thing serialises to the opaque
// snapshot blob callers persist; only this file reads it back.
type replSnapshot struct {
	// Vars is the interpreter-owned namespace blob, opaque to the host.
	Vars []byte `json:"vars"`
	// Files maps scratch-relative paths to file contents.
	Files map[string]string `json:"files"`
}

// Snapshot captures the REPL namespace and the scratch directory into one
// opaque blob for cross-process resume.
func (s *Session) Snapshot() ([]byte, error) {
	id := NewID()
	if err := s.runtime.Send(interp.Request{Kind: interp.ReqSnapshot, ID: id}); err != nil {
		return nil, &ErrChildExited{}
	}
	resp, err := s.runtime.Recv()
	if err != nil {
		return nil, &ErrChildExited{}
	}
	if resp.Kind != interp.RespSnapshotResult || resp.ID != id {
		return nil, &ErrProtocol{Detail: "unexpected snapshot response"}
	}
	if resp.ErrText != "" {
		return nil, fmt.Errorf("session: snapshot: %s", resp.ErrText)
	}

	files, err := collectFiles(s.scratchDir)
	if err != nil {
		return nil, fmt.Errorf("session: collect scratch files: %w", err)
	}
	return json.Marshal(replSnapshot{Vars: resp.Data, Files: files})
}

// Restore rebuilds the scratch directory and namespace from a Snapshot
// blob. The scratch directory is cleared first.
func (s *Session) Restore(blob []byte) error {
	var snap replSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("session: decode snapshot: %w", err)
	}

	if err := os.RemoveAll(s.scratchDir); err != nil {
		return fmt.Errorf("session: clear scratch: %w", err)
	}
	if err := restoreFiles(s.scratchDir, snap.Files); err != nil {
		return fmt.Errorf("session: restore scratch files: %w", err)
	}

	id := NewID()
	if err := s.runtime.Send(interp.Request{Kind: interp.ReqRestore, ID: id, Blob: snap.Vars}); err != nil {
		return &ErrChildExited{}
	}
	resp, err := s.runtime.Recv()
	if err != nil {
		return &ErrChildExited{}
	}
	if resp.Kind != interp.RespResetResult || resp.ID != id {
		return &ErrProtocol{Detail: "unexpected restore response"}
	}
	if resp.ErrText != "" {
		return fmt.Errorf("session: restore: %s", resp.ErrText)
	}
	return nil
}

// ExtractREPLState pulls the _history/_mem JSON out of a session snapshot
// blob, for seeding child agents with the parent's cross-turn state.
func ExtractREPLState(blob []byte) (historyJSON, memJSON string, err error) {
	var snap replSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return "", "", fmt.Errorf("decode snapshot: %w", err)
	}
	return interp.ExtractState(snap.Vars)
}

// collectFiles walks root and returns relative path → content for every
// regular file.
func collectFiles(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files, err
}

// restoreFiles writes the file map under root, creating directories as
// needed.
func restoreFiles(root string, files map[string]string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
