package starling

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// instructionCandidates are the per-directory instruction file names, most
// preferred first.
var instructionCandidates = []string{"AGENTS.md", "CLAUDE.md"}

// globalInstructionPath is the user-level instruction file under the
// config root.
func globalInstructionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".starling", "AGENT.md")
}

// InstructionLoader loads project instruction files with deduplication.
// System instructions are computed once at construction: the global file
// plus every instruction file on the path from the filesystem root down to
// the working directory, most specific last. Context-aware resolution adds
// files discovered near paths the agent reads during a turn, tracked by
// modification time so edited files are re-resolved.
type InstructionLoader struct {
	projectRoot string
	system      string

	mu sync.Mutex
	// seen maps instruction file path to the mtime at last load.
	seen map[string]time.Time
}

// NewInstructionLoader builds the loader anchored at the current working
// directory.
func NewInstructionLoader() *InstructionLoader {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return NewInstructionLoaderAt(cwd)
}

// NewInstructionLoaderAt builds the loader anchored at root.
func NewInstructionLoaderAt(root string) *InstructionLoader {
	il := &InstructionLoader{
		projectRoot: root,
		seen:        make(map[string]time.Time),
	}
	il.system = il.loadSystem()
	return il
}

// loadSystem reads the global file and walks root→projectRoot collecting
// instruction files.
func (il *InstructionLoader) loadSystem() string {
	var sections []string

	if global := globalInstructionPath(); global != "" {
		if content := il.loadWithPrefix(global); content != "" {
			sections = append(sections, content)
		}
	}

	// Directories from filesystem root down to the project root.
	var dirs []string
	dir := il.projectRoot
	for {
		dirs = append([]string{dir}, dirs...)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	for _, d := range dirs {
		if path := findInstructionFile(d); path != "" {
			if content := il.loadWithPrefix(path); content != "" {
				sections = append(sections, content)
			}
		}
	}
	return strings.Join(sections, "\n\n")
}

// SystemInstructions returns the construction-time instruction set.
func (il *InstructionLoader) SystemInstructions() string { return il.system }

// Resolve returns newly discovered or modified instructions relevant to a
// file the agent just read: walking from the file's directory up to the
// project root, any instruction file not yet seen (or whose mtime changed)
// is loaded and returned. Files outside the project root never resolve.
func (il *InstructionLoader) Resolve(filePath string) string {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(il.projectRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}

	il.mu.Lock()
	defer il.mu.Unlock()

	var sections []string
	dir := filepath.Dir(abs)
	for {
		if path := findInstructionFile(dir); path != "" {
			info, err := os.Stat(path)
			if err == nil {
				last, loaded := il.seen[path]
				if !loaded || !info.ModTime().Equal(last) {
					if content := il.loadWithPrefix(path); content != "" {
						sections = append(sections, content)
					}
					il.seen[path] = info.ModTime()
				}
			}
		}
		if dir == il.projectRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return strings.Join(sections, "\n\n")
}

// loadWithPrefix reads an instruction file and prefixes it with its origin.
// Empty and unreadable files load as "".
func (il *InstructionLoader) loadWithPrefix(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return ""
	}
	return fmt.Sprintf("# Instructions from: %s\n\n%s", path, content)
}

// findInstructionFile returns the preferred instruction file in dir, or "".
// First match wins: AGENTS.md over CLAUDE.md.
func findInstructionFile(dir string) string {
	for _, name := range instructionCandidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
