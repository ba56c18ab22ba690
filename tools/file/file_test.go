package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starlinghq/starling"
)

func newLoaderAt(t *testing.T, root string) *starling.InstructionLoader {
	t.Helper()
	return starling.NewInstructionLoaderAt(root)
}

func TestFileWriteAndRead(t *testing.T) {
	p := New()
	path := filepath.Join(t.TempDir(), "nested", "out.txt")

	res, err := p.Execute(context.Background(), "file_write", map[string]any{
		"path": path, "content": "hello file",
	})
	if err != nil || !res.Success {
		t.Fatalf("write = %+v %v", res, err)
	}

	res, err = p.Execute(context.Background(), "file_read", map[string]any{"path": path})
	if err != nil || !res.Success {
		t.Fatalf("read = %+v %v", res, err)
	}
	body, _ := res.Result.(map[string]any)
	if body["content"] != "hello file" {
		t.Errorf("content = %v", body["content"])
	}
}

func TestFileReadMissing(t *testing.T) {
	p := New()
	res, _ := p.Execute(context.Background(), "file_read", map[string]any{
		"path": filepath.Join(t.TempDir(), "absent.txt"),
	})
	if res.Success {
		t.Error("missing file must fail")
	}
}

func TestFileReadSurfacesInstructions(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "AGENTS.md"), []byte("project rules"), 0o644)
	target := filepath.Join(root, "src.go")
	os.WriteFile(target, []byte("package x"), 0o644)

	il := newLoaderAt(t, root)
	p := New(WithResolver(il))

	res, _ := p.Execute(context.Background(), "file_read", map[string]any{"path": target})
	body, _ := res.Result.(map[string]any)
	inst, _ := body["instructions"].(string)
	if !strings.Contains(inst, "project rules") {
		t.Errorf("instructions = %q", inst)
	}
}

func TestFileWriteMissingPath(t *testing.T) {
	p := New()
	res, _ := p.Execute(context.Background(), "file_write", map[string]any{"content": "x"})
	if res.Success {
		t.Error("missing path must fail")
	}
}
