// Package file provides the file_read and file_write tools. file_read
// extracts text from PDF files; everything else is read verbatim.
package file

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/starlinghq/starling"
)

// maxReadChars caps the content returned to the REPL.
const maxReadChars = 200_000

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithResolver wires the instruction loader so reads surface newly
// discovered project instructions to the agent.
func WithResolver(il *starling.InstructionLoader) Option {
	return func(p *Provider) { p.instructions = il }
}

// Provider implements file_read and file_write.
type Provider struct {
	logger       *slog.Logger
	instructions *starling.InstructionLoader
}

var _ starling.ToolProvider = (*Provider)(nil)

// New creates the file provider.
func New(opts ...Option) *Provider {
	p := &Provider{logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Definitions exposes the file tools.
func (p *Provider) Definitions() []starling.ToolDefinition {
	return []starling.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file. PDF files are converted to plain text.",
			Params: []starling.ToolParam{
				{Name: "path", Type: "string", Required: true},
			},
			Returns: `{"content": ..., "instructions": ...?}`,
		},
		{
			Name:        "file_write",
			Description: "Write content to a file, creating parent directories.",
			Params: []starling.ToolParam{
				{Name: "path", Type: "string", Required: true},
				{Name: "content", Type: "string", Required: true},
			},
		},
	}
}

// Execute runs the file tools.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) (starling.ToolResult, error) {
	switch name {
	case "file_read":
		return p.read(args)
	case "file_write":
		return p.write(args)
	}
	return starling.FailResult("unknown tool: %s", name), nil
}

func (p *Provider) read(args map[string]any) (starling.ToolResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return starling.FailResult("file_read: missing 'path'"), nil
	}

	var content string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err := pdfText(path)
		if err != nil {
			return starling.FailResult("file_read: pdf %s: %v", path, err), nil
		}
		content = text
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return starling.FailResult("file_read: %v", err), nil
		}
		content = string(data)
	}

	if len(content) > maxReadChars {
		content = content[:maxReadChars] + fmt.Sprintf("\n... (truncated, %d bytes total)", len(content))
	}

	result := map[string]any{"content": content}
	if p.instructions != nil {
		if inst := p.instructions.Resolve(path); inst != "" {
			result["instructions"] = inst
		}
	}
	return starling.OKResult(result), nil
}

func (p *Provider) write(args map[string]any) (starling.ToolResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return starling.FailResult("file_write: missing 'path'"), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return starling.FailResult("file_write: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return starling.FailResult("file_write: %v", err), nil
	}
	p.logger.Debug("file: wrote", "path", path, "bytes", len(content))
	return starling.OKResult(map[string]any{"path": path, "bytes": len(content)}), nil
}

// pdfText extracts plain text from a PDF file.
func pdfText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	r, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	return buf.String(), nil
}
