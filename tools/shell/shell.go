// Package shell provides the shell handle tool: the first call starts a
// command in the background and returns a handle; hidden follow-ups read
// its output, write stdin, and kill it.
package shell

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/starlinghq/starling"
)

// defaultTimeout bounds shell_result waits with no explicit timeout.
const defaultTimeout = 120 * time.Second

// gracePeriod is how long a killed process gets between SIGTERM and
// SIGKILL.
const gracePeriod = 2 * time.Second

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithWorkDir sets the working directory for spawned commands.
func WithWorkDir(dir string) Option {
	return func(p *Provider) { p.workDir = dir }
}

// Provider implements the shell tool family.
type Provider struct {
	handles *starling.HandleMap
	logger  *slog.Logger
	workDir string

	// stdin pipes per handle id, guarded separately from the handle map.
	mu     sync.Mutex
	stdins map[string]io.WriteCloser
	procs  map[string]*exec.Cmd
}

var _ starling.StreamingToolProvider = (*Provider)(nil)

// New creates the shell provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		handles: starling.NewHandleMap(),
		logger:  slog.New(slog.DiscardHandler),
		stdins:  make(map[string]io.WriteCloser),
		procs:   make(map[string]*exec.Cmd),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close kills every live command.
func (p *Provider) Close() { p.handles.KillAll() }

// Definitions exposes shell and the hidden follow-ups.
func (p *Provider) Definitions() []starling.ToolDefinition {
	return []starling.ToolDefinition{
		{
			Name: "shell",
			Description: "Run a shell command in the background. Returns a handle immediately; " +
				"use shell_result(id) to wait for completion and get the output.",
			Params: []starling.ToolParam{
				{Name: "command", Type: "string", Required: true, Description: "command line, run via sh -c"},
				{Name: "timeout", Type: "number", Required: false, Description: "seconds before the command is killed"},
			},
			Returns: `{"__handle__": "shell", "id": ...}`,
		},
		{
			Name:        "shell_result",
			Description: "Wait for a shell command and return its output and exit code.",
			Params: []starling.ToolParam{
				{Name: "id", Type: "string", Required: true},
				{Name: "timeout", Type: "number", Required: false, Description: "seconds"},
			},
			Hidden: true,
		},
		{
			Name:        "shell_write",
			Description: "Write a line to a running command's stdin.",
			Params: []starling.ToolParam{
				{Name: "id", Type: "string", Required: true},
				{Name: "input", Type: "string", Required: true},
			},
			Hidden: true,
		},
		{
			Name:        "shell_kill",
			Description: "Terminate a running command.",
			Params:      []starling.ToolParam{{Name: "id", Type: "string", Required: true}},
			Hidden:      true,
		},
	}
}

// Execute dispatches without progress streaming.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) (starling.ToolResult, error) {
	return p.ExecuteStreaming(ctx, name, args, nil)
}

// ExecuteStreaming dispatches the shell tools.
func (p *Provider) ExecuteStreaming(ctx context.Context, name string, args map[string]any, progress chan<- starling.SandboxMessage) (starling.ToolResult, error) {
	switch name {
	case "shell":
		return p.start(args)
	case "shell_result":
		return p.result(ctx, args, progress)
	case "shell_write":
		return p.write(args)
	case "shell_kill":
		return p.kill(args)
	}
	return starling.FailResult("unknown tool: %s", name), nil
}

func (p *Provider) start(args map[string]any) (starling.ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return starling.FailResult("shell: missing 'command'"), nil
	}
	var timeout time.Duration
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	handle := starling.SpawnHandle(context.Background(), "shell", func(ctx context.Context, h *starling.Handle) starling.ToolResult {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return p.run(ctx, h, command)
	})
	p.handles.Put(handle)
	p.logger.Debug("shell: command spawned", "handle_id", handle.ID(), "command", command)
	return starling.OKResult(starling.HandleValue("shell", handle.ID())), nil
}

// run executes the command, streaming combined output into the handle
// buffer. Cancellation terminates gracefully, then escalates.
func (p *Provider) run(ctx context.Context, h *starling.Handle, command string) starling.ToolResult {
	cmd := exec.Command("sh", "-c", command)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	// Own process group so the whole pipeline dies on kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return starling.FailResult("shell: stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return starling.FailResult("shell: stdout pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return starling.FailResult("shell: start: %v", err)
	}

	p.mu.Lock()
	p.stdins[h.ID()] = stdin
	p.procs[h.ID()] = cmd
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.stdins, h.ID())
		delete(p.procs, h.ID())
		p.mu.Unlock()
	}()

	var output strings.Builder
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := string(buf[:n])
				output.WriteString(chunk)
				h.Push(chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		<-readDone
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return starling.FailResult("shell: %v", err)
			}
		}
		return starling.ToolResult{Success: exitCode == 0, Result: map[string]any{
			"output":    output.String(),
			"exit_code": exitCode,
		}}

	case <-ctx.Done():
		// Graceful first: SIGTERM the group, escalate to SIGKILL.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(gracePeriod):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-waitErr
		}
		<-readDone
		reason := "killed"
		if ctx.Err() == context.DeadlineExceeded {
			reason = "timed out"
		}
		return starling.FailResult("shell: command %s\noutput so far:\n%s", reason, output.String())
	}
}

func (p *Provider) result(ctx context.Context, args map[string]any, progress chan<- starling.SandboxMessage) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	h, ok := p.handles.Get(id)
	if !ok {
		return starling.MissingHandle("shell", id), nil
	}
	timeout := defaultTimeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	// Forward buffered output as progress while waiting.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-h.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if progress == nil {
					continue
				}
				for _, line := range h.Drain() {
					progress <- starling.SandboxMessage{Text: line, Kind: "tool_output"}
				}
			}
		}
	}()

	result := h.Await(ctx, timeout)
	<-streamDone
	if h.State() != starling.HandleRunning {
		p.handles.Remove(id)
	}
	return result, nil
}

func (p *Provider) write(args map[string]any) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	input, _ := args["input"].(string)
	p.mu.Lock()
	stdin, ok := p.stdins[id]
	p.mu.Unlock()
	if !ok {
		return starling.MissingHandle("shell", id), nil
	}
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	if _, err := io.WriteString(stdin, input); err != nil {
		return starling.FailResult("shell_write: %v", err), nil
	}
	return starling.OKResult("written"), nil
}

func (p *Provider) kill(args map[string]any) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	h, ok := p.handles.Remove(id)
	if !ok {
		return starling.MissingHandle("shell", id), nil
	}
	h.Kill()
	return starling.OKResult("killed"), nil
}
