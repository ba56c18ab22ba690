// Package task provides the task-graph tools over the Store: create,
// update, list, get, and delete, with dependency edges.
package task

import (
	"context"
	"log/slog"

	"github.com/starlinghq/starling"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider implements the task tools.
type Provider struct {
	store  starling.Store
	logger *slog.Logger
}

var _ starling.ToolProvider = (*Provider)(nil)

// New creates the task provider over a store.
func New(store starling.Store, opts ...Option) *Provider {
	p := &Provider{store: store, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Definitions exposes the task tools.
func (p *Provider) Definitions() []starling.ToolDefinition {
	return []starling.ToolDefinition{
		{
			Name:        "task_create",
			Description: "Create a task. Dependencies go in blocked_by (ids that must finish first).",
			Params: []starling.ToolParam{
				{Name: "subject", Type: "string", Required: true},
				{Name: "description", Type: "string", Required: false},
				{Name: "priority", Type: "string", Required: false, Description: "high | medium | low"},
				{Name: "active_form", Type: "string", Required: false, Description: "present-continuous label"},
				{Name: "blocked_by", Type: "array", Required: false, Description: "blocker task ids"},
			},
			Returns: `{"id": ...}`,
		},
		{
			Name:        "task_update",
			Description: "Patch a task. Only supplied fields change; metadata merges key-by-key (null deletes a key).",
			Params: []starling.ToolParam{
				{Name: "id", Type: "string", Required: true},
				{Name: "subject", Type: "string", Required: false},
				{Name: "description", Type: "string", Required: false},
				{Name: "status", Type: "string", Required: false, Description: "pending | in_progress | completed | cancelled"},
				{Name: "priority", Type: "string", Required: false},
				{Name: "active_form", Type: "string", Required: false},
				{Name: "metadata", Type: "object", Required: false},
			},
		},
		{
			Name:        "task_list",
			Description: "List tasks, optionally filtered by status and blockedness.",
			Params: []starling.ToolParam{
				{Name: "status", Type: "string", Required: false},
				{Name: "blocked", Type: "boolean", Required: false},
			},
		},
		{
			Name:        "task_get",
			Description: "Get one task with its dependency edges.",
			Params:      []starling.ToolParam{{Name: "id", Type: "string", Required: true}},
		},
		{
			Name:        "task_delete",
			Description: "Delete a task and every edge referencing it.",
			Params:      []starling.ToolParam{{Name: "id", Type: "string", Required: true}},
		},
	}
}

// Execute dispatches the task tools.
func (p *Provider) Execute(ctx context.Context, name string, args map[string]any) (starling.ToolResult, error) {
	switch name {
	case "task_create":
		return p.create(args)
	case "task_update":
		return p.update(args)
	case "task_list":
		return p.list(args)
	case "task_get":
		return p.get(args)
	case "task_delete":
		return p.delete(args)
	}
	return starling.FailResult("unknown tool: %s", name), nil
}

func (p *Provider) create(args map[string]any) (starling.ToolResult, error) {
	subject, _ := args["subject"].(string)
	if subject == "" {
		return starling.FailResult("task_create: missing 'subject'"), nil
	}
	id, err := p.store.NextTaskID()
	if err != nil {
		return starling.FailResult("task_create: %v", err), nil
	}

	t := starling.TaskEntry{
		ID:      id,
		Subject: subject,
		Status:  starling.TaskPending,
	}
	t.Description, _ = args["description"].(string)
	t.Priority, _ = args["priority"].(string)
	t.ActiveForm, _ = args["active_form"].(string)
	if deps, ok := args["blocked_by"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok {
				t.BlockedBy = append(t.BlockedBy, s)
			}
		}
	}
	if err := p.store.CreateTask(t); err != nil {
		return starling.FailResult("task_create: %v", err), nil
	}
	p.logger.Debug("task: created", "id", id, "subject", subject)
	return starling.OKResult(map[string]any{"id": id}), nil
}

func (p *Provider) update(args map[string]any) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return starling.FailResult("task_update: missing 'id'"), nil
	}
	var patch starling.TaskPatch
	if v, ok := args["subject"].(string); ok {
		patch.Subject = &v
	}
	if v, ok := args["description"].(string); ok {
		patch.Description = &v
	}
	if v, ok := args["status"].(string); ok {
		status := starling.TaskStatus(v)
		switch status {
		case starling.TaskPending, starling.TaskInProgress, starling.TaskCompleted, starling.TaskCancelled:
			patch.Status = &status
		default:
			return starling.FailResult("task_update: invalid status %q", v), nil
		}
	}
	if v, ok := args["priority"].(string); ok {
		patch.Priority = &v
	}
	if v, ok := args["active_form"].(string); ok {
		patch.ActiveForm = &v
	}
	if v, ok := args["metadata"].(map[string]any); ok {
		patch.Metadata = v
	}
	if err := p.store.UpdateTask(id, patch); err != nil {
		return starling.FailResult("task_update: %v", err), nil
	}
	return starling.OKResult("updated"), nil
}

func (p *Provider) list(args map[string]any) (starling.ToolResult, error) {
	var status starling.TaskStatus
	if v, ok := args["status"].(string); ok {
		status = starling.TaskStatus(v)
	}
	var blocked *bool
	if v, ok := args["blocked"].(bool); ok {
		blocked = &v
	}
	tasks, err := p.store.ListTasks(status, blocked)
	if err != nil {
		return starling.FailResult("task_list: %v", err), nil
	}
	return starling.OKResult(tasks), nil
}

func (p *Provider) get(args map[string]any) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	t, ok := p.store.GetTask(id)
	if !ok {
		return starling.FailResult("task_get: no task %q", id), nil
	}
	return starling.OKResult(t), nil
}

func (p *Provider) delete(args map[string]any) (starling.ToolResult, error) {
	id, _ := args["id"].(string)
	if !p.store.DeleteTask(id) {
		return starling.FailResult("task_delete: no task %q", id), nil
	}
	return starling.OKResult("deleted"), nil
}
