package interp

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/lib/starlarkstruct"
	"go.starlark.net/starlark"
)

// buildBase assembles the predeclared environment: side-channel functions,
// introspection state, the json module, struct support for schema result
// classes, and one stub per tool definition.
func (e *environ) buildBase() starlark.StringDict {
	base := starlark.StringDict{
		"done":      starlark.NewBuiltin("done", e.doneBuiltin),
		"message":   starlark.NewBuiltin("message", e.messageBuiltin),
		"ask":       starlark.NewBuiltin("ask", e.askBuiltin),
		"gather":    starlark.NewBuiltin("gather", e.gatherBuiltin),
		"json":      starlarkjson.Module,
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"_history":  e.history,
		"_mem":      e.mem,
		"_agent_id": starlark.String(e.agentID),
	}
	for _, def := range e.defs {
		base[def.Name] = e.toolStub(def)
	}
	return base
}

// doneBuiltin signals the turn-final user-facing response. String values
// pass through verbatim; anything else is JSON-encoded.
func (e *environ) doneBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs("done", args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	text := ""
	if s, ok := starlark.AsString(value); ok {
		text = s
	} else {
		text = jsonEncode(value)
	}
	e.out <- Response{Kind: RespMessage, Text: text, MsgKind: "final"}
	return starlark.None, nil
}

// messageBuiltin streams a status line to the host.
func (e *environ) messageBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	kind := "progress"
	if err := starlark.UnpackArgs("message", args, kwargs, "text", &text, "kind?", &kind); err != nil {
		return nil, err
	}
	e.out <- Response{Kind: RespMessage, Text: text, MsgKind: kind}
	return starlark.None, nil
}

// askBuiltin blocks on a user prompt and returns the answer.
func (e *environ) askBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var question string
	var options *starlark.List
	if err := starlark.UnpackArgs("ask", args, kwargs, "question", &question, "options?", &options); err != nil {
		return nil, err
	}
	var opts []string
	if options != nil {
		for i := 0; i < options.Len(); i++ {
			if s, ok := starlark.AsString(options.Index(i)); ok {
				opts = append(opts, s)
			}
		}
	}
	reply := make(chan string, 1)
	e.out <- Response{Kind: RespAskUser, Question: question, Options: opts, Reply: reply}
	return starlark.String(<-reply), nil
}

// gatherBuiltin runs zero-argument callables concurrently, each on its own
// worker, and returns their results in argument order. This is how code
// issues several tool calls in parallel:
//
//	a, b = gather(lambda: fetch(url=u1), lambda: fetch(url=u2))
//
// The interpreter thread blocks here while the workers run, so the workers
// have the namespace to themselves.
func (e *environ) gatherBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("gather: unexpected keyword arguments")
	}
	results := make([]starlark.Value, len(args))
	errs := make([]error, len(args))
	var wg sync.WaitGroup
	for i, fn := range args {
		wg.Add(1)
		go func(i int, fn starlark.Value) {
			defer wg.Done()
			thread := &starlark.Thread{
				Name:  fmt.Sprintf("gather-%d", i),
				Print: func(_ *starlark.Thread, msg string) { e.out <- Response{Kind: RespMessage, Text: msg, MsgKind: "progress"} },
			}
			results[i], errs[i] = starlark.Call(thread, fn, nil, nil)
		}(i, fn)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("gather: %w", err)
		}
	}
	return starlark.NewList(results), nil
}

// toolStub builds the async-looking callable for one tool. The stub sends a
// ToolCall to the host and blocks until the reply arrives; the host runs
// the tool on its own executor, so stubs invoked from gather workers run
// concurrently. On failure the stub returns {"error": text} rather than
// aborting the block — Starlark has no exception handling for code to
// recover with.
func (e *environ) toolStub(def stubDef) *starlark.Builtin {
	return starlark.NewBuiltin(def.Name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: call tools with keyword arguments", b.Name())
		}
		goArgs := make(map[string]any, len(kwargs))
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			goArgs[key] = toGo(kv[1])
		}
		argsJSON, err := json.Marshal(goArgs)
		if err != nil {
			return nil, fmt.Errorf("%s: encode arguments: %w", b.Name(), err)
		}

		reply := make(chan string, 1)
		e.out <- Response{
			Kind:     RespToolCall,
			ID:       uuid.NewString(),
			Name:     b.Name(),
			ArgsJSON: string(argsJSON),
			Reply:    reply,
		}
		raw := <-reply

		var envelope struct {
			Success bool   `json:"success"`
			Result  string `json:"result"`
		}
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			return nil, fmt.Errorf("%s: malformed tool reply", b.Name())
		}
		var payload any
		if err := json.Unmarshal([]byte(envelope.Result), &payload); err != nil {
			payload = envelope.Result
		}
		if !envelope.Success {
			errDict := starlark.NewDict(1)
			_ = errDict.SetKey(starlark.String("error"), fromGo(payload))
			return errDict, nil
		}
		return fromGo(payload), nil
	})
}

// --- starlark <-> Go value conversion ---

// toGo converts a starlark value to plain Go data. Unconvertible values
// (functions, builtins) collapse to their display string.
func toGo(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case starlark.String:
		return string(v)
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, toGo(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, toGo(item))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, _ := starlark.AsString(item[0])
			if key == "" {
				key = item[0].String()
			}
			out[key] = toGo(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range v.AttrNames() {
			if attr, err := v.Attr(name); err == nil {
				out[name] = toGo(attr)
			}
		}
		return out
	default:
		return v.String()
	}
}

// fromGo converts JSON-shaped Go data to a starlark value.
func fromGo(v any) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt(v)
	case float64:
		// JSON numbers decode as float64; keep integral values as ints so
		// code can index with them.
		if v == float64(int64(v)) {
			return starlark.MakeInt64(int64(v))
		}
		return starlark.Float(v)
	case string:
		return starlark.String(v)
	case []any:
		items := make([]starlark.Value, 0, len(v))
		for _, item := range v {
			items = append(items, fromGo(item))
		}
		return starlark.NewList(items)
	case map[string]any:
		d := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), fromGo(v[k]))
		}
		return d
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

// jsonEncode renders a starlark value as compact JSON text.
func jsonEncode(v starlark.Value) string {
	data, err := json.Marshal(toGo(v))
	if err != nil {
		return v.String()
	}
	return string(data)
}
