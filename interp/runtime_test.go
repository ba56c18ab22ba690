package interp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// startRuntime boots a runtime and completes Init with the given tool
// definitions.
func startRuntime(t *testing.T, defsJSON string) *Runtime {
	t.Helper()
	r, err := Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	if err := r.Send(Request{Kind: ReqInit, ToolDefsJSON: defsJSON, AgentID: "test"}); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind != RespReady || resp.ErrText != "" {
		t.Fatalf("init response = %+v", resp)
	}
	return r
}

// execCollect runs code and returns the exec result plus every side
// response seen on the way. Tool calls are answered with the reply func.
func execCollect(t *testing.T, r *Runtime, code string, reply func(Response) string) (Response, []Response) {
	t.Helper()
	if err := r.Send(Request{Kind: ReqExec, ID: "e1", Code: code}); err != nil {
		t.Fatal(err)
	}
	var side []Response
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("exec did not complete")
		default:
		}
		resp, err := r.Recv()
		if err != nil {
			t.Fatal(err)
		}
		switch resp.Kind {
		case RespExecResult:
			return resp, side
		case RespToolCall:
			side = append(side, resp)
			go func(resp Response) {
				resp.Reply <- reply(resp)
			}(resp)
		case RespAskUser:
			side = append(side, resp)
			go func(resp Response) {
				resp.Reply <- reply(resp)
			}(resp)
		default:
			side = append(side, resp)
		}
	}
}

func okReply(payload string) func(Response) string {
	return func(Response) string {
		data, _ := json.Marshal(map[string]any{"success": true, "result": payload})
		return string(data)
	}
}

func TestExecPrint(t *testing.T) {
	r := startRuntime(t, "")
	res, _ := execCollect(t, r, "print(1)", nil)
	if res.Output != "1\n" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ErrText != "" {
		t.Errorf("error = %q", res.ErrText)
	}
}

func TestExecNamespacePersists(t *testing.T) {
	r := startRuntime(t, "")
	if res, _ := execCollect(t, r, "x = 41", nil); res.ErrText != "" {
		t.Fatalf("assign failed: %s", res.ErrText)
	}
	res, _ := execCollect(t, r, "print(x + 1)", nil)
	if res.Output != "42\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecMutableAcrossChunks(t *testing.T) {
	r := startRuntime(t, "")
	execCollect(t, r, "items = []", nil)
	res, _ := execCollect(t, r, "items.append(7)\nprint(items)", nil)
	if res.ErrText != "" {
		t.Fatalf("append across chunks failed: %s", res.ErrText)
	}
	if res.Output != "[7]\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecErrorReported(t *testing.T) {
	r := startRuntime(t, "")
	res, _ := execCollect(t, r, "boom()", nil)
	if res.ErrText == "" {
		t.Fatal("expected an error")
	}
	if !strings.Contains(res.ErrText, "boom") {
		t.Errorf("error = %q", res.ErrText)
	}
}

func TestDoneEmitsFinalMessage(t *testing.T) {
	r := startRuntime(t, "")
	res, side := execCollect(t, r, `done("4")`, nil)
	if res.ErrText != "" {
		t.Fatalf("exec error: %s", res.ErrText)
	}
	var final *Response
	for i := range side {
		if side[i].Kind == RespMessage && side[i].MsgKind == "final" {
			final = &side[i]
		}
	}
	if final == nil || final.Text != "4" {
		t.Fatalf("missing final message, side = %+v", side)
	}
}

func TestDoneEncodesNonStrings(t *testing.T) {
	r := startRuntime(t, "")
	_, side := execCollect(t, r, `done({"a": 1})`, nil)
	for _, s := range side {
		if s.Kind == RespMessage && s.MsgKind == "final" {
			if s.Text != `{"a":1}` {
				t.Errorf("final = %q", s.Text)
			}
			return
		}
	}
	t.Fatal("no final message")
}

func TestMessageBuiltin(t *testing.T) {
	r := startRuntime(t, "")
	_, side := execCollect(t, r, `message("working", kind="progress")`, nil)
	found := false
	for _, s := range side {
		if s.Kind == RespMessage && s.MsgKind == "progress" && s.Text == "working" {
			found = true
		}
	}
	if !found {
		t.Errorf("progress message missing: %+v", side)
	}
}

func TestAskBlocksForAnswer(t *testing.T) {
	r := startRuntime(t, "")
	res, side := execCollect(t, r, `answer = ask("continue?", options=["yes", "no"])`+"\nprint(answer)",
		func(resp Response) string { return "yes" })
	if res.Output != "yes\n" {
		t.Errorf("output = %q", res.Output)
	}
	if len(side) != 1 || side[0].Kind != RespAskUser || side[0].Question != "continue?" {
		t.Fatalf("side = %+v", side)
	}
	if len(side[0].Options) != 2 || side[0].Options[0] != "yes" {
		t.Errorf("options = %v", side[0].Options)
	}
}

func TestToolStubRoundTrip(t *testing.T) {
	r := startRuntime(t, `[{"name": "echo", "description": "echo back"}]`)
	res, side := execCollect(t, r, `r = echo(text="hi")`+"\nprint(r)", okReply(`"hi"`))
	if res.ErrText != "" {
		t.Fatalf("exec error: %s", res.ErrText)
	}
	if res.Output != "hi\n" {
		t.Errorf("output = %q", res.Output)
	}
	if len(side) != 1 || side[0].Name != "echo" {
		t.Fatalf("side = %+v", side)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(side[0].ArgsJSON), &args); err != nil || args["text"] != "hi" {
		t.Errorf("args = %q", side[0].ArgsJSON)
	}
}

func TestToolStubFailureReturnsErrorDict(t *testing.T) {
	r := startRuntime(t, `[{"name": "broken"}]`)
	res, _ := execCollect(t, r, `r = broken()`+"\nprint(r['error'])", func(Response) string {
		data, _ := json.Marshal(map[string]any{"success": false, "result": `"it broke"`})
		return string(data)
	})
	if res.ErrText != "" {
		t.Fatalf("exec error: %s", res.ErrText)
	}
	if res.Output != "it broke\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestToolStubRejectsPositionalArgs(t *testing.T) {
	r := startRuntime(t, `[{"name": "echo"}]`)
	res, _ := execCollect(t, r, `echo("hi")`, okReply(`"x"`))
	if !strings.Contains(res.ErrText, "keyword") {
		t.Errorf("expected keyword-arguments error, got %q", res.ErrText)
	}
}

func TestGatherRunsConcurrently(t *testing.T) {
	r := startRuntime(t, `[{"name": "slow"}]`)

	// Hold the first reply until the second call arrives: only concurrent
	// dispatch can finish.
	calls := make(chan Response, 2)
	if err := r.Send(Request{Kind: ReqExec, ID: "g", Code: `rs = gather(lambda: slow(n=1), lambda: slow(n=2))` + "\nprint(len(rs))"}); err != nil {
		t.Fatal(err)
	}
	var execRes Response
	pending := []Response{}
	deadline := time.After(10 * time.Second)
loop:
	for {
		select {
		case <-deadline:
			t.Fatal("gather did not complete; tool calls were not concurrent")
		default:
		}
		resp, err := r.Recv()
		if err != nil {
			t.Fatal(err)
		}
		switch resp.Kind {
		case RespToolCall:
			pending = append(pending, resp)
			calls <- resp
			if len(pending) == 2 {
				// Both in flight at once: release them.
				for _, p := range pending {
					data, _ := json.Marshal(map[string]any{"success": true, "result": `"ok"`})
					p.Reply <- string(data)
				}
			}
		case RespExecResult:
			execRes = resp
			break loop
		}
	}
	if execRes.ErrText != "" {
		t.Fatalf("exec error: %s", execRes.ErrText)
	}
	if execRes.Output != "2\n" {
		t.Errorf("output = %q", execRes.Output)
	}
}

func TestCheckComplete(t *testing.T) {
	r := startRuntime(t, "")
	cases := []struct {
		code string
		want bool
	}{
		{"x = 1", true},
		{"def f():\n    return 1", true},
		{"x = (", false},
		{"def f(:", false},
	}
	for _, tc := range cases {
		if err := r.Send(Request{Kind: ReqCheckComplete, Code: tc.code}); err != nil {
			t.Fatal(err)
		}
		resp, err := r.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if resp.IsComplete != tc.want {
			t.Errorf("%q: complete = %v, want %v", tc.code, resp.IsComplete, tc.want)
		}
	}
}

func TestResetClearsNamespace(t *testing.T) {
	r := startRuntime(t, `[{"name": "echo"}]`)
	execCollect(t, r, "x = 1", nil)

	if err := r.Send(Request{Kind: ReqReset, ID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if resp, err := r.Recv(); err != nil || resp.Kind != RespResetResult {
		t.Fatalf("reset response = %+v err = %v", resp, err)
	}

	res, _ := execCollect(t, r, "print(x)", nil)
	if res.ErrText == "" {
		t.Error("x should be gone after reset")
	}
	// Tool stubs are re-registered.
	res, _ = execCollect(t, r, `print(echo(text="y")['e'] if False else "stub ok")`, okReply(`"y"`))
	if res.ErrText != "" {
		t.Errorf("stub missing after reset: %s", res.ErrText)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := startRuntime(t, "")
	execCollect(t, r, `x = {"a": [1, 2]}`+"\n_mem.notes = 'keep'\n_history._add_turn('{\"user_message\": \"q1\"}')", nil)

	if err := r.Send(Request{Kind: ReqSnapshot, ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	snap, err := r.Recv()
	if err != nil || snap.Kind != RespSnapshotResult || snap.ErrText != "" {
		t.Fatalf("snapshot = %+v err = %v", snap, err)
	}

	// Wipe, then restore.
	if err := r.Send(Request{Kind: ReqReset, ID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Recv(); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(Request{Kind: ReqRestore, ID: "r2", Blob: snap.Data}); err != nil {
		t.Fatal(err)
	}
	if resp, err := r.Recv(); err != nil || resp.ErrText != "" {
		t.Fatalf("restore = %+v err = %v", resp, err)
	}

	res, _ := execCollect(t, r, `print(x["a"][1])`+"\nprint(_mem.notes)\nprint(_history.user_messages())", nil)
	if res.ErrText != "" {
		t.Fatalf("exec after restore: %s", res.ErrText)
	}
	if res.Output != "2\nkeep\n[\"q1\"]\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestHistorySearch(t *testing.T) {
	r := startRuntime(t, "")
	execCollect(t, r, `_history._add_turn('{"user_message": "find the bug", "output": "traceback"}')`+"\n"+
		`_history._add_turn('{"user_message": "other", "output": "fine"}')`, nil)
	res, _ := execCollect(t, r, `print(len(_history.search("Traceback")))`+"\nprint(len(_history))", nil)
	if res.Output != "1\n2\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestMemReservedNames(t *testing.T) {
	r := startRuntime(t, "")
	res, _ := execCollect(t, r, `_mem._load = 1`, nil)
	if res.ErrText == "" {
		t.Error("reserved _mem names must be rejected")
	}
}

func TestParsesComplete(t *testing.T) {
	if !parsesComplete("x = 1\nprint(x)") {
		t.Error("valid program reported incomplete")
	}
	if parsesComplete("if x:") {
		t.Error("dangling block reported complete")
	}
}
