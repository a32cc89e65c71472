package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
)

// fakeSession stands in for the agent subprocess. onToolCall handles
// tools/call; the handshake methods succeed with canned responses.
type fakeSession struct {
	mu         sync.Mutex
	methods    []string
	closed     bool
	onToolCall func(ctx context.Context, params map[string]any, result any) error
}

func (f *fakeSession) Call(ctx context.Context, method string, params, result any) error {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()

	switch method {
	case "tools/list":
		fillResult(result, map[string]any{
			"tools": []map[string]any{{"name": "codex"}, {"name": "codex-reply"}},
		})
	case "tools/call":
		if f.onToolCall != nil {
			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}
			var p map[string]any
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			return f.onToolCall(ctx, p, result)
		}
	}
	return nil
}

func (f *fakeSession) Notify(method string, params any) error {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) calledMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

// fillResult marshals v through JSON into the caller's result pointer,
// the same way the real session decodes responses.
func fillResult(result any, v any) {
	raw, _ := json.Marshal(v)
	_ = json.Unmarshal(raw, result)
}

func toolResponse(isError bool, texts ...string) map[string]any {
	content := make([]map[string]any, 0, len(texts))
	for _, t := range texts {
		content = append(content, map[string]any{"type": "text", "text": t})
	}
	return map[string]any{"content": content, "isError": isError}
}

func toolArgs(t *testing.T, params map[string]any) map[string]any {
	t.Helper()
	args, ok := params["arguments"].(map[string]any)
	if !ok {
		t.Fatalf("params missing arguments: %v", params)
	}
	return args
}

func newConnectedClient(t *testing.T, cfg Config, fake *fakeSession) *SessionClient {
	t.Helper()
	c := NewSessionClient(cfg)
	c.newSession = func(*SessionClient) (rpcSession, error) { return fake, nil }
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func testAnnotation() *annotation.Annotation {
	return &annotation.Annotation{
		ID:      "ann-1",
		Comment: "make the button blue",
		Type:    annotation.TypeClick,
		Element: annotation.Element{
			Selector:        "#submit",
			GenericSelector: "button.primary",
			TagName:         "button",
		},
	}
}

func TestExecute_NotReady(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})

	res := c.Execute(context.Background(), testAnnotation(), "/tmp/project", nil, nil, nil)
	if res.Success {
		t.Fatal("Execute without Start should fail")
	}
	if res.Error != errors.ErrNotConnected.Error() {
		t.Errorf("error = %q, want %q", res.Error, errors.ErrNotConnected.Error())
	}
}

func TestStart_Handshake(t *testing.T) {
	fake := &fakeSession{}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	if !c.Ready() {
		t.Error("client should be ready after Start")
	}
	want := []string{"initialize", "notifications/initialized", "tools/list"}
	got := fake.calledMethods()
	if len(got) != len(want) {
		t.Fatalf("methods = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("method[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Start is idempotent while connected.
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fake.calledMethods()) != len(want) {
		t.Error("second Start should not redo the handshake")
	}
}

func TestExecute_Success(t *testing.T) {
	var gotArgs map[string]any
	fake := &fakeSession{
		onToolCall: func(_ context.Context, params map[string]any, result any) error {
			if params["name"] != "codex" {
				t.Errorf("tool = %v, want codex", params["name"])
			}
			gotArgs = params["arguments"].(map[string]any)
			fillResult(result, toolResponse(false, "Changed the color.", "Done."))
			return nil
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex", SandboxMode: "workspace-write"}, fake)

	res := c.Execute(context.Background(), testAnnotation(), "/tmp/project", nil, nil, nil)
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	if res.Output != "Changed the color.\nDone." {
		t.Errorf("output = %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Error("duration should be recorded")
	}

	if gotArgs["cwd"] != "/tmp/project" {
		t.Errorf("cwd = %v", gotArgs["cwd"])
	}
	if gotArgs["model"] != "gpt-5.1-codex" {
		t.Errorf("model = %v", gotArgs["model"])
	}
	if gotArgs["sandbox"] != "workspace-write" {
		t.Errorf("sandbox = %v", gotArgs["sandbox"])
	}
	if gotArgs["approval-policy"] != "on-request" {
		t.Errorf("approval-policy = %v", gotArgs["approval-policy"])
	}
	p, _ := gotArgs["prompt"].(string)
	if !strings.Contains(p, "make the button blue") {
		t.Errorf("prompt should carry the comment, got %q", p)
	}
}

func TestExecute_Overrides(t *testing.T) {
	var gotArgs map[string]any
	fake := &fakeSession{
		onToolCall: func(_ context.Context, params map[string]any, result any) error {
			gotArgs = params["arguments"].(map[string]any)
			fillResult(result, toolResponse(false, "ok"))
			return nil
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	opts := &CallOptions{PromptOverride: "custom prompt", ModelOverride: "gemini-3-pro-image-preview"}
	res := c.Execute(context.Background(), nil, "/tmp/project", nil, nil, opts)
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	if gotArgs["prompt"] != "custom prompt" {
		t.Errorf("prompt = %v", gotArgs["prompt"])
	}
	if gotArgs["model"] != "gemini-3-pro-image-preview" {
		t.Errorf("model = %v", gotArgs["model"])
	}
}

func TestExecute_ThreadIDFromEvents(t *testing.T) {
	var c *SessionClient
	fake := &fakeSession{
		onToolCall: func(_ context.Context, _ map[string]any, result any) error {
			c.handleNotification(codexEvent(t, map[string]any{"threadId": "thread-9"}, map[string]any{"type": "task_started"}))
			fillResult(result, toolResponse(false, "done"))
			return nil
		},
	}
	c = newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	var progress []string
	res := c.Execute(context.Background(), testAnnotation(), "/tmp", func(msg string) {
		progress = append(progress, msg)
	}, nil, nil)
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	if res.ThreadID != "thread-9" {
		t.Errorf("threadID = %q, want thread-9", res.ThreadID)
	}
	if len(progress) != 2 || progress[0] != "Sending to agent..." || progress[1] != "[status] task started" {
		t.Errorf("progress = %v", progress)
	}
}

func TestReply_UsesThread(t *testing.T) {
	var gotArgs map[string]any
	fake := &fakeSession{
		onToolCall: func(_ context.Context, params map[string]any, result any) error {
			if params["name"] != "codex-reply" {
				t.Errorf("tool = %v, want codex-reply", params["name"])
			}
			gotArgs = params["arguments"].(map[string]any)
			fillResult(result, toolResponse(false, "applied"))
			return nil
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	res := c.Reply(context.Background(), "thread-3", "apply approach 2", nil, nil)
	if !res.Success {
		t.Fatalf("Reply() failed: %s", res.Error)
	}
	if gotArgs["threadId"] != "thread-3" {
		t.Errorf("threadId = %v", gotArgs["threadId"])
	}
	if gotArgs["prompt"] != "apply approach 2" {
		t.Errorf("prompt = %v", gotArgs["prompt"])
	}
	if res.ThreadID != "thread-3" {
		t.Errorf("threadID = %q, want thread-3", res.ThreadID)
	}
}

func TestExecute_ToolError(t *testing.T) {
	fake := &fakeSession{
		onToolCall: func(_ context.Context, _ map[string]any, result any) error {
			fillResult(result, toolResponse(true, "sandbox denied write"))
			return nil
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	res := c.Execute(context.Background(), testAnnotation(), "/tmp", nil, nil, nil)
	if res.Success {
		t.Fatal("isError result should fail the call")
	}
	if res.Error != "sandbox denied write" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_ToolErrorWithoutText(t *testing.T) {
	fake := &fakeSession{
		onToolCall: func(_ context.Context, _ map[string]any, result any) error {
			fillResult(result, toolResponse(true))
			return nil
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	res := c.Execute(context.Background(), testAnnotation(), "/tmp", nil, nil, nil)
	if res.Error != "agent error" {
		t.Errorf("error = %q, want generic agent error", res.Error)
	}
}

func TestExecute_IdleWatchdogAborts(t *testing.T) {
	fake := &fakeSession{
		onToolCall: func(ctx context.Context, _ map[string]any, _ any) error {
			// Stay silent until the watchdog gives up on us.
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex", FirstCallIdleTimeout: 30 * time.Millisecond}, fake)
	c.tick = 5 * time.Millisecond

	start := time.Now()
	res := c.Execute(context.Background(), testAnnotation(), "/tmp", nil, nil, nil)
	if res.Success {
		t.Fatal("idle call should fail")
	}
	if res.Error != errors.ErrIdleTimeout.Error() {
		t.Errorf("error = %q, want %q", res.Error, errors.ErrIdleTimeout.Error())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watchdog took %v to fire", elapsed)
	}
}

func TestExecute_CallerCancelIsNotIdleTimeout(t *testing.T) {
	fake := &fakeSession{
		onToolCall: func(ctx context.Context, _ map[string]any, _ any) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := c.Execute(ctx, testAnnotation(), "/tmp", nil, nil, nil)
	if res.Success {
		t.Fatal("canceled call should fail")
	}
	if res.Error == errors.ErrIdleTimeout.Error() {
		t.Error("caller cancellation should not be reported as an idle timeout")
	}
}

func TestHandleRequest_DefaultApproval(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})

	resp := c.handleRequest("elicitation/create", nil)
	m, ok := resp.(map[string]any)
	if !ok {
		t.Fatalf("response = %T", resp)
	}
	if m["approved"] != DefaultApprovalDecision {
		t.Errorf("approved = %v, want %v", m["approved"], DefaultApprovalDecision)
	}
}

func TestHandleRequest_CallbackDecision(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})

	var asked string
	cs := newCallState(nil, func(command string) bool {
		asked = command
		return false
	}, "")
	c.call.Store(cs)

	c.handleNotification(codexEvent(t, nil, map[string]any{
		"type":    "exec_approval_request",
		"command": []string{"/bin/bash", "-lc", "rm -rf build"},
	}))

	resp := c.handleRequest("elicitation/create", nil).(map[string]any)
	if resp["approved"] != false {
		t.Errorf("approved = %v, want false", resp["approved"])
	}
	if asked != "rm -rf build" {
		t.Errorf("callback command = %q", asked)
	}
}

func TestHandleRequest_ManualResolve(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})
	c.call.Store(newCallState(nil, nil, ""))

	c.handleNotification(codexEvent(t, nil, map[string]any{
		"type":    "exec_approval_request",
		"command": []string{"git", "push"},
	}))

	c.ResolveApproval(true)

	resp := c.handleRequest("elicitation/create", nil).(map[string]any)
	if resp["approved"] != true {
		t.Errorf("approved = %v, want true", resp["approved"])
	}
}

func TestHandleRequest_DecisionsConsumedInOrder(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})
	c.call.Store(newCallState(nil, nil, ""))

	for _, cmd := range []string{"first", "second"} {
		c.handleNotification(codexEvent(t, nil, map[string]any{
			"type":    "exec_approval_request",
			"command": []string{cmd},
		}))
	}
	c.ResolveApproval(true)
	c.ResolveApproval(false)

	if resp := c.handleRequest("elicitation/create", nil).(map[string]any); resp["approved"] != true {
		t.Errorf("first decision = %v, want true", resp["approved"])
	}
	if resp := c.handleRequest("elicitation/create", nil).(map[string]any); resp["approved"] != false {
		t.Errorf("second decision = %v, want false", resp["approved"])
	}
}

func TestStop_ClosesSessionAndClearsState(t *testing.T) {
	fake := &fakeSession{}
	c := newConnectedClient(t, Config{Model: "gpt-5.1-codex"}, fake)
	c.call.Store(newCallState(nil, nil, ""))
	c.handleNotification(codexEvent(t, nil, map[string]any{
		"type":    "exec_approval_request",
		"command": []string{"ls"},
	}))

	c.Stop()

	if c.Ready() {
		t.Error("client should not be ready after Stop")
	}
	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	if !closed {
		t.Error("Stop should close the session")
	}

	// The queued decision is gone; requests fall back to the default.
	resp := c.handleRequest("elicitation/create", nil).(map[string]any)
	if resp["approved"] != DefaultApprovalDecision {
		t.Errorf("approved = %v, want default after Stop", resp["approved"])
	}
}

func TestRestart_ReconnectsWithFreshSession(t *testing.T) {
	var sessions []*fakeSession
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})
	c.newSession = func(*SessionClient) (rpcSession, error) {
		s := &fakeSession{}
		sessions = append(sessions, s)
		return s, nil
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions spawned = %d, want 2", len(sessions))
	}
	if !sessions[0].closed {
		t.Error("restart should close the old session")
	}
	if !c.Ready() {
		t.Error("client should be ready after Restart")
	}
}

func TestSetModel(t *testing.T) {
	c := NewSessionClient(Config{Model: "gpt-5.1-codex"})
	if got := c.Model(); got != "gpt-5.1-codex" {
		t.Errorf("Model() = %q", got)
	}
	c.SetModel("gpt-5.1-codex-mini")
	if got := c.Model(); got != "gpt-5.1-codex-mini" {
		t.Errorf("Model() = %q after SetModel", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	if cfg.Command != "codex" {
		t.Errorf("command = %q", cfg.Command)
	}
	if cfg.SandboxMode != "workspace-write" {
		t.Errorf("sandbox = %q", cfg.SandboxMode)
	}
	if cfg.FirstCallIdleTimeout != 180*time.Second {
		t.Errorf("first call idle timeout = %v", cfg.FirstCallIdleTimeout)
	}
	if cfg.ReplyIdleTimeout != 90*time.Second {
		t.Errorf("reply idle timeout = %v", cfg.ReplyIdleTimeout)
	}
}
