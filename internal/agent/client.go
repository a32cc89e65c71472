package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
	"github.com/Iron-Ham/sparkbridge/internal/prompt"
)

// DefaultApprovalDecision is returned when the agent asks for approval
// but no decision is queued. The agent only escalates commands its own
// sandbox would otherwise block; with nobody to ask, letting the call
// proceed matches what the sandbox already decided to permit.
const DefaultApprovalDecision = true

// watchdogTick is how often the idle watchdog samples activity.
const watchdogTick = 5 * time.Second

// ProgressFunc receives progress lines while a call runs.
type ProgressFunc func(message string)

// ApprovalFunc decides whether a command may run. It blocks until the
// user (or a policy) answers.
type ApprovalFunc func(command string) bool

// Result is the outcome of one agent call.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
	ThreadID string
}

// CallOptions tweak a single Execute call.
type CallOptions struct {
	// PromptOverride replaces the generated annotation prompt.
	PromptOverride string
	// ModelOverride replaces the session model for this call only.
	ModelOverride string
}

// Config configures a SessionClient.
type Config struct {
	// Command is the agent binary (default "codex"); it is spawned with
	// the mcp-server argument.
	Command string
	// Model is the default model for calls.
	Model string
	// SandboxMode is passed through to the agent.
	SandboxMode string
	// FirstCallIdleTimeout aborts a fresh-conversation call after this
	// much silence (default 180s).
	FirstCallIdleTimeout time.Duration
	// ReplyIdleTimeout aborts a follow-up call after this much silence
	// (default 90s).
	ReplyIdleTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Command == "" {
		out.Command = "codex"
	}
	if out.SandboxMode == "" {
		out.SandboxMode = "workspace-write"
	}
	if out.FirstCallIdleTimeout <= 0 {
		out.FirstCallIdleTimeout = 180 * time.Second
	}
	if out.ReplyIdleTimeout <= 0 {
		out.ReplyIdleTimeout = 90 * time.Second
	}
	return out
}

// callState is the per-call context the notification and request
// handlers read. It is swapped atomically at call boundaries so a late
// event from a finished call cannot touch the next call's state.
type callState struct {
	progress     ProgressFunc
	approval     ApprovalFunc
	threadID     atomic.Value // string
	lastActivity atomic.Int64 // unix nanos
}

func newCallState(progress ProgressFunc, approval ApprovalFunc, threadID string) *callState {
	cs := &callState{progress: progress, approval: approval}
	cs.threadID.Store(threadID)
	cs.lastActivity.Store(time.Now().UnixNano())
	return cs
}

func (cs *callState) touch() {
	cs.lastActivity.Store(time.Now().UnixNano())
}

func (cs *callState) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - cs.lastActivity.Load())
}

func (cs *callState) thread() string {
	v, _ := cs.threadID.Load().(string)
	return v
}

// SessionClient drives one agent subprocess. One tool call runs at a
// time; the bridge's queue provides ordering above this.
type SessionClient struct {
	mu      sync.Mutex
	cfg     Config
	session rpcSession
	ready   bool

	// newSession spawns the subprocess. Swapped in tests.
	newSession func(c *SessionClient) (rpcSession, error)

	// callMu serializes tool calls.
	callMu sync.Mutex
	call   atomic.Pointer[callState]

	// approvalMu guards the decision queues below.
	approvalMu sync.Mutex
	// decisions are futures created by exec_approval_request events,
	// consumed in order by the agent's approval requests.
	decisions []chan bool
	// manual holds decision channels waiting on ResolveApproval, used
	// when a call supplies no ApprovalFunc.
	manual []chan bool

	// tick is the watchdog sampling interval, shortened in tests.
	tick time.Duration

	log *logging.Logger
}

// NewSessionClient creates a client; Start must be called before use.
func NewSessionClient(cfg Config) *SessionClient {
	c := &SessionClient{
		cfg:  cfg.withDefaults(),
		tick: watchdogTick,
		log:  logging.Default().WithComponent("agent"),
	}
	c.newSession = func(sc *SessionClient) (rpcSession, error) {
		return newStdioSession(sc.cfg.Command, []string{"mcp-server"}, sc.handleNotification, sc.handleRequest)
	}
	return c
}

// Start spawns the agent subprocess and completes the MCP handshake.
func (c *SessionClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	session, err := c.newSession(c)
	if err != nil {
		return errors.NewAgentError("starting session", err)
	}

	initParams := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "spark-bridge",
			"version": "0.1.0",
		},
	}
	if err := session.Call(ctx, "initialize", initParams, nil); err != nil {
		_ = session.Close()
		return errors.NewAgentError("initialize handshake", err)
	}
	if err := session.Notify("notifications/initialized", map[string]any{}); err != nil {
		_ = session.Close()
		return errors.NewAgentError("initialized notification", err)
	}

	var tools struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := session.Call(ctx, "tools/list", map[string]any{}, &tools); err != nil {
		_ = session.Close()
		return errors.NewAgentError("listing tools", err)
	}

	names := make([]string, 0, len(tools.Tools))
	for _, t := range tools.Tools {
		names = append(names, t.Name)
	}
	c.log.Info("agent session connected", "tools", strings.Join(names, ","), "model", c.cfg.Model)

	c.session = session
	c.ready = true
	return nil
}

// Stop tears down the subprocess. Pending approval decisions are
// discarded; in-flight calls fail with ErrNotConnected.
func (c *SessionClient) Stop() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.ready = false
	c.mu.Unlock()

	c.approvalMu.Lock()
	c.decisions = nil
	c.manual = nil
	c.approvalMu.Unlock()

	if session != nil {
		_ = session.Close()
	}
}

// Restart stops and relaunches the subprocess. Thread ids from the old
// process are no longer valid after a restart.
func (c *SessionClient) Restart(ctx context.Context) error {
	c.log.Info("restarting agent session")
	c.Stop()
	return c.Start(ctx)
}

// SetModel changes the model for subsequent calls.
func (c *SessionClient) SetModel(model string) {
	c.mu.Lock()
	c.cfg.Model = model
	c.mu.Unlock()
}

// Model returns the current default model.
func (c *SessionClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Model
}

// Ready reports whether the session is connected.
func (c *SessionClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ResolveApproval answers the oldest manual approval decision. Used when
// a call ran without an ApprovalFunc and the UI answers out of band.
func (c *SessionClient) ResolveApproval(approved bool) {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()
	if len(c.manual) == 0 {
		return
	}
	ch := c.manual[0]
	c.manual = c.manual[1:]
	ch <- approved
}

// Execute runs a fresh conversation for the annotation in cwd. A nil
// options uses the generated prompt and the session model.
func (c *SessionClient) Execute(ctx context.Context, a *annotation.Annotation, cwd string, onProgress ProgressFunc, onApproval ApprovalFunc, opts *CallOptions) Result {
	p := ""
	model := c.Model()
	if opts != nil {
		p = opts.PromptOverride
		if opts.ModelOverride != "" {
			model = opts.ModelOverride
		}
	}
	if p == "" {
		p = prompt.Build(a)
	}

	args := map[string]any{
		"prompt":          p,
		"cwd":             cwd,
		"model":           model,
		"sandbox":         c.cfg.SandboxMode,
		"approval-policy": "on-request",
	}
	return c.callTool(ctx, "codex", args, "", onProgress, onApproval, c.cfg.FirstCallIdleTimeout)
}

// Reply continues an existing conversation thread.
func (c *SessionClient) Reply(ctx context.Context, threadID, replyPrompt string, onProgress ProgressFunc, onApproval ApprovalFunc) Result {
	args := map[string]any{
		"threadId": threadID,
		"prompt":   replyPrompt,
	}
	return c.callTool(ctx, "codex-reply", args, threadID, onProgress, onApproval, c.cfg.ReplyIdleTimeout)
}

// toolResult is the MCP tools/call response shape.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func (c *SessionClient) callTool(ctx context.Context, tool string, args map[string]any, threadID string, onProgress ProgressFunc, onApproval ApprovalFunc, idleTimeout time.Duration) Result {
	c.mu.Lock()
	session := c.session
	ready := c.ready
	c.mu.Unlock()

	if session == nil || !ready {
		return Result{Success: false, Error: errors.ErrNotConnected.Error()}
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	cs := newCallState(onProgress, onApproval, threadID)
	c.call.Store(cs)
	start := time.Now()

	if onProgress != nil {
		onProgress("Sending to agent...")
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdogDone := make(chan struct{})
	go c.watchdog(cs, idleTimeout, cancel, watchdogDone)

	defer func() {
		close(watchdogDone)
		c.call.Store(nil)
		c.approvalMu.Lock()
		c.decisions = nil
		c.manual = nil
		c.approvalMu.Unlock()
	}()

	var result toolResult
	params := map[string]any{"name": tool, "arguments": args}
	err := session.Call(callCtx, "tools/call", params, &result)
	duration := time.Since(start)
	resolvedThread := cs.thread()

	if err != nil {
		msg := err.Error()
		if callCtx.Err() == context.Canceled && ctx.Err() == nil {
			msg = errors.ErrIdleTimeout.Error()
		}
		c.log.Warn("tool call failed", "tool", tool, "duration", duration, "error", msg)
		return Result{Success: false, Error: msg, Duration: duration, ThreadID: resolvedThread}
	}

	var output strings.Builder
	for _, part := range result.Content {
		if part.Type != "text" {
			continue
		}
		if output.Len() > 0 {
			output.WriteByte('\n')
		}
		output.WriteString(part.Text)
	}

	if result.IsError {
		msg := output.String()
		if strings.TrimSpace(msg) == "" {
			msg = "agent error"
		}
		return Result{Success: false, Output: output.String(), Error: msg, Duration: duration, ThreadID: resolvedThread}
	}

	c.log.Info("tool call complete", "tool", tool, "duration", duration, "thread", resolvedThread)
	return Result{Success: true, Output: output.String(), Duration: duration, ThreadID: resolvedThread}
}

// watchdog cancels the call when the agent goes silent for longer than
// idleTimeout. Any event notification counts as activity.
func (c *SessionClient) watchdog(cs *callState, idleTimeout time.Duration, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if idle := cs.idleFor(); idle > idleTimeout {
				c.log.Warn("idle watchdog fired", "idle", idle.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

// handleNotification routes agent notifications to the active call.
func (c *SessionClient) handleNotification(n Notification) {
	cs := c.call.Load()
	if cs == nil {
		// Events with no call in flight still get logged via the
		// interpreter, but there is nobody to notify.
		InterpretEvent(n, EventContext{})
		return
	}

	InterpretEvent(n, EventContext{
		SetThreadID: func(threadID string) {
			cs.threadID.Store(threadID)
		},
		TouchActivity: cs.touch,
		OnProgress: func(message string) {
			if cs.progress != nil {
				cs.progress(message)
			}
		},
		OnApprovalRequest: func(command string) {
			c.queueApproval(cs, command)
		},
	})
}

// queueApproval creates the decision future for one approval request.
// With an ApprovalFunc the decision comes from the callback; without one
// it waits for ResolveApproval.
func (c *SessionClient) queueApproval(cs *callState, command string) {
	future := make(chan bool, 1)

	c.approvalMu.Lock()
	c.decisions = append(c.decisions, future)
	if cs.approval == nil {
		c.manual = append(c.manual, future)
	}
	c.approvalMu.Unlock()

	if cs.approval != nil {
		go func() {
			future <- cs.approval(command)
		}()
	}
}

// handleRequest answers agent-to-client requests. Approval requests
// consume the oldest queued decision; anything else (and an empty queue)
// gets the default decision.
func (c *SessionClient) handleRequest(method string, _ json.RawMessage) any {
	c.log.Debug("request from agent", "method", method)

	c.approvalMu.Lock()
	var future chan bool
	if len(c.decisions) > 0 {
		future = c.decisions[0]
		c.decisions = c.decisions[1:]
	}
	c.approvalMu.Unlock()

	approved := DefaultApprovalDecision
	if future != nil {
		approved = <-future
	}
	return map[string]any{"approved": approved}
}
