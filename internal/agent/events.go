package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Iron-Ham/sparkbridge/internal/logging"
)

// EventType identifies one kind of agent event notification.
type EventType string

// The event vocabulary the agent emits over codex/event notifications.
// Unknown types fall through to a generic progress line rather than being
// dropped, so a new agent version degrades gracefully.
const (
	EventSessionConfigured   EventType = "session_configured"
	EventTaskStarted         EventType = "task_started"
	EventTaskComplete        EventType = "task_complete"
	EventAgentMessage        EventType = "agent_message"
	EventAgentReasoning      EventType = "agent_reasoning"
	EventExecCommandBegin    EventType = "exec_command_begin"
	EventExecCommandEnd      EventType = "exec_command_end"
	EventExecApprovalRequest EventType = "exec_approval_request"
	EventUserMessage         EventType = "user_message"
	EventPatchApplyBegin     EventType = "patch_apply_begin"
	EventPatchApplyEnd       EventType = "patch_apply_end"
	EventRawResponseItem     EventType = "raw_response_item"
	EventTokenCount          EventType = "token_count"
	EventTurnDiff            EventType = "turn_diff"
)

// silentEvents are high-frequency delta events. They count as activity
// for the watchdog but produce no progress line.
var silentEvents = map[EventType]struct{}{
	"agent_message_content_delta":   {},
	"agent_message_delta":           {},
	"reasoning_content_delta":       {},
	"agent_reasoning_delta":         {},
	"agent_reasoning_section_break": {},
	"item_started":                  {},
	"item_completed":                {},
	"mcp_startup_update":            {},
	"mcp_startup_complete":          {},
}

// shellWrapperRe strips the login-shell wrapper the agent puts around
// every command so progress lines show the command itself.
var shellWrapperRe = regexp.MustCompile(`^/bin/(?:ba)?sh\s+-lc\s+`)

// eventMeta carries the thread id the agent attaches to event batches.
type eventMeta struct {
	RequestID int64  `json:"requestId"`
	ThreadID  string `json:"threadId"`
}

// eventMsg is the union payload of a codex/event notification. Fields are
// populated per event type; the rest stay zero.
type eventMsg struct {
	Type          EventType       `json:"type"`
	Model         string          `json:"model"`
	SandboxPolicy json.RawMessage `json:"sandbox_policy"`
	Message       string          `json:"message"`
	Command       []string        `json:"command"`
	ExitCode      *int            `json:"exit_code"`
	Item          json.RawMessage `json:"item"`
	Info          *tokenInfo      `json:"info"`
}

type tokenInfo struct {
	TotalTokenUsage *tokenUsage `json:"total_token_usage"`
}

type tokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type eventParams struct {
	Meta *eventMeta `json:"_meta"`
	Msg  *eventMsg  `json:"msg"`
}

// EventContext receives the interpreted side effects of one event.
type EventContext struct {
	// SetThreadID records the conversation thread the event belongs to.
	SetThreadID func(threadID string)
	// TouchActivity marks the call as alive for the idle watchdog. Called
	// for every event, including silent ones.
	TouchActivity func()
	// OnProgress receives a human-readable progress line.
	OnProgress func(message string)
	// OnApprovalRequest receives the normalized command awaiting approval.
	OnApprovalRequest func(command string)
}

// InterpretEvent translates one codex/event notification into context
// callbacks. Notifications with other methods are ignored.
func InterpretEvent(n Notification, ctx EventContext) {
	if n.Method != "codex/event" {
		return
	}

	var params eventParams
	if err := json.Unmarshal(n.Params, &params); err != nil || params.Msg == nil {
		return
	}
	msg := params.Msg
	log := logging.Default().WithComponent("agent.events")

	if params.Meta != nil && params.Meta.ThreadID != "" && ctx.SetThreadID != nil {
		ctx.SetThreadID(params.Meta.ThreadID)
	}

	if ctx.TouchActivity != nil {
		ctx.TouchActivity()
	}

	if _, silent := silentEvents[msg.Type]; silent {
		return
	}

	progress := func(line string) {
		if ctx.OnProgress != nil {
			ctx.OnProgress(line)
		}
	}

	switch msg.Type {
	case EventSessionConfigured:
		log.Info("session configured", "model", msg.Model)

	case EventTaskStarted:
		progress("[status] task started")

	case EventTaskComplete:
		progress("[status] task complete")

	case EventAgentMessage:
		if text := strings.TrimSpace(msg.Message); text != "" {
			progress("[agent] " + truncate(msg.Message, 200))
		}

	case EventAgentReasoning:
		if text := strings.TrimSpace(msg.Message); text != "" {
			progress("[agent] " + truncate(msg.Message, 150))
		}

	case EventExecCommandBegin:
		cmd := normalizeCommand(strings.Join(msg.Command, " "))
		progress("[cmd] " + truncate(cmd, 120))

	case EventExecCommandEnd:
		if msg.ExitCode != nil && *msg.ExitCode != 0 {
			progress(fmt.Sprintf("[cmd-err] exit %d", *msg.ExitCode))
		}

	case EventExecApprovalRequest:
		cmd := normalizeCommand(strings.Join(msg.Command, " "))
		log.Info("approval requested", "command", cmd)
		if ctx.OnApprovalRequest != nil {
			ctx.OnApprovalRequest(cmd)
		}

	case EventUserMessage:
		progress("[status] prompt sent")

	case EventPatchApplyBegin:
		progress("[status] applying patch...")

	case EventPatchApplyEnd:
		progress("[status] patch applied")

	case EventRawResponseItem:
		if text := reasoningSummary(msg.Item); text != "" {
			progress("[agent] " + truncate(text, 150))
		}

	case EventTokenCount:
		if msg.Info != nil && msg.Info.TotalTokenUsage != nil {
			u := msg.Info.TotalTokenUsage
			progress(fmt.Sprintf("[status] tokens: in=%d out=%d", u.InputTokens, u.OutputTokens))
		}

	case EventTurnDiff:
		progress("[status] diff applied")

	default:
		log.Debug("unhandled agent event", "type", string(msg.Type))
		progress("[other] " + string(msg.Type))
	}
}

// reasoningSummary digs the first summary line out of a raw reasoning item.
func reasoningSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var item struct {
		Type    string `json:"type"`
		Summary []struct {
			Text string `json:"text"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(raw, &item); err != nil || item.Type != "reasoning" {
		return ""
	}
	if len(item.Summary) == 0 {
		return ""
	}
	return item.Summary[0].Text
}

func normalizeCommand(raw string) string {
	return shellWrapperRe.ReplaceAllString(raw, "")
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
