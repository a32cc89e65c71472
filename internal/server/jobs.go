package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/Iron-Ham/sparkbridge/internal/agent"
	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/event"
	"github.com/Iron-Ham/sparkbridge/internal/planmeta"
	"github.com/Iron-Ham/sparkbridge/internal/prompt"
	"github.com/Iron-Ham/sparkbridge/internal/router"
)

// threadMap records the agent conversation thread for each job id, so a
// resubmitted annotation continues its thread instead of starting over.
type threadMap struct {
	mu      sync.Mutex
	threads map[string]string
}

func newThreadMap() *threadMap {
	return &threadMap{threads: make(map[string]string)}
}

func (t *threadMap) get(jobID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads[jobID]
}

func (t *threadMap) set(jobID, threadID string) {
	t.mu.Lock()
	t.threads[jobID] = threadID
	t.mu.Unlock()
}

func (b *Bridge) enqueue(a *annotation.Annotation, projectRoot string, peer *router.Peer, plan bool) {
	kind := "annotation"
	if plan {
		kind = "plan"
	}
	b.log.Info("annotation queued",
		"id", a.ID, "selector", a.Element.Selector, "kind", kind, "project", projectRoot)

	b.router.SetSender(a.ID, peer)
	b.bus.Publish(event.NewJobQueuedEvent(a.ID, kind, a.Comment))
	b.queue.Enqueue(queueItem{ann: a, projectRoot: projectRoot, peer: peer, plan: plan})
	b.bus.Publish(event.NewQueueDepthChangedEvent(b.queue.Active(), b.queue.Pending()))
}

// processItem is the queue worker. It owns the full lifecycle of one job:
// processing status, the agent call, plan variants, and the terminal
// applied/failed status. The approval entry is always cleared on the way
// out so a stale decision can never leak into the next job.
func (b *Bridge) processItem(item queueItem) {
	a := item.ann
	b.sendStatus(a.ID, annotation.StatusProcessing, "", "")
	b.log.Info("processing annotation", "id", a.ID, "plan", item.plan)

	defer func() {
		b.bus.Publish(event.NewQueueDepthChangedEvent(b.queue.Active(), b.queue.Pending()))
	}()

	if b.cfg.Server.DryRun {
		b.processDryRun(a)
		return
	}
	b.processWithAgent(item)
}

func (b *Bridge) processWithAgent(item queueItem) {
	a := item.ann
	// The call can end while an approval question is still open, e.g. when
	// the idle watchdog fires mid-wait. Deny it so the blocked callback
	// goroutine is released instead of waiting on a discarded entry.
	defer func() {
		b.approvals.Resolve(a.ID, false)
		b.approvals.Clear(a.ID)
	}()

	onProgress := b.progressFunc(a.ID)
	onApproval := func(command string) bool {
		return b.requestApproval(a.ID, command)
	}

	var result agent.Result
	if threadID := b.threads.get(a.ID); threadID != "" {
		b.log.Info("continuing thread", "id", a.ID, "thread", threadID)
		result = b.agent.Reply(b.ctx, threadID, a.Comment, onProgress, onApproval)
	} else {
		var opts *agent.CallOptions
		if item.plan {
			opts = &agent.CallOptions{PromptOverride: prompt.BuildPlan(a)}
		}
		result = b.agent.Execute(b.ctx, a, item.projectRoot, onProgress, onApproval, opts)
	}

	if result.ThreadID != "" {
		b.threads.set(a.ID, result.ThreadID)
	}

	if !result.Success {
		b.log.Warn("annotation failed", "id", a.ID, "error", result.Error)
		b.sendStatus(a.ID, annotation.StatusFailed, "", result.Error)
		return
	}

	b.log.Info("annotation applied", "id", a.ID, "duration", result.Duration)

	if item.plan {
		if variants := planmeta.Parse(result.Output); len(variants) > 0 {
			b.log.Info("plan variants ready", "id", a.ID, "count", len(variants))
			b.router.SendToSender(a.ID, annotation.ServerMessage{
				Type:         annotation.MsgPlanVariantsReady,
				AnnotationID: a.ID,
				Variants:     variants,
			})
		}
	}

	b.sendStatus(a.ID, annotation.StatusApplied, result.Output, "")
}

// handlePlanApply continues a planning thread with the chosen approach, or
// cancels it. Without a recorded thread there is nothing to continue.
func (b *Bridge) handlePlanApply(annotationID, approach string, peer *router.Peer) {
	b.log.Info("plan apply", "id", annotationID, "approach", approach)
	b.router.SetSender(annotationID, peer)

	threadID := b.threads.get(annotationID)
	if threadID == "" {
		b.log.Warn("plan apply without thread", "id", annotationID)
		b.sendStatus(annotationID, annotation.StatusFailed, "", "No agent session found for this annotation.")
		return
	}

	var replyPrompt string
	if approach == "cancel" {
		replyPrompt = prompt.BuildPlanCancel()
	} else {
		index, err := strconv.Atoi(approach)
		if err != nil {
			b.sendStatus(annotationID, annotation.StatusFailed, "", "invalid plan approach: "+approach)
			return
		}
		replyPrompt = prompt.BuildPlanApply(index)
	}

	b.sendStatus(annotationID, annotation.StatusProcessing, "", "")

	result := b.agent.Reply(b.ctx, threadID, replyPrompt, b.progressFunc(annotationID), nil)
	if !result.Success {
		b.log.Warn("plan apply failed", "id", annotationID, "error", result.Error)
		b.sendStatus(annotationID, annotation.StatusFailed, "", result.Error)
		return
	}
	b.sendStatus(annotationID, annotation.StatusApplied, result.Output, "")
}

// requestApproval forwards the command to the owning client and blocks
// until the decision arrives. A newer request for the same job denies this
// one; only the latest pending question can be granted.
func (b *Bridge) requestApproval(annotationID, command string) bool {
	ch := b.approvals.Request(annotationID, func() {
		b.bus.Publish(event.NewApprovalRequestedEvent(annotationID, command))
		b.router.SendToSender(annotationID, annotation.ServerMessage{
			Type:         annotation.MsgApprovalRequest,
			AnnotationID: annotationID,
			Command:      command,
		})
	})
	return <-ch
}

func (b *Bridge) resolveApproval(annotationID string, approved bool) {
	b.bus.Publish(event.NewApprovalResolvedEvent(annotationID, approved))
	if !b.approvals.Resolve(annotationID, approved) {
		b.log.Warn("no pending approval", "id", annotationID)
	}
}

// processDryRun fakes the agent round trip so the overlay can be
// exercised without spawning a subprocess.
func (b *Bridge) processDryRun(a *annotation.Annotation) {
	onProgress := b.progressFunc(a.ID)

	onProgress("[dry-run] sending to agent...")
	time.Sleep(b.simDelay)
	onProgress("[dry-run] locating selector \"" + a.Element.Selector + "\"...")
	time.Sleep(b.simDelay)
	onProgress("[dry-run] applying code changes...")
	time.Sleep(b.simDelay)

	b.log.Info("dry-run applied", "id", a.ID)
	b.sendStatus(a.ID, annotation.StatusApplied, "", "")
}

func (b *Bridge) progressFunc(jobID string) agent.ProgressFunc {
	return func(message string) {
		b.bus.Publish(event.NewJobProgressEvent(jobID, message))
		b.router.SendToSender(jobID, annotation.ServerMessage{
			Type:         annotation.MsgProgress,
			AnnotationID: jobID,
			Message:      message,
		})
	}
}

func (b *Bridge) sendStatus(jobID, status, response, errMsg string) {
	b.bus.Publish(event.NewJobStatusChangedEvent(jobID, status, errMsg))
	b.router.SendToSender(jobID, annotation.ServerMessage{
		Type:         annotation.MsgStatus,
		AnnotationID: jobID,
		Status:       status,
		Response:     response,
		Error:        errMsg,
	})
}
