// Package event defines event types for decoupling components in the bridge.
// These events let the server, queue, and agent session communicate with
// logging and diagnostics without requiring direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "job.queued", "session.restarted")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Job Lifecycle Events
// -----------------------------------------------------------------------------

// JobQueuedEvent is emitted when an annotation job enters the queue.
type JobQueuedEvent struct {
	baseEvent
	JobID   string // Annotation id
	Kind    string // "annotation", "plan", or "image"
	Comment string // User comment, may be empty
}

// NewJobQueuedEvent creates a JobQueuedEvent.
func NewJobQueuedEvent(jobID, kind, comment string) JobQueuedEvent {
	return JobQueuedEvent{
		baseEvent: newBaseEvent("job.queued"),
		JobID:     jobID,
		Kind:      kind,
		Comment:   comment,
	}
}

// JobStatusChangedEvent is emitted on every job status transition.
type JobStatusChangedEvent struct {
	baseEvent
	JobID  string // Annotation id
	Status string // New status (processing, applied, failed, ...)
	Error  string // Error message when Status is failed
}

// NewJobStatusChangedEvent creates a JobStatusChangedEvent.
func NewJobStatusChangedEvent(jobID, status, errMsg string) JobStatusChangedEvent {
	return JobStatusChangedEvent{
		baseEvent: newBaseEvent("job.status_changed"),
		JobID:     jobID,
		Status:    status,
		Error:     errMsg,
	}
}

// JobProgressEvent is emitted for each progress line produced while a job
// runs. Text carries the already-tagged summary (e.g. "[cmd] npm test").
type JobProgressEvent struct {
	baseEvent
	JobID string
	Text  string
}

// NewJobProgressEvent creates a JobProgressEvent.
func NewJobProgressEvent(jobID, text string) JobProgressEvent {
	return JobProgressEvent{
		baseEvent: newBaseEvent("job.progress"),
		JobID:     jobID,
		Text:      text,
	}
}

// -----------------------------------------------------------------------------
// Approval Events
// -----------------------------------------------------------------------------

// ApprovalRequestedEvent is emitted when the agent asks permission to run
// a command or patch files.
type ApprovalRequestedEvent struct {
	baseEvent
	JobID   string
	Command string // Command or patch summary shown to the user
}

// NewApprovalRequestedEvent creates an ApprovalRequestedEvent.
func NewApprovalRequestedEvent(jobID, command string) ApprovalRequestedEvent {
	return ApprovalRequestedEvent{
		baseEvent: newBaseEvent("approval.requested"),
		JobID:     jobID,
		Command:   command,
	}
}

// ApprovalResolvedEvent is emitted when a pending approval is decided,
// whether by the user or by an auto-deny supersede.
type ApprovalResolvedEvent struct {
	baseEvent
	JobID    string
	Approved bool
}

// NewApprovalResolvedEvent creates an ApprovalResolvedEvent.
func NewApprovalResolvedEvent(jobID string, approved bool) ApprovalResolvedEvent {
	return ApprovalResolvedEvent{
		baseEvent: newBaseEvent("approval.resolved"),
		JobID:     jobID,
		Approved:  approved,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionRestartedEvent is emitted after the agent subprocess has been
// torn down and respawned.
type SessionRestartedEvent struct {
	baseEvent
	Model  string // Model in effect after the restart
	Reason string // "user_request", "watchdog", or "model_change"
}

// NewSessionRestartedEvent creates a SessionRestartedEvent.
func NewSessionRestartedEvent(model, reason string) SessionRestartedEvent {
	return SessionRestartedEvent{
		baseEvent: newBaseEvent("session.restarted"),
		Model:     model,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueDepthChangedEvent is emitted when the number of queued or active
// jobs changes.
type QueueDepthChangedEvent struct {
	baseEvent
	Active  int
	Pending int
}

// NewQueueDepthChangedEvent creates a QueueDepthChangedEvent.
func NewQueueDepthChangedEvent(active, pending int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent: newBaseEvent("queue.depth_changed"),
		Active:    active,
		Pending:   pending,
	}
}
