// Package event provides a pub-sub event bus for decoupled inter-component
// communication in the bridge.
//
// The server publishes job lifecycle, approval, session, and queue events;
// subscribers (primarily the logging sink wired in cmd) observe them without
// the server knowing who is listening.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Multiple goroutines can publish
// and subscribe concurrently. Handlers are called synchronously and protected
// against panics - a panicking handler will not prevent other handlers from
// being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	// Subscribe to specific event types
//	bus.Subscribe("job.status_changed", func(e event.Event) {
//	    changed := e.(event.JobStatusChangedEvent)
//	    log.Printf("job %s is now %s", changed.JobID, changed.Status)
//	})
//
//	// Subscribe to all events (useful for logging)
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("event: %s at %v", e.EventType(), e.Timestamp())
//	})
//
//	// Publish events
//	bus.Publish(event.NewJobQueuedEvent("ann-1", "annotation", "make it blue"))
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - job.queued, job.status_changed, job.progress
//   - approval.requested, approval.resolved
//   - session.restarted
//   - queue.depth_changed
package event
