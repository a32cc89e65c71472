// Package approval correlates approval requests raised during a job's
// agent call with the decision frames the owning client sends back.
//
// The invariant is one live pending decision per job id: raising a new
// request for a job that already has an unresolved one auto-denies the
// stale request before the new one is registered. Without this, a client
// that never answered the first request would leave both the agent call
// and the superseding request wedged.
//
// Entries are scoped to one job's processing lifetime. The orchestrator
// calls Clear after the job terminates and ClearAll at shutdown so no
// waiter hangs forever.
package approval
