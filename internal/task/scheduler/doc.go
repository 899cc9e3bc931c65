// Package scheduler ties the task components together.
//
// A Scheduler owns the active-task map, a priority queue fed by eligibility
// timers, a fixed-rate consumer tick and a supervised worker pool. Every tick
// pops ready tasks in priority order and runs them through the gates:
//   - expiration (retired as EXPIRED)
//   - dependencies (re-offered until every dependency completed)
//   - circuit breaker of the task's resource
//   - rate limit of the task's resource (re-offered at the next free slot)
//
// Admitted tasks run on the worker pool, on the host's primary context when
// they are not async, or on a peer through the distributed dispatcher.
package scheduler
