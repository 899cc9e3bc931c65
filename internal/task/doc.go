// Package task defines the schedulable unit of work.
//
// A Task couples immutable identity and policy (priority, schedule, dependencies,
// retry policy, resource id, expiration) with a small amount of runtime state
// (next eligible time, retry count, lifecycle state, body) that the scheduler
// mutates while the task moves through its lifecycle.
//
// Tasks are built from a Config via New, which applies defaults and validates
// the combination of fields. The body is never persisted; a task restored from
// storage carries a placeholder body until the host binds the real one.
package task
