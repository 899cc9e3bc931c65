package task

import (
	"fmt"
	"strings"
)

// Priority orders tasks in the queue; higher runs first.
// The zero value means "unset" and resolves to PriorityNormal.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 15
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority accepts LOW, NORMAL, HIGH or CRITICAL (case-insensitive).
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// State is the lifecycle state of a task.
type State int

const (
	StateScheduled State = iota
	StateExecuting
	StateWaitingForDependencies
	StateRateLimited
	StateCompleted
	StateRetryPending
	StateFailed
	StateCancelled
	StateExpired
)

var stateNames = [...]string{
	StateScheduled:              "SCHEDULED",
	StateExecuting:              "EXECUTING",
	StateWaitingForDependencies: "WAITING_FOR_DEPENDENCIES",
	StateRateLimited:            "RATE_LIMITED",
	StateCompleted:              "COMPLETED",
	StateRetryPending:           "RETRY_PENDING",
	StateFailed:                 "FAILED",
	StateCancelled:              "CANCELLED",
	StateExpired:                "EXPIRED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
// COMPLETED is terminal only for one-shot tasks; recurring tasks go back to
// SCHEDULED right after completing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// ParseState parses the names produced by State.String. Empty means SCHEDULED.
func ParseState(s string) (State, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	if up == "" {
		return StateScheduled, nil
	}
	for i, n := range stateNames {
		if n == up {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// RetryStrategy shapes the delay between failed attempts.
// The zero value means "unset" and resolves to RetryExponential.
type RetryStrategy int

const (
	RetryImmediate RetryStrategy = iota + 1
	RetryFixed
	RetryLinear
	RetryExponential
	RetryRandom
)

func (r RetryStrategy) String() string {
	switch r {
	case RetryImmediate:
		return "IMMEDIATE"
	case RetryFixed:
		return "FIXED_DELAY"
	case RetryLinear:
		return "LINEAR_BACKOFF"
	case RetryExponential:
		return "EXPONENTIAL_BACKOFF"
	case RetryRandom:
		return "RANDOM_BACKOFF"
	default:
		return fmt.Sprintf("RetryStrategy(%d)", int(r))
	}
}

func (r RetryStrategy) valid() bool { return r >= RetryImmediate && r <= RetryRandom }

// ParseRetryStrategy accepts the names produced by String plus the short
// aliases "fixed", "linear", "exponential" and "random". Empty means exponential.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EXPONENTIAL_BACKOFF", "EXPONENTIAL":
		return RetryExponential, nil
	case "IMMEDIATE":
		return RetryImmediate, nil
	case "FIXED_DELAY", "FIXED":
		return RetryFixed, nil
	case "LINEAR_BACKOFF", "LINEAR":
		return RetryLinear, nil
	case "RANDOM_BACKOFF", "RANDOM":
		return RetryRandom, nil
	}
	return 0, fmt.Errorf("unknown retry strategy %q", s)
}
