// Package domain contains the core types shared across the run control plane.
package domain

import "time"

// RunStatus is the lifecycle status of a RunQueueItem.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunClaimed   RunStatus = "claimed"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the status never transitions further.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Provider tags the adapter kind a run was dispatched to.
type Provider string

// RunQueueItem is one row in the durable run queue.
type RunQueueItem struct {
	RunID         string
	SessionID     string
	Provider      Provider
	Status        RunStatus
	LockOwner     string
	LockExpiresAt *time.Time
	AvailableAt   *time.Time
	Attempts      int
	MaxAttempts   int
	Payload       []byte
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsClaimable reports whether the item may be picked up by claimNext at now,
// per spec.md 4.A: queued items whose available_at has passed, or claimed
// items whose lease has expired.
func (r *RunQueueItem) IsClaimable(now time.Time) bool {
	switch r.Status {
	case RunQueued:
		return r.AvailableAt == nil || !r.AvailableAt.After(now)
	case RunClaimed:
		return r.LockExpiresAt != nil && !r.LockExpiresAt.After(now)
	default:
		return false
	}
}
