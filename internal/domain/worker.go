package domain

import "time"

// WorkerState is the lifecycle state of a SessionWorker.
type WorkerState string

const (
	WorkerRunning WorkerState = "running"
	WorkerStopped WorkerState = "stopped"
	WorkerDeleted WorkerState = "deleted"
)

// SyncStatus is the status of the most recent workspace sync.
type SyncStatus string

const (
	SyncNone    SyncStatus = "none"
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SessionWorker is a containerized execution sandbox bound to a session id.
type SessionWorker struct {
	SessionID         string
	ContainerID       string
	WorkspaceS3Prefix string
	State             WorkerState
	LastActiveAt      time.Time
	StoppedAt         *time.Time
	LastSyncStatus    SyncStatus
	LastSyncAt        *time.Time
	LastSyncError     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActivateContext carries the parameters of an activateSession call.
type ActivateContext struct {
	SessionID       string
	AppID           string
	ProjectName     string
	UserLoginName   string
	RuntimeVersion  string
	Manifest        *RestorePlan
}

// RestorePlan describes how to restore a workspace into a freshly created worker.
type RestorePlan struct {
	Source        string
	RequiredPaths []string
}

// SyncSpec describes the include/exclude glob sets and reason for a workspace sync.
type SyncSpec struct {
	SessionID  string
	Reason     string
	RunID      string
	Include    []string
	Exclude    []string
}

// DefaultSyncInclude and DefaultSyncExclude are the glob sets spec.md 4.E names
// for syncSessionWorkspace.
var (
	DefaultSyncInclude = []string{"/workspace/**", "/workspace/.agent_data/**"}
	DefaultSyncExclude = []string{"/workspace/.codex/**", "/workspace/.claude/**", "/workspace/.opencode/**"}
)

// Sync reasons used across the lifecycle manager and reconcilers.
const (
	SyncReasonPreStop   = "pre.stop"
	SyncReasonPreRemove = "pre.remove"
	SyncReasonManual    = "manual"
	SyncReasonReconcile = "reconciler"
)
