// Package workorder models a submitted task request and its lifecycle:
// the record itself, the state machine governing its status transitions,
// a JSON-file-backed store, and a service that wires the store to the
// queue and process manager.
package workorder

import "time"

// Status is one of the seven statuses a work order may occupy.
type Status string

const (
	StatusQueued               Status = "queued"
	StatusRunning               Status = "running"
	StatusWaitingForChildren    Status = "waiting-for-children"
	StatusIntegrating           Status = "integrating"
	StatusSucceeded             Status = "succeeded"
	StatusFailed                Status = "failed"
	StatusCanceled              Status = "canceled"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// WorkspaceSourceKind tags the variant of WorkspaceSource.
type WorkspaceSourceKind string

const (
	WorkspaceLocalPath        WorkspaceSourceKind = "local-path"
	WorkspaceGitURL           WorkspaceSourceKind = "git-url"
	WorkspaceFreshFromTemplate WorkspaceSourceKind = "fresh-from-template"
	WorkspaceExistingRemote   WorkspaceSourceKind = "existing-remote"
	WorkspaceNewRemote        WorkspaceSourceKind = "new-remote"
)

// WorkspaceSource is a tagged variant describing where the agent's
// workspace comes from.
type WorkspaceSource struct {
	Kind WorkspaceSourceKind `json:"kind"`

	// Populated when Kind == WorkspaceLocalPath.
	Path string `json:"path,omitempty"`

	// Populated when Kind == WorkspaceGitURL.
	GitURL    string `json:"gitUrl,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`

	// Populated when Kind == WorkspaceFreshFromTemplate.
	TemplateID string `json:"templateId,omitempty"`

	// Populated when Kind == WorkspaceExistingRemote or WorkspaceNewRemote.
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// Policies bounds what the agent subprocess is permitted to do.
type Policies struct {
	NetworkAllowed      bool     `json:"networkAllowed"`
	AllowedPaths        []string `json:"allowedPaths,omitempty"`
	ForbiddenGlobs      []string `json:"forbiddenGlobs,omitempty"`
	DiskCapBytes        *int64   `json:"diskCapBytes,omitempty"`
}

// Recursion holds the optional sub-agent spawning fields. A zero value
// (ParentID == "") means this work order is a root.
type Recursion struct {
	ParentID    string   `json:"parentId,omitempty"`
	RootID      string   `json:"rootId,omitempty"`
	Depth       int      `json:"depth"`
	SiblingIndex int     `json:"siblingIndex"`
	ChildIDs    []string `json:"childIds,omitempty"`
}

// WorkOrder is the persistent record of one submitted task request.
type WorkOrder struct {
	ID   string `json:"id"`
	Task string `json:"task"`

	Workspace WorkspaceSource `json:"workspace"`
	AgentKind string          `json:"agentKind"`

	MaxIterations      int `json:"maxIterations"`
	MaxWallClockSeconds int `json:"maxWallClockSeconds"`

	GatePlanSource string `json:"gatePlanSource,omitempty"`

	Policies Policies `json:"policies"`

	Recursion *Recursion `json:"recursion,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`

	RunID *string `json:"runId,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// SubmitRequest is the caller-supplied shape for Service.Submit; it omits
// fields the service assigns itself (id, status, timestamps).
type SubmitRequest struct {
	Task                string
	Workspace           WorkspaceSource
	AgentKind           string
	MaxIterations       int
	MaxWallClockSeconds int
	GatePlanSource      string
	Policies            Policies
	Recursion           *Recursion

	// Priority and MaxWaitMs are forwarded to the queue at enqueue time;
	// they are not persisted on the WorkOrder record itself.
	Priority  int
	MaxWaitMs *int64
}
