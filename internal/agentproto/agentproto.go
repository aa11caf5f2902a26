// Package agentproto defines the narrow interfaces through which the
// orchestrator consumes AgentGate's external collaborators, deliberately
// kept out of scope here: verification gates, git/PR
// delivery, security scanning, workspace materialisation, and agent
// vendor launch. None of these are implemented here; the orchestrator
// depends only on the interfaces. Only AgentVendor has a concrete adapter
// (internal/agentvendor), wired in at cmd/agentgate's composition root;
// the other four are optional collaborators passed to
// runloop.Loop.SetCollaborators, and cmd/agentgate passes none of them.
package agentproto

import (
	"context"

	"github.com/agentgate/agentgate/internal/workorder"
)

// GateLevel identifies one of the verification gate tiers (L0-L3).
type GateLevel string

const (
	GateL0 GateLevel = "L0"
	GateL1 GateLevel = "L1"
	GateL2 GateLevel = "L2"
	GateL3 GateLevel = "L3"
)

// GateResult is the outcome of running one verification gate.
type GateResult struct {
	Level   GateLevel
	Passed  bool
	Detail  string
}

// VerificationGate runs a gate-plan-sourced check against a materialised
// workspace before a work order is allowed to transition to succeeded.
type VerificationGate interface {
	Run(ctx context.Context, workspacePath string, gatePlanSource string, level GateLevel) (GateResult, error)
}

// DeliveryRequest describes what to push and where.
type DeliveryRequest struct {
	WorkspacePath string
	Branch        string
	CommitMessage string
	RemoteURL     string
	PRTitle       string
	PRBody        string
}

// DeliveryResult reports where the change landed.
type DeliveryResult struct {
	CommitSHA string
	PRURL     string
	PRNumber  int
}

// Delivery pushes a completed work order's changes and opens (or updates)
// a pull request, and notifies any configured channel.
type Delivery interface {
	Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)
	Notify(ctx context.Context, workOrderID string, message string) error
}

// ScanFinding is one security-scan result.
type ScanFinding struct {
	Severity string
	Rule     string
	Path     string
	Line     int
	Detail   string
}

// SecurityScanner inspects a materialised workspace (or a diff against
// its base) for findings that should block delivery.
type SecurityScanner interface {
	Scan(ctx context.Context, workspacePath string) ([]ScanFinding, error)
}

// MaterializedWorkspace is the result of resolving a WorkspaceSource into
// an on-disk checkout.
type MaterializedWorkspace struct {
	Path       string
	CommitSHA  string
	Branch     string
	RemoteURL  string
}

// WorkspaceMaterializer resolves a WorkspaceSource (local path, git URL,
// template, or a brand-new/existing remote) into a ready-to-use checkout.
type WorkspaceMaterializer interface {
	Materialize(ctx context.Context, source workorder.WorkspaceSource) (MaterializedWorkspace, error)
	Cleanup(ctx context.Context, workspace MaterializedWorkspace) error
}

// AgentLaunchSpec is what the orchestrator hands a vendor integration to
// start one agent subprocess.
type AgentLaunchSpec struct {
	AgentKind     string
	Task          string
	WorkspacePath string
	Env           map[string]string
}

// AgentVendor resolves an AgentKind into the concrete command and
// arguments the streaming executor should spawn.
type AgentVendor interface {
	Resolve(ctx context.Context, spec AgentLaunchSpec) (command string, args []string, err error)
}
