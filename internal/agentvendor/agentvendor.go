// Package agentvendor is the default agentproto.AgentVendor wired at
// cmd/agentgate's composition root. It resolves an AgentKind to a
// subprocess command by PATH lookup rather than talking to any real
// coding-agent CLI: the actual vendor integrations (Claude Code, Codex,
// etc.) are deliberately out of scope, and this adapter exists so the
// orchestrator has something runnable to drive the streaming executor
// with, including the mock agent used in tests.
package agentvendor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/agentgate/agentgate/internal/agentproto"
)

// PathVendor maps an AgentKind to an executable name and resolves it via
// exec.LookPath at call time, so a missing binary is reported per-work-order
// rather than at startup.
type PathVendor struct {
	// Binaries maps AgentKind to an executable name or path. A kind not
	// present here resolves to "agentgate-agent-<kind>".
	Binaries map[string]string
}

// NewPathVendor constructs a PathVendor with AgentGate's built-in mapping:
// the "mock" kind resolves to the cmd/mock-agent binary used in
// integration tests and local development.
func NewPathVendor() *PathVendor {
	return &PathVendor{
		Binaries: map[string]string{
			"mock": "mock-agent",
		},
	}
}

// Resolve implements agentproto.AgentVendor.
func (v *PathVendor) Resolve(_ context.Context, spec agentproto.AgentLaunchSpec) (string, []string, error) {
	name, ok := v.Binaries[spec.AgentKind]
	if !ok {
		name = "agentgate-agent-" + spec.AgentKind
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", nil, fmt.Errorf("no agent binary for kind %q (looked for %q): %w", spec.AgentKind, name, err)
	}

	return path, []string{"--task", spec.Task, "--workspace", spec.WorkspacePath}, nil
}

var _ agentproto.AgentVendor = (*PathVendor)(nil)
