// Package main implements a mock agent binary that speaks AgentGate's
// newline-delimited JSON subprocess protocol on stdout.
// It exists so the streaming executor and stream parser can be exercised
// against a real child process, in local development and in tests, without
// depending on a real coding-agent CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// sessionID uniquely identifies this process instance. Each run spawns its
// own process, so the PID is enough to make it unique across parallel runs.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	task := parseFlag(os.Args, "--task")
	scenario := scenarioFor(task)

	enc := json.NewEncoder(os.Stdout)
	run(enc, scenario)
}

// parseFlag extracts a "--name value" or "--name=value" argument from args.
func parseFlag(args []string, name string) string {
	prefix := name + "="
	for i, arg := range args[1:] {
		if arg == name && i+2 < len(args) {
			return args[i+2]
		}
		if strings.HasPrefix(arg, prefix) {
			return strings.TrimPrefix(arg, prefix)
		}
	}
	return ""
}

// scenario selects the mock's behavior. Real agent vendors decide this from
// the task's content and their own model; this mock keys off substrings so
// integration tests can request a specific path deterministically.
type scenario string

const (
	scenarioSuccess scenario = "success"
	scenarioFailure scenario = "failure"
	scenarioHang    scenario = "hang"
)

// scenarioFor picks a scenario from the task prompt. Case-insensitive
// substring match keeps test fixtures readable ("please FAIL this build").
func scenarioFor(task string) scenario {
	lower := strings.ToLower(task)
	switch {
	case strings.Contains(lower, "fail"):
		return scenarioFailure
	case strings.Contains(lower, "hang"), strings.Contains(lower, "timeout"):
		return scenarioHang
	default:
		return scenarioSuccess
	}
}

func run(enc *json.Encoder, s scenario) {
	emit(enc, systemLine())
	time.Sleep(20 * time.Millisecond)

	emit(enc, toolUseLine("call-1", "Read", map[string]any{"path": "README.md"}))
	time.Sleep(20 * time.Millisecond)

	switch s {
	case scenarioFailure:
		emit(enc, toolResultLine("call-1", false, "file not found", 12))
		fmt.Fprintln(os.Stderr, "mock-agent: simulated failure")
		os.Exit(1)

	case scenarioHang:
		emit(enc, toolResultLine("call-1", true, "ok", 12))
		time.Sleep(10 * time.Minute) // outlives any caller's timeout/cancel

	default:
		emit(enc, toolResultLine("call-1", true, "# AgentGate\n", 12))
		time.Sleep(20 * time.Millisecond)
		emit(enc, textLine("Read the README and made the requested change."))
		time.Sleep(20 * time.Millisecond)
		emit(enc, finalLine("done", 180, 42))
	}
}

func emit(enc *json.Encoder, v any) {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode error: %v\n", err)
	}
}

func systemLine() map[string]any {
	return map[string]any{"type": "system", "subtype": "init", "sessionId": sessionID}
}

func toolUseLine(toolUseID, tool string, input map[string]any) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"type":        "tool_use",
			"tool_use_id": toolUseID,
			"tool":        tool,
			"input":       input,
		},
	}
}

func toolResultLine(toolUseID string, success bool, content string, durationMs int64) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"type":        "tool_result",
			"tool_use_id": toolUseID,
			"success":     success,
			"content":     content,
			"durationMs":  durationMs,
		},
	}
}

func textLine(content string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"type":    "text",
			"content": content,
		},
	}
}

func finalLine(result string, tokensInput, tokensOutput int64) map[string]any {
	return map[string]any{
		"result":    result,
		"sessionId": sessionID,
		"tokensUsed": map[string]any{
			"input":  tokensInput,
			"output": tokensOutput,
		},
	}
}
