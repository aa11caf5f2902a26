// Package streamparser classifies newline-delimited JSON lines emitted by
// an agent subprocess into the outbound event shapes the executor
// publishes.
package streamparser

import (
	"encoding/json"
	"time"
)

// MessageType tags an outbound event derived from one agent stdout line.
type MessageType string

const (
	MessageToolCall   MessageType = "agent_tool_call"
	MessageToolResult MessageType = "agent_tool_result"
	MessageOutput     MessageType = "agent_output"
	MessageProgress   MessageType = "progress_update"
)

// rawLine is the superset of fields across the protocol's tagged shapes
// (system/assistant/user/result)
type rawLine struct {
	Type    string `json:"type"`
	Message *struct {
		Type      string          `json:"type"`
		ToolUseID string          `json:"tool_use_id"`
		Tool      string          `json:"tool"`
		Input     json.RawMessage `json:"input"`
		Content   json.RawMessage `json:"content"`
		Success   *bool           `json:"success"`
		DurationMs *int64         `json:"durationMs"`
	} `json:"message"`

	// Fields present only on the final result record.
	Result     json.RawMessage `json:"result"`
	SessionID  string          `json:"sessionId"`
	TokensUsed *struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	} `json:"tokensUsed"`
}

// FinalResult is the terminal record the executor parses from the full
// collected stdout after the child exits.
type FinalResult struct {
	Result     json.RawMessage
	SessionID  string
	TokensInput  int64
	TokensOutput int64
	Found      bool
}

// ParseFinal scans stdout line by line looking for the last line carrying
// a "result" field: the final JSON record on the stream.
// It tolerates trailing non-JSON or non-result lines; a malformed line is
// skipped, not an error.
func ParseFinal(stdout string) FinalResult {
	lines := splitLines(stdout)
	var out FinalResult
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if len(raw.Result) == 0 {
			continue
		}
		out.Found = true
		out.Result = raw.Result
		out.SessionID = raw.SessionID
		if raw.TokensUsed != nil {
			out.TokensInput = raw.TokensUsed.Input
			out.TokensOutput = raw.TokensUsed.Output
		}
	}
	return out
}

// splitLines tolerates both LF and CRLF framing
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			end := i
			if end > start && s[end-1] == '\r' {
				end--
			}
			lines = append(lines, s[start:end])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Message is a classified, ready-to-publish event. It carries no
// work-order or run id of its own.
type Message struct {
	Type       MessageType
	ToolUseID  string
	Tool       string
	Input      json.RawMessage
	Text       string
	Success    bool
	Content    json.RawMessage
	DurationMs int64

	Percentage int
	Phase      string
	ToolCalls  int
	ElapsedSec float64
}

// State accumulates the small amount of context the parser needs across
// lines within a single execution: concatenated assistant text, a running
// tool-call count, and the timestamp of the last progress emission.
type State struct {
	startedAt       time.Time
	text            string
	toolCallCount   int
	lastProgressAt  time.Time
}

// NewState begins a fresh parse session anchored at the current time.
func NewState() *State {
	now := time.Now()
	return &State{startedAt: now, lastProgressAt: now}
}

// Reset clears accumulated counters for reuse across executions.
func (s *State) Reset() {
	now := time.Now()
	s.startedAt = now
	s.text = ""
	s.toolCallCount = 0
	s.lastProgressAt = now
}

// ParseLine classifies one line of agent stdout. It returns (nil, nil) for
// lines that are valid JSON but carry no surfaced event (system lines, or
// an unrecognized/malformed shape) and a non-nil error only when the
// caller should log the line at debug level and move on. ParseLine never
// panics on malformed input.
func (s *State) ParseLine(line string) (*Message, error) {
	if len(line) == 0 {
		return nil, nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "system":
		return nil, nil
	case "assistant":
		if raw.Message == nil {
			return nil, nil
		}
		switch raw.Message.Type {
		case "tool_use":
			return s.parseToolUse(raw)
		case "text":
			return s.parseText(raw)
		}
		return nil, nil
	case "user":
		if raw.Message == nil || raw.Message.Type != "tool_result" {
			return nil, nil
		}
		return s.parseToolResult(raw)
	default:
		return nil, nil
	}
}

func (s *State) parseToolUse(raw rawLine) (*Message, error) {
	s.toolCallCount++
	return &Message{
		Type:      MessageToolCall,
		ToolUseID: raw.Message.ToolUseID,
		Tool:      raw.Message.Tool,
		Input:     raw.Message.Input,
		ToolCalls: s.toolCallCount,
	}, nil
}

func (s *State) parseText(raw rawLine) (*Message, error) {
	var text string
	if len(raw.Message.Content) > 0 {
		_ = json.Unmarshal(raw.Message.Content, &text)
	}
	s.text += text
	return &Message{
		Type: MessageOutput,
		Text: text,
	}, nil
}

func (s *State) parseToolResult(raw rawLine) (*Message, error) {
	msg := &Message{
		Type:      MessageToolResult,
		ToolUseID: raw.Message.ToolUseID,
		Content:   raw.Message.Content,
	}
	if raw.Message.Success != nil {
		msg.Success = *raw.Message.Success
	}
	if raw.Message.DurationMs != nil {
		msg.DurationMs = *raw.Message.DurationMs
	}
	return msg, nil
}

// AccumulatedText returns the assistant text collected so far this
// session.
func (s *State) AccumulatedText() string {
	return s.text
}

// ToolCallCount returns the number of tool_use messages seen so far.
func (s *State) ToolCallCount() int {
	return s.toolCallCount
}

// MaybeProgress builds a progress_update event if at least interval has
// elapsed since the last one, capping percentage at 99 (100 is reserved
// for the terminal exit).
func (s *State) MaybeProgress(now time.Time, interval time.Duration, percentage int, phase string) *Message {
	if now.Sub(s.lastProgressAt) < interval {
		return nil
	}
	s.lastProgressAt = now
	if percentage > 99 {
		percentage = 99
	}
	if percentage < 0 {
		percentage = 0
	}
	return &Message{
		Type:       MessageProgress,
		Percentage: percentage,
		Phase:      phase,
		ToolCalls:  s.toolCallCount,
		ElapsedSec: now.Sub(s.startedAt).Seconds(),
	}
}

// FinalProgress synthesizes the terminal progress_update event emitted on
// cancellation.
func FinalProgress(phase string, percentage int) *Message {
	return &Message{Type: MessageProgress, Phase: phase, Percentage: percentage}
}
