package streamparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineIgnoresSystemMessages(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`{"type":"system","subtype":"init"}`)

	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseLineClassifiesToolUse(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`{"type":"assistant","message":{"type":"tool_use","tool_use_id":"t1","tool":"bash","input":{"cmd":"ls"}}}`)

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MessageToolCall, msg.Type)
	assert.Equal(t, "t1", msg.ToolUseID)
	assert.Equal(t, "bash", msg.Tool)
	assert.Equal(t, 1, msg.ToolCalls)
}

func TestParseLineClassifiesAssistantText(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`{"type":"assistant","message":{"type":"text","content":"hello"}}`)

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MessageOutput, msg.Type)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "hello", s.AccumulatedText())
}

func TestParseLineClassifiesToolResult(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`{"type":"user","message":{"type":"tool_result","tool_use_id":"t1","success":true,"durationMs":42}}`)

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MessageToolResult, msg.Type)
	assert.True(t, msg.Success)
	assert.Equal(t, int64(42), msg.DurationMs)
}

func TestParseLineIgnoresUnknownType(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`{"type":"heartbeat"}`)

	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseLineReturnsErrorOnMalformedJSON(t *testing.T) {
	s := NewState()

	msg, err := s.ParseLine(`not json at all`)

	assert.Error(t, err)
	assert.Nil(t, msg)
}

func TestMaybeProgressCapsAt99AndRespectsInterval(t *testing.T) {
	s := NewState()
	now := time.Now()

	first := s.MaybeProgress(now.Add(time.Second), time.Second, 150, "Working")
	require.NotNil(t, first)
	assert.Equal(t, 99, first.Percentage)

	second := s.MaybeProgress(now.Add(time.Second+100*time.Millisecond), time.Second, 50, "Working")
	assert.Nil(t, second, "progress within the interval should be suppressed")

	third := s.MaybeProgress(now.Add(3*time.Second), time.Second, 50, "Working")
	require.NotNil(t, third)
	assert.Equal(t, 50, third.Percentage)
}

func TestResetClearsCounters(t *testing.T) {
	s := NewState()
	_, _ = s.ParseLine(`{"type":"assistant","message":{"type":"tool_use","tool_use_id":"t1","tool":"bash"}}`)
	require.Equal(t, 1, s.ToolCallCount())

	s.Reset()

	assert.Equal(t, 0, s.ToolCallCount())
	assert.Equal(t, "", s.AccumulatedText())
}

func TestParseFinalFindsLastResultRecord(t *testing.T) {
	stdout := `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"type":"text","content":"done"}}
{"result":"ok","sessionId":"sess-1","tokensUsed":{"input":10,"output":20}}
`

	final := ParseFinal(stdout)

	assert.True(t, final.Found)
	assert.Equal(t, "sess-1", final.SessionID)
	assert.Equal(t, int64(10), final.TokensInput)
	assert.Equal(t, int64(20), final.TokensOutput)
}

func TestParseFinalTolerantOfCRLF(t *testing.T) {
	stdout := "{\"type\":\"system\"}\r\n{\"result\":\"ok\",\"sessionId\":\"s\"}\r\n"

	final := ParseFinal(stdout)

	assert.True(t, final.Found)
	assert.Equal(t, "s", final.SessionID)
}

func TestParseFinalNotFoundWhenNoResultRecord(t *testing.T) {
	stdout := `{"type":"system"}
{"type":"assistant","message":{"type":"text","content":"hi"}}
`

	final := ParseFinal(stdout)

	assert.False(t, final.Found)
}
