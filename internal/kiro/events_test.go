package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirolink/kiro-gateway/internal/eventstream"
)

func frame(t *testing.T, headers map[string]eventstream.HeaderValue, payload string) *eventstream.Frame {
	t.Helper()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	buf, err := eventstream.Encode(names, headers, []byte(payload))
	require.NoError(t, err)
	f, _, err := eventstream.Decode(buf)
	require.NoError(t, err)
	return f
}

func eventFrame(t *testing.T, eventType, payload string) *eventstream.Frame {
	return frame(t, map[string]eventstream.HeaderValue{
		":message-type": {Type: eventstream.TypeString, String: "event"},
		":event-type":   {Type: eventstream.TypeString, String: eventType},
	}, payload)
}

func TestParseAssistantResponseEvent(t *testing.T) {
	ev, err := ParseEvent(eventFrame(t, "assistantResponseEvent", `{"content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, EventAssistantText, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
}

func TestParseToolUseEvent(t *testing.T) {
	ev, err := ParseEvent(eventFrame(t, "toolUseEvent", `{"toolUseId":"t1","name":"read","input":"{\"x\":1}","stop":true}`))
	require.NoError(t, err)
	assert.Equal(t, EventToolUse, ev.Kind)
	assert.Equal(t, "t1", ev.ToolUseID)
	assert.Equal(t, "read", ev.ToolName)
	assert.Equal(t, `{"x":1}`, ev.ToolInput)
	assert.True(t, ev.ToolStop)
}

func TestParseContextUsageEvent(t *testing.T) {
	ev, err := ParseEvent(eventFrame(t, "contextUsageEvent", `{"contextUsagePercentage":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, EventContextUsage, ev.Kind)
	assert.Equal(t, 12.5, ev.ContextUsagePercent)
}

func TestParseExceptionFrame(t *testing.T) {
	f := frame(t, map[string]eventstream.HeaderValue{
		":message-type":   {Type: eventstream.TypeString, String: "exception"},
		":exception-type": {Type: eventstream.TypeString, String: "ThrottlingException"},
	}, `{"message":"slow down"}`)

	ev, err := ParseEvent(f)
	require.NoError(t, err)
	assert.Equal(t, EventException, ev.Kind)
	assert.Equal(t, "ThrottlingException", ev.ExceptionType)
	assert.Equal(t, "slow down", ev.ExceptionMessage)
}

func TestParseUnknownEventType(t *testing.T) {
	ev, err := ParseEvent(eventFrame(t, "somethingNewEvent", `{}`))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Kind)
}

func TestParseMalformedPayload(t *testing.T) {
	_, err := ParseEvent(eventFrame(t, "assistantResponseEvent", `{not json`))
	assert.Error(t, err)
}
