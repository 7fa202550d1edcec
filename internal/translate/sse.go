package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/kiro"
)

// SSEEvent is one outbound Anthropic server-sent event.
type SSEEvent struct {
	Type string
	Data any
}

// Render serializes the event in SSE wire form.
func (e SSEEvent) Render() []byte {
	data, _ := json.Marshal(e.Data)
	var b strings.Builder
	b.Grow(len(e.Type) + len(data) + 16)
	b.WriteString("event: ")
	b.WriteString(e.Type)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// PingEvent is the keep-alive event for quiet streams.
func PingEvent() SSEEvent {
	return SSEEvent{Type: "ping", Data: map[string]any{"type": "ping"}}
}

// ErrorEvent is the terminal SSE error event.
func ErrorEvent(errType, message string) SSEEvent {
	return SSEEvent{Type: "error", Data: map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": message},
	}}
}

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// MessageStartEvent opens an assistant message.
func MessageStartEvent(model string, inputTokens int) SSEEvent {
	return SSEEvent{Type: "message_start", Data: map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            NewMessageID(),
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	}}
}

// MessageDeltaEvent carries the stop reason and final usage.
func MessageDeltaEvent(stopReason string, inputTokens, outputTokens int) SSEEvent {
	return SSEEvent{Type: "message_delta", Data: map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}}
}

// MessageStopEvent terminates a message.
func MessageStopEvent() SSEEvent {
	return SSEEvent{Type: "message_stop", Data: map[string]any{"type": "message_stop"}}
}

// TextBlockEvents renders one complete text content block at index.
func TextBlockEvents(index int, text string) []SSEEvent {
	return []SSEEvent{
		{Type: "content_block_start", Data: map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": "text", "text": ""},
		}},
		{Type: "content_block_delta", Data: map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}},
		{Type: "content_block_stop", Data: map[string]any{
			"type":  "content_block_stop",
			"index": index,
		}},
	}
}

const (
	blockText     = "text"
	blockToolUse  = "tool_use"
	blockThinking = "thinking"

	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// StreamConverter maps decoded upstream events onto the Anthropic SSE
// sequence. It guarantees that every content_block_start is balanced by a
// content_block_stop before the next block or message_stop, and that any
// clean completion ends with message_stop.
type StreamConverter struct {
	model           string
	inputTokens     int
	thinkingEnabled bool

	started    bool
	finished   bool
	errored    bool
	blockIndex int
	blockOpen  bool
	blockKind  string
	curToolID  string

	sawToolUse         bool
	stopReason         string
	outputChars        int
	contextInputTokens int

	// thinking tag scanning across chunk boundaries
	thinkingPhase int // 0 undecided, 1 inside, 2 done
	pending       string
}

// NewStreamConverter builds a converter for one response stream.
func NewStreamConverter(model string, inputTokens int, thinkingEnabled bool) *StreamConverter {
	return &StreamConverter{
		model:           model,
		inputTokens:     inputTokens,
		thinkingEnabled: thinkingEnabled,
		stopReason:      "end_turn",
	}
}

func (c *StreamConverter) ensureStarted(out []SSEEvent) []SSEEvent {
	if c.started {
		return out
	}
	c.started = true
	return append(out, MessageStartEvent(c.model, c.inputTokens))
}

func (c *StreamConverter) openBlock(out []SSEEvent, kind, toolID, toolName string) []SSEEvent {
	out = c.closeBlock(out)
	var content map[string]any
	switch kind {
	case blockToolUse:
		content = map[string]any{"type": "tool_use", "id": toolID, "name": toolName, "input": map[string]any{}}
	case blockThinking:
		content = map[string]any{"type": "thinking", "thinking": ""}
	default:
		content = map[string]any{"type": "text", "text": ""}
	}
	c.blockOpen = true
	c.blockKind = kind
	c.curToolID = toolID
	return append(out, SSEEvent{Type: "content_block_start", Data: map[string]any{
		"type":          "content_block_start",
		"index":         c.blockIndex,
		"content_block": content,
	}})
}

func (c *StreamConverter) closeBlock(out []SSEEvent) []SSEEvent {
	if !c.blockOpen {
		return out
	}
	out = append(out, SSEEvent{Type: "content_block_stop", Data: map[string]any{
		"type":  "content_block_stop",
		"index": c.blockIndex,
	}})
	c.blockOpen = false
	c.blockIndex++
	c.curToolID = ""
	return out
}

func (c *StreamConverter) textDelta(out []SSEEvent, text string) []SSEEvent {
	if text == "" {
		return out
	}
	if !c.blockOpen || c.blockKind != blockText {
		out = c.openBlock(out, blockText, "", "")
	}
	c.outputChars += len(text)
	return append(out, SSEEvent{Type: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": c.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}})
}

func (c *StreamConverter) thinkingDelta(out []SSEEvent, text string) []SSEEvent {
	if text == "" {
		return out
	}
	if !c.blockOpen || c.blockKind != blockThinking {
		out = c.openBlock(out, blockThinking, "", "")
	}
	c.outputChars += len(text)
	return append(out, SSEEvent{Type: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": c.blockIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text},
	}})
}

// Process converts one upstream event into zero or more SSE events.
func (c *StreamConverter) Process(ev *kiro.Event) []SSEEvent {
	if c.finished {
		return nil
	}
	var out []SSEEvent

	switch ev.Kind {
	case kiro.EventAssistantText:
		out = c.ensureStarted(out)
		out = c.assistantText(out, ev.Text)

	case kiro.EventToolUse:
		out = c.ensureStarted(out)
		if !c.blockOpen || c.blockKind != blockToolUse || c.curToolID != ev.ToolUseID {
			out = c.openBlock(out, blockToolUse, ev.ToolUseID, ev.ToolName)
			c.sawToolUse = true
		}
		if ev.ToolInput != "" {
			c.outputChars += len(ev.ToolInput)
			out = append(out, SSEEvent{Type: "content_block_delta", Data: map[string]any{
				"type":  "content_block_delta",
				"index": c.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolInput},
			}})
		}
		if ev.ToolStop {
			out = c.closeBlock(out)
		}

	case kiro.EventContextUsage:
		c.contextInputTokens = int(ev.ContextUsagePercent * float64(config.ContextWindowTokens) / 100)

	case kiro.EventException:
		if ev.ExceptionType == "ContentLengthExceededException" {
			c.stopReason = "max_tokens"
			return out
		}
		out = c.closeBlock(out)
		out = append(out, ErrorEvent("api_error", upstreamExceptionMessage(ev)))
		c.finished = true
		c.errored = true
	}

	return out
}

// assistantText routes raw assistant text through the thinking-tag scanner
// when thinking is enabled, otherwise straight into text deltas.
func (c *StreamConverter) assistantText(out []SSEEvent, text string) []SSEEvent {
	if !c.thinkingEnabled || c.thinkingPhase == 2 {
		return c.textDelta(out, text)
	}

	buf := c.pending + text
	c.pending = ""

	if c.thinkingPhase == 0 {
		switch {
		case strings.HasPrefix(buf, thinkingOpenTag):
			c.thinkingPhase = 1
			buf = buf[len(thinkingOpenTag):]
		case len(buf) < len(thinkingOpenTag) && strings.HasPrefix(thinkingOpenTag, buf):
			// Could still become an opening tag; hold the bytes back.
			c.pending = buf
			return out
		default:
			c.thinkingPhase = 2
			return c.textDelta(out, buf)
		}
	}

	// Inside the thinking section: emit up to the close tag, holding back a
	// possible partial tag at the chunk boundary.
	if idx := strings.Index(buf, thinkingCloseTag); idx >= 0 {
		out = c.thinkingDelta(out, buf[:idx])
		out = c.closeBlock(out)
		c.thinkingPhase = 2
		rest := strings.TrimPrefix(buf[idx+len(thinkingCloseTag):], "\n\n")
		return c.textDelta(out, rest)
	}
	if hold := pendingTagSuffix(buf, thinkingCloseTag); hold > 0 {
		c.pending = buf[len(buf)-hold:]
		buf = buf[:len(buf)-hold]
	}
	return c.thinkingDelta(out, buf)
}

// pendingTagSuffix returns the length of the longest proper prefix of tag
// that buf ends with, so partial tags spanning chunks are not emitted.
func pendingTagSuffix(buf, tag string) int {
	maxLen := len(tag) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for l := maxLen; l > 0; l-- {
		if buf[len(buf)-l:] == tag[:l] {
			return l
		}
	}
	return 0
}

// Finish closes any open block and terminates the message. After an error
// event nothing more is emitted.
func (c *StreamConverter) Finish() []SSEEvent {
	if c.finished {
		return nil
	}
	c.finished = true

	var out []SSEEvent
	out = c.ensureStarted(out)
	if c.pending != "" {
		if c.thinkingPhase == 1 {
			out = c.thinkingDelta(out, c.pending)
		} else {
			out = c.textDelta(out, c.pending)
		}
		c.pending = ""
	}
	out = c.closeBlock(out)

	stopReason := c.stopReason
	if c.sawToolUse && stopReason == "end_turn" {
		stopReason = "tool_use"
	}

	out = append(out, MessageDeltaEvent(stopReason, c.InputTokens(), c.OutputTokens()))
	out = append(out, MessageStopEvent())
	return out
}

// Errored reports whether the converter already emitted a terminal error.
func (c *StreamConverter) Errored() bool {
	return c.errored
}

// InputTokens returns the best-known input token count: the upstream context
// usage report when available, the pre-computed estimate otherwise.
func (c *StreamConverter) InputTokens() int {
	if c.contextInputTokens > 0 {
		return c.contextInputTokens
	}
	return c.inputTokens
}

// OutputTokens estimates emitted output tokens from streamed characters.
func (c *StreamConverter) OutputTokens() int {
	n := c.outputChars / 4
	if n < 1 {
		n = 1
	}
	return n
}

func upstreamExceptionMessage(ev *kiro.Event) string {
	if ev.ExceptionMessage != "" {
		return ev.ExceptionMessage
	}
	if ev.ExceptionType != "" {
		return ev.ExceptionType
	}
	return "upstream error"
}
