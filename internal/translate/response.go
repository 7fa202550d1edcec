package translate

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/kiro"
)

// Accumulator folds a full upstream event stream into a single Anthropic
// message for non-streaming responses.
type Accumulator struct {
	text        strings.Builder
	toolBuffers map[string]*strings.Builder
	toolNames   map[string]string
	toolOrder   []string
	completed   map[string]bool

	sawToolUse         bool
	stopReason         string
	contextInputTokens int
	errType            string
	errMessage         string
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		toolBuffers: make(map[string]*strings.Builder),
		toolNames:   make(map[string]string),
		completed:   make(map[string]bool),
		stopReason:  "end_turn",
	}
}

// Add folds one upstream event in.
func (a *Accumulator) Add(ev *kiro.Event) {
	switch ev.Kind {
	case kiro.EventAssistantText:
		a.text.WriteString(ev.Text)
	case kiro.EventToolUse:
		a.sawToolUse = true
		buf, ok := a.toolBuffers[ev.ToolUseID]
		if !ok {
			buf = &strings.Builder{}
			a.toolBuffers[ev.ToolUseID] = buf
			a.toolOrder = append(a.toolOrder, ev.ToolUseID)
		}
		if ev.ToolName != "" {
			a.toolNames[ev.ToolUseID] = ev.ToolName
		}
		buf.WriteString(ev.ToolInput)
		if ev.ToolStop {
			a.completed[ev.ToolUseID] = true
		}
	case kiro.EventContextUsage:
		a.contextInputTokens = int(ev.ContextUsagePercent * float64(config.ContextWindowTokens) / 100)
	case kiro.EventException:
		if ev.ExceptionType == "ContentLengthExceededException" {
			a.stopReason = "max_tokens"
		} else {
			a.errType = ev.ExceptionType
			a.errMessage = upstreamExceptionMessage(ev)
		}
	}
}

// Err returns the upstream exception, if one was seen.
func (a *Accumulator) Err() (string, string, bool) {
	return a.errType, a.errMessage, a.errType != ""
}

// Response is the assembled non-streaming Anthropic message.
type Response struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Content      []map[string]any `json:"content"`
	Model        string           `json:"model"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        Usage            `json:"usage"`
}

// Usage is the token usage block of a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Build assembles the final message. estimatedInputTokens is used unless the
// upstream reported context usage; countText estimates output tokens from
// the produced content.
func (a *Accumulator) Build(model string, estimatedInputTokens int, countText func(string) int) *Response {
	var content []map[string]any

	// Strip thinking tags the upstream may have embedded in plain text.
	text := a.text.String()
	if thinking, rest, ok := splitThinkingTags(text); ok {
		if thinking != "" {
			content = append(content, map[string]any{"type": "thinking", "thinking": thinking})
		}
		text = rest
	}
	if text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}

	outputTokens := 0
	if countText != nil && text != "" {
		outputTokens = countText(text)
	}

	for _, id := range a.toolOrder {
		if !a.completed[id] {
			log.Warn().Str("tool_use_id", id).Msg("tool use never closed, dropping from response")
			continue
		}
		raw := a.toolBuffers[id].String()
		var input any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			log.Warn().Err(err).Str("tool_use_id", id).Msg("tool input is not valid JSON, substituting empty object")
			input = map[string]any{}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  a.toolNames[id],
			"input": input,
		})
		if countText != nil {
			outputTokens += countText(raw) + 10
		}
	}

	stopReason := a.stopReason
	if a.sawToolUse && stopReason == "end_turn" {
		stopReason = "tool_use"
	}

	inputTokens := estimatedInputTokens
	if a.contextInputTokens > 0 {
		inputTokens = a.contextInputTokens
	}
	if outputTokens < 1 {
		outputTokens = 1
	}

	return &Response{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage: Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
}

// splitThinkingTags separates a leading <thinking>...</thinking> section
// from the remaining text.
func splitThinkingTags(text string) (thinking, rest string, ok bool) {
	if !strings.HasPrefix(text, thinkingOpenTag) {
		return "", text, false
	}
	end := strings.Index(text, thinkingCloseTag)
	if end < 0 {
		return "", text, false
	}
	thinking = text[len(thinkingOpenTag):end]
	rest = strings.TrimPrefix(text[end+len(thinkingCloseTag):], "\n\n")
	return thinking, rest, true
}
