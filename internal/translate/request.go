package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/kirolink/kiro-gateway/internal/kiro"
)

const (
	// The upstream rejects assistant turns with empty content, so a turn
	// that only carries tool uses gets this placeholder.
	toolUsePlaceholder = "There is a tool use."

	// Tool descriptions are capped before forwarding.
	maxToolDescriptionChars = 10_000

	systemAck = "I will follow these instructions."
)

// placeholderToolSchema is the permissive schema used for tools referenced
// by history but absent from the request's tools list; the upstream requires
// every referenced tool to be declared.
var placeholderToolSchema = json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","properties":{},"required":[],"additionalProperties":true}`)

// ConvertRequest translates an Anthropic Messages request into the upstream
// conversationState envelope. The profile ARN is filled in later by the
// pipeline from the leased credential.
func ConvertRequest(req *MessagesRequest) (*kiro.Request, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	modelID := MapModel(req.Model)

	conversationID := sessionIDFromMetadata(req.Metadata)
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	last := req.Messages[len(req.Messages)-1]
	text, images, toolResults := splitContent(last.Content)

	history := buildHistory(req, modelID)
	validResults := validateToolPairing(history, toolResults)

	tools := convertTools(req.Tools)
	declared := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		declared[strings.ToLower(t.ToolSpecification.Name)] = struct{}{}
	}
	for _, name := range historyToolNames(history) {
		if _, ok := declared[strings.ToLower(name)]; !ok {
			tools = append(tools, placeholderTool(name))
		}
	}

	var msgCtx *kiro.UserInputMessageContext
	if len(tools) > 0 || len(validResults) > 0 {
		msgCtx = &kiro.UserInputMessageContext{Tools: tools, ToolResults: validResults}
	}

	current := kiro.UserInputMessage{
		Content:                 text,
		ModelID:                 modelID,
		Origin:                  "AI_EDITOR",
		Images:                  images,
		UserInputMessageContext: msgCtx,
	}

	return &kiro.Request{
		ConversationState: kiro.ConversationState{
			ConversationID:      conversationID,
			AgentContinuationID: uuid.New().String(),
			AgentTaskType:       "vibe",
			ChatTriggerType:     "MANUAL",
			CurrentMessage:      kiro.CurrentMessage{UserInputMessage: current},
			History:             history,
		},
	}, nil
}

// sessionIDFromMetadata pulls the session UUID out of a metadata user_id of
// the form "user_<hash>_account__session_<uuid>".
func sessionIDFromMetadata(m *Metadata) string {
	if m == nil || m.UserID == "" {
		return ""
	}
	idx := strings.Index(m.UserID, "session_")
	if idx < 0 {
		return ""
	}
	rest := m.UserID[idx+len("session_"):]
	if len(rest) < 36 {
		return ""
	}
	candidate := rest[:36]
	if strings.Count(candidate, "-") != 4 {
		return ""
	}
	return candidate
}

// splitContent walks a message's content (plain string or typed block array)
// and separates text, images, and tool results.
func splitContent(content json.RawMessage) (string, []kiro.Image, []kiro.ToolResult) {
	parsed := gjson.ParseBytes(content)

	if parsed.Type == gjson.String {
		return parsed.String(), nil, nil
	}

	var textParts []string
	var images []kiro.Image
	var toolResults []kiro.ToolResult

	if parsed.IsArray() {
		parsed.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "image":
				if format := imageFormat(block.Get("source.media_type").String()); format != "" {
					images = append(images, kiro.Image{
						Format: format,
						Source: kiro.ImageSource{Bytes: block.Get("source.data").String()},
					})
				}
			case "tool_result":
				id := block.Get("tool_use_id").String()
				if id == "" {
					return true
				}
				status := "success"
				if block.Get("is_error").Bool() {
					status = "error"
				}
				toolResults = append(toolResults, kiro.ToolResult{
					ToolUseID: id,
					Content:   []kiro.ToolResultContent{{Text: toolResultText(block.Get("content"))}},
					Status:    status,
				})
			}
			return true
		})
	}

	return strings.Join(textParts, "\n"), images, toolResults
}

func imageFormat(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return ""
	}
}

// toolResultText flattens a tool_result content value (string, block array,
// or arbitrary JSON) into text.
func toolResultText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if text := item.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.Exists():
		return content.Raw
	default:
		return ""
	}
}

// thinkingPrefix renders the upstream thinking-mode tag for the system text.
func thinkingPrefix(t *Thinking) string {
	if !t.Enabled() {
		return ""
	}
	return fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", t.BudgetTokens)
}

func hasThinkingTags(content string) bool {
	return strings.Contains(content, "<thinking_mode>") || strings.Contains(content, "<max_thinking_length>")
}

// buildHistory converts everything before the current message into the
// upstream's strictly alternating user/assistant history. The system prompt
// becomes a leading user/assistant pair; consecutive user turns merge; a
// trailing unpaired user turn is auto-acknowledged.
func buildHistory(req *MessagesRequest, modelID string) []kiro.HistoryMessage {
	var history []kiro.HistoryMessage

	prefix := thinkingPrefix(req.Thinking)
	systemContent := systemTextOf(req.System)

	switch {
	case systemContent != "":
		if prefix != "" && !hasThinkingTags(systemContent) {
			systemContent = prefix + "\n" + systemContent
		}
		history = appendPair(history, systemContent, modelID, systemAck)
	case prefix != "":
		history = appendPair(history, prefix, modelID, systemAck)
	}

	end := len(req.Messages) - 1
	if req.Messages[len(req.Messages)-1].Role == "assistant" {
		end = len(req.Messages)
	}

	var userBuffer []Message
	for i := 0; i < end; i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case "user":
			userBuffer = append(userBuffer, msg)
		case "assistant":
			if len(userBuffer) == 0 {
				continue
			}
			history = append(history, mergeUserMessages(userBuffer, modelID))
			userBuffer = nil
			history = append(history, convertAssistantMessage(msg))
		}
	}
	if len(userBuffer) > 0 {
		history = append(history, mergeUserMessages(userBuffer, modelID))
		history = append(history, kiro.HistoryMessage{
			AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: "OK"},
		})
	}

	return history
}

func systemTextOf(system SystemPrompt) string {
	var parts []string
	for _, s := range system {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func appendPair(history []kiro.HistoryMessage, userContent, modelID, assistantContent string) []kiro.HistoryMessage {
	return append(history,
		kiro.HistoryMessage{UserInputMessage: &kiro.UserInputMessage{Content: userContent, ModelID: modelID}},
		kiro.HistoryMessage{AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: assistantContent}},
	)
}

func mergeUserMessages(messages []Message, modelID string) kiro.HistoryMessage {
	var textParts []string
	var images []kiro.Image
	var toolResults []kiro.ToolResult

	for _, msg := range messages {
		text, imgs, results := splitContent(msg.Content)
		if text != "" {
			textParts = append(textParts, text)
		}
		images = append(images, imgs...)
		toolResults = append(toolResults, results...)
	}

	user := &kiro.UserInputMessage{
		Content: strings.Join(textParts, "\n"),
		ModelID: modelID,
		Images:  images,
	}
	if len(toolResults) > 0 {
		user.UserInputMessageContext = &kiro.UserInputMessageContext{ToolResults: toolResults}
	}
	return kiro.HistoryMessage{UserInputMessage: user}
}

// convertAssistantMessage rebuilds an assistant turn: thinking blocks are
// re-wrapped in <thinking> tags ahead of the text, and tool uses carry their
// inputs verbatim.
func convertAssistantMessage(msg Message) kiro.HistoryMessage {
	parsed := gjson.ParseBytes(msg.Content)

	var thinking, text strings.Builder
	var toolUses []kiro.ToolUse

	if parsed.Type == gjson.String {
		text.WriteString(parsed.String())
	} else if parsed.IsArray() {
		parsed.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "thinking":
				thinking.WriteString(block.Get("thinking").String())
			case "text":
				text.WriteString(block.Get("text").String())
			case "tool_use":
				id := block.Get("id").String()
				name := block.Get("name").String()
				if id == "" || name == "" {
					return true
				}
				input := block.Get("input").Raw
				if input == "" {
					input = "{}"
				}
				toolUses = append(toolUses, kiro.ToolUse{
					ToolUseID: id,
					Name:      name,
					Input:     json.RawMessage(input),
				})
			}
			return true
		})
	}

	var content string
	switch {
	case thinking.Len() > 0 && text.Len() > 0:
		content = fmt.Sprintf("<thinking>%s</thinking>\n\n%s", thinking.String(), text.String())
	case thinking.Len() > 0:
		content = fmt.Sprintf("<thinking>%s</thinking>", thinking.String())
	case text.Len() == 0 && len(toolUses) > 0:
		content = toolUsePlaceholder
	default:
		content = text.String()
	}

	return kiro.HistoryMessage{
		AssistantResponseMessage: &kiro.AssistantResponseMessage{
			Content:  content,
			ToolUses: toolUses,
		},
	}
}

// validateToolPairing filters the current message's tool results down to the
// ones that answer a still-unpaired tool use from history. Orphans and
// duplicates are dropped with a warning rather than forwarded, since the
// upstream rejects unbalanced pairs.
func validateToolPairing(history []kiro.HistoryMessage, results []kiro.ToolResult) []kiro.ToolResult {
	allUses := make(map[string]struct{})
	pairedInHistory := make(map[string]struct{})

	for _, msg := range history {
		if msg.AssistantResponseMessage != nil {
			for _, use := range msg.AssistantResponseMessage.ToolUses {
				allUses[use.ToolUseID] = struct{}{}
			}
		}
		if msg.UserInputMessage != nil && msg.UserInputMessage.UserInputMessageContext != nil {
			for _, r := range msg.UserInputMessage.UserInputMessageContext.ToolResults {
				pairedInHistory[r.ToolUseID] = struct{}{}
			}
		}
	}

	unpaired := make(map[string]struct{})
	for id := range allUses {
		if _, done := pairedInHistory[id]; !done {
			unpaired[id] = struct{}{}
		}
	}

	var filtered []kiro.ToolResult
	for _, r := range results {
		if _, ok := unpaired[r.ToolUseID]; ok {
			filtered = append(filtered, r)
			delete(unpaired, r.ToolUseID)
		} else if _, exists := allUses[r.ToolUseID]; exists {
			log.Warn().Str("tool_use_id", r.ToolUseID).Msg("dropping duplicate tool_result: already paired in history")
		} else {
			log.Warn().Str("tool_use_id", r.ToolUseID).Msg("dropping orphaned tool_result: no matching tool_use")
		}
	}
	for id := range unpaired {
		log.Warn().Str("tool_use_id", id).Msg("orphaned tool_use: no tool_result supplied")
	}
	return filtered
}

func historyToolNames(history []kiro.HistoryMessage) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, msg := range history {
		if msg.AssistantResponseMessage == nil {
			continue
		}
		for _, use := range msg.AssistantResponseMessage.ToolUses {
			if _, ok := seen[use.Name]; !ok {
				seen[use.Name] = struct{}{}
				names = append(names, use.Name)
			}
		}
	}
	return names
}

func placeholderTool(name string) kiro.Tool {
	return kiro.Tool{
		ToolSpecification: kiro.ToolSpecification{
			Name:        name,
			Description: "Tool used in conversation history",
			InputSchema: kiro.InputSchema{JSON: placeholderToolSchema},
		},
	}
}

func convertTools(tools []ToolDef) []kiro.Tool {
	out := make([]kiro.Tool, 0, len(tools))
	for _, t := range tools {
		description := t.Description
		if runes := []rune(description); len(runes) > maxToolDescriptionChars {
			description = string(runes[:maxToolDescriptionChars])
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = placeholderToolSchema
		}
		out = append(out, kiro.Tool{
			ToolSpecification: kiro.ToolSpecification{
				Name:        t.Name,
				Description: description,
				InputSchema: kiro.InputSchema{JSON: schema},
			},
		})
	}
	return out
}
