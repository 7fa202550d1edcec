// Package translate converts between the Anthropic Messages schema and the
// upstream Kiro conversation/event schema, in both directions.
package translate

import (
	"encoding/json"
	"errors"
)

// MessagesRequest is the inbound Anthropic Messages API request.
type MessagesRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []Message       `json:"messages"`
	Stream     bool            `json:"stream,omitempty"`
	System     SystemPrompt    `json:"system,omitempty"`
	Tools      []ToolDef       `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Thinking   *Thinking       `json:"thinking,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
}

// Message is one conversation turn. Content is kept raw because it may be a
// plain string or an array of typed blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SystemText is one system prompt piece.
type SystemText struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// SystemPrompt accepts either a plain string or an array of text blocks.
type SystemPrompt []SystemText

// UnmarshalJSON flattens the string form into a single text block.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*s = SystemPrompt{{Type: "text", Text: plain}}
		return nil
	}
	var blocks []SystemText
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = SystemPrompt(blocks)
	return nil
}

// ToolDef is one client-declared tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Thinking is the extended-thinking request knob.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Enabled reports whether thinking was requested.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Metadata carries the client-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// CountTokensRequest is the count_tokens request body; it shares the
// Messages shape minus generation parameters.
type CountTokensRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	System   SystemPrompt `json:"system,omitempty"`
	Tools    []ToolDef    `json:"tools,omitempty"`
}

// ErrEmptyMessages reports a request with no messages.
var ErrEmptyMessages = errors.New("translate: messages must not be empty")
