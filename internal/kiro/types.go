// Package kiro defines the wire types of the upstream CodeWhisperer-style
// service: the conversationState request envelope and the decoded stream
// events. Field names and nesting are fixed by the upstream contract.
package kiro

import "encoding/json"

// Request is the body posted to generateAssistantResponse.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the current message plus paired history.
type ConversationState struct {
	ConversationID      string           `json:"conversationId"`
	AgentContinuationID string           `json:"agentContinuationId,omitempty"`
	AgentTaskType       string           `json:"agentTaskType,omitempty"`
	ChatTriggerType     string           `json:"chatTriggerType"`
	CurrentMessage      CurrentMessage   `json:"currentMessage"`
	History             []HistoryMessage `json:"history,omitempty"`
}

// CurrentMessage wraps the user turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is one user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin,omitempty"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext holds tool specifications and tool results for a
// user turn.
type UserInputMessageContext struct {
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// HistoryMessage is either a user or an assistant turn; exactly one field is
// set.
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// AssistantResponseMessage is one assistant turn in history.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is one tool invocation recorded in history.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// Tool wraps a tool specification.
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification describes one tool. InputSchema carries the client's
// JSON schema verbatim.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema nests the raw JSON schema under a "json" key.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolResult reports the outcome of a prior tool use.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

// ToolResultContent is one text piece of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// Image is an inline base64 image attachment.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}
