package kiro

import (
	"encoding/json"
	"fmt"

	"github.com/kirolink/kiro-gateway/internal/eventstream"
)

// EventKind discriminates decoded upstream events.
type EventKind int

const (
	// EventUnknown is an event type this gateway does not interpret.
	EventUnknown EventKind = iota
	// EventAssistantText carries a chunk of assistant text.
	EventAssistantText
	// EventToolUse carries a tool invocation or an input chunk of one.
	EventToolUse
	// EventContextUsage reports context-window consumption.
	EventContextUsage
	// EventException reports an upstream error.
	EventException
)

// Event is one decoded upstream stream event.
type Event struct {
	Kind EventKind

	// EventAssistantText
	Text string

	// EventToolUse
	ToolUseID string
	ToolName  string
	ToolInput string
	ToolStop  bool

	// EventContextUsage
	ContextUsagePercent float64

	// EventException
	ExceptionType    string
	ExceptionMessage string
}

type assistantResponsePayload struct {
	Content string `json:"content"`
}

type toolUsePayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

type contextUsagePayload struct {
	ContextUsagePercentage float64 `json:"contextUsagePercentage"`
}

type exceptionPayload struct {
	Message string `json:"message"`
}

// ParseEvent interprets a decoded frame by its :event-type (or exception
// :message-type) header. Unrecognized event types come back as EventUnknown
// so the stream keeps flowing.
func ParseEvent(f *eventstream.Frame) (*Event, error) {
	if f.MessageType() == "exception" {
		var p exceptionPayload
		_ = json.Unmarshal(f.Payload, &p)
		return &Event{
			Kind:             EventException,
			ExceptionType:    f.ExceptionType(),
			ExceptionMessage: p.Message,
		}, nil
	}

	switch f.EventType() {
	case "assistantResponseEvent":
		var p assistantResponsePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("kiro: assistantResponseEvent payload: %w", err)
		}
		return &Event{Kind: EventAssistantText, Text: p.Content}, nil
	case "toolUseEvent":
		var p toolUsePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("kiro: toolUseEvent payload: %w", err)
		}
		return &Event{
			Kind:      EventToolUse,
			ToolUseID: p.ToolUseID,
			ToolName:  p.Name,
			ToolInput: p.Input,
			ToolStop:  p.Stop,
		}, nil
	case "contextUsageEvent":
		var p contextUsagePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("kiro: contextUsageEvent payload: %w", err)
		}
		return &Event{Kind: EventContextUsage, ContextUsagePercent: p.ContextUsagePercentage}, nil
	default:
		return &Event{Kind: EventUnknown}, nil
	}
}
