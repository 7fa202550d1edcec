package translate

import "strings"

// Upstream model ids served through the gateway.
const (
	ModelSonnet = "claude-sonnet-4.5"
	ModelOpus   = "claude-opus-4.5"
	ModelHaiku  = "claude-haiku-4.5"
)

// MapModel maps an inbound Anthropic model name to the upstream model id by
// case-insensitive substring. Anything that is neither haiku nor opus falls
// back to sonnet.
func MapModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "haiku"):
		return ModelHaiku
	case strings.Contains(lower, "opus"):
		return ModelOpus
	default:
		return ModelSonnet
	}
}

// ModelInfo is one entry in the /v1/models listing.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	MaxTokens   int    `json:"max_tokens"`
}

// SupportedModels returns the static model list advertised to clients.
func SupportedModels() []ModelInfo {
	return []ModelInfo{
		{
			ID:          "claude-sonnet-4-5-20250929",
			Object:      "model",
			Created:     1727568000,
			OwnedBy:     "anthropic",
			DisplayName: "Claude Sonnet 4.5",
			Type:        "chat",
			MaxTokens:   32000,
		},
		{
			ID:          "claude-opus-4-5-20251101",
			Object:      "model",
			Created:     1730419200,
			OwnedBy:     "anthropic",
			DisplayName: "Claude Opus 4.5",
			Type:        "chat",
			MaxTokens:   32000,
		},
		{
			ID:          "claude-haiku-4-5-20251001",
			Object:      "model",
			Created:     1727740800,
			OwnedBy:     "anthropic",
			DisplayName: "Claude Haiku 4.5",
			Type:        "chat",
			MaxTokens:   32000,
		},
	}
}
