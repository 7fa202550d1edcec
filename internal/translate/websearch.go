package translate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WebSearchToolName is the builtin tool that routes a request onto the
// upstream MCP search path instead of the conversation API.
const WebSearchToolName = "web_search"

// IsWebSearchRequest reports whether the request selects the builtin
// WebSearch path: a tools array with exactly one entry named web_search.
func IsWebSearchRequest(req *MessagesRequest) bool {
	return len(req.Tools) == 1 && req.Tools[0].Name == WebSearchToolName
}

// WebSearchQuery extracts the search query: the text of the last user
// message.
func WebSearchQuery(req *MessagesRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		text, _, _ := splitContent(req.Messages[i].Content)
		return strings.TrimSpace(text)
	}
	return ""
}

// BuildMCPSearchCall renders the JSON-RPC 2.0 tools/call body for a
// web_search invocation. The body shape is fixed by the upstream contract.
func BuildMCPSearchCall(query string) ([]byte, string) {
	id := uuid.New().String()
	body := `{"jsonrpc":"2.0","method":"tools/call"}`
	body, _ = sjson.Set(body, "id", id)
	body, _ = sjson.Set(body, "params.name", WebSearchToolName)
	body, _ = sjson.Set(body, "params.arguments.query", query)
	return []byte(body), id
}

// WebSearchResult is one parsed search hit.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchResults is the parsed result set of one search call.
type WebSearchResults struct {
	Query   string            `json:"query,omitempty"`
	Results []WebSearchResult `json:"results"`
}

// ParseMCPSearchResponse decodes the JSON-RPC response: the result content
// is a text item whose body is itself JSON carrying the results array.
func ParseMCPSearchResponse(raw []byte) (*WebSearchResults, error) {
	parsed := gjson.ParseBytes(raw)
	if errMsg := parsed.Get("error.message"); errMsg.Exists() {
		return nil, fmt.Errorf("websearch: upstream error: %s", errMsg.String())
	}
	inner := parsed.Get("result.content.0.text")
	if !inner.Exists() {
		return nil, fmt.Errorf("websearch: response has no result content")
	}

	results := &WebSearchResults{}
	body := gjson.Parse(inner.String())
	results.Query = body.Get("query").String()
	body.Get("results").ForEach(func(_, r gjson.Result) bool {
		results.Results = append(results.Results, WebSearchResult{
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Snippet: r.Get("snippet").String(),
		})
		return true
	})
	return results, nil
}

// FormatSearchContext renders search results as a text summary for the
// final assistant message.
func FormatSearchContext(query string, results *WebSearchResults) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q:\n", query)
	if results == nil || len(results.Results) == 0 {
		b.WriteString("\nNo results found.")
		return b.String()
	}
	for i, r := range results.Results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return b.String()
}

// SearchIndicatorEvents emits the server_tool_use / web_search_tool_result
// block pair that renders a search indicator in Anthropic clients. Both
// blocks are opened and closed in order, starting at startIndex.
func SearchIndicatorEvents(query, toolUseID string, results *WebSearchResults, startIndex int) []SSEEvent {
	var searchContent []map[string]any
	if results != nil {
		for _, r := range results.Results {
			searchContent = append(searchContent, map[string]any{
				"type":              "web_search_result",
				"title":             r.Title,
				"url":               r.URL,
				"encrypted_content": r.Snippet,
				"page_age":          nil,
			})
		}
	}

	inputJSON := `{"query":` + gjsonEscape(query) + `}`
	return []SSEEvent{
		{Type: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": startIndex,
			"content_block": map[string]any{
				"id":    toolUseID,
				"type":  "server_tool_use",
				"name":  WebSearchToolName,
				"input": map[string]any{},
			},
		}},
		{Type: "content_block_delta", Data: map[string]any{
			"type":  "content_block_delta",
			"index": startIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": inputJSON},
		}},
		{Type: "content_block_stop", Data: map[string]any{
			"type":  "content_block_stop",
			"index": startIndex,
		}},
		{Type: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": startIndex + 1,
			"content_block": map[string]any{
				"type":        "web_search_tool_result",
				"tool_use_id": toolUseID,
				"content":     searchContent,
			},
		}},
		{Type: "content_block_stop", Data: map[string]any{
			"type":  "content_block_stop",
			"index": startIndex + 1,
		}},
	}
}

func gjsonEscape(s string) string {
	out, _ := sjson.Set(`{}`, "q", s)
	return gjson.Get(out, "q").Raw
}

// NewSearchToolUseID generates an id for the synthetic server_tool_use
// block.
func NewSearchToolUseID() string {
	return "srvtoolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
