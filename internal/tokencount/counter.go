// Package tokencount estimates input token counts with a three-tier
// strategy: the official remote count API when configured, a local BPE
// tokenizer when one can be loaded, and a character heuristic as the final
// fallback.
package tokencount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/kirolink/kiro-gateway/internal/translate"
)

// Structural overhead constants, added on top of raw text tokens in the
// local tiers.
const (
	perMessageOverhead = 4
	systemOverhead     = 10
	perToolOverhead    = 10
)

// tokenizerSearchPaths are tried in order when lazily initializing the local
// tokenizer.
var tokenizerSearchPaths = []string{
	"tokenizers/claude-tokenizer.json",
	"./tokenizers/claude-tokenizer.json",
	"../tokenizers/claude-tokenizer.json",
}

// RemoteConfig points tier 1 at an official count_tokens API.
type RemoteConfig struct {
	URL      string
	APIKey   string
	AuthType string // "x-api-key" or "bearer"
}

// Counter is safe for concurrent use. The tokenizer is initialized once on
// first use and immutable afterwards.
type Counter struct {
	remote RemoteConfig
	client *http.Client

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New builds a counter. client is only used for the remote tier and may be
// nil when no remote URL is configured.
func New(remote RemoteConfig, client *http.Client) *Counter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Counter{remote: remote, client: client}
}

// Count estimates the input tokens of a request, trying remote, tokenizer,
// and heuristic tiers in order. The result is always at least 1.
func (c *Counter) Count(ctx context.Context, req *translate.CountTokensRequest) int {
	if c.remote.URL != "" {
		if n, err := c.countRemote(ctx, req); err == nil {
			return n
		} else {
			log.Warn().Err(err).Msg("remote count_tokens failed, falling back to local counting")
		}
	}
	return c.countLocal(req)
}

func (c *Counter) countRemote(ctx context.Context, req *translate.CountTokensRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.remote.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.remote.APIKey != "" {
		if c.remote.AuthType == "bearer" {
			httpReq.Header.Set("Authorization", "Bearer "+c.remote.APIKey)
		} else {
			httpReq.Header.Set("x-api-key", c.remote.APIKey)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count_tokens API status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, err
	}
	if parsed.InputTokens <= 0 {
		return 0, fmt.Errorf("count_tokens API returned %d", parsed.InputTokens)
	}
	return parsed.InputTokens, nil
}

func (c *Counter) countLocal(req *translate.CountTokensRequest) int {
	total := 0

	if len(req.System) > 0 {
		for _, s := range req.System {
			total += c.TextTokens(s.Text)
		}
		total += systemOverhead
	}

	for _, msg := range req.Messages {
		total += perMessageOverhead
		total += c.contentTokens(msg.Content)
	}

	for _, tool := range req.Tools {
		total += c.TextTokens(tool.Name)
		total += c.TextTokens(tool.Description)
		total += c.TextTokens(string(tool.InputSchema))
		total += perToolOverhead
	}

	if total < 1 {
		total = 1
	}
	return total
}

// contentTokens counts the text pieces of a message content value (plain
// string or typed block array).
func (c *Counter) contentTokens(content json.RawMessage) int {
	parsed := gjson.ParseBytes(content)
	if parsed.Type == gjson.String {
		return c.TextTokens(parsed.String())
	}
	total := 0
	if parsed.IsArray() {
		parsed.ForEach(func(_, block gjson.Result) bool {
			if text := block.Get("text"); text.Exists() {
				total += c.TextTokens(text.String())
			}
			return true
		})
	}
	return total
}

// TextTokens counts tokens in a single text piece with the tokenizer when
// available, the heuristic otherwise.
func (c *Counter) TextTokens(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(c.initTokenizer)
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

// heuristicTokens estimates by character density: CJK-heavy text averages
// ~1.5 chars per token, ASCII-heavy ~4, with a 10% safety margin.
func heuristicTokens(text string) int {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	nonASCII := 0
	for _, r := range runes {
		if r > 127 {
			nonASCII++
		}
	}

	chars := float64(len(runes))
	var tokens float64
	if float64(nonASCII)/chars > 0.5 {
		tokens = chars / 1.5
	} else {
		tokens = chars / 4
	}
	return int(math.Ceil(tokens * 1.1))
}

// initTokenizer loads the local BPE once. A rank file found on the search
// paths wins; otherwise the embedded cl100k encoding is used when its data
// is available. Failure leaves enc nil and the heuristic takes over.
func (c *Counter) initTokenizer() {
	for _, path := range tokenizerSearchPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tiktoken.SetBpeLoader(&fileRanksLoader{path: path})
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to load tokenizer file")
			continue
		}
		log.Info().Str("path", path).Msg("loaded local tokenizer")
		c.enc = enc
		return
	}

	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		log.Warn().Err(err).Msg("no tokenizer available, using heuristic token counting")
		return
	}
	c.enc = enc
}
