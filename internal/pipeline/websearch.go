package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

// SearchWeb runs a web_search tool call against the upstream MCP endpoint,
// with the same credential failover discipline as the conversation path.
func (p *Pipeline) SearchWeb(ctx context.Context, query string) (*translate.WebSearchResults, error) {
	body, _ := translate.BuildMCPSearchCall(query)

	var results *translate.WebSearchResults
	err := p.withFailover(ctx, func(lease *pool.Lease) (bool, error) {
		var retry bool
		var err error
		results, retry, err = p.searchAttempt(ctx, lease, body)
		return retry, err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) searchAttempt(ctx context.Context, lease *pool.Lease, body []byte) (*translate.WebSearchResults, bool, error) {
	token, err := p.Pool.EnsureFresh(ctx, lease)
	if err != nil {
		if ctx.Err() != nil {
			p.Pool.Release(lease, pool.OutcomeCancelled)
			return nil, false, ctx.Err()
		}
		p.Pool.Release(lease, pool.OutcomeFailure)
		return nil, true, p.wrapAuthError(err)
	}

	cred := lease.Credential()
	region := cred.EffectiveRegion(p.Region)

	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.mcpEndpoint(region), bytes.NewReader(body))
	if err != nil {
		p.Pool.Release(lease, pool.OutcomeFailure)
		return nil, true, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			p.Pool.Release(lease, pool.OutcomeCancelled)
			return nil, false, ctx.Err()
		}
		p.Pool.Release(lease, pool.OutcomeFailure)
		return nil, true, fmt.Errorf("websearch call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		p.Pool.Release(lease, pool.OutcomeFailure)
		return nil, true, fmt.Errorf("websearch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retry, cerr := p.classifyStatus(lease, resp.StatusCode, raw)
		return nil, retry, cerr
	}

	results, err := translate.ParseMCPSearchResponse(raw)
	if err != nil {
		p.Pool.Release(lease, pool.OutcomeFailure)
		return nil, true, err
	}
	p.Pool.Release(lease, pool.OutcomeSuccess)
	return results, false, nil
}
