package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Balance is the usage/limit report for one credential.
type Balance struct {
	ID                uint64   `json:"id"`
	SubscriptionTitle string   `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64  `json:"currentUsage"`
	UsageLimit        float64  `json:"usageLimit"`
	Remaining         float64  `json:"remaining"`
	UsagePercentage   float64  `json:"usagePercentage"`
	NextResetAt       *float64 `json:"nextResetAt,omitempty"`
}

// BalanceClient queries the upstream usage-limits API with a credential's
// access token.
type BalanceClient struct {
	Client        *http.Client
	DefaultRegion string

	// Endpoint overrides the derived management URL when set (tests).
	Endpoint string
}

const usageLimitsTarget = "AmazonCodeWhispererService.GetUsageLimits"

type usageLimitsResponse struct {
	SubscriptionInfo struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
	} `json:"subscriptionInfo"`
	UsageBreakdownList []struct {
		CurrentUsageWithPrecision float64 `json:"currentUsageWithPrecision"`
		UsageLimitWithPrecision   float64 `json:"usageLimitWithPrecision"`
	} `json:"usageBreakdownList"`
	NextDateReset *float64 `json:"nextDateReset"`
}

func (b *BalanceClient) endpoint(region string) string {
	if b.Endpoint != "" {
		return b.Endpoint
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", region)
}

// GetBalance refreshes the credential's token if needed and fetches its
// usage limits.
func (p *Pool) GetBalance(ctx context.Context, bc *BalanceClient, id uint64) (*Balance, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	token, err := p.ensureFresh(ctx, e, false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	cred := e.cred
	p.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"origin":       "AI_EDITOR",
		"profileArn":   cred.ProfileArn,
		"resourceType": "AGENTIC_REQUEST",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.endpoint(cred.EffectiveRegion(bc.DefaultRegion)), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("x-amz-target", usageLimitsTarget)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := bc.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage limits request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("usage limits response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage limits API status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed usageLimitsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse usage limits: %w", err)
	}

	bal := &Balance{
		ID:                id,
		SubscriptionTitle: parsed.SubscriptionInfo.SubscriptionTitle,
		NextResetAt:       parsed.NextDateReset,
	}
	if len(parsed.UsageBreakdownList) > 0 {
		bal.CurrentUsage = parsed.UsageBreakdownList[0].CurrentUsageWithPrecision
		bal.UsageLimit = parsed.UsageBreakdownList[0].UsageLimitWithPrecision
	}
	if bal.UsageLimit > 0 {
		bal.Remaining = bal.UsageLimit - bal.CurrentUsage
		if bal.Remaining < 0 {
			bal.Remaining = 0
		}
		bal.UsagePercentage = bal.CurrentUsage / bal.UsageLimit * 100
		if bal.UsagePercentage > 100 {
			bal.UsagePercentage = 100
		}
	}
	return bal, nil
}
