package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirolink/kiro-gateway/internal/credential"
	"github.com/kirolink/kiro-gateway/internal/eventstream"
	"github.com/kirolink/kiro-gateway/internal/kiro"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

// writeEventFrame writes one upstream event-stream frame to the response.
func writeEventFrame(t *testing.T, w http.ResponseWriter, eventType, payload string) {
	t.Helper()
	buf, err := eventstream.Encode(
		[]string{":message-type", ":event-type"},
		map[string]eventstream.HeaderValue{
			":message-type": {Type: eventstream.TypeString, String: "event"},
			":event-type":   {Type: eventstream.TypeString, String: eventType},
		},
		[]byte(payload),
	)
	require.NoError(t, err)
	_, _ = w.Write(buf)
}

// collectingConsumer records every upstream event it receives.
type collectingConsumer struct {
	events    []*kiro.Event
	finished  bool
	failType  string
	committed bool
}

func (c *collectingConsumer) OnEvent(ev *kiro.Event) error {
	c.events = append(c.events, ev)
	return nil
}
func (c *collectingConsumer) Finish() error { c.finished = true; return nil }
func (c *collectingConsumer) Fail(errType, _ string) {
	c.failType = errType
}
func (c *collectingConsumer) Committed() bool { return c.committed }

func (c *collectingConsumer) text() string {
	out := ""
	for _, ev := range c.events {
		if ev.Kind == kiro.EventAssistantText {
			out += ev.Text
		}
	}
	return out
}

func freshCreds(n int) []credential.Credential {
	creds := make([]credential.Credential, n)
	for i := range creds {
		creds[i] = credential.Credential{
			ID:           uint64(i + 1),
			RefreshToken: "rt",
			AuthMethod:   credential.AuthSocial,
			AccessToken:  "token-" + string(rune('A'+i)),
			ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			ProfileArn:   "arn:aws:codewhisperer:us-east-1:000000000000:profile/P",
			Priority:     i,
		}
	}
	return creds
}

type nopRefresher struct{}

func (nopRefresher) Refresh(context.Context, credential.Credential) (*pool.TokenUpdate, error) {
	return nil, &pool.AuthError{Kind: pool.AuthInvalid, Message: "refresh not expected in this test"}
}

func newTestPipeline(t *testing.T, upstream *httptest.Server, creds []credential.Credential) (*Pipeline, *pool.Pool) {
	t.Helper()
	p := pool.New(creds, pool.Options{
		MaxConcurrent: 4,
		Refresher:     nopRefresher{},
		AcquireWait:   100 * time.Millisecond,
	})
	pipe := &Pipeline{
		Pool:        p,
		Client:      upstream.Client(),
		Region:      "us-east-1",
		KiroVersion: "0.3.9",
		Endpoint:    upstream.URL,
	}
	return pipe, p
}

func simpleRequest(model string) *translate.MessagesRequest {
	return &translate.MessagesRequest{
		Model:     model,
		MaxTokens: 256,
		Messages: []translate.Message{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
	}
}

func TestInvokeSuccess(t *testing.T) {
	var gotBody []byte
	var gotTarget, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.Header.Get("x-amz-target")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		writeEventFrame(t, w, "assistantResponseEvent", `{"content":"hello"}`)
	}))
	defer upstream.Close()

	pipe, p := newTestPipeline(t, upstream, freshCreds(1))
	consumer := &collectingConsumer{}
	err := pipe.Invoke(context.Background(), simpleRequest("claude-3-haiku-x"), func() Consumer { return consumer })
	require.NoError(t, err)

	assert.Equal(t, "hello", consumer.text())
	assert.True(t, consumer.finished)
	assert.Equal(t, "AmazonCodeWhispererStreamingService.GenerateAssistantResponse", gotTarget)
	assert.Equal(t, "Bearer token-A", gotAuth)

	parsed := gjson.ParseBytes(gotBody)
	assert.Equal(t, "claude-haiku-4.5", parsed.Get("conversationState.currentMessage.userInputMessage.modelId").String())
	assert.Contains(t, parsed.Get("profileArn").String(), "profile/P")

	report := p.List()
	assert.Equal(t, 0, report.Credentials[0].FailureCount)
	assert.Equal(t, 0, report.Credentials[0].ActiveConnections)
}

func TestInvokeFailoverAfterAuthFailures(t *testing.T) {
	var attempts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") == "Bearer token-A" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid token"}`))
			return
		}
		writeEventFrame(t, w, "assistantResponseEvent", `{"content":"from B"}`)
	}))
	defer upstream.Close()

	pipe, p := newTestPipeline(t, upstream, freshCreds(2))
	consumer := &collectingConsumer{}
	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return consumer })
	require.NoError(t, err)

	// Three attempts against A, then failover to B on the fourth.
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, "from B", consumer.text())

	report := p.List()
	assert.Equal(t, 3, report.Credentials[0].FailureCount)
	assert.Equal(t, 0, report.Credentials[1].FailureCount)
}

func TestInvokeUserErrorSurfacesImmediately(t *testing.T) {
	var attempts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Improperly formed request"}`))
	}))
	defer upstream.Close()

	pipe, p := newTestPipeline(t, upstream, freshCreds(2))
	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return &collectingConsumer{} })

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status)
	assert.Equal(t, int32(1), attempts.Load(), "client errors must not retry")
	assert.Equal(t, 0, p.List().Credentials[0].FailureCount, "no failure accounting for user errors")
}

func TestInvokeExhaustsBudgetsOn5xx(t *testing.T) {
	var attempts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	pipe, _ := newTestPipeline(t, upstream, freshCreds(1))
	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return &collectingConsumer{} })

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadGateway, reqErr.Status)
	// The single credential is quarantined after the failure threshold, so
	// the loop stops at the per-credential budget, within the request cap.
	assert.LessOrEqual(t, attempts.Load(), int32(3))
}

func TestInvokeRequestBudgetCap(t *testing.T) {
	var attempts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	// Many credentials so the per-request cap is the binding constraint.
	pipe, _ := newTestPipeline(t, upstream, freshCreds(5))
	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return &collectingConsumer{} })
	require.Error(t, err)
	assert.LessOrEqual(t, attempts.Load(), int32(9))
}

func TestInvokeNoCredentials(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer upstream.Close()

	pipe, _ := newTestPipeline(t, upstream, nil)
	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return &collectingConsumer{} })

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.Status)
}

func TestInvokeCancelledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body first: net/http only watches for the client
		// hanging up once the request body has been read.
		_, _ = io.ReadAll(r.Body)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	pipe, p := newTestPipeline(t, upstream, freshCreds(1))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := pipe.Invoke(ctx, simpleRequest("claude-sonnet-4"), func() Consumer { return &collectingConsumer{} })
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	report := p.List()
	assert.Equal(t, 0, report.Credentials[0].FailureCount, "cancellation is not a credential failure")
	assert.Equal(t, 0, report.Credentials[0].ActiveConnections)
}

func TestInvokeMalformedFrameCommitted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEventFrame(t, w, "assistantResponseEvent", `{"content":"partial"}`)
		// Garbage that fails CRC validation.
		_, _ = w.Write([]byte{0, 0, 0, 32, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8})
	}))
	defer upstream.Close()

	pipe, p := newTestPipeline(t, upstream, freshCreds(1))
	consumer := &collectingConsumer{}
	// Mark committed after the first event, like a real SSE stream.
	consumer.committed = true

	err := pipe.Invoke(context.Background(), simpleRequest("claude-sonnet-4"), func() Consumer { return consumer })
	require.NoError(t, err, "failures after commit are delivered as SSE errors")
	assert.Equal(t, "api_error", consumer.failType)
	assert.Equal(t, 1, p.List().Credentials[0].FailureCount)
}

func TestSearchWeb(t *testing.T) {
	inner, _ := json.Marshal(map[string]any{
		"results": []map[string]any{{"title": "T", "url": "https://t"}},
	})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := gjson.Parse(readAll(r))
		assert.Equal(t, "tools/call", body.Get("method").String())
		assert.Equal(t, "web_search", body.Get("params.name").String())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      body.Get("id").String(),
			"result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": string(inner)}},
			},
		})
	}))
	defer upstream.Close()

	p := pool.New(freshCreds(1), pool.Options{Refresher: nopRefresher{}})
	pipe := &Pipeline{
		Pool:        p,
		Client:      upstream.Client(),
		Region:      "us-east-1",
		MCPEndpoint: upstream.URL,
	}

	results, err := pipe.SearchWeb(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "T", results.Results[0].Title)
}

func readAll(r *http.Request) string {
	buf, _ := io.ReadAll(r.Body)
	return string(buf)
}
