// Package pipeline drives one inbound request through credential
// acquisition, token refresh, translation, the upstream call, and streaming
// conversion, with failover across credentials under per-request and
// per-credential attempt budgets.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/credential"
	"github.com/kirolink/kiro-gateway/internal/eventstream"
	"github.com/kirolink/kiro-gateway/internal/kiro"
	"github.com/kirolink/kiro-gateway/internal/pool"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

const generateTarget = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

// RequestError is a failure that should surface to the client as-is. Inner
// layers never fabricate HTTP statuses; this is the one boundary type the
// server maps onto a response.
type RequestError struct {
	Status  int
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

// Consumer receives the decoded upstream events of one attempt.
//
// Committed reports whether output already reached the client; once true the
// pipeline can no longer fail over and any later failure is delivered via
// Fail instead of a retry.
type Consumer interface {
	OnEvent(ev *kiro.Event) error
	Finish() error
	Fail(errType, message string)
	Committed() bool
}

// errStreamTerminated is returned by consumers to stop reading without a
// transport error (e.g. after a terminal SSE error event).
var errStreamTerminated = errors.New("pipeline: stream terminated")

// ErrStreamTerminated exposes the sentinel for consumers.
func ErrStreamTerminated() error { return errStreamTerminated }

// Pipeline executes requests against the upstream using the credential pool.
type Pipeline struct {
	Pool            *pool.Pool
	Client          *http.Client
	Region          string
	ConfigMachineID string
	KiroVersion     string

	// Endpoint and MCPEndpoint override the region-derived URLs (tests).
	Endpoint    string
	MCPEndpoint string
}

func (p *Pipeline) endpoint(region string) string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}

func (p *Pipeline) mcpEndpoint(region string) string {
	if p.MCPEndpoint != "" {
		return p.MCPEndpoint
	}
	return fmt.Sprintf("https://prod.%s.agent.desktop.kiro.dev/mcp", region)
}

// Invoke translates req and runs the attempt loop. newConsumer is called
// once per attempt so each retry starts from a clean slate; a consumer that
// has committed output forbids further retries.
func (p *Pipeline) Invoke(ctx context.Context, req *translate.MessagesRequest, newConsumer func() Consumer) error {
	kiroReq, err := translate.ConvertRequest(req)
	if err != nil {
		if errors.Is(err, translate.ErrEmptyMessages) {
			return &RequestError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "messages must not be empty"}
		}
		return &RequestError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: err.Error()}
	}

	return p.withFailover(ctx, func(lease *pool.Lease) (bool, error) {
		return p.attempt(ctx, lease, kiroReq, newConsumer())
	})
}

// withFailover runs attempts under the per-request and per-credential
// budgets. A failing credential is retried (sticky) until its budget is
// exhausted, then excluded and the next-best one takes over.
func (p *Pipeline) withFailover(ctx context.Context, run func(lease *pool.Lease) (retry bool, err error)) error {
	excluded := make(map[uint64]struct{})
	perCred := make(map[uint64]int)
	var stickyID uint64
	var lastErr error

	for attempt := 1; attempt <= config.MaxRequestAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var lease *pool.Lease
		var err error
		if stickyID != 0 {
			lease, err = p.Pool.AcquireID(ctx, stickyID)
			if err != nil {
				stickyID = 0
				lease, err = p.Pool.Acquire(ctx, excluded)
			}
		} else {
			lease, err = p.Pool.Acquire(ctx, excluded)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if lastErr != nil {
				return lastErr
			}
			return &RequestError{Status: http.StatusServiceUnavailable, Type: "service_unavailable", Message: "no credential available"}
		}

		credID := lease.CredentialID()
		retry, err := run(lease)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}

		lastErr = err
		perCred[credID]++
		if perCred[credID] >= config.MaxCredentialAttempts {
			excluded[credID] = struct{}{}
			stickyID = 0
			log.Warn().
				Uint64("credential_id", credID).
				Int("attempts", perCred[credID]).
				Msg("credential exhausted its attempt budget, failing over")
		} else {
			stickyID = credID
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return &RequestError{Status: http.StatusBadGateway, Type: "api_error", Message: "all attempts exhausted"}
}

// attempt executes one upstream call on a leased credential. It releases
// the lease before returning. The bool result reports whether the pipeline
// may retry with the returned error.
func (p *Pipeline) attempt(ctx context.Context, lease *pool.Lease, kiroReq *kiro.Request, consumer Consumer) (bool, error) {
	token, err := p.Pool.EnsureFresh(ctx, lease)
	if err != nil {
		if ctx.Err() != nil {
			p.Pool.Release(lease, pool.OutcomeCancelled)
			return false, ctx.Err()
		}
		p.Pool.Release(lease, pool.OutcomeFailure)
		return true, p.wrapAuthError(err)
	}

	cred := lease.Credential()
	region := cred.EffectiveRegion(p.Region)

	body := *kiroReq
	body.ProfileArn = cred.ProfileArn
	payload, err := json.Marshal(&body)
	if err != nil {
		p.Pool.Release(lease, pool.OutcomeUserError)
		return false, &RequestError{Status: http.StatusInternalServerError, Type: "internal_error", Message: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamCallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.endpoint(region), bytes.NewReader(payload))
	if err != nil {
		p.Pool.Release(lease, pool.OutcomeFailure)
		return true, err
	}
	p.setUpstreamHeaders(httpReq, &cred, token)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			p.Pool.Release(lease, pool.OutcomeCancelled)
			return false, ctx.Err()
		}
		p.Pool.Release(lease, pool.OutcomeFailure)
		return true, fmt.Errorf("upstream call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return p.classifyStatus(lease, resp.StatusCode, raw)
	}

	return p.consumeStream(ctx, cancel, lease, resp.Body, consumer)
}

func (p *Pipeline) setUpstreamHeaders(req *http.Request, cred *credential.Credential, token string) {
	machineID := credential.MachineID(cred, p.ConfigMachineID)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("x-amz-target", generateTarget)
	req.Header.Set("x-amzn-codewhisperer-optout", "false")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE/%s (machine/%s)", p.KiroVersion, machineID))
}

// classifyStatus maps an upstream HTTP error onto the retry decision: auth
// errors and 5xx drive failover, other 4xx surface to the client with no
// failure accounting.
func (p *Pipeline) classifyStatus(lease *pool.Lease, status int, body []byte) (bool, error) {
	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		p.Pool.Release(lease, pool.OutcomeFailure)
		return true, &RequestError{Status: http.StatusBadGateway, Type: "authentication_error", Message: fmt.Sprintf("upstream rejected credential (%d): %s", status, msg)}
	case status >= 500:
		p.Pool.Release(lease, pool.OutcomeFailure)
		return true, &RequestError{Status: http.StatusBadGateway, Type: "api_error", Message: fmt.Sprintf("upstream error (%d): %s", status, msg)}
	case status == http.StatusTooManyRequests:
		p.Pool.Release(lease, pool.OutcomeUserError)
		return false, &RequestError{Status: http.StatusTooManyRequests, Type: "rate_limit_error", Message: msg}
	default:
		p.Pool.Release(lease, pool.OutcomeUserError)
		return false, &RequestError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: msg}
	}
}

// consumeStream decodes event-stream frames from the upstream body and feeds
// them to the consumer, enforcing the per-read idle timeout. Before any
// output is committed a failure is retryable; after that the consumer gets a
// terminal error instead.
func (p *Pipeline) consumeStream(ctx context.Context, cancel context.CancelFunc, lease *pool.Lease, body io.Reader, consumer Consumer) (bool, error) {
	idle := time.AfterFunc(config.UpstreamIdleTimeout, cancel)
	defer idle.Stop()

	decoder := eventstream.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			idle.Reset(config.UpstreamIdleTimeout)
			decoder.Feed(buf[:n])

			for {
				frame, err := decoder.Next()
				if err != nil {
					return p.streamFailure(lease, consumer, "api_error", fmt.Sprintf("malformed upstream frame: %v", err))
				}
				if frame == nil {
					break
				}
				ev, err := kiro.ParseEvent(frame)
				if err != nil {
					log.Warn().Err(err).Msg("undecodable upstream event, skipping")
					continue
				}
				if err := consumer.OnEvent(ev); err != nil {
					if errors.Is(err, errStreamTerminated) {
						// Terminal error already delivered to the client.
						p.Pool.Release(lease, pool.OutcomeFailure)
						return false, nil
					}
					// Client write failed: the inbound connection is gone.
					p.Pool.Release(lease, pool.OutcomeCancelled)
					return false, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				p.Pool.Release(lease, pool.OutcomeCancelled)
				return false, ctx.Err()
			}
			return p.streamFailure(lease, consumer, "api_error", fmt.Sprintf("upstream stream error: %v", readErr))
		}
	}

	if err := consumer.Finish(); err != nil {
		p.Pool.Release(lease, pool.OutcomeFailure)
		return false, err
	}
	p.Pool.Release(lease, pool.OutcomeSuccess)
	return false, nil
}

// streamFailure handles a mid-stream failure: retryable while nothing was
// sent, terminal SSE error afterwards.
func (p *Pipeline) streamFailure(lease *pool.Lease, consumer Consumer, errType, message string) (bool, error) {
	p.Pool.Release(lease, pool.OutcomeFailure)
	if consumer.Committed() {
		consumer.Fail(errType, message)
		return false, nil
	}
	return true, &RequestError{Status: http.StatusBadGateway, Type: errType, Message: message}
}

func (p *Pipeline) wrapAuthError(err error) error {
	if ae, ok := pool.AsAuthError(err); ok {
		return &RequestError{Status: http.StatusBadGateway, Type: "authentication_error", Message: ae.Error()}
	}
	return err
}
