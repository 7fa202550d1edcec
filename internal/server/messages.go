package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/kiro"
	"github.com/kirolink/kiro-gateway/internal/pipeline"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var req translate.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	inputTokens := s.counter.Count(r.Context(), &translate.CountTokensRequest{
		Model:    req.Model,
		Messages: req.Messages,
		System:   req.System,
		Tools:    req.Tools,
	})

	log.Info().
		Str("model", req.Model).
		Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).
		Int("input_tokens", inputTokens).
		Msg("POST /v1/messages")

	// Reject before calling upstream when the request cannot fit the
	// context window.
	if inputTokens+req.MaxTokens > config.ContextWindowTokens {
		writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf(
			"input length and max_tokens exceed context limit: %d + %d > %d, decrease input length or max_tokens and try again",
			inputTokens, req.MaxTokens, config.ContextWindowTokens))
		return
	}

	if translate.IsWebSearchRequest(&req) {
		s.handleWebSearch(w, r, &req, inputTokens)
		return
	}

	if req.Stream {
		s.handleMessagesStream(w, r, &req, inputTokens)
		return
	}
	s.handleMessagesBuffered(w, r, &req, inputTokens)
}

// ----------------------------------------------------------------------------
// Non-streaming
// ----------------------------------------------------------------------------

// bufferConsumer accumulates the whole upstream stream into one response.
type bufferConsumer struct {
	acc *translate.Accumulator
}

func (b *bufferConsumer) OnEvent(ev *kiro.Event) error {
	b.acc.Add(ev)
	return nil
}

func (b *bufferConsumer) Finish() error {
	if errType, msg, ok := b.acc.Err(); ok {
		return &pipeline.RequestError{
			Status:  http.StatusBadGateway,
			Type:    "api_error",
			Message: fmt.Sprintf("upstream exception %s: %s", errType, msg),
		}
	}
	return nil
}

func (b *bufferConsumer) Fail(string, string) {}
func (b *bufferConsumer) Committed() bool     { return false }

func (s *Server) handleMessagesBuffered(w http.ResponseWriter, r *http.Request, req *translate.MessagesRequest, inputTokens int) {
	var consumer *bufferConsumer
	err := s.pipe.Invoke(r.Context(), req, func() pipeline.Consumer {
		consumer = &bufferConsumer{acc: translate.NewAccumulator()}
		return consumer
	})
	if err != nil {
		s.writePipelineError(w, r, req, inputTokens, err)
		return
	}

	resp := consumer.acc.Build(req.Model, inputTokens, s.counter.TextTokens)
	writeJSON(w, http.StatusOK, resp)
}

// writePipelineError maps pipeline failures onto HTTP responses.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, req *translate.MessagesRequest, inputTokens int, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		// Client went away; nothing to write.
		return
	}

	var reqErr *pipeline.RequestError
	if errors.As(err, &reqErr) {
		if isTokenLimitError(reqErr.Message) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf(
				"Prompt is too long (server-side context limit reached). Input tokens: %d, Max tokens: %d, Context window: %d",
				inputTokens, req.MaxTokens, config.ContextWindowTokens))
			return
		}
		writeError(w, reqErr.Status, reqErr.Type, reqErr.Message)
		return
	}

	log.Error().Err(err).Msg("pipeline failed")
	writeError(w, http.StatusBadGateway, "api_error", "upstream request failed: "+err.Error())
}

// isTokenLimitError matches the upstream's context-overflow error shapes.
func isTokenLimitError(msg string) bool {
	for _, marker := range []string{
		"Input is too long",
		"too long",
		"CONTENT_LENGTH_EXCEEDS_THRESHOLD",
		"context limit",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Streaming
// ----------------------------------------------------------------------------

// sseWriter serializes SSE writes from the pipeline and the keep-alive
// goroutine. The response header is written lazily on the first event so
// pre-stream failures can still surface as plain HTTP errors.
type sseWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (sw *sseWriter) start() {
	if sw.committed {
		return
	}
	sw.committed = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
}

// Send writes one event, committing the response on first use.
func (sw *sseWriter) Send(ev translate.SSEEvent) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.start()
	if _, err := sw.w.Write(ev.Render()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// SendIfStarted writes only when the stream is already committed; used by
// the keep-alive ticker so a ping never commits the response by itself.
func (sw *sseWriter) SendIfStarted(ev translate.SSEEvent) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.committed {
		return
	}
	if _, err := sw.w.Write(ev.Render()); err != nil {
		return
	}
	sw.flusher.Flush()
}

// Committed reports whether response bytes have been sent.
func (sw *sseWriter) Committed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.committed
}

// streamConsumer converts upstream events to SSE and writes them out.
type streamConsumer struct {
	w    *sseWriter
	conv *translate.StreamConverter
}

func (c *streamConsumer) OnEvent(ev *kiro.Event) error {
	for _, sse := range c.conv.Process(ev) {
		if err := c.w.Send(sse); err != nil {
			return err
		}
	}
	if c.conv.Errored() {
		return pipeline.ErrStreamTerminated()
	}
	return nil
}

func (c *streamConsumer) Finish() error {
	for _, sse := range c.conv.Finish() {
		if err := c.w.Send(sse); err != nil {
			return err
		}
	}
	return nil
}

func (c *streamConsumer) Fail(errType, message string) {
	_ = c.w.Send(translate.ErrorEvent(errType, message))
}

func (c *streamConsumer) Committed() bool {
	return c.w.Committed()
}

func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request, req *translate.MessagesRequest, inputTokens int) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	// Keep-alive pings while the upstream is quiet.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(config.SSEPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.SendIfStarted(translate.PingEvent())
			case <-done:
				return
			}
		}
	}()

	err := s.pipe.Invoke(r.Context(), req, func() pipeline.Consumer {
		return &streamConsumer{
			w:    sw,
			conv: translate.NewStreamConverter(req.Model, inputTokens, req.Thinking.Enabled()),
		}
	})
	if err != nil {
		if sw.Committed() {
			_ = sw.Send(translate.ErrorEvent("api_error", err.Error()))
			return
		}
		s.writePipelineError(w, r, req, inputTokens, err)
	}
}

// ----------------------------------------------------------------------------
// WebSearch
// ----------------------------------------------------------------------------

func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request, req *translate.MessagesRequest, inputTokens int) {
	query := translate.WebSearchQuery(req)
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "web_search request has no query text")
		return
	}

	results, err := s.pipe.SearchWeb(r.Context(), query)
	if err != nil {
		s.writePipelineError(w, r, req, inputTokens, err)
		return
	}

	summary := translate.FormatSearchContext(query, results)
	outputTokens := s.counter.TextTokens(summary)
	toolUseID := translate.NewSearchToolUseID()

	if !req.Stream {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":   translate.NewMessageID(),
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "server_tool_use", "id": toolUseID, "name": translate.WebSearchToolName, "input": map[string]any{"query": query}},
				{"type": "text", "text": summary},
			},
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
		})
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	// message_start, the indicator block pair, the text summary block, then
	// message termination.
	events := []translate.SSEEvent{translate.MessageStartEvent(req.Model, inputTokens)}
	events = append(events, translate.SearchIndicatorEvents(query, toolUseID, results, 0)...)
	events = append(events, translate.TextBlockEvents(2, summary)...)
	events = append(events,
		translate.MessageDeltaEvent("end_turn", inputTokens, outputTokens),
		translate.MessageStopEvent(),
	)
	for _, ev := range events {
		if err := sw.Send(ev); err != nil {
			return
		}
	}
}
