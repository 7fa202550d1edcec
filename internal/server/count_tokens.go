package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/translate"
)

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var req translate.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}

	tokens := s.counter.Count(r.Context(), &req)
	log.Debug().Str("model", req.Model).Int("input_tokens", tokens).Msg("count_tokens")

	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": tokens})
}
