package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirolink/kiro-gateway/internal/credential"
	"github.com/kirolink/kiro-gateway/internal/pool"
)

func pathID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

// writeAdminError maps pool errors onto the admin error envelope.
func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, pool.ErrNotDisabled):
		writeError(w, http.StatusConflict, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleAdminList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

// addCredentialRequest is the admin add-credential body.
type addCredentialRequest struct {
	RefreshToken string `json:"refreshToken"`
	AuthMethod   string `json:"authMethod"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Priority     int    `json:"priority"`
	Region       string `json:"region"`
	MachineID    string `json:"machineId"`
}

func (s *Server) handleAdminAdd(w http.ResponseWriter, r *http.Request) {
	var req addCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	id, err := s.pool.Add(credential.Credential{
		RefreshToken: req.RefreshToken,
		AuthMethod:   req.AuthMethod,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Priority:     req.Priority,
		Region:       req.Region,
		MachineID:    req.MachineID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("credential added with id %d", id),
		"credentialId": id,
	})
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	if err := s.pool.Delete(id); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("credential %d deleted", id)})
}

func (s *Server) handleAdminSetDisabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if err := s.pool.SetDisabled(id, req.Disabled); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("credential %d disabled=%t", id, req.Disabled)})
}

func (s *Server) handleAdminSetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if err := s.pool.SetPriority(id, req.Priority); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("credential %d priority=%d", id, req.Priority)})
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	if err := s.pool.ResetFailure(id); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("credential %d failure count reset", id)})
}

func (s *Server) handleAdminRefreshToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	if err := s.pool.RefreshNow(r.Context(), id); err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			writeAdminError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("credential %d token refreshed", id)})
}

func (s *Server) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid credential id")
		return
	}
	bal, err := s.pool.GetBalance(r.Context(), s.balance, id)
	if err != nil {
		if errors.Is(err, pool.ErrNotFound) {
			writeAdminError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// tokenList accepts either a JSON array of strings or one newline-separated
// string.
type tokenList []string

func (t *tokenList) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*t = tokenList(strings.Split(plain, "\n"))
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*t = tokenList(list)
	return nil
}

type importRequest struct {
	Tokens      tokenList `json:"tokens"`
	AuthMethod  string    `json:"authMethod"`
	SkipInvalid *bool     `json:"skipInvalid"`
}

type importResultItem struct {
	Line         int    `json:"line"`
	Status       string `json:"status"`
	CredentialID uint64 `json:"credentialId,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	importMaxBatch    = 1000
	importMaxTokenLen = 4096
	importMinTokenLen = 100
)

// handleAdminImport bulk-imports refresh tokens, one credential per line,
// deduplicating by refresh-token fingerprint against both the batch and the
// existing pool.
func (s *Server) handleAdminImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if len(req.Tokens) > importMaxBatch {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("batch too large: %d tokens, maximum %d", len(req.Tokens), importMaxBatch))
		return
	}
	skipInvalid := req.SkipInvalid == nil || *req.SkipInvalid
	authMethod := req.AuthMethod
	if authMethod == "" {
		authMethod = credential.AuthSocial
	}

	var results []importResultItem
	seen := make(map[string]struct{})
	imported, failed, skipped := 0, 0, 0

	fail := func(line int, msg string) bool {
		if !skipInvalid {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("line %d: %s", line, msg))
			return false
		}
		failed++
		results = append(results, importResultItem{Line: line, Status: "failed", Error: msg})
		return true
	}

	for i, raw := range req.Tokens {
		line := i + 1
		token := strings.TrimSpace(raw)
		if token == "" {
			skipped++
			continue
		}
		switch {
		case len(token) > importMaxTokenLen:
			if !fail(line, fmt.Sprintf("token too long: %d chars", len(token))) {
				return
			}
			continue
		case len(token) < importMinTokenLen:
			if !fail(line, fmt.Sprintf("token too short: %d chars", len(token))) {
				return
			}
			continue
		}

		fp := token
		if len(fp) > 64 {
			fp = fp[:64]
		}
		if _, dup := seen[fp]; dup {
			if !fail(line, "duplicate token within batch") {
				return
			}
			continue
		}
		if s.pool.HasFingerprint(fp) {
			if !fail(line, "credential already exists") {
				return
			}
			continue
		}
		seen[fp] = struct{}{}

		id, err := s.pool.Add(credential.Credential{RefreshToken: token, AuthMethod: authMethod})
		if err != nil {
			if !fail(line, err.Error()) {
				return
			}
			continue
		}
		imported++
		results = append(results, importResultItem{Line: line, Status: "success", CredentialID: id})
	}

	message := fmt.Sprintf("imported %d credentials", imported)
	if imported == 0 {
		message = "no valid tokens imported"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  imported > 0 || (failed == 0 && skipped == len(req.Tokens)),
		"message":  message,
		"total":    len(req.Tokens),
		"imported": imported,
		"failed":   failed,
		"skipped":  skipped,
		"results":  results,
	})
}
