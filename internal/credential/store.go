package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/utils"
)

// Store reads and writes the credentials file. The file holds either a
// single credential object (legacy) or an array; writes always use the array
// form with an atomic replace. Save is serialized globally.
type Store struct {
	path string

	mu           sync.Mutex
	legacySingle bool
}

// NewStore returns a store bound to path. Nothing is read until Load.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load parses the credentials file, normalizes legacy shapes, and assigns
// stable ids to entries that lack one. A missing file yields an empty pool
// rather than an error.
func (s *Store) Load() ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Msg("credentials file not found, starting with empty pool")
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials %s: %w", s.path, err)
	}

	var creds []Credential
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single Credential
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
		}
		single.ID = 1
		creds = []Credential{single}
		s.legacySingle = true
	} else {
		if err := json.Unmarshal(trimmed, &creds); err != nil {
			return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
		}
	}

	assignIDs(creds)
	for i := range creds {
		creds[i].Normalize()
		if err := creds[i].Validate(); err != nil {
			return nil, fmt.Errorf("credentials %s: %w", s.path, err)
		}
	}
	return creds, nil
}

// assignIDs gives every credential without an id a fresh one above the
// current maximum. Existing ids are kept so they stay stable across loads.
func assignIDs(creds []Credential) {
	var next uint64
	for i := range creds {
		if creds[i].ID > next {
			next = creds[i].ID
		}
	}
	for i := range creds {
		if creds[i].ID == 0 {
			next++
			creds[i].ID = next
		}
	}
}

// Save persists the full credential array with write-to-temp + rename. The
// legacy single-object shape is upgraded to array form on first save.
func (s *Store) Save(creds []Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize credentials: %w", err)
	}
	data = append(data, '\n')

	if err := utils.AtomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials %s: %w", s.path, err)
	}
	if s.legacySingle {
		log.Info().Str("path", s.path).Msg("upgraded legacy single-credential file to array form")
		s.legacySingle = false
	}
	return nil
}
