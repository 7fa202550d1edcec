// Package pool manages the credential pool: priority-ordered selection with
// per-credential concurrency gates, failure accounting with quarantine,
// token refresh with single-flight coalescing, and write-back persistence.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/credential"
)

// Outcome describes how a leased request ended.
type Outcome int

const (
	// OutcomeSuccess resets the credential's failure count.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure increments the failure count.
	OutcomeFailure
	// OutcomeUserError is a client-input failure; no accounting.
	OutcomeUserError
	// OutcomeCancelled is an aborted request; no accounting.
	OutcomeCancelled
)

// entry wraps a credential with its runtime state. Metadata fields are
// guarded by the pool mutex; the slots channel is the per-credential
// concurrency gate (len(slots) == active connections); refresh fields
// implement the single-flight slot.
type entry struct {
	cred         credential.Credential
	disabled     bool
	failureCount int

	slots chan struct{}

	refreshMu   sync.Mutex
	refreshWait chan struct{}
	refreshErr  error
}

// Options configures a pool.
type Options struct {
	MaxConcurrent    int
	FailureThreshold int
	AcquireWait      time.Duration
	Refresher        Refresher
	Store            *credential.Store
}

// Pool is the process-wide credential pool.
type Pool struct {
	mu        sync.Mutex
	entries   map[uint64]*entry
	nextID    uint64
	currentID uint64

	maxConcurrent    int
	failureThreshold int
	acquireWait      time.Duration
	refresher        Refresher
	store            *credential.Store
}

// New builds a pool from loaded credentials.
func New(creds []credential.Credential, opts Options) *Pool {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = config.DefaultFailureThreshold
	}
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = config.AcquireWaitTimeout
	}

	p := &Pool{
		entries:          make(map[uint64]*entry),
		maxConcurrent:    opts.MaxConcurrent,
		failureThreshold: opts.FailureThreshold,
		acquireWait:      opts.AcquireWait,
		refresher:        opts.Refresher,
		store:            opts.Store,
	}
	for _, c := range creds {
		p.entries[c.ID] = &entry{
			cred:  c,
			slots: make(chan struct{}, opts.MaxConcurrent),
		}
		if c.ID > p.nextID {
			p.nextID = c.ID
		}
	}
	return p
}

// Lease is a scoped acquisition of one credential. Releasing it returns the
// concurrency slot exactly once.
type Lease struct {
	pool *Pool
	e    *entry
	id   uint64
	once sync.Once
}

// CredentialID returns the leased credential's id.
func (l *Lease) CredentialID() uint64 {
	return l.id
}

// Credential returns a point-in-time copy of the leased credential.
func (l *Lease) Credential() credential.Credential {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.e.cred
}

// eligible reports whether e may serve new requests. Caller holds p.mu.
func (p *Pool) eligible(e *entry) bool {
	return !e.disabled && e.failureCount < p.failureThreshold
}

// candidates returns eligible, non-excluded entries in selection order:
// failure count asc, priority asc, id asc (disabled entries are filtered
// out rather than sorted last). Caller must NOT hold p.mu.
func (p *Pool) candidates(excluded map[uint64]struct{}) []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*entry, 0, len(p.entries))
	for id, e := range p.entries {
		if _, skip := excluded[id]; skip {
			continue
		}
		if p.eligible(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.failureCount != b.failureCount {
			return a.failureCount < b.failureCount
		}
		if a.cred.Priority != b.cred.Priority {
			return a.cred.Priority < b.cred.Priority
		}
		return a.cred.ID < b.cred.ID
	})
	return out
}

// Acquire leases the highest-priority eligible credential whose concurrency
// gate has a free slot. When every candidate is merely at capacity it waits
// on the best one up to the configured bound, then fails with
// ErrNoCredentialAvailable.
func (p *Pool) Acquire(ctx context.Context, excluded map[uint64]struct{}) (*Lease, error) {
	deadline := time.NewTimer(p.acquireWait)
	defer deadline.Stop()

	for {
		cands := p.candidates(excluded)
		if len(cands) == 0 {
			return nil, ErrNoCredentialAvailable
		}

		for _, e := range cands {
			select {
			case e.slots <- struct{}{}:
				lease, err := p.lease(e)
				if err == nil {
					return lease, nil
				}
				<-e.slots
			default:
			}
		}

		// All candidates at capacity: wait on the best one.
		best := cands[0]
		select {
		case best.slots <- struct{}{}:
			lease, err := p.lease(best)
			if err == nil {
				return lease, nil
			}
			// Entry became ineligible while waiting; give the slot back and
			// rescan.
			<-best.slots
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNoCredentialAvailable
		}
	}
}

// AcquireID leases one specific credential if it is still eligible, waiting
// on its gate up to the configured bound. Used by the pipeline to retry the
// same credential while its per-request attempt budget lasts.
func (p *Pool) AcquireID(ctx context.Context, id uint64) (*Lease, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || !p.eligible(e) {
		p.mu.Unlock()
		return nil, ErrNoCredentialAvailable
	}
	p.mu.Unlock()

	deadline := time.NewTimer(p.acquireWait)
	defer deadline.Stop()

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, ErrNoCredentialAvailable
	}

	lease, err := p.lease(e)
	if err != nil {
		<-e.slots
		return nil, err
	}
	return lease, nil
}

// lease finalizes an acquisition after a slot was taken, re-checking
// eligibility under the lock.
func (p *Pool) lease(e *entry) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.eligible(e) {
		return nil, ErrNoCredentialAvailable
	}
	p.currentID = e.cred.ID
	return &Lease{pool: p, e: e, id: e.cred.ID}, nil
}

// Release returns the concurrency slot and applies failure accounting for
// the outcome. Safe to call more than once; only the first call counts.
func (p *Pool) Release(l *Lease, outcome Outcome) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		<-l.e.slots

		p.mu.Lock()
		defer p.mu.Unlock()
		switch outcome {
		case OutcomeSuccess:
			l.e.failureCount = 0
		case OutcomeFailure:
			l.e.failureCount++
			if l.e.failureCount >= p.failureThreshold {
				log.Warn().
					Uint64("credential_id", l.id).
					Int("failure_count", l.e.failureCount).
					Msg("credential quarantined")
			}
		case OutcomeUserError, OutcomeCancelled:
		}
	})
}

// Status is one credential's runtime state for the admin surface.
type Status struct {
	ID                uint64 `json:"id"`
	Priority          int    `json:"priority"`
	Disabled          bool   `json:"disabled"`
	FailureCount      int    `json:"failureCount"`
	IsCurrent         bool   `json:"isCurrent"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	AuthMethod        string `json:"authMethod,omitempty"`
	HasProfileArn     bool   `json:"hasProfileArn"`
	ActiveConnections int    `json:"activeConnections"`
	MaxConcurrent     int    `json:"maxConcurrent"`
	Email             string `json:"email,omitempty"`
}

// StatusReport is the admin credential listing.
type StatusReport struct {
	Total       int      `json:"total"`
	Available   int      `json:"available"`
	CurrentID   uint64   `json:"currentId"`
	Credentials []Status `json:"credentials"`
}

// List returns the pool state sorted by priority then id.
func (p *Pool) List() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := StatusReport{
		CurrentID:   p.currentID,
		Credentials: make([]Status, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		report.Total++
		if p.eligible(e) {
			report.Available++
		}
		report.Credentials = append(report.Credentials, Status{
			ID:                e.cred.ID,
			Priority:          e.cred.Priority,
			Disabled:          e.disabled,
			FailureCount:      e.failureCount,
			IsCurrent:         e.cred.ID == p.currentID,
			ExpiresAt:         e.cred.ExpiresAt,
			AuthMethod:        e.cred.AuthMethod,
			HasProfileArn:     e.cred.ProfileArn != "",
			ActiveConnections: len(e.slots),
			MaxConcurrent:     p.maxConcurrent,
			Email:             credential.AccessTokenEmail(e.cred.AccessToken),
		})
	}
	sort.Slice(report.Credentials, func(i, j int) bool {
		a, b := report.Credentials[i], report.Credentials[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return report
}

// SetDisabled toggles a credential's disabled flag.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.disabled = disabled
	return nil
}

// SetPriority updates a credential's selection priority.
func (p *Pool) SetPriority(id uint64, priority int) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	e.cred.Priority = priority
	p.mu.Unlock()

	p.WriteBack()
	return nil
}

// ResetFailure clears the failure count and re-enables the credential.
func (p *Pool) ResetFailure(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.failureCount = 0
	e.disabled = false
	return nil
}

// Add validates and inserts a new credential, assigns it a fresh id, and
// persists the pool. Returns the assigned id.
func (p *Pool) Add(c credential.Credential) (uint64, error) {
	c.Normalize()

	p.mu.Lock()
	p.nextID++
	c.ID = p.nextID
	if err := c.Validate(); err != nil {
		p.nextID--
		p.mu.Unlock()
		return 0, err
	}
	p.entries[c.ID] = &entry{
		cred:  c,
		slots: make(chan struct{}, p.maxConcurrent),
	}
	id := c.ID
	p.mu.Unlock()

	p.WriteBack()
	return id, nil
}

// Delete removes a credential. The credential must already be disabled.
func (p *Pool) Delete(id uint64) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	if !e.disabled {
		p.mu.Unlock()
		return ErrNotDisabled
	}
	delete(p.entries, id)
	p.mu.Unlock()

	p.WriteBack()
	return nil
}

// HasFingerprint reports whether any credential shares the given refresh
// token fingerprint. Used to deduplicate batch imports.
func (p *Pool) HasFingerprint(fp string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.cred.Fingerprint() == fp {
			return true
		}
	}
	return false
}

// snapshotCredentials copies all credentials sorted by id, for persistence.
func (p *Pool) snapshotCredentials() []credential.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]credential.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WriteBack persists the credential array. The snapshot is taken under the
// lock, the file write happens outside it, and failures only warn: losing a
// write-back must never fail a request.
func (p *Pool) WriteBack() {
	if p.store == nil {
		return
	}
	snapshot := p.snapshotCredentials()
	if err := p.store.Save(snapshot); err != nil {
		log.Warn().Err(err).Str("path", p.store.Path()).Msg("credential write-back failed")
	}
}
