// Package ratelimit implements the rate-limit ticket lifecycle around one
// inference: a ticket is consumed with estimated usage before the provider
// call and returned exactly once afterwards, reconciling the estimate against
// the usage actually observed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"apex-hq/meridian/pkg/inference"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrMissingMaxTokens means the rule mandates token accounting but the
	// request carries no max_tokens. Terminal: the router must not failover.
	ErrMissingMaxTokens = errors.New("rate limit requires max_tokens")

	// ErrLimitExceeded means the scope has no capacity for the estimate.
	ErrLimitExceeded = errors.New("rate limit exceeded")
)

// MissingMaxTokensError reports the token-accounting precondition failure.
type MissingMaxTokensError struct {
	Scope string
}

func (e *MissingMaxTokensError) Error() string {
	return fmt.Sprintf("rate limit for %q requires token accounting but the request has no max_tokens", e.Scope)
}

// Is implements errors.Is against ErrMissingMaxTokens.
func (e *MissingMaxTokensError) Is(target error) bool { return target == ErrMissingMaxTokens }

// LimitExceededError reports an exhausted scope.
type LimitExceededError struct {
	Scope     string
	Estimated int64
	// RetryAfter is how long until the estimate could be admitted.
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: %d tokens requested, retry after %s",
		e.Scope, e.Estimated, e.RetryAfter)
}

// Is implements errors.Is against ErrLimitExceeded.
func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Rule configures rate limiting for one scope.
type Rule struct {
	// TokensPerSecond is the sustained refill rate. Zero disables the rule.
	TokensPerSecond float64 `json:"tokens_per_second" yaml:"tokens_per_second"`

	// Burst caps the bucket; defaults to TokensPerSecond when zero.
	Burst int64 `json:"burst,omitempty" yaml:"burst,omitempty"`

	// Always mandates token accounting: requests without max_tokens are
	// rejected before reaching the provider.
	Always bool `json:"always,omitempty" yaml:"always,omitempty"`
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool { return r.TokensPerSecond > 0 }

// Ticket is one estimated-usage reservation held for the duration of an
// inference. It must be returned exactly once.
type Ticket struct {
	// Scope is the limiting scope the ticket was drawn from.
	Scope string

	// Estimated is the token estimate charged at consume time.
	Estimated int64

	// ConsumedAt is when the reservation was made.
	ConsumedAt time.Time

	returned atomic.Bool
}

// Outcome describes how a finished inference reconciles against its ticket.
type Outcome struct {
	// Usage is whatever usage was observed, partial or complete.
	Usage inference.Usage

	// Erred is true when the call failed; exact reconciliation requires a
	// clean call, so erred calls reconcile as under-estimates.
	Erred bool
}

// Reconciliation is the settled accounting handed to the store on return.
type Reconciliation struct {
	// ActualTokens is the exact spend, set only when reconciling exact.
	ActualTokens *int64

	// UnderEstimate marks a return where the true spend is unknown;
	// ObservedTokens is the floor established by partial usage.
	UnderEstimate  bool
	ObservedTokens int64
}

// Store is the rate-limit store port. Consume draws estimate tokens from the
// scope or fails; Return settles the reservation.
type Store interface {
	Consume(ctx context.Context, scope string, estimate int64) error
	Return(ctx context.Context, scope string, estimate int64, rec Reconciliation) error
	Close() error
}

// Manager runs the ticket lifecycle over a Store.
type Manager struct {
	store Store
	rule  Rule
}

// NewManager creates a ticket manager for one rule.
func NewManager(store Store, rule Rule) *Manager {
	return &Manager{store: store, rule: rule}
}

// Consume acquires a ticket for the request. A nil ticket with nil error
// means the rule is disabled and nothing was reserved.
func (m *Manager) Consume(ctx context.Context, scope string, req *inference.CanonicalRequest) (*Ticket, error) {
	if !m.rule.Enabled() {
		return nil, nil
	}
	if req.MaxTokens == nil {
		if m.rule.Always {
			return nil, &MissingMaxTokensError{Scope: scope}
		}
		// No estimate to account for; admit without a reservation.
		return nil, nil
	}

	estimate := int64(*req.MaxTokens)
	if err := m.store.Consume(ctx, scope, estimate); err != nil {
		return nil, err
	}
	return &Ticket{Scope: scope, Estimated: estimate, ConsumedAt: time.Now()}, nil
}

// Return settles the ticket. Safe on a nil ticket and idempotent: only the
// first return per ticket reaches the store.
func (m *Manager) Return(ctx context.Context, ticket *Ticket, outcome Outcome) error {
	if ticket == nil {
		return nil
	}
	if !ticket.returned.CompareAndSwap(false, true) {
		slog.Warn("duplicate ticket return ignored", "scope", ticket.Scope)
		return nil
	}

	rec := reconcile(ticket, outcome)
	if err := m.store.Return(ctx, ticket.Scope, ticket.Estimated, rec); err != nil {
		return fmt.Errorf("failed to return ticket for %q: %w", ticket.Scope, err)
	}
	return nil
}

// reconcile converts an outcome into store accounting: exact when the total
// is known and the call was clean, otherwise an under-estimate floored at the
// observed spend.
func reconcile(ticket *Ticket, outcome Outcome) Reconciliation {
	total, known := outcome.Usage.TotalTokens()
	if known && !outcome.Erred {
		actual := int64(total)
		return Reconciliation{ActualTokens: &actual}
	}
	observed := int64(0)
	if known {
		observed = int64(total)
	}
	return Reconciliation{UnderEstimate: true, ObservedTokens: observed}
}
