package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is matching.
var (
	// ErrModelTimeout matches the terminal top-level timeout: the whole
	// failover loop is aborted.
	ErrModelTimeout = errors.New("model timeout")

	// ErrProviderTimeout matches the advisory per-provider timeout; the
	// router records it and advances to the next provider.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrExhausted matches the terminal all-providers-failed error.
	ErrExhausted = errors.New("all providers exhausted")
)

// ModelTimeoutError is the terminal top-level timeout.
type ModelTimeoutError struct {
	// Model is the logical model name.
	Model string

	// Timeout is the configured bound that expired.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model %q timed out after %s", e.Model, e.Timeout)
}

// Is implements error matching for errors.Is().
func (e *ModelTimeoutError) Is(target error) bool { return target == ErrModelTimeout }

// ProviderTimeoutError is the advisory per-provider timeout.
type ProviderTimeoutError struct {
	// Provider is the binding name that timed out.
	Provider string

	// Timeout is the configured bound that expired.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %q timed out after %s", e.Provider, e.Timeout)
}

// Is implements error matching for errors.Is().
func (e *ProviderTimeoutError) Is(target error) bool { return target == ErrProviderTimeout }

// Attempt records one failed provider attempt.
type Attempt struct {
	// Provider is the binding name, in routing-list order.
	Provider string

	// Err is the failure for that binding.
	Err error
}

// ExhaustedError is returned when every provider in the routing list failed.
// Attempts preserves routing-list order for diagnostics.
type ExhaustedError struct {
	// Model is the logical model name.
	Model string

	// Attempts holds one entry per tried provider, in order.
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return fmt.Sprintf("all providers failed for model %q: [%s]", e.Model, strings.Join(parts, "; "))
}

// Is implements error matching for errors.Is().
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Unwrap exposes each attempt's error so errors.Is and errors.As reach
// through the exhaustion wrapper.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}
