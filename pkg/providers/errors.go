package providers

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching. Each typed error below matches
// exactly one sentinel via its Is method.
var (
	// ErrClient matches provider rejections of our input: HTTP 400, 401,
	// 402, 403, 413, 429, and transport-level failures.
	ErrClient = errors.New("provider rejected request")

	// ErrServer matches provider-side faults: any other non-2xx status.
	ErrServer = errors.New("provider server error")

	// ErrInvalidRequest matches translator precondition failures. These fail
	// identically on every provider, so the router does not failover.
	ErrInvalidRequest = errors.New("invalid inference request")

	// ErrSerialization matches wire encoding/decoding bugs. Terminal.
	ErrSerialization = errors.New("serialization error")

	// ErrBatchUnsupported matches providers with no batch API.
	ErrBatchUnsupported = errors.New("batch inference unsupported")

	// ErrFatalStream matches unrecoverable mid-stream failures.
	ErrFatalStream = errors.New("fatal stream error")
)

// ClientError represents a request the provider rejected: bad input, bad
// credentials, payload too large, or rate limiting (HTTP 400, 401, 402, 403,
// 413, 429). Transport errors are also client errors, with StatusCode zero.
type ClientError struct {
	// ProviderType is the provider family ("anthropic", "openai", ...).
	ProviderType string

	// StatusCode is the HTTP status (0 for transport errors).
	StatusCode int

	// RawRequest is the serialized request body sent to the provider.
	RawRequest string

	// RawResponse is the raw error body returned by the provider.
	RawResponse string

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %q rejected request (status %d): %s",
			e.ProviderType, e.StatusCode, e.RawResponse)
	}
	return fmt.Sprintf("provider %q request failed: %v", e.ProviderType, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *ClientError) Is(target error) bool { return target == ErrClient }

// Unwrap returns the underlying error for error chain support.
func (e *ClientError) Unwrap() error { return e.Cause }

// ServerError represents a provider-side fault: any non-2xx status outside
// the client-error set. The router treats it as retryable on the next
// provider in the routing list.
type ServerError struct {
	// ProviderType is the provider family.
	ProviderType string

	// StatusCode is the HTTP status.
	StatusCode int

	// RawRequest is the serialized request body sent to the provider.
	RawRequest string

	// RawResponse is the raw error body returned by the provider.
	RawResponse string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("provider %q server error (status %d): %s",
		e.ProviderType, e.StatusCode, e.RawResponse)
}

// Is implements error matching for errors.Is().
func (e *ServerError) Is(target error) bool { return target == ErrServer }

// InvalidRequestError represents a translator precondition failure, such as
// an empty message list or a tool call whose arguments are not a JSON
// object. The request would fail identically on every provider.
type InvalidRequestError struct {
	// ProviderType is the provider family that detected the problem.
	ProviderType string

	// Message describes the precondition that failed.
	Message string
}

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request for provider %q: %s", e.ProviderType, e.Message)
}

// Is implements error matching for errors.Is().
func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

// SerializationError represents a failure to encode the provider request or
// decode a well-formed provider response. It indicates a translator bug, not
// a provider fault, and is terminal.
type SerializationError struct {
	// ProviderType is the provider family.
	ProviderType string

	// RawResponse is the payload that failed to decode (if any).
	RawResponse string

	// Cause is the underlying encode/decode error.
	Cause error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("provider %q serialization error: %v", e.ProviderType, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// Unwrap returns the underlying error for error chain support.
func (e *SerializationError) Unwrap() error { return e.Cause }

// BatchUnsupportedError is returned by StartBatch and PollBatch on providers
// without a batch API.
type BatchUnsupportedError struct {
	// ProviderType is the provider family.
	ProviderType string
}

// Error implements the error interface.
func (e *BatchUnsupportedError) Error() string {
	return fmt.Sprintf("provider %q does not support batch inference", e.ProviderType)
}

// Is implements error matching for errors.Is().
func (e *BatchUnsupportedError) Is(target error) bool { return target == ErrBatchUnsupported }

// FatalStreamError represents an unrecoverable failure after streaming has
// begun: a provider error event, a malformed frame that cannot be skipped,
// or a dropped connection. It is yielded to the caller as the final stream
// item; the router never fails over mid-stream.
type FatalStreamError struct {
	// ProviderType is the provider family.
	ProviderType string

	// Message describes the failure.
	Message string

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *FatalStreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %q stream error: %s: %v", e.ProviderType, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %q stream error: %s", e.ProviderType, e.Message)
}

// Is implements error matching for errors.Is().
func (e *FatalStreamError) Is(target error) bool { return target == ErrFatalStream }

// Unwrap returns the underlying error for error chain support.
func (e *FatalStreamError) Unwrap() error { return e.Cause }
