package providers

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"client", &ClientError{ProviderType: "openai", StatusCode: 401}, ErrClient},
		{"server", &ServerError{ProviderType: "openai", StatusCode: 500}, ErrServer},
		{"invalid request", &InvalidRequestError{ProviderType: "anthropic", Message: "empty messages"}, ErrInvalidRequest},
		{"serialization", &SerializationError{ProviderType: "openai", Cause: errors.New("bad json")}, ErrSerialization},
		{"batch unsupported", &BatchUnsupportedError{ProviderType: "anthropic"}, ErrBatchUnsupported},
		{"fatal stream", &FatalStreamError{ProviderType: "openai", Message: "connection dropped"}, ErrFatalStream},
	}

	sentinels := []error{ErrClient, ErrServer, ErrInvalidRequest, ErrSerialization, ErrBatchUnsupported, ErrFatalStream}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%T, sentinel) = false", tt.err)
			}
			for _, other := range sentinels {
				if other != tt.sentinel && errors.Is(tt.err, other) {
					t.Errorf("%T matches foreign sentinel %v", tt.err, other)
				}
			}
			// Matching survives wrapping.
			wrapped := fmt.Errorf("attempt failed: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("wrapped %T lost sentinel match", tt.err)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	if got := errors.Unwrap(&ClientError{Cause: cause}); got != cause {
		t.Errorf("ClientError.Unwrap() = %v", got)
	}
	if got := errors.Unwrap(&SerializationError{Cause: cause}); got != cause {
		t.Errorf("SerializationError.Unwrap() = %v", got)
	}
	if got := errors.Unwrap(&FatalStreamError{Cause: cause}); got != cause {
		t.Errorf("FatalStreamError.Unwrap() = %v", got)
	}
}
