package inference

import "fmt"

// ValidationError reports a canonical request that violates the data-model
// invariants before any provider is contacted.
type ValidationError struct {
	// Field is the offending request field.
	Field string

	// Message describes the violation.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of the canonical request:
// user messages may not contain tool calls, assistant messages may not
// contain tool results.
func (r *CanonicalRequest) Validate() error {
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleUser, RoleAssistant:
		default:
			return &ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("message %d has unknown role %q", i, msg.Role),
			}
		}
		for _, block := range msg.Content {
			switch block.Kind() {
			case BlockToolCall:
				if msg.Role == RoleUser {
					return &ValidationError{
						Field:   "messages",
						Message: fmt.Sprintf("message %d: user messages may not contain tool calls", i),
					}
				}
			case BlockToolResult:
				if msg.Role == RoleAssistant {
					return &ValidationError{
						Field:   "messages",
						Message: fmt.Sprintf("message %d: assistant messages may not contain tool results", i),
					}
				}
			}
		}
	}
	return nil
}

// TextContent concatenates the text of every TextBlock in the message.
func (m RequestMessage) TextContent() string {
	var out string
	for _, block := range m.Content {
		if t, ok := block.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}
