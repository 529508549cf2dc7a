package providers

import (
	"bufio"
	"io"
	"strings"
)

// sseMaxLineBytes bounds a single SSE line; tool arguments and reasoning
// deltas can run long but never anywhere near this.
const sseMaxLineBytes = 1 << 20

// SSEEvent is one Server-Sent Events frame: an optional event name and the
// joined data payload.
type SSEEvent struct {
	// Type is the "event:" field, empty when the frame carries only data.
	Type string

	// Data is the "data:" payload; multi-line data is joined with newlines.
	Data string
}

// SSEScanner reads SSE frames off a streaming response body. It handles the
// framing only; decoding the payload is the adapter's concern.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps a streaming response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next non-empty frame. It returns nil, io.EOF when the
// stream ends cleanly and the underlying read error otherwise.
func (s *SSEScanner) Next() (*SSEEvent, error) {
	var eventType string
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line terminates a frame.
		if line == "" {
			if eventType != "" || len(dataLines) > 0 {
				return &SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}, nil
			}
			continue
		}

		if after, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimPrefix(after, " ")
		} else if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(after, " "))
		}
		// Other SSE fields (id, retry, comments) are ignored.
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended mid-frame; deliver what accumulated.
	if eventType != "" || len(dataLines) > 0 {
		return &SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}, nil
	}
	return nil, io.EOF
}
