package providers

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEScannerFrames(t *testing.T) {
	input := "event: message_start\n" +
		"data: {\"type\":\"message_start\"}\n" +
		"\n" +
		"data: {\"type\":\"ping\"}\n" +
		"\n" +
		"event: content_block_delta\n" +
		"data: {\"a\":1,\n" +
		"data: \"b\":2}\n" +
		"\n"

	s := NewSSEScanner(strings.NewReader(input))

	first, err := s.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Type != "message_start" || first.Data != `{"type":"message_start"}` {
		t.Errorf("first = %+v", first)
	}

	second, err := s.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.Type != "" || second.Data != `{"type":"ping"}` {
		t.Errorf("second = %+v", second)
	}

	third, err := s.Next()
	if err != nil {
		t.Fatalf("third frame: %v", err)
	}
	if third.Type != "content_block_delta" {
		t.Errorf("third type = %q", third.Type)
	}
	if third.Data != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("multi-line data = %q", third.Data)
	}

	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEScannerTruncatedFinalFrame(t *testing.T) {
	// No trailing blank line; the accumulated frame is still delivered.
	s := NewSSEScanner(strings.NewReader("data: [DONE]\n"))

	frame, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Data != "[DONE]" {
		t.Errorf("Data = %q", frame.Data)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEScannerIgnoresCommentsAndIDs(t *testing.T) {
	input := ": keep-alive\nid: 42\nretry: 1000\ndata: hello\n\n"
	s := NewSSEScanner(strings.NewReader(input))

	frame, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Data != "hello" {
		t.Errorf("Data = %q", frame.Data)
	}
}
