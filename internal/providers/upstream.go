// Package providers holds httptest doubles for adapter tests: a scripted
// upstream server that answers unary JSON or SSE and records every request
// it saw.
package providers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Exchange scripts one upstream response. When Frames is set the exchange is
// served as an SSE stream; otherwise Body is written verbatim.
type Exchange struct {
	// Status is the HTTP status; 200 when zero.
	Status int

	// Body is the unary response body.
	Body string

	// Frames are SSE data payloads, each written as a "data:" frame and
	// flushed individually.
	Frames []string

	// Events optionally names the SSE event per frame (Anthropic-style
	// "event:" lines). Missing entries emit a bare data frame.
	Events []string

	// Delay stalls the response before the first byte.
	Delay time.Duration
}

// RecordedRequest is one request the upstream received.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// Upstream is a scripted mock provider endpoint. Exchanges are served in
// order; the last one repeats once the script runs out.
type Upstream struct {
	server *httptest.Server

	mu       sync.Mutex
	script   []Exchange
	next     int
	requests []RecordedRequest
}

// NewUpstream starts an upstream serving the given script.
func NewUpstream(script ...Exchange) *Upstream {
	u := &Upstream{script: script}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

// URL returns the server's base URL.
func (u *Upstream) URL() string { return u.server.URL }

// Close shuts the server down.
func (u *Upstream) Close() { u.server.Close() }

// Requests returns a copy of everything the upstream received.
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RecordedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// Count returns how many requests arrived.
func (u *Upstream) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *Upstream) take(r *http.Request) Exchange {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   string(body),
	})

	if len(u.script) == 0 {
		return Exchange{Status: http.StatusNotFound, Body: `{"error":"no exchange scripted"}`}
	}
	ex := u.script[u.next]
	if u.next < len(u.script)-1 {
		u.next++
	}
	return ex
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	ex := u.take(r)
	if ex.Delay > 0 {
		time.Sleep(ex.Delay)
	}

	status := ex.Status
	if status == 0 {
		status = http.StatusOK
	}

	if len(ex.Frames) == 0 {
		w.WriteHeader(status)
		io.WriteString(w, ex.Body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	for i, frame := range ex.Frames {
		if i < len(ex.Events) && ex.Events[i] != "" {
			io.WriteString(w, "event: "+ex.Events[i]+"\n")
		}
		io.WriteString(w, "data: "+frame+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}
