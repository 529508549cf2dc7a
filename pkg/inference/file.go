package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxFileBytes caps how much of a URL-backed file the gateway will inline.
const maxFileBytes = 64 << 20

// LazyFile is file content that is either URL-backed (resolved on demand) or
// already resolved to bytes with a MIME type.
type LazyFile struct {
	// URL is set for unresolved, URL-backed files.
	URL string `json:"url,omitempty"`

	// MIMEType is the declared or detected content type.
	MIMEType string `json:"mime_type,omitempty"`

	// Data holds the resolved bytes; nil until resolved for URL-backed files.
	Data []byte `json:"data,omitempty"`
}

// Resolved reports whether the file bytes are available in memory.
func (f *LazyFile) Resolved() bool {
	return f.Data != nil
}

// IsImage reports whether the file's MIME type is a known image type.
func (f *LazyFile) IsImage() bool {
	return strings.HasPrefix(f.MIMEType, "image/")
}

// IsAudio reports whether the file's MIME type is a known audio type.
func (f *LazyFile) IsAudio() bool {
	return strings.HasPrefix(f.MIMEType, "audio/")
}

// Resolve fetches the file bytes when URL-backed. It is a no-op for already
// resolved files. The MIME type is taken from the response Content-Type when
// none was declared.
func (f *LazyFile) Resolve(ctx context.Context, client *http.Client) error {
	if f.Resolved() {
		return nil
	}
	if f.URL == "" {
		return fmt.Errorf("file has neither url nor data")
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build file request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch file %q: %w", f.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to fetch file %q: status %d", f.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read file %q: %w", f.URL, err)
	}
	if len(data) > maxFileBytes {
		return fmt.Errorf("file %q exceeds %d byte limit", f.URL, maxFileBytes)
	}

	f.Data = data
	if f.MIMEType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			f.MIMEType = strings.TrimSpace(strings.Split(ct, ";")[0])
		}
	}
	return nil
}

// Base64 returns the resolved bytes as standard base64. The file must be
// resolved first.
func (f *LazyFile) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}
