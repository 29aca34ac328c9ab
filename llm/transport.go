package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTimeout bounds connect, write and read of one request.
	DefaultTimeout = 30 * time.Second

	// SlowTimeout is used by backends that may cold-start models
	// (self-hosted and Hugging Face).
	SlowTimeout = 60 * time.Second
)

// NewHTTPClient returns an http.Client with the given timeout, or fallback
// when timeout <= 0.
func NewHTTPClient(timeout, fallback time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = fallback
	}
	return &http.Client{Timeout: timeout}
}

// Response is a fully read backend reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Empty reports a body with no non-whitespace content.
func (r *Response) Empty() bool { return len(bytes.TrimSpace(r.Body)) == 0 }

// IsHTML reports whether the body is an HTML page rather than JSON.
func (r *Response) IsHTML() bool {
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "text/html") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(r.Body), []byte("<"))
}

// PostJSON marshals payload, POSTs it to url with the extra headers and
// reads the whole reply. Only transport failures are returned as errors;
// status handling is left to the caller.
func PostJSON(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, payload any) (*Response, error) {
	if hc == nil {
		return nil, NewError(KindUninitialized, provider, nil, "client not initialized")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(KindParse, provider, err, "failed to marshal request payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindNetwork, provider, err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, NewError(KindNetwork, provider, ctx.Err(), "request canceled")
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, NewError(KindNetwork, provider, ctx.Err(), "request timed out")
		}
		return nil, NewError(KindNetwork, provider, err, "failed to send request to %s", url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindNetwork, provider, err, "failed to read response body")
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// StatusError builds the generic non-2xx error. detail, when not empty, is
// the message extracted from the provider's error envelope.
func StatusError(provider string, r *Response, detail string) *Error {
	e := &Error{Kind: KindAPI, Provider: provider, Status: r.Status}
	if detail != "" {
		e.Message = fmt.Sprintf("api error (status %d): %s", r.Status, detail)
	} else {
		e.Message = fmt.Sprintf("api request failed with status %d %s: %s", r.Status, http.StatusText(r.Status), Snippet(r.Body, 200))
	}
	return e
}

// Snippet returns at most n bytes of body for error messages. The cut backs
// up to a rune boundary so multi-byte text stays valid UTF-8.
func Snippet(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
