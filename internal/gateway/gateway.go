// Package gateway performs authenticated HTTP calls against the expense backend.
//
// Callers see either a decoded Response or a typed *Error; they never branch on
// transport internals.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Gateway is the contract the ingestion pipeline consumes.
type Gateway interface {
	// Get issues a GET request for path
	Get(ctx context.Context, path string, opts ...Option) (*Response, error)

	// Post issues a POST request; body is JSON-encoded unless it is a *Multipart
	Post(ctx context.Context, path string, body any, opts ...Option) (*Response, error)

	// Put issues a PUT request; body is JSON-encoded unless it is a *Multipart
	Put(ctx context.Context, path string, body any, opts ...Option) (*Response, error)
}

// Kind classifies a failed call
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindClient
	KindServer
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned for every call that did not produce a 2xx response
type Error struct {
	Kind       Kind
	Method     string
	Path       string
	StatusCode int    // zero for network and timeout failures
	Message    string // message extracted from the backend body, if any
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s failure", e.Method, e.Path, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call may succeed
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	case KindClient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.StatusCode
	}
	return 0
}

// IsStatus reports whether err is a gateway failure with the given status code
func IsStatus(err error, code int) bool {
	return StatusCode(err) == code
}

// Response is a successful (2xx) response with its body fully read
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Empty reports whether the body carries no value (no bytes, whitespace, or JSON null)
func (r *Response) Empty() bool {
	trimmed := bytes.TrimSpace(r.Body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v any) error {
	if r.Empty() {
		return fmt.Errorf("decoding response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FilePart is a file carried in a multipart body
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Multipart is a multipart/form-data request body
type Multipart struct {
	Fields [][2]string // ordered name/value pairs
	Files  []FilePart
}

// AddField appends a plain form field
func (m *Multipart) AddField(name, value string) {
	m.Fields = append(m.Fields, [2]string{name, value})
}

// AddFile appends a file part
func (m *Multipart) AddFile(part FilePart) {
	m.Files = append(m.Files, part)
}

type requestOptions struct {
	timeout time.Duration
	header  http.Header
}

// Option adjusts a single call
type Option func(*requestOptions)

// WithTimeout overrides the gateway's default timeout for one call
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// WithHeader sets an extra request header
func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Set(key, value)
	}
}
