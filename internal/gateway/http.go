package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 10 << 20 // 10MB
	maxMessageLen  = 200
)

// Credentials attaches authentication to an outgoing request
type Credentials interface {
	Apply(req *http.Request)
}

// BearerToken sends an Authorization: Bearer header
type BearerToken string

// Apply implements Credentials
func (t BearerToken) Apply(req *http.Request) {
	if t != "" {
		req.Header.Set("Authorization", "Bearer "+string(t))
	}
}

// BasicAuth sends HTTP basic credentials
type BasicAuth struct {
	Username string
	Password string
}

// Apply implements Credentials
func (b BasicAuth) Apply(req *http.Request) {
	if b.Username == "" && b.Password == "" {
		return
	}
	token := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	req.Header.Set("Authorization", "Basic "+token)
}

// Config configures an HTTP gateway
type Config struct {
	BaseURL     string        // e.g. http://localhost:8080/api
	Timeout     time.Duration // default per-call timeout; zero means 30s
	Credentials Credentials   // optional
	Client      *http.Client  // optional; its own Timeout should be zero
	Logger      *slog.Logger  // optional
}

// HTTP implements Gateway over net/http
type HTTP struct {
	baseURL string
	timeout time.Duration
	creds   Credentials
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTP creates a new HTTP gateway
func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		creds:   cfg.Credentials,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}, nil
}

// Get implements Gateway
func (g *HTTP) Get(ctx context.Context, path string, opts ...Option) (*Response, error) {
	return g.do(ctx, http.MethodGet, path, nil, opts)
}

// Post implements Gateway
func (g *HTTP) Post(ctx context.Context, path string, body any, opts ...Option) (*Response, error) {
	return g.do(ctx, http.MethodPost, path, body, opts)
}

// Put implements Gateway
func (g *HTTP) Put(ctx context.Context, path string, body any, opts ...Option) (*Response, error) {
	return g.do(ctx, http.MethodPut, path, body, opts)
}

func (g *HTTP) do(ctx context.Context, method, path string, body any, opts []Option) (*Response, error) {
	o := requestOptions{timeout: g.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: encoding body: %w", method, path, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: creating request: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range o.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if g.creds != nil {
		g.creds.Apply(req)
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		// The caller's own cancellation is not a transport failure.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		kind := KindNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return nil, &Error{Kind: KindNetwork, Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	g.logger.Debug("Gateway call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(started),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindServer
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = KindClient
		}
		return nil, &Error{
			Kind:       kind,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    backendMessage(data),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// encodeBody returns the request body reader and its content type
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		return encodeMultipart(b)
	case []byte:
		return bytes.NewReader(b), "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func encodeMultipart(m *Multipart) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range m.Fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", field[0], err)
		}
	}
	for _, file := range m.Files {
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(file.Field), escapeQuotes(file.Filename)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating part %s: %w", file.Field, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("writing part %s: %w", file.Field, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// quoteEscaper also percent-encodes line breaks so a filename cannot end the
// part header early
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"", "\r", "%0D", "\n", "%0A")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// backendMessage pulls a short human-readable message out of an error body
func backendMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		for _, key := range []string{"message", "error", "msg", "detail"} {
			if s, ok := payload[key].(string); ok && s != "" {
				return truncate(s)
			}
		}
		return ""
	}
	return truncate(string(trimmed))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxMessageLen {
		return s[:maxMessageLen] + "..."
	}
	return s
}
