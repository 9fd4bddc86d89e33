package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultReportPath is the collector endpoint that accepts reports
	DefaultReportPath = "/report"

	// DefaultHTTPTimeout bounds a request when the caller's context has no deadline
	DefaultHTTPTimeout = 30 * time.Second

	// maxResponseBody caps how much of an error response is kept
	maxResponseBody = 4 << 10

	redactedSecret = "REDACTED"
)

// Endpoint identifies where and as whom a batch is sent
type Endpoint struct {
	ServerAddress string
	Secret        string
}

// Transport sends one batch and reports success or failure. Implementations
// must treat the batch as all-or-nothing.
type Transport interface {
	Send(ctx context.Context, ep Endpoint, batch *Batch) error
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, ep Endpoint, batch *Batch) error

// Send calls f
func (f TransportFunc) Send(ctx context.Context, ep Endpoint, batch *Batch) error {
	return f(ctx, ep, batch)
}

// HTTPTransportConfig configures the HTTP transport
type HTTPTransportConfig struct {
	// Client overrides the HTTP client (tests, proxies)
	Client *http.Client

	// Timeout for the default client (default: 30s)
	Timeout time.Duration

	// Path appended to the server address (default: /report)
	Path string

	// UserAgent header value
	UserAgent string

	// Logger
	Logger *slog.Logger
}

// HTTPTransport posts batches as JSON to the collection server
type HTTPTransport struct {
	client    *http.Client
	path      string
	userAgent string
	logger    *slog.Logger
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.Path == "" {
		cfg.Path = DefaultReportPath
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gec-go-reporter"
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &HTTPTransport{
		client:    client,
		path:      cfg.Path,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Send posts the batch to {server}{path}?key={secret}
func (t *HTTPTransport) Send(ctx context.Context, ep Endpoint, batch *Batch) error {
	target, err := t.reportURL(ep)
	if err != nil {
		return err
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	if ep.Secret != "" {
		req.Header.Set("X-Gec-Key", ep.Secret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", redactError(err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// Drain the rest so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(respBody)),
		}
	}

	t.logger.Debug("batch accepted",
		"records", len(batch.Records),
		"status", resp.StatusCode,
		"bytes", len(body),
	)
	return nil
}

func (t *HTTPTransport) reportURL(ep Endpoint) (string, error) {
	if ep.ServerAddress == "" {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(ep.ServerAddress)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", ep.ServerAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid server address %q: scheme must be http or https", ep.ServerAddress)
	}

	u.Path = strings.TrimRight(u.Path, "/") + t.path
	if ep.Secret != "" {
		q := u.Query()
		q.Set("key", ep.Secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redactError masks the secret in the request URL that net/http embeds in its
// errors, so it never reaches logs.
func redactError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		ue.URL = ""
		return err
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", redactedSecret)
		u.RawQuery = q.Encode()
	}
	ue.URL = u.String()
	return err
}
