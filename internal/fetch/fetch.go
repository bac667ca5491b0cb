// Package fetch performs HTTP requests for the fetch_url and
// http_request tools and reduces HTML responses to readable text.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/astarte-agent/internal/buildinfo"
	"github.com/nugget/astarte-agent/internal/httpkit"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 5 << 20
	// MaxTimeout bounds a single request, whatever the caller asks for.
	MaxTimeout = 60 * time.Second
	// DefaultMaxChars bounds extracted text when the caller gives no limit.
	DefaultMaxChars = 20000
)

// Config configures a Fetcher.
type Config struct {
	// Timeout is the per-request default. Zero means 30s.
	Timeout  time.Duration
	MaxBytes int64
	Logger   *slog.Logger
	// Client overrides the HTTP client. Tests use it to reach httptest
	// servers through their own transport.
	Client *http.Client
}

// Result is a fetched page.
type Result struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	Chars       int    `json:"chars"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = defaultTimeout
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	client := cfg.Client
	if client == nil {
		// Requests carry their own deadline; the client bound is the
		// ceiling. Connect failures are retried since nothing was sent.
		client = httpkit.NewClient(
			httpkit.WithTimeout(MaxTimeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	return &Fetcher{client: client, timeout: timeout, maxBytes: maxBytes, logger: logger}
}

// NormalizeURL adds https:// to a bare host and rejects schemes other
// than http and https.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return u.String(), nil
}

// Fetch downloads rawURL and extracts at most maxChars characters of
// text (DefaultMaxChars when maxChars is zero). HTTP error statuses are
// returned as results so the caller can see the page body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	resp, err := f.Do(ctx, Request{
		URL:      rawURL,
		Headers:  map[string]string{"Accept": "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5"},
		MaxChars: maxChars,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Title:       resp.Title,
		Content:     resp.Content,
		Chars:       resp.Chars,
		Truncated:   resp.Truncated,
	}, nil
}

// cutRunes keeps the first n runes of s.
func cutRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
