package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/astarte-agent/internal/httpkit"
)

// Response body handling modes.
const (
	ModeAuto = "auto"
	ModeJSON = "json"
	ModeText = "text"
	ModeHTML = "html"
)

// reportedHeaders are the response headers passed back to the caller.
var reportedHeaders = []string{
	"Content-Type", "Content-Length", "Location", "Retry-After",
	"X-Ratelimit-Remaining", "X-Ratelimit-Reset",
}

// Request is one HTTP call.
type Request struct {
	Method  string // default GET
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    string
	// Mode is ModeAuto (default), ModeJSON, ModeText or ModeHTML.
	Mode string
	// KeepHTML returns HTML markup unchanged instead of its text.
	KeepHTML bool
	MaxChars int           // DefaultMaxChars when zero
	Timeout  time.Duration // the Fetcher default when zero, capped at MaxTimeout
}

// Response is the outcome of a request. Error statuses are responses,
// not errors.
type Response struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	StatusCode  int               `json:"status"`
	Status      string            `json:"status_text,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	// Format is how Content was produced: json, html, text or binary.
	Format    string `json:"format,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Chars     int    `json:"chars"`
	Truncated bool   `json:"truncated,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Do sends req and decodes the response body for a reader: JSON is
// indented, HTML is reduced to visible text, and anything else is
// returned as text when it is valid UTF-8.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, err
	}
	if len(req.Query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	timeout = min(timeout, MaxTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	out := &Response{
		URL:         target,
		Method:      method,
		StatusCode:  resp.StatusCode,
		Status:      http.StatusText(resp.StatusCode),
		ContentType: resp.Header.Get("Content-Type"),
	}
	for _, h := range reportedHeaders {
		if v := resp.Header.Get(h); v != "" {
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[strings.ToLower(h)] = v
		}
	}
	if method == http.MethodHead {
		return out, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	decode(out, raw, req.Mode, req.KeepHTML)

	out.Content, out.Truncated = cutRunes(out.Content, maxChars)
	out.Chars = utf8.RuneCountInString(out.Content)
	f.logger.Debug("http request completed",
		"method", method, "url", target, "status", resp.StatusCode, "chars", out.Chars, "truncated", out.Truncated)
	return out, nil
}

// decode fills the content fields of out from body according to mode.
func decode(out *Response, body []byte, mode string, keepHTML bool) {
	mediaType, _, _ := mime.ParseMediaType(out.ContentType)
	if mode == "" || mode == ModeAuto {
		switch {
		case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
			mode = ModeJSON
		case mediaType == "text/html" || mediaType == "application/xhtml+xml":
			mode = ModeHTML
		default:
			mode = ModeText
		}
	}

	switch mode {
	case ModeJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			out.Format, out.Content = ModeJSON, buf.String()
			return
		}
		out.Note = "response is not valid JSON; returned as text"
	case ModeHTML:
		if keepHTML {
			out.Format, out.Content = ModeHTML, strings.ToValidUTF8(string(body), "\uFFFD")
			return
		}
		out.Format = ModeHTML
		out.Title, out.Content = extractHTML(string(body))
		return
	}

	if strings.HasPrefix(mediaType, "text/") || utf8.Valid(body) {
		out.Format, out.Content = ModeText, strings.ToValidUTF8(string(body), "\uFFFD")
		return
	}
	out.Format = "binary"
	out.Content = fmt.Sprintf("[binary content: %s, %d bytes]", out.ContentType, len(body))
}
