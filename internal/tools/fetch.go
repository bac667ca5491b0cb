package tools

import (
	"context"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/fetch"
)

// PageFetcher downloads a URL as readable text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Result, error)
}

// HTTPDoer performs arbitrary HTTP requests.
type HTTPDoer interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

type fetchURLArgs struct {
	URL      string `json:"url" validate:"required"`
	MaxChars int    `json:"max_chars" validate:"gte=0,lte=100000"`
}

type httpRequestArgs struct {
	URL          string            `json:"url" validate:"required"`
	Method       string            `json:"method" validate:"omitempty,oneof=GET POST PUT DELETE PATCH HEAD"`
	Headers      map[string]string `json:"headers" validate:"max=50"`
	QueryParams  map[string]string `json:"query_params" validate:"max=100"`
	Body         string            `json:"body" validate:"max=1000000"`
	ResponseType string            `json:"response_type" validate:"omitempty,oneof=auto json text html"`
	StripHTML    *bool             `json:"strip_html"`
	MaxLength    int               `json:"max_length" validate:"gte=0,lte=30000"`
	TimeoutSecs  int               `json:"timeout_secs" validate:"gte=0,lte=60"`
}

// httpRequestDefaultChars is the body size returned when max_length is
// not given.
const httpRequestDefaultChars = 8000

// RegisterHTTPTool adds http_request. Its call deadline sits above the
// longest request timeout so the request's own timeout reports first.
func RegisterHTTPTool(r *Registry, d HTTPDoer) {
	r.Register(&Tool{
		Name: "http_request",
		Description: "Make an HTTP request to any URL: call REST APIs, POST data, or check that a URL is reachable. " +
			"JSON responses are pretty-printed and HTML is reduced to readable text unless strip_html is false. " +
			"Never put API keys in the conversation: store them with memory_set and read them back with memory_get " +
			"before adding them to headers.",
		Parameters: schema(map[string]any{
			"url": prop("string", "http or https URL. Query parameters may be given here or in query_params."),
			"method": map[string]any{
				"type": "string", "enum": []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD"},
				"description": "HTTP method (default GET).",
			},
			"headers": map[string]any{
				"type": "object", "additionalProperties": map[string]any{"type": "string"},
				"description": "Request headers, e.g. Authorization or Accept.",
			},
			"query_params": map[string]any{
				"type": "object", "additionalProperties": map[string]any{"type": "string"},
				"description": "Query parameters, URL-encoded and added to the URL.",
			},
			"body": prop("string", "Request body for POST, PUT or PATCH. Stringify JSON first."),
			"response_type": map[string]any{
				"type": "string", "enum": []string{"auto", "json", "text", "html"},
				"description": "auto (default) detects from Content-Type; json, text and html force the handling.",
			},
			"strip_html":   prop("boolean", "Reduce HTML to text (default true)."),
			"max_length":   prop("integer", "Maximum characters of body to return (default 8000, max 30000)."),
			"timeout_secs": prop("integer", "Request timeout in seconds (default 10, max 60)."),
		}, "url"),
		Timeout: fetch.MaxTimeout + 10*time.Second,
		Handler: Typed(func(ctx context.Context, in httpRequestArgs) (string, error) {
			if _, err := fetch.NormalizeURL(in.URL); err != nil {
				return "", apperr.Invalid("url", "%v", err)
			}
			maxChars := in.MaxLength
			if maxChars == 0 {
				maxChars = httpRequestDefaultChars
			}
			timeout := 10 * time.Second
			if in.TimeoutSecs > 0 {
				timeout = time.Duration(in.TimeoutSecs) * time.Second
			}
			res, err := d.Do(ctx, fetch.Request{
				Method:   in.Method,
				URL:      in.URL,
				Headers:  in.Headers,
				Query:    in.QueryParams,
				Body:     in.Body,
				Mode:     in.ResponseType,
				KeepHTML: in.StripHTML != nil && !*in.StripHTML,
				MaxChars: maxChars,
				Timeout:  timeout,
			})
			if err != nil {
				return "", err
			}
			return jsonResult(res)
		}),
	})
}

// RegisterFetchTool adds fetch_url.
func RegisterFetchTool(r *Registry, f PageFetcher) {
	r.Register(&Tool{
		Name:        "fetch_url",
		Description: "Download a web page and return its readable text. HTML is reduced to visible text.",
		Parameters: schema(map[string]any{
			"url":       prop("string", "http or https URL. A bare host gets https://."),
			"max_chars": prop("integer", "Maximum characters of text to return (default 20000)."),
		}, "url"),
		Handler: Typed(func(ctx context.Context, in fetchURLArgs) (string, error) {
			if _, err := fetch.NormalizeURL(in.URL); err != nil {
				return "", apperr.Invalid("url", "%v", err)
			}
			res, err := f.Fetch(ctx, in.URL, in.MaxChars)
			if err != nil {
				return "", err
			}
			return jsonResult(res)
		}),
	})
}
