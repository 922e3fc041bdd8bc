// Package transport is the authenticated HTTP layer between the client and
// the homeserver. It attaches the bearer token, encodes JSON bodies, and
// maps failures onto the error taxonomy in errors.go. It never retries:
// retry policy belongs to callers, so interactive commands can fail fast
// while the sync engine retries indefinitely.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds interactive requests that arrive without a context
// deadline. The sync long-poll supplies its own, longer deadline.
const DefaultTimeout = 20 * time.Second

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Config configures a Transport.
type Config struct {
	// HomeserverURL is the base URL of the homeserver, e.g. "https://matrix.org".
	HomeserverURL string
	// AccessToken is attached as a bearer token on every request. May be
	// empty for unauthenticated endpoints (login).
	AccessToken string
	// Timeout bounds requests whose context has no deadline of its own.
	// Zero means DefaultTimeout.
	Timeout time.Duration
	// EnableTracing wraps the HTTP round tripper with OTLP instrumentation.
	EnableTracing bool
}

// Transport issues requests against one homeserver with one persistent
// HTTP client. Connection reuse across requests is an implementation
// detail, not a contract.
type Transport struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
}

// New validates the homeserver URL and returns a Transport. Request URLs
// are built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that already contain URL-encoded
// characters (room aliases, room IDs).
func New(cfg Config) (*Transport, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("transport: homeserver URL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("transport: invalid homeserver URL %q: %w", cfg.HomeserverURL, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.EnableTracing {
		rt = otelhttp.NewTransport(rt)
	}
	return &Transport{
		baseURL: strings.TrimRight(cfg.HomeserverURL, "/"),
		token:   cfg.AccessToken,
		timeout: timeout,
		client:  &http.Client{Transport: rt},
	}, nil
}

// Do performs a request and returns the raw response body on 2xx. body is
// JSON-encoded when non-nil; a json.RawMessage passes through unchanged.
// Non-2xx responses and connection failures return a *Error.
func (t *Transport) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	op := method + " " + path
	requestURL := t.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: %s: encode request body: %w", op, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("transport: %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	res, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), Op: op}
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "read response body: " + err.Error(), Op: op}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return resBody, nil
	}

	terr := classify(res.StatusCode, resBody)
	terr.Op = op
	logger.Debug().Int("status", res.StatusCode).Str("op", op).Str("errcode", terr.Code).Msg("request failed")
	return nil, terr
}

// classify maps an HTTP status plus the standard Matrix error body onto
// the taxonomy. The errcode takes precedence over the status where both
// are present, since proxies can rewrite statuses.
func classify(status int, body []byte) *Error {
	parsed := gjson.ParseBytes(body)
	e := &Error{
		StatusCode: status,
		Code:       parsed.Get("errcode").Str,
		Message:    parsed.Get("error").Str,
	}
	if ra := parsed.Get("retry_after_ms"); ra.Exists() {
		e.RetryAfter = time.Duration(ra.Int()) * time.Millisecond
	}
	switch {
	case e.Code == "M_UNKNOWN_TOKEN" || e.Code == "M_MISSING_TOKEN" || status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case e.Code == "M_LIMIT_EXCEEDED" || status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case e.Code == "M_NOT_FOUND" || status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

// Close releases the connection pool. Part of the shutdown contract:
// stopping the sync loop but leaking connections is a defect.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}
