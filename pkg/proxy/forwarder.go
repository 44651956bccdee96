package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/BastienGimbert/TheSolanaApi/pkg/log"
	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
)

// hopByHopHeaders must not cross the proxy in either direction (RFC 7230
// section 6.1). Headers named by the Connection header are stripped too.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Result is a relayed backend response. Any backend status code lands
// here, 4xx and 5xx included: the backend's own error semantics pass
// through untouched.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder issues the outbound request for a selected validator and
// relays the response. Forwarding is single-attempt per client request
// unless transport retry was explicitly enabled, and even then a request
// that reached a backend is never replayed.
type Forwarder struct {
	timeout        time.Duration
	maxBody        int64
	retryTransport bool

	mu      sync.Mutex
	clients map[string]*retryablehttp.Client
}

// NewForwarder creates a forwarder with the given per-request timeout
// and response body cap.
func NewForwarder(timeout time.Duration, maxBody int64, retryTransport bool) *Forwarder {
	return &Forwarder{
		timeout:        timeout,
		maxBody:        maxBody,
		retryTransport: retryTransport,
		clients:        make(map[string]*retryablehttp.Client),
	}
}

// Forward sends body to the validator, copying the inbound headers minus
// hop-by-hop ones, and returns the backend's response verbatim. ctx is
// the client request context: a client disconnect cancels the upstream
// call.
func (f *Forwarder) Forward(ctx context.Context, v models.Validator, inbound http.Header, path string, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := *v.Endpoint
	if path != "" && path != "/" {
		target.Path = strings.TrimSuffix(target.Path, "/") + path
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Validator: v.Name, cause: err}
	}

	copyHeaders(req.Header, inbound)
	req.Host = v.HostHeader()

	start := time.Now()
	resp, err := f.client(v).Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(err), Validator: v.Name, cause: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("validator", v.Name).Msg("Failed to close upstream response body")
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &Error{Kind: classify(err), Validator: v.Name, cause: err}
	}
	if int64(len(payload)) > f.maxBody {
		return nil, &Error{Kind: KindBodyTooLarge, Validator: v.Name}
	}

	log.Debug().
		Str("validator", v.Name).
		Int("status", resp.StatusCode).
		Int("bytes", len(payload)).
		Dur("elapsed", time.Since(start)).
		Msg("Forwarded request")

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       payload,
	}, nil
}

// client returns the pooled client for the validator's endpoint,
// creating it on first use. One client per endpoint keeps a slow
// backend's connections from starving requests bound for another.
func (f *Forwarder) client(v models.Validator) *retryablehttp.Client {
	key := v.Endpoint.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c
	}

	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 0
	if f.retryTransport {
		c.RetryMax = 1
		c.RetryWaitMin = 50 * time.Millisecond
		c.RetryWaitMax = 250 * time.Millisecond
	}
	c.CheckRetry = transportOnlyRetryPolicy

	f.clients[key] = c
	return c
}

// transportOnlyRetryPolicy never retries once any response exists, so a
// request that reached a backend is never duplicated. Backend error
// statuses are forwarded as-is instead of being retried.
func transportOnlyRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if resp != nil {
		return false, nil
	}

	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp carries the error to the caller
	}

	return false, nil
}

func copyHeaders(dst, src http.Header) {
	drop := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		drop[h] = true
	}
	for _, token := range strings.Split(src.Get("Connection"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			drop[http.CanonicalHeaderKey(token)] = true
		}
	}

	for key, values := range src {
		if drop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
