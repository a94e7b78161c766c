package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

const (
	// EnvSandbox and EnvLive are the supported provider environments.
	EnvSandbox = "sandbox"
	EnvLive    = "live"

	sandboxBaseURL = "https://api-m.sandbox.paypal.com"
	liveBaseURL    = "https://api-m.paypal.com"

	responseBodyReadLimit int64 = 1 << 20

	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 500 * time.Millisecond

	// maxRetryAfterWait caps how long a Retry-After header can stall an
	// attempt before the normal backoff takes over.
	maxRetryAfterWait = 30 * time.Second
)

// Client calls the provider checkout APIs with cached bearer tokens,
// bounded retries for transient failures, and a single refresh-and-replay
// when a cached token is rejected mid-flight.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	environment string
	tokens      *TokenCache
	orderCache  *OrderCache

	maxRetries     int
	retryBaseDelay time.Duration
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the environment-derived API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithOrderCache enables fingerprint-keyed order reuse.
func WithOrderCache(cache *OrderCache) Option {
	return func(c *Client) {
		c.orderCache = cache
	}
}

// WithRetry overrides the transient-failure retry budget.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			c.retryBaseDelay = baseDelay
		}
	}
}

// NewClient builds a provider client for the given environment.
func NewClient(environment string, creds Credentials, opts ...Option) (*Client, error) {
	env := strings.TrimSpace(strings.ToLower(environment))
	var baseURL string
	switch env {
	case EnvSandbox, "":
		env = EnvSandbox
		baseURL = sandboxBaseURL
	case EnvLive:
		baseURL = liveBaseURL
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown provider environment %q", environment))
	}
	if strings.TrimSpace(creds.ClientID) == "" || strings.TrimSpace(creds.ClientSecret) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider credentials are required")
	}

	client := &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		environment:    env,
		maxRetries:     defaultMaxRetries,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.tokens = NewTokenCache(env, creds, client.httpClient, client.baseURL)
	return client, nil
}

// Environment reports the provider environment this client targets.
func (c *Client) Environment() string {
	return c.environment
}

// Tokens exposes the credential-scoped token cache.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

// issue performs one API call with retry semantics: transient and
// rate-limited failures are retried up to the budget with exponential
// backoff, auth failures stop the attempt chain immediately.
func (c *Client) issue(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode request body")
		}
		payload = encoded
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		code := pkgerrors.CodeOf(err)
		if code == pkgerrors.CodeRateLimited {
			if wait := retryAfterOf(err); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return retry.RetryableError(err)
		}
		if pkgerrors.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// attempt runs a single request. A 401 on a non-token endpoint
// invalidates the cached token and replays exactly once with a fresh
// one; a second rejection is treated as invalid credentials.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	err := c.send(ctx, method, path, payload, out)
	if pkgerrors.CodeOf(err) != codeStaleToken {
		return err
	}

	c.tokens.Invalidate()
	err = c.send(ctx, method, path, payload, out)
	if pkgerrors.CodeOf(err) == codeStaleToken {
		typed := pkgerrors.As(err)
		return pkgerrors.New(pkgerrors.CodeAuthInvalid, "provider rejected freshly issued token").
			WithDebugID(typed.DebugID())
	}
	return err
}

// codeStaleToken marks a 401 that may be cured by a token refresh. It
// never escapes attempt.
const codeStaleToken pkgerrors.Code = "STALE_TOKEN"

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransient, err, "provider request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransient, err, "read provider response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeTransient, err, "decode provider response")
		}
		return nil
	}

	return classifyFailure(resp, body)
}

func classifyFailure(resp *http.Response, body []byte) error {
	apiErr := decodeErrorResponse(body)
	message := apiErr.Message
	if message == "" {
		message = fmt.Sprintf("provider returned %d", resp.StatusCode)
	}

	var code pkgerrors.Code
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		code = codeStaleToken
	case resp.StatusCode == http.StatusForbidden:
		code = pkgerrors.CodeAuthInvalid
	case resp.StatusCode == http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimited
	case resp.StatusCode == http.StatusNotFound:
		code = pkgerrors.CodeNotFound
	case resp.StatusCode >= 500:
		code = pkgerrors.CodeTransient
	case isDeclined(apiErr):
		code = pkgerrors.CodeDeclined
	default:
		code = pkgerrors.CodeValidation
	}

	err := pkgerrors.New(code, message).WithDebugID(apiErr.DebugID)
	if code == pkgerrors.CodeRateLimited {
		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			return &rateLimitedError{err: err, retryAfter: wait}
		}
	}
	return err
}

// isDeclined recognizes funding-instrument rejections, which are final
// for the attempted payment method rather than transient API failures.
func isDeclined(apiErr errorResponse) bool {
	for _, detail := range apiErr.Details {
		switch detail.Issue {
		case "INSTRUMENT_DECLINED", "PAYER_CANNOT_PAY", "TRANSACTION_REFUSED", "CARD_EXPIRED":
			return true
		}
	}
	return apiErr.Name == "INSTRUMENT_DECLINED"
}

type rateLimitedError struct {
	err        *pkgerrors.Error
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return e.err.Error()
}

func (e *rateLimitedError) Unwrap() error {
	return e.err
}

func retryAfterOf(err error) time.Duration {
	var limited *rateLimitedError
	if errors.As(err, &limited) {
		return limited.retryAfter
	}
	return 0
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfterWait {
		wait = maxRetryAfterWait
	}
	return wait
}
