package paypal

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

const (
	tokenPath = "/v1/oauth2/token"

	// tokenExpirySkew is subtracted from the provider-reported lifetime so
	// a token is refreshed before it can expire mid-request.
	tokenExpirySkew = 60 * time.Second
)

// Credentials is a client-credential pair for one provider app.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenCache caches one OAuth access token per credential scope and
// deduplicates concurrent refreshes, so a burst of callers on a cold or
// expired cache performs exactly one token request.
type TokenCache struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	scope      string

	group singleflight.Group
	now   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCache builds a token cache scoped to the given environment and
// credentials. Rotating either credential yields a distinct scope, so a
// stale cached token can never be served for new credentials.
func NewTokenCache(environment string, creds Credentials, httpClient *http.Client, baseURL string) *TokenCache {
	return &TokenCache{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		scope:      tokenScope(environment, creds),
		now:        time.Now,
	}
}

func tokenScope(environment string, creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.ClientID + ":" + creds.ClientSecret))
	return fmt.Sprintf("%s:%x", environment, sum[:8])
}

// Scope identifies the credential scope this cache serves.
func (t *TokenCache) Scope() string {
	return t.scope
}

// Token returns a valid access token, refreshing it when the cached one
// is missing or expired. A token-endpoint rejection is a credential
// problem and is returned as a fatal auth error, never retried here.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.now().Before(t.expiresAt) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	result, err, _ := t.group.Do(t.scope, func() (any, error) {
		t.mu.Lock()
		if t.token != "" && t.now().Before(t.expiresAt) {
			token := t.token
			t.mu.Unlock()
			return token, nil
		}
		t.mu.Unlock()

		token, expiresAt, err := t.refresh(ctx)
		if err != nil {
			return "", err
		}

		t.mu.Lock()
		t.token = token
		t.expiresAt = expiresAt
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenCache) refresh(ctx context.Context) (string, time.Time, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build token request")
	}
	req.SetBasicAuth(t.creds.ClientID, t.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(pkgerrors.CodeTransient, err, "token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return "", time.Time{}, pkgerrors.Wrap(pkgerrors.CodeTransient, err, "read token response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr := decodeErrorResponse(body)
		return "", time.Time{}, pkgerrors.New(pkgerrors.CodeAuthInvalid, "provider rejected client credentials").
			WithDebugID(apiErr.DebugID)
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr := decodeErrorResponse(body)
		return "", time.Time{}, pkgerrors.New(pkgerrors.CodeRateLimited, "token endpoint rate limited").
			WithDebugID(apiErr.DebugID)
	default:
		apiErr := decodeErrorResponse(body)
		return "", time.Time{}, pkgerrors.New(pkgerrors.CodeTransient,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode)).
			WithDebugID(apiErr.DebugID)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, pkgerrors.Wrap(pkgerrors.CodeTransient, err, "decode token response")
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, pkgerrors.New(pkgerrors.CodeTransient, "token response missing access_token")
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	if lifetime > tokenExpirySkew {
		lifetime -= tokenExpirySkew
	}
	return parsed.AccessToken, t.now().Add(lifetime), nil
}

func decodeErrorResponse(body []byte) errorResponse {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)
	return parsed
}
