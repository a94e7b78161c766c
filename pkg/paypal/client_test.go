package paypal

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
)

// testClient builds a client whose transport serves the token endpoint
// automatically and hands every other request to handle.
func testClient(t *testing.T, tokenRequests *int64, handle func(req *http.Request) (*http.Response, error), opts ...Option) *Client {
	t.Helper()
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == tokenPath {
			n := atomic.AddInt64(tokenRequests, 1)
			return jsonResponse(http.StatusOK, fmt.Sprintf(`{"access_token":"token-%d","expires_in":3600}`, n)), nil
		}
		return handle(req)
	})

	opts = append([]Option{
		WithBaseURL("http://paypal.test"),
		WithHTTPClient(&http.Client{Transport: rt}),
		WithRetry(2, time.Millisecond),
	}, opts...)

	client, err := NewClient(EnvSandbox, Credentials{ClientID: "id", ClientSecret: "secret"}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt64(&apiRequests, 1) < 3 {
			return jsonResponse(http.StatusServiceUnavailable, `{"name":"SERVICE_UNAVAILABLE","debug_id":"dbg-503"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"id":"ORD-1","status":"CREATED"}`), nil
	})

	order, err := client.GetOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.ID != "ORD-1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := atomic.LoadInt64(&apiRequests); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientExhaustsRetryBudget(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&apiRequests, 1)
		return jsonResponse(http.StatusBadGateway, `{"name":"BAD_GATEWAY"}`), nil
	})

	_, err := client.GetOrder(context.Background(), "ORD-1")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	// Initial attempt plus two retries.
	if got := atomic.LoadInt64(&apiRequests); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientForbiddenStopsImmediately(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&apiRequests, 1)
		return jsonResponse(http.StatusForbidden, `{"name":"NOT_AUTHORIZED","debug_id":"dbg-403"}`), nil
	})

	_, err := client.GetOrder(context.Background(), "ORD-1")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeAuthInvalid {
		t.Fatalf("expected auth invalid, got %v", err)
	}
	if !pkgerrors.IsFatal(err) {
		t.Fatalf("auth invalid must be fatal")
	}
	if got := atomic.LoadInt64(&apiRequests); got != 1 {
		t.Fatalf("auth failure must not be retried, got %d attempts", got)
	}
}

func TestClientRefreshesAndReplaysOnStaleToken(t *testing.T) {
	var tokenRequests, apiRequests int64
	var bearers []string
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&apiRequests, 1)
		bearers = append(bearers, req.Header.Get("Authorization"))
		if req.Header.Get("Authorization") == "Bearer token-1" {
			return jsonResponse(http.StatusUnauthorized, `{"name":"INVALID_TOKEN","debug_id":"dbg-stale"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"id":"ORD-1","status":"CREATED"}`), nil
	})

	order, err := client.GetOrder(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != "CREATED" {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := atomic.LoadInt64(&tokenRequests); got != 2 {
		t.Fatalf("expected one token refresh, got %d token requests", got)
	}
	if len(bearers) != 2 || bearers[1] != "Bearer token-2" {
		t.Fatalf("expected replay with fresh token, got %v", bearers)
	}
}

func TestClientRepeatedStaleTokenBecomesAuthInvalid(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&apiRequests, 1)
		return jsonResponse(http.StatusUnauthorized, `{"name":"INVALID_TOKEN","debug_id":"dbg-stale"}`), nil
	})

	_, err := client.GetOrder(context.Background(), "ORD-1")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeAuthInvalid {
		t.Fatalf("expected auth invalid after failed replay, got %v", err)
	}
	// One original attempt plus exactly one replay, no backoff retries.
	if got := atomic.LoadInt64(&apiRequests); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestClientDeclineIsFinal(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&apiRequests, 1)
		return jsonResponse(http.StatusUnprocessableEntity,
			`{"name":"UNPROCESSABLE_ENTITY","message":"instrument declined","debug_id":"dbg-declined","details":[{"issue":"INSTRUMENT_DECLINED"}]}`), nil
	})

	_, err := client.CaptureOrder(context.Background(), "ORD-1")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDeclined {
		t.Fatalf("expected declined, got %v", err)
	}
	if pkgerrors.IsRetryable(err) {
		t.Fatalf("declines must not be retried")
	}
	if got := atomic.LoadInt64(&apiRequests); got != 1 {
		t.Fatalf("expected single attempt, got %d", got)
	}
	if got := pkgerrors.As(err).DebugID(); got != "dbg-declined" {
		t.Fatalf("unexpected debug id %q", got)
	}
}

func TestClientRetriesRateLimited(t *testing.T) {
	var tokenRequests, apiRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt64(&apiRequests, 1) == 1 {
			return jsonResponse(http.StatusTooManyRequests, `{"name":"RATE_LIMIT_REACHED"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"id":"ORD-1","status":"CREATED"}`), nil
	})

	if _, err := client.GetOrder(context.Background(), "ORD-1"); err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got := atomic.LoadInt64(&apiRequests); got != 2 {
		t.Fatalf("expected retry after throttle, got %d attempts", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"2", 2 * time.Second},
		{" 5 ", 5 * time.Second},
		{"0", 0},
		{"-1", 0},
		{"soon", 0},
		{"", 0},
		{"600", maxRetryAfterWait},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.value); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("sandbox", Credentials{}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
	if _, err := NewClient("onprem", Credentials{ClientID: "id", ClientSecret: "secret"}); err == nil {
		t.Fatalf("expected error for unknown environment")
	}
	client, err := NewClient("", Credentials{ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Environment() != EnvSandbox {
		t.Fatalf("expected sandbox default, got %q", client.Environment())
	}
}
