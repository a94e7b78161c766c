package paypal

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/angelmondragon/recurpay-backend/pkg/redis"
)

func testOrderCache(t *testing.T) *OrderCache {
	t.Helper()
	server := miniredis.RunT(t)
	return NewOrderCache(redis.NewFromAddr(server.Addr()), EnvSandbox, time.Hour)
}

func TestCreateOrderReusesOpenOrder(t *testing.T) {
	cache := testOrderCache(t)
	fingerprint := Fingerprint("cust_1", "USD", "24.99", nil)
	cache.Put(context.Background(), fingerprint, &Order{ID: "ORD-OPEN", Status: "CREATED"})

	var tokenRequests, creates int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(http.StatusOK, `{"id":"ORD-OPEN","status":"APPROVED"}`), nil
		}
		atomic.AddInt64(&creates, 1)
		return jsonResponse(http.StatusCreated, `{"id":"ORD-NEW","status":"CREATED"}`), nil
	}, WithOrderCache(cache))

	order, err := client.CreateOrder(context.Background(), minimalOrderRequest(), CreateOrderOptions{Fingerprint: fingerprint})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ORD-OPEN" || order.Status != "APPROVED" {
		t.Fatalf("expected reused order with refreshed status, got %+v", order)
	}
	if atomic.LoadInt64(&creates) != 0 {
		t.Fatalf("reuse must not create a new order")
	}
}

func TestCreateOrderIgnoresCompletedCachedOrder(t *testing.T) {
	cache := testOrderCache(t)
	fingerprint := Fingerprint("cust_1", "USD", "24.99", nil)
	cache.Put(context.Background(), fingerprint, &Order{ID: "ORD-DONE", Status: "CREATED"})

	var tokenRequests, creates int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(http.StatusOK, `{"id":"ORD-DONE","status":"COMPLETED"}`), nil
		}
		atomic.AddInt64(&creates, 1)
		return jsonResponse(http.StatusCreated, `{"id":"ORD-NEW","status":"CREATED"}`), nil
	}, WithOrderCache(cache))

	order, err := client.CreateOrder(context.Background(), minimalOrderRequest(), CreateOrderOptions{Fingerprint: fingerprint})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ORD-NEW" {
		t.Fatalf("completed order must not be reused, got %+v", order)
	}
	if atomic.LoadInt64(&creates) != 1 {
		t.Fatalf("expected one create request, got %d", creates)
	}
	// The fresh order replaces the dead cache entry.
	if cached, ok := cache.Get(context.Background(), fingerprint); !ok || cached != "ORD-NEW" {
		t.Fatalf("expected cache to hold ORD-NEW, got %q (present=%v)", cached, ok)
	}
}

func TestCreateOrderCachesNewOrder(t *testing.T) {
	cache := testOrderCache(t)
	fingerprint := Fingerprint("cust_2", "USD", "10.00", nil)

	var tokenRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusCreated, `{"id":"ORD-77","status":"CREATED"}`), nil
	}, WithOrderCache(cache))

	if _, err := client.CreateOrder(context.Background(), minimalOrderRequest(), CreateOrderOptions{Fingerprint: fingerprint}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if cached, ok := cache.Get(context.Background(), fingerprint); !ok || cached != "ORD-77" {
		t.Fatalf("expected cached order id, got %q (present=%v)", cached, ok)
	}
}

func TestCreateOrderDropsVanishedCachedOrder(t *testing.T) {
	cache := testOrderCache(t)
	fingerprint := Fingerprint("cust_3", "USD", "5.00", nil)
	cache.Put(context.Background(), fingerprint, &Order{ID: "ORD-GONE"})

	var tokenRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return jsonResponse(http.StatusNotFound, `{"name":"RESOURCE_NOT_FOUND"}`), nil
		}
		return jsonResponse(http.StatusCreated, `{"id":"ORD-FRESH","status":"CREATED"}`), nil
	}, WithOrderCache(cache))

	order, err := client.CreateOrder(context.Background(), minimalOrderRequest(), CreateOrderOptions{Fingerprint: fingerprint})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ORD-FRESH" {
		t.Fatalf("expected fresh order, got %+v", order)
	}
}

func TestCreateOrderValidatesRequest(t *testing.T) {
	var tokenRequests int64
	client := testClient(t, &tokenRequests, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected")
		return nil, nil
	})

	if _, err := client.CreateOrder(context.Background(), OrderRequest{Intent: IntentCapture}, CreateOrderOptions{}); err == nil {
		t.Fatalf("expected error for empty purchase units")
	}
	req := minimalOrderRequest()
	req.Intent = "SETUP"
	if _, err := client.CreateOrder(context.Background(), req, CreateOrderOptions{}); err == nil {
		t.Fatalf("expected error for unknown intent")
	}
}

func TestReusableStatus(t *testing.T) {
	for _, status := range []string{"CREATED", "APPROVED", "PAYER_ACTION_REQUIRED", "SAVED", "created"} {
		if !ReusableStatus(status) {
			t.Fatalf("expected %q to be reusable", status)
		}
	}
	for _, status := range []string{"COMPLETED", "VOIDED", "PENDING_REVIEW", ""} {
		if ReusableStatus(status) {
			t.Fatalf("expected %q not to be reusable", status)
		}
	}
}

func TestFingerprintStableAcrossItemOrder(t *testing.T) {
	a := Fingerprint("cust_1", "USD", "30.00", []FingerprintItem{
		{SKU: "sku-a", Quantity: "1", UnitValue: "10.00"},
		{SKU: "sku-b", Quantity: "2", UnitValue: "10.00"},
	})
	b := Fingerprint("cust_1", "USD", "30.00", []FingerprintItem{
		{SKU: "sku-b", Quantity: "2", UnitValue: "10.00"},
		{SKU: "sku-a", Quantity: "1", UnitValue: "10.00"},
	})
	if a != b {
		t.Fatalf("fingerprint must not depend on item order")
	}

	other := Fingerprint("cust_2", "USD", "30.00", nil)
	if a == other {
		t.Fatalf("different customers must not share fingerprints")
	}
}

func minimalOrderRequest() OrderRequest {
	return OrderRequest{
		Intent: IntentCapture,
		PurchaseUnits: []PurchaseUnit{{
			Amount: Amount{CurrencyCode: "USD", Value: "24.99"},
		}},
	}
}
