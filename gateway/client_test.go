package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeGateway struct {
	authCalls  atomic.Int32
	pushCalls  atomic.Int32
	pushStatus []int
	lastPush   stkPushRequest
	tokens     []string
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		n := int(g.authCalls.Add(1))
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token := "token-1"
		if n <= len(g.tokens) {
			token = g.tokens[n-1]
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token, "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		n := int(g.pushCalls.Add(1))
		if err := json.NewDecoder(r.Body).Decode(&g.lastPush); err != nil {
			t.Errorf("Failed to decode push body: %v", err)
		}
		status := http.StatusOK
		if n <= len(g.pushStatus) {
			status = g.pushStatus[n-1]
		}
		switch status {
		case http.StatusOK:
			_ = json.NewEncoder(w).Encode(map[string]string{
				"MerchantRequestID":   "29115-34620561-1",
				"CheckoutRequestID":   "ws_CO_191220191020363925",
				"ResponseCode":        "0",
				"ResponseDescription": "Success. Request accepted for processing",
				"CustomerMessage":     "Success. Request accepted for processing",
			})
		case http.StatusBadRequest:
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"requestId":    "1",
				"errorCode":    "400.002.02",
				"errorMessage": "Bad Request - Invalid PhoneNumber",
			})
		default:
			w.WriteHeader(status)
		}
	})
	return mux
}

func newTestClient(t *testing.T, url string, delays *[]time.Duration) *Client {
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	return NewClient(Config{
		BaseURL:        url,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/payments/callback",
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				if delays != nil {
					*delays = append(*delays, d)
				}
				return nil
			},
		},
		Now: func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) },
	}, logger)
}

func pushRequest() PushRequest {
	return PushRequest{Phone: "254712345678", Amount: decimal.RequireFromString("99.4"), Reference: "DS20250101120000123"}
}

func TestClient_PushPayment_Accepted(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	result, err := client.PushPayment(context.Background(), pushRequest())
	if err != nil {
		t.Fatalf("PushPayment returned error: %v", err)
	}
	if !result.Accepted || result.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Errorf("Unexpected result: %+v", result)
	}

	if gw.lastPush.Amount != 99 {
		t.Errorf("Expected rounded amount 99, got %d", gw.lastPush.Amount)
	}
	if gw.lastPush.Timestamp != "20250101120000" {
		t.Errorf("Expected EAT timestamp 20250101120000, got %s", gw.lastPush.Timestamp)
	}
	if gw.lastPush.Password != Password("174379", "passkey", "20250101120000") {
		t.Errorf("Unexpected password %s", gw.lastPush.Password)
	}
	if gw.lastPush.TransactionType != "CustomerPayBillOnline" || gw.lastPush.AccountReference != "DS20250101120000123" {
		t.Errorf("Unexpected push body: %+v", gw.lastPush)
	}

	// Second call reuses the cached token.
	if _, err := client.PushPayment(context.Background(), pushRequest()); err != nil {
		t.Fatalf("Second PushPayment returned error: %v", err)
	}
	if gw.authCalls.Load() != 1 {
		t.Errorf("Expected 1 auth call, got %d", gw.authCalls.Load())
	}
}

func TestClient_PushPayment_RetriesTransientThenSucceeds(t *testing.T) {
	gw := &fakeGateway{pushStatus: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	var delays []time.Duration
	client := newTestClient(t, srv.URL, &delays)

	result, err := client.PushPayment(context.Background(), pushRequest())
	if err != nil {
		t.Fatalf("PushPayment returned error: %v", err)
	}
	if !result.Accepted {
		t.Error("Expected push to be accepted")
	}
	if gw.pushCalls.Load() != 3 {
		t.Errorf("Expected 3 push calls, got %d", gw.pushCalls.Load())
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("Expected backoff [1s 2s], got %v", delays)
	}
}

func TestClient_PushPayment_ExhaustsRetries(t *testing.T) {
	gw := &fakeGateway{pushStatus: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.PushPayment(context.Background(), pushRequest())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Expected transient failure, got %v", err)
	}
	var te *TransientError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %+v", te)
	}
	if gw.pushCalls.Load() != 3 {
		t.Errorf("Expected 3 push calls, got %d", gw.pushCalls.Load())
	}
}

func TestClient_PushPayment_HungGatewayIsTransient(t *testing.T) {
	var pushCalls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		pushCalls.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Timeout:        50 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
		},
	}, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))

	_, err := client.PushPayment(context.Background(), pushRequest())
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if te.Attempts != 3 || pushCalls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d (calls %d)", te.Attempts, pushCalls.Load())
	}
	if budget := client.Budget(); budget != 153*time.Millisecond {
		t.Errorf("Expected budget of 153ms, got %s", budget)
	}
}

func TestClient_PushPayment_RejectedIsNotRetried(t *testing.T) {
	gw := &fakeGateway{pushStatus: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.PushPayment(context.Background(), pushRequest())
	var re *RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("Expected RejectedError, got %v", err)
	}
	if re.Code != "400.002.02" || re.Description != "Bad Request - Invalid PhoneNumber" {
		t.Errorf("Unexpected rejection: %+v", re)
	}
	if gw.pushCalls.Load() != 1 {
		t.Errorf("Expected 1 push call, got %d", gw.pushCalls.Load())
	}
}

func TestClient_PushPayment_ReauthenticatesOnce(t *testing.T) {
	gw := &fakeGateway{pushStatus: []int{http.StatusUnauthorized, http.StatusOK}, tokens: []string{"stale", "fresh"}}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	if _, err := client.PushPayment(context.Background(), pushRequest()); err != nil {
		t.Fatalf("PushPayment returned error: %v", err)
	}
	if gw.authCalls.Load() != 2 {
		t.Errorf("Expected 2 auth calls, got %d", gw.authCalls.Load())
	}
	if token, _ := client.tokens.Get(); token != "fresh" {
		t.Errorf("Expected fresh token cached, got %q", token)
	}
}

func TestClient_PushPayment_AuthFailure(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	client.cfg.ConsumerSecret = "wrong"

	_, err := client.PushPayment(context.Background(), pushRequest())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("Expected auth failure, got %v", err)
	}
	if gw.authCalls.Load() != 1 {
		t.Errorf("Expected auth not to be retried, got %d calls", gw.authCalls.Load())
	}
	if gw.pushCalls.Load() != 0 {
		t.Errorf("Expected no push call, got %d", gw.pushCalls.Load())
	}
}

func TestClient_QueryStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "t", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var body stkQueryRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.CheckoutRequestID != "ws_CO_1" {
			t.Errorf("Expected checkout id ws_CO_1, got %s", body.CheckoutRequestID)
		}
		_, _ = w.Write([]byte(`{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	result, err := client.QueryStatus(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("QueryStatus returned error: %v", err)
	}
	if result.ResultCode != "1032" || result.ResultDesc != "Request cancelled by user" {
		t.Errorf("Unexpected query result: %+v", result)
	}
}
