package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/circuitbreaker"

	"github.com/shopspring/decimal"
)

func TestTimestampAndPassword(t *testing.T) {
	ts := Timestamp(time.Date(2025, 3, 4, 21, 30, 15, 0, time.UTC))
	if ts != "20250305003015" {
		t.Errorf("Expected 20250305003015, got %s", ts)
	}

	// base64("174379" + "passkey" + "20250305003015")
	want := "MTc0Mzc5cGFzc2tleTIwMjUwMzA1MDAzMDE1"
	if got := Password("174379", "passkey", ts); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if Password("174379", "passkey", ts) != Password("174379", "passkey", ts) {
		t.Error("Expected password to be deterministic within the same second")
	}
}

func TestTokenCache_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cache := NewTokenCache(time.Minute, func() time.Time { return now })

	if _, ok := cache.Get(); ok {
		t.Fatal("Expected empty cache")
	}

	cache.Set("abc", 10*time.Minute)
	if token, ok := cache.Get(); !ok || token != "abc" {
		t.Fatalf("Expected cached token abc, got %q %v", token, ok)
	}

	now = now.Add(9*time.Minute + 30*time.Second)
	if _, ok := cache.Get(); ok {
		t.Error("Expected token to be treated as expired inside the skew window")
	}
}

func TestTokenCache_InvalidateKeepsNewerToken(t *testing.T) {
	cache := NewTokenCache(0, nil)
	cache.Set("old", time.Hour)
	cache.Set("new", time.Hour)

	cache.Invalidate("old")
	if token, ok := cache.Get(); !ok || token != "new" {
		t.Errorf("Expected newer token to survive, got %q %v", token, ok)
	}

	cache.Invalidate("new")
	if _, ok := cache.Get(); ok {
		t.Error("Expected cache to be empty after invalidating current token")
	}
}

func TestRetryPolicy_DoesNotRetryRejected(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &RejectedError{Code: "400", Description: "bad phone"}
	})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Expected rejection, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryPolicy_StopsOnOpenCircuit(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &TransientError{Err: circuitbreaker.ErrCircuitOpen}
	})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) || !errors.Is(err, ErrTransient) {
		t.Errorf("Expected transient open-circuit error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryPolicy_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	err := p.Do(ctx, func(ctx context.Context) error { return &TransientError{StatusCode: 503} })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicy_DeadlineIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return transportError(ctx, ctx.Err())
	})

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransientError, got %v", err)
	}
	if te.Attempts != 1 || calls != 1 {
		t.Errorf("Expected 1 attempt, got %d (calls %d)", te.Attempts, calls)
	}
	if Kind(err) != "transient_failure" {
		t.Errorf("Expected transient_failure kind, got %s", Kind(err))
	}
}

func TestRetryPolicy_AttemptTimeout(t *testing.T) {
	calls := 0
	p := RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: 10 * time.Millisecond,
	}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return transportError(ctx, ctx.Err())
	})

	var te *TransientError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("Expected TransientError after 3 attempts, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected each attempt to get its own deadline, got %d calls", calls)
	}
}

func TestRetryPolicy_Budget(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, AttemptTimeout: 10 * time.Second}
	if got := p.Budget(); got != 33*time.Second {
		t.Errorf("Expected 33s, got %s", got)
	}
	if got := (RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}).Budget(); got != 0 {
		t.Errorf("Expected no budget without an attempt timeout, got %s", got)
	}
}

func TestTransportError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := transportError(cancelled, errors.New("dial")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation to pass through, got %v", err)
	}

	expired, stop := context.WithTimeout(context.Background(), -time.Second)
	defer stop()
	if err := transportError(expired, errors.New("timeout")); !errors.Is(err, ErrTransient) {
		t.Errorf("Expected expired deadline to be transient, got %v", err)
	}

	if err := transportError(context.Background(), errors.New("connection refused")); !errors.Is(err, ErrTransient) {
		t.Errorf("Expected network fault to be transient, got %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestParseCallback_Success(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":"ws_CO_191220191020363925",
		"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":99.00},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20191219102115},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`)

	cb, err := ParseCallback(body)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	s, ok := cb.Outcome.(Succeeded)
	if !ok {
		t.Fatalf("Expected Succeeded outcome, got %T", cb.Outcome)
	}
	if s.ReceiptNumber != "NLJ7RT61SV" || s.Phone != "254712345678" || s.TransactionDate != "20191219102115" {
		t.Errorf("Unexpected success fields: %+v", s)
	}
	if !s.Amount.Equal(decimal.NewFromInt(99)) {
		t.Errorf("Expected amount 99, got %s", s.Amount)
	}
}

func TestParseCallback_Declined(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	cb, err := ParseCallback(body)
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	d, ok := cb.Outcome.(Declined)
	if !ok {
		t.Fatalf("Expected Declined outcome, got %T", cb.Outcome)
	}
	if d.Code != "1032" || d.Description != "Request cancelled by user" {
		t.Errorf("Unexpected decline: %+v", d)
	}
}

func TestParseCallback_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultDesc":"?"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":null}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":""}}}`,
	} {
		if _, err := ParseCallback([]byte(body)); !errors.Is(err, ErrMalformedCallback) {
			t.Errorf("Expected ErrMalformedCallback for %s, got %v", body, err)
		}
	}
}
