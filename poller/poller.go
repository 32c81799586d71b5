package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/models"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 12
)

// Checker returns the current state of a transaction.
type Checker interface {
	Check(ctx context.Context, reference string) (models.TransactionStatus, error)
}

type CheckerFunc func(ctx context.Context, reference string) (models.TransactionStatus, error)

func (f CheckerFunc) Check(ctx context.Context, reference string) (models.TransactionStatus, error) {
	return f(ctx, reference)
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// OnAttempt is called after every check; err is the check error, if any.
	OnAttempt func(attempt int, state models.TransactionStatus, err error)
}

// Outcome is the last state seen. Settled is false when attempts ran out before a
// terminal state was observed.
type Outcome struct {
	State    models.TransactionStatus
	Attempts int
	Settled  bool
}

// Poll checks reference until it reaches a terminal state, attempts run out, or ctx is
// cancelled. A failed check counts as an attempt and polling continues. Polling only
// reads; stopping early never changes the transaction.
func Poll(ctx context.Context, check Checker, reference string, opts Options) (Outcome, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	var out Outcome
	timer := time.NewTimer(0)
	defer timer.Stop()

	for out.Attempts < opts.MaxAttempts {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timer.C:
		}

		out.Attempts++
		state, err := check.Check(ctx, reference)
		if err == nil {
			out.State = state
		}
		if opts.OnAttempt != nil {
			opts.OnAttempt(out.Attempts, state, err)
		}
		if err == nil && state.IsTerminal() {
			out.Settled = true
			return out, nil
		}
		timer.Reset(opts.Interval)
	}
	return out, nil
}

// HTTPChecker queries GET /payments/status/:reference on a running server.
type HTTPChecker struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// ErrUnknownReference is returned when the server does not know the reference.
var ErrUnknownReference = errors.New("transaction not found")

func (h *HTTPChecker) Check(ctx context.Context, reference string) (models.TransactionStatus, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	endpoint := strings.TrimRight(h.BaseURL, "/") + "/payments/status/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUnknownReference
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var body models.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return body.Status, nil
}
