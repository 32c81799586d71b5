package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/circuitbreaker"
	"github.com/Moonlitwhisper254/datakibanda/middleware"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	authPath  = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType    = "CustomerPayBillOnline"
	defaultDescription = "Data Bundle Purchase"
	tokenSkew          = 60 * time.Second
)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	Retry          RetryPolicy
	HTTPClient     *http.Client
	Breaker        *circuitbreaker.CircuitBreaker
	Now            func() time.Time
}

// Client talks to the push-payment gateway. The cached token is its only shared state.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  *TokenCache
	group   singleflight.Group
	retry   RetryPolicy
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
		now:     cfg.Now,
		logger:  logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = DefaultRetryPolicy()
	}
	if c.retry.AttemptTimeout == 0 {
		c.retry.AttemptTimeout = cfg.Timeout
		if c.retry.AttemptTimeout <= 0 {
			c.retry.AttemptTimeout = c.http.Timeout
		}
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Warn("Retrying gateway call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		}
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(circuitbreaker.Options{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			Trips:        func(err error) bool { return errors.Is(err, ErrTransient) },
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("Gateway circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	c.tokens = NewTokenCache(tokenSkew, c.now)
	return c
}

type PushRequest struct {
	Phone       string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

type PushResult struct {
	Accepted          bool
	CheckoutRequestID string
	MerchantRequestID string
	Description       string
	CustomerMessage   string
}

type QueryResult struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   Code   `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Budget is the longest a single PushPayment or QueryStatus can take with every
// attempt timing out.
func (c *Client) Budget() time.Duration {
	return c.retry.Budget()
}

// Authenticate fetches a fresh token, caches it and returns it.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	var token string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		token, err = c.refreshToken(ctx)
		return err
	})
	return token, err
}

// token returns the cached token or refreshes it. Concurrent refreshes share one request.
func (c *Client) token(ctx context.Context) (string, error) {
	if token, ok := c.tokens.Get(); ok {
		return token, nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+authPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		middleware.RecordGatewayRequest("auth", "transient_failure")
		return "", &TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		middleware.RecordGatewayRequest("auth", "auth_failure")
		return "", &AuthError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil || ar.AccessToken == "" {
		middleware.RecordGatewayRequest("auth", "auth_failure")
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "no access token in response"}
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(string(ar.ExpiresIn)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.tokens.Set(ar.AccessToken, ttl)
	middleware.RecordGatewayRequest("auth", "ok")
	return ar.AccessToken, nil
}

// PushPayment asks the gateway to prompt the payer. A non-zero response code is a *RejectedError.
func (c *Client) PushPayment(ctx context.Context, req PushRequest) (*PushResult, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "Gateway.PushPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", req.Reference))

	description := req.Description
	if description == "" {
		description = defaultDescription
	}

	ts := Timestamp(c.now())
	body := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount.Round(0).IntPart(),
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.Reference,
		TransactionDesc:   description,
	}

	var resp stkPushResponse
	if err := c.call(ctx, "push", pushPath, body, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if string(resp.ResponseCode) != "0" {
		middleware.RecordGatewayRequest("push", "rejected")
		err := &RejectedError{StatusCode: http.StatusOK, Code: string(resp.ResponseCode), Description: resp.ResponseDescription}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("gateway.checkout_request_id", resp.CheckoutRequestID))
	return &PushResult{
		Accepted:          true,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Description:       resp.ResponseDescription,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the gateway for the outcome of an earlier push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "Gateway.QueryStatus")
	defer span.End()

	ts := Timestamp(c.now())
	body := stkQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := c.call(ctx, "query", queryPath, body, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &QueryResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        string(resp.ResultCode),
		ResultDesc:        resp.ResultDesc,
	}, nil
}

// call runs one authenticated POST under the retry policy and the breaker. A refused token
// is invalidated and the call repeated once with a fresh one.
func (c *Client) call(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	reauthenticated := false
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			token, err := c.token(ctx)
			if err != nil {
				return err
			}
			err = c.post(ctx, path, token, payload, out)
			if !errors.Is(err, errUnauthorized) {
				return err
			}
			if reauthenticated {
				return &AuthError{StatusCode: http.StatusUnauthorized, Message: "token refused after re-authentication"}
			}
			reauthenticated = true
			c.tokens.Invalidate(token)
			if token, err = c.refreshToken(ctx); err != nil {
				return err
			}
			err = c.post(ctx, path, token, payload, out)
			if errors.Is(err, errUnauthorized) {
				return &AuthError{StatusCode: http.StatusUnauthorized, Message: "token refused after re-authentication"}
			}
			return err
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return &TransientError{Err: err}
		}
		return err
	})

	switch {
	case err == nil:
		middleware.RecordGatewayRequest(op, "ok")
	case !errors.Is(err, ErrRejected):
		middleware.RecordGatewayRequest(op, Kind(err))
	}
	if err != nil {
		c.logger.Warn("Gateway call failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("operation", op),
			zap.String("kind", Kind(err)),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) post(ctx context.Context, path, token string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode, Err: errors.New(errorMessage(body))}
	case resp.StatusCode >= 400:
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		code := er.ErrorCode
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return &RejectedError{StatusCode: resp.StatusCode, Code: code, Description: errorMessage(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("undecodable response: %w", err)}
	}
	return nil
}

// transportError maps a failed round trip. Cancellation by the caller is returned as is.
// Everything else is transient, including a deadline that expired while the request was
// in flight: the gateway may have received it.
func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &TransientError{Err: err}
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		return er.ErrorMessage
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(bytes.TrimSpace(body))
}
