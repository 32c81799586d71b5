package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 10 * time.Second
	maxParallel    = 10
	userAgent      = "datakibanda-webhooks/1.0"
)

// SubscriptionLister is implemented by store.WebhookStore.
type SubscriptionLister interface {
	ListActiveForEvent(ctx context.Context, event string) ([]models.WebhookSubscription, error)
}

// Delivery is the result of one POST to one subscriber.
type Delivery struct {
	SubscriptionID string
	URL            string
	StatusCode     int
	Err            error
}

func (d Delivery) OK() bool {
	return d.Err == nil && d.StatusCode >= 200 && d.StatusCode < 300
}

// Notifier posts signed event envelopes to every active subscriber. Deliveries are
// attempted once; a slow or failing subscriber does not hold up the others.
type Notifier struct {
	subs   SubscriptionLister
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

func NewNotifier(subs SubscriptionLister, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		subs:   subs,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: logger,
	}
}

// Notify broadcasts and logs; delivery failures never reach the caller.
func (n *Notifier) Notify(ctx context.Context, event string, data any) {
	n.Broadcast(ctx, event, data)
}

// Broadcast sends event to all subscribers of it and reports each attempt.
func (n *Notifier) Broadcast(ctx context.Context, event string, data any) []Delivery {
	ctx, span := otel.Tracer("webhook").Start(ctx, "Broadcast")
	defer span.End()

	subs, err := n.subs.ListActiveForEvent(ctx, event)
	if err != nil {
		n.logger.Error("Failed to load webhook subscriptions",
			zap.String("event", event),
			zap.Error(err),
		)
		return nil
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(models.WebhookEnvelope{
		Event:     event,
		Data:      data,
		Timestamp: n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Error("Failed to encode webhook envelope", zap.String("event", event), zap.Error(err))
		return nil
	}

	results := make([]Delivery, len(subs))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = n.deliver(ctx, sub, event, body)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (n *Notifier) deliver(ctx context.Context, sub models.WebhookSubscription, event string, body []byte) Delivery {
	d := Delivery{SubscriptionID: sub.ID, URL: sub.URL}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.Err = fmt.Errorf("failed to build request: %w", err)
		n.report(event, d)
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		d.Err = err
		n.report(event, d)
		return d
	}
	resp.Body.Close()

	d.StatusCode = resp.StatusCode
	if !d.OK() {
		d.Err = fmt.Errorf("subscriber responded with status %d", resp.StatusCode)
	}
	n.report(event, d)
	return d
}

func (n *Notifier) report(event string, d Delivery) {
	if d.OK() {
		middleware.RecordWebhookDelivery(event, "success")
		n.logger.Info("Webhook delivered",
			zap.String("event", event),
			zap.String("subscription_id", d.SubscriptionID),
			zap.Int("status", d.StatusCode),
		)
		return
	}
	middleware.RecordWebhookDelivery(event, "failure")
	n.logger.Warn("Webhook delivery failed",
		zap.String("event", event),
		zap.String("subscription_id", d.SubscriptionID),
		zap.String("url", d.URL),
		zap.Int("status", d.StatusCode),
		zap.Error(d.Err),
	)
}
