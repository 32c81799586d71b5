package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/config"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/store"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxHandleAttempts = 3

func InitConsumer(cfg config.KafkaConfig, logger *zap.Logger) (sarama.Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	sc.Consumer.Retry.Backoff = 1 * time.Second

	consumer, err := sarama.NewConsumer([]string{cfg.Broker}, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// ProvisioningStore is the part of store.TransactionStore the provisioner needs.
type ProvisioningStore interface {
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	MergeMetadata(ctx context.Context, id string, patch models.Metadata) error
}

// Provisioner consumes payment events and marks completed bundle purchases as handed
// off for provisioning. Redelivered events are ignored.
type Provisioner struct {
	store   ProvisioningStore
	now     func() time.Time
	backoff func(attempt int) time.Duration
	logger  *zap.Logger
}

func NewProvisioner(store ProvisioningStore, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		store:   store,
		now:     time.Now,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		logger:  logger,
	}
}

// Start consumes partition 0 of topic until ctx is cancelled.
func (p *Provisioner) Start(ctx context.Context, consumer sarama.Consumer, topic string) error {
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	p.logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Kafka consumer stopped", zap.String("topic", topic))
			return nil
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				return nil
			}
			if err := p.handleMessageWithRetry(ctx, message); err != nil {
				p.logger.Error("Failed to handle message after retries", zap.Error(err))
			}
		case err, ok := <-partitionConsumer.Errors():
			if !ok {
				return nil
			}
			p.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func (p *Provisioner) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		err := p.HandleMessage(ctx, message)
		if err == nil {
			return nil
		}
		if errors.Is(err, errPoisonMessage) {
			return err
		}
		lastErr = err
		if attempt < maxHandleAttempts {
			backoff := p.backoff(attempt)
			p.logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxHandleAttempts, lastErr)
}

var errPoisonMessage = errors.New("undecodable payment event")

// HandleMessage processes one payment event.
func (p *Provisioner) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, saramaHeaderCarrierConsumer(message.Headers))
	ctx, span := otel.Tracer("provisioning").Start(ctx, "ProvisionBundle")
	defer span.End()

	var event models.PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", errPoisonMessage, err)
	}
	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("payment.reference", event.Reference),
	)

	traceID := middleware.GetTraceID(ctx)
	if event.EventType != models.EventPaymentCompleted {
		p.logger.Debug("Skipping payment event", zap.String("trace_id", traceID), zap.String("event_type", event.EventType))
		return nil
	}
	if event.PackageID == "" {
		p.logger.Info("Completed payment has no package; nothing to provision",
			zap.String("trace_id", traceID),
			zap.String("reference", event.Reference),
		)
		return nil
	}

	tx, err := p.store.GetByReference(ctx, event.Reference)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("Payment event for unknown transaction",
			zap.String("trace_id", traceID),
			zap.String("reference", event.Reference),
		)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if tx.Metadata.String(models.MetaProvisioningRequestedAt) != "" {
		return nil
	}

	patch := models.Metadata{models.MetaProvisioningRequestedAt: p.now().UTC().Format(time.RFC3339)}
	if err := p.store.MergeMetadata(ctx, tx.ID, patch); err != nil {
		span.RecordError(err)
		return err
	}

	p.logger.Info("Bundle provisioning requested",
		zap.String("trace_id", traceID),
		zap.String("reference", tx.Reference),
		zap.String("package_id", tx.PackageID),
		zap.String("phone", tx.Phone),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements propagation.TextMapCarrier for incoming headers.
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
