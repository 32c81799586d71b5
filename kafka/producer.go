package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Moonlitwhisper254/datakibanda/config"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func InitProducer(cfg config.KafkaConfig, logger *zap.Logger) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer([]string{cfg.Broker}, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized", zap.String("broker", cfg.Broker))
	return producer, nil
}

// Publisher sends terminal payment events for bundle provisioning. Messages are keyed by
// reference so every event for one transaction lands on the same partition.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, topic: topic, logger: logger}
}

func (p *Publisher) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Reference),
		Value: sarama.ByteEncoder(eventJSON),
	}

	carrier := make(saramaHeaderCarrierProducer, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = []sarama.RecordHeader(carrier)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Info("Payment event published",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("topic", p.topic),
		zap.String("event_type", event.EventType),
		zap.String("reference", event.Reference),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// saramaHeaderCarrierProducer implements propagation.TextMapCarrier for outgoing headers.
type saramaHeaderCarrierProducer []sarama.RecordHeader

func (c saramaHeaderCarrierProducer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *saramaHeaderCarrierProducer) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c saramaHeaderCarrierProducer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
