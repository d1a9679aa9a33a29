package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// NewKafkaProducer creates a synchronous producer that waits for all in-sync replicas.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("jobs: kafka brokers are required")
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobs: kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher publishes to one topic. The message key selects the partition
// so all mail for one order stays ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("jobs: kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("jobs: kafka topic is required")
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) (string, error) {
	headers := headerCarrier{}
	for k, v := range msg.Attributes {
		headers.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	out := &sarama.ProducerMessage{
		Topic:   p.topic,
		Value:   sarama.ByteEncoder(msg.Data),
		Headers: []sarama.RecordHeader(headers),
	}
	if msg.Key != "" {
		out.Key = sarama.StringEncoder(msg.Key)
	}
	partition, offset, err := p.producer.SendMessage(out)
	if err != nil {
		return "", fmt.Errorf("jobs: send to %s: %w", p.topic, err)
	}
	return p.topic + "/" + strconv.Itoa(int(partition)) + "/" + strconv.FormatInt(offset, 10), nil
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// headerCarrier lets the otel propagator write trace context into record headers.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
