package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"

	"github.com/gateway-fm/txfleet/internal/storage"
)

// KafkaWriter publishes each result as a JSON message keyed by wallet.
type KafkaWriter struct {
	topic string
	p     sarama.SyncProducer
}

// NewKafkaWriter connects a synchronous producer to brokers.
func NewKafkaWriter(brokers []string, topic string, cfg *sarama.Config) (*KafkaWriter, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaWriterFromProducer(p, topic), nil
}

// NewKafkaWriterFromProducer wraps an existing producer.
func NewKafkaWriterFromProducer(p sarama.SyncProducer, topic string) *KafkaWriter {
	return &KafkaWriter{topic: topic, p: p}
}

// WriteResults implements Writer.
func (w *KafkaWriter) WriteResults(ctx context.Context, results []storage.TaskResult) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(results))
	for _, r := range results {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: w.topic,
			Key:   sarama.StringEncoder(r.Wallet),
			Value: sarama.ByteEncoder(b),
		})
	}
	if err := w.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Close closes the producer.
func (w *KafkaWriter) Close() error {
	if w.p != nil {
		return w.p.Close()
	}
	return nil
}

// MultiWriter writes every batch to each writer in order. All writers are
// attempted; their errors are combined.
type MultiWriter []Writer

// WriteResults implements Writer.
func (m MultiWriter) WriteResults(ctx context.Context, results []storage.TaskResult) error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.WriteResults(ctx, results))
	}
	return err
}
