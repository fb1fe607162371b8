package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisherConfig contains configurable parameters for the Kafka publisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic finalized case entries are written to.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher streams finalized ledger entries to Kafka so downstream
// consumers (dashboards, department systems) see coordination outcomes
// without polling the database. Publishing is best-effort: the ledger row is
// the source of truth.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		// Key-hash balancer keeps all entries for a case on one partition.
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish writes the entry keyed by case id, retrying with exponential
// backoff on transient failure.
func (p *KafkaPublisher) Publish(ctx context.Context, e *Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(e.CaseID),
			Value: value,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
