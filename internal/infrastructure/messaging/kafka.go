// Package messaging mirrors order lifecycle frames to Kafka for downstream consumers.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/eventbus"
	"github.com/Aidin1998/swapflow/pkg/metrics"
)

// KafkaConfig contains configuration for the lifecycle topic writer
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic" json:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout" json:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" yaml:"required_acks" json:"required_acks"`
}

// DefaultKafkaConfig returns a disabled mirror pointed at a local broker
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "order-events",
		WriteTimeout: time.Second,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: 1,
	}
}

// messageWriter is the subset of *kafka.Writer the mirror needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer keyed by order id so all frames of one order land
// on the same partition in order.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
}

// LifecycleMirror publishes to the primary bus and copies every frame to Kafka.
// Kafka failures are logged and counted; they never fail the publish.
type LifecycleMirror struct {
	primary eventbus.Publisher
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

var _ eventbus.Publisher = (*LifecycleMirror)(nil)

// NewLifecycleMirror wraps primary with a Kafka copy.
func NewLifecycleMirror(primary eventbus.Publisher, cfg KafkaConfig, logger *zap.Logger) *LifecycleMirror {
	return newLifecycleMirror(primary, NewKafkaWriter(cfg), cfg.WriteTimeout, logger)
}

func newLifecycleMirror(primary eventbus.Publisher, w messageWriter, timeout time.Duration, logger *zap.Logger) *LifecycleMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &LifecycleMirror{primary: primary, writer: w, timeout: timeout, logger: logger}
}

// Publish sends to the primary bus first, then to Kafka.
func (m *LifecycleMirror) Publish(ctx context.Context, orderID string, payload []byte) error {
	err := m.primary.Publish(ctx, orderID, payload)

	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: payload,
		Time:  time.Now(),
	}
	if kerr := m.writer.WriteMessages(wctx, msg); kerr != nil {
		metrics.EventPublishErrors.WithLabelValues("kafka").Inc()
		m.logger.Warn("Failed to mirror lifecycle frame",
			zap.String("order_id", orderID),
			zap.Error(kerr))
	}
	return err
}

// Close flushes and closes the Kafka writer.
func (m *LifecycleMirror) Close() error {
	if m.writer == nil {
		return nil
	}
	err := m.writer.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
