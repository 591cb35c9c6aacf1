package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dmitrymomot/entitlekit/pkg/logger"
)

// Config holds Kafka sink settings. An empty broker list disables the sink.
type Config struct {
	Brokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"KAFKA_ANALYTICS_TOPIC" envDefault:"entitlekit.analytics"`
	WriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"5s"`
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes events to a Kafka topic.
type KafkaSink struct {
	w       MessageWriter
	timeout time.Duration
	log     *slog.Logger
	closed  atomic.Bool
}

// NewKafkaSink creates a synchronous writer acknowledged by all replicas.
func NewKafkaSink(cfg Config, log *slog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("analytics: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("analytics: no kafka topic configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkFromWriter(w, cfg.WriteTimeout, log), nil
}

// NewKafkaSinkFromWriter wraps an existing writer. A nil logger discards.
func NewKafkaSinkFromWriter(w MessageWriter, timeout time.Duration, log *slog.Logger) *KafkaSink {
	if w == nil {
		panic("analytics: writer is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{w: w, timeout: timeout, log: log}
}

func (s *KafkaSink) Track(ctx context.Context, e Event) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("analytics: encode event: %w", err)
	}

	key := e.OriginalTransactionID
	if key == "" {
		key = e.ProductID
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Name)},
		},
	})
	if err != nil {
		s.log.WarnContext(ctx, "analytics event not delivered",
			slog.String("event", e.Name), logger.ProductID(e.ProductID), logger.Error(err))
		return fmt.Errorf("analytics: write event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.w.Close()
}
