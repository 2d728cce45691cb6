package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"engine.transitions"`
	Compression  string        `yaml:"compression" default:"gzip"`
	RequiredAcks int           `yaml:"required_acks" default:"-1"`
	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"1s"`
}

// messageWriter is the slice of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON, keyed by instance so a partition keeps one
// instance's transitions in order.
type Kafka struct {
	w     messageWriter
	topic string
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &Kafka{w: w, topic: cfg.Topic}, nil
}

func message(e TransitionEvent) (kafka.Message, error) {
	v, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Key()),
		Value: v,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, e TransitionEvent) error {
	start := time.Now()
	msg, err := message(e)
	if err != nil {
		return err
	}
	err = k.w.WriteMessages(ctx, msg)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observ.IncCounter("kafka_producer_messages_total", map[string]string{"topic": k.topic, "result": result})
	observ.RecordDuration("kafka_producer_publish", time.Since(start), map[string]string{"topic": k.topic})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.w != nil {
		return k.w.Close()
	}
	return nil
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
