package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/snowdrift/cfg"
	"github.com/maxpert/snowdrift/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
	DefaultKafkaWriteTimeout = 10 * time.Second

	// KafkaKindHeader carries the event kind so consumers of a shared
	// topic can route without decoding the payload
	KafkaKindHeader = "snowdrift-kind"
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kafkaConfig.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink publishes episode events to Kafka, one topic per event kind
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers      []string           // Kafka broker addresses
	BatchSize    int                // Messages per batch (default: 100)
	BatchBytes   int64              // Max batch bytes (default: 1MB)
	BatchTimeout time.Duration      // Max wait for a batch to fill (default: 10ms)
	WriteTimeout time.Duration      // Bound on a single publish (default: 10s)
	RequiredAcks kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreate   bool               // Create missing topics (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig tuned for sparse, synchronous
// episode writes. kafka-go holds a synchronous write until the batch
// fills or BatchTimeout passes, so the timeout stays short.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:      brokers,
		BatchSize:    DefaultKafkaBatchSize,
		BatchBytes:   DefaultKafkaBatchBytes,
		BatchTimeout: DefaultKafkaBatchTimeout,
		WriteTimeout: DefaultKafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
		AutoCreate:   true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same worker id, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreate,
	}

	return &KafkaSink{writer: writer, timeout: config.WriteTimeout}, nil
}

// Publish writes one event. The key is the worker id, which keeps each
// worker's episodes ordered within a partition.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafkaMessage(topic, key, value))
}

// kafkaMessage builds the message for an event topic of the form
// "<prefix>.<kind>" or "<kind>"
func kafkaMessage(topic, key string, value []byte) kafka.Message {
	kind := topic
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		kind = topic[i+1:]
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: KafkaKindHeader, Value: []byte(kind)}},
	}
}

// Close flushes pending writes and releases the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
