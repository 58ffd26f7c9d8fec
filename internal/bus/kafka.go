package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// KafkaBus implements EventBus on Kafka topics.
// Messages are keyed so all events of a case land on one partition.
type KafkaBus struct {
	mu      sync.Mutex
	writer  *kafka.Writer
	brokers []string
	groupID string
	readers map[string]*kafkaSubscription
	closed  bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "kestrel"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}

	slog.Info("Kafka producer created", "brokers", cfg.KafkaBrokers)

	return &KafkaBus{
		writer:  writer,
		brokers: cfg.KafkaBrokers,
		groupID: groupID,
		readers: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes an unkeyed message.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.PublishKeyed(ctx, topic, "", payload)
}

// PublishKeyed writes a message partitioned by key.
func (b *KafkaBus) PublishKeyed(ctx context.Context, topic, key string, payload []byte) error {
	data, err := json.Marshal(newMessage(topic, key, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          topic,
		GroupID:        b.groupID,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(subCtx, handler)

	b.readers[sub.id] = sub
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read Kafka message", "topic", s.topic, "error", err)
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal Kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.readers
	b.readers = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return b.writer.Close()
}

// Unsubscribe stops the reader and waits for the consume loop to exit.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
