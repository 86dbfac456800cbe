// Package kafka carries ticks between processes over a Kafka topic. Messages
// are keyed by symbol so a symbol always lands on one partition and keeps
// its publish order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"marketpulse/internal/model"
)

// Config addresses the topic.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Producer publishes ticks.
type Producer struct {
	w MessageWriter
}

// NewProducer builds a batching writer hashing on the message key.
func NewProducer(cfg Config) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	})
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Publish writes t keyed by its symbol.
func (p *Producer) Publish(ctx context.Context, t model.Tick) error {
	msg := kafka.Message{
		Key:   []byte(t.Symbol),
		Value: t.JSON(),
		Time:  t.Timestamp,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", t.Symbol, err)
	}
	return nil
}

// Close flushes buffered messages.
func (p *Producer) Close() error {
	return p.w.Close()
}

// Consumer reads ticks as a member of a consumer group.
type Consumer struct {
	r MessageReader
}

// NewConsumer builds a group reader on the topic.
func NewConsumer(cfg Config) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		Topic:             cfg.Topic,
		GroupID:           cfg.GroupID,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           200 * time.Millisecond,
		CommitInterval:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	}))
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r MessageReader) *Consumer {
	return &Consumer{r: r}
}

// Run calls fn for every decodable tick until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context, fn func(model.Tick)) error {
	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		var t model.Tick
		if err := json.Unmarshal(msg.Value, &t); err != nil || t.Symbol == "" {
			log.Printf("[kafka] dropping malformed message key=%s offset=%d", msg.Key, msg.Offset)
			continue
		}
		fn(t)
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.r.Close()
}

// EnsureTopic creates the topic through the cluster controller. An existing
// topic is not an error.
func EnsureTopic(broker, topic string, partitions int) error {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", broker, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", topic, err)
	}
	return nil
}
