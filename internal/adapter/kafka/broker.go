// Package kafka carries broadcast fabric channels over Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/fabric"
	kafkago "github.com/segmentio/kafka-go"
)

// DefaultTopicPrefix namespaces fabric topics on a shared cluster.
const DefaultTopicPrefix = "crop-alerts."

const headerChannel = "channel"

var topicReplacer = strings.NewReplacer(":", ".", ",", "_", " ", "_", "/", "_")

// TopicName maps a fabric channel onto a legal Kafka topic name.
func TopicName(prefix, channel string) string {
	return prefix + topicReplacer.Replace(channel)
}

// Broker implements fabric.Broker with one single-partition topic per channel.
// Every subscriber reads the partition directly, without a consumer group, so
// each instance sees every message.
type Broker struct {
	brokers []string
	prefix  string
	writer  *kafkago.Writer
	logger  *slog.Logger
}

var _ fabric.Broker = (*Broker)(nil)

// NewBroker creates a broker for the given bootstrap addresses.
func NewBroker(brokers []string, prefix string, logger *slog.Logger) *Broker {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Broker{brokers: brokers, prefix: prefix, writer: w, logger: logger}
}

func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	msg := kafkago.Message{
		Topic: TopicName(b.prefix, channel),
		Value: data,
		Headers: []kafkago.Header{
			{Key: headerChannel, Value: []byte(channel)},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates the channel's topic if needed and reads from its tail.
// Delivery starts once the reader has resolved the tail offset, so messages
// published in the moments right after Subscribe returns may be missed.
func (b *Broker) Subscribe(ctx context.Context, channel string) (fabric.Subscription, error) {
	topic := TopicName(b.prefix, channel)
	if err := b.ensureTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", channel, err)
	}

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   b.brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
	})
	if err := r.SetOffset(kafkago.LastOffset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("kafka subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		reader: r,
		cancel: cancel,
		ch:     make(chan []byte),
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	b.logger.Debug("kafka subscription started", "channel", channel, "topic", topic)
	return s, nil
}

// Close flushes pending writes.
func (b *Broker) Close() error {
	return b.writer.Close()
}

func (b *Broker) ensureTopic(ctx context.Context, topic string) error {
	if len(b.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var d kafkago.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	// An existing topic is not an error.
	if err := cc.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}); err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

type subscription struct {
	reader *kafkago.Reader
	cancel context.CancelFunc
	ch     chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closing bool
	err     error
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closing && !errors.Is(err, context.Canceled) {
				s.err = fmt.Errorf("kafka read: %w", err)
			}
			s.mu.Unlock()
			return
		}
		select {
		case s.ch <- msg.Value:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("kafka close reader: %w", err)
	}
	return nil
}
