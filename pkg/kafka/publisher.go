// Package kafka publishes ledger outbox events to Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/segmentio/kafka-go"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Publisher writes outbox messages with a hash balancer, so one chain always
// lands on one partition and keeps its order.
type Publisher struct {
	writer  messageWriter
	brokers []string
	dial    dialFunc
}

var _ outbox.Publisher = (*Publisher)(nil)

func NewPublisher(ctx context.Context, cfg config.KafkaConfig, logg *logger.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	dialer := &kafka.Dialer{ClientID: cfg.ClientID}
	p := &Publisher{
		writer:  writer,
		brokers: cfg.Brokers,
		dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "brokers", cfg.Brokers), "kafka publisher initialized")
	}
	return p, nil
}

// Publish writes msg synchronously and waits for every in-sync replica.
func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher not initialized")
	}
	if msg.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("write %s: %w", msg.Topic, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil || p.dial == nil {
		return errors.New("kafka publisher not initialized")
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func toKafkaMessage(msg outbox.Message) kafka.Message {
	keys := make([]string, 0, len(msg.Attributes))
	for k := range msg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(msg.Attributes[k])})
	}
	out := kafka.Message{
		Topic:   msg.Topic,
		Value:   msg.Data,
		Headers: headers,
	}
	if msg.Key != "" {
		out.Key = []byte(msg.Key)
	}
	return out
}
