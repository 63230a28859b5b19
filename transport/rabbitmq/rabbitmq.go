// Package rabbitmq provides a RabbitMQ/AMQP backend. Topics map to fanout
// exchanges; each participant binds its own auto-deleted queue so every
// participant receives every sample.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "rabbitmq"

// Prefetch bounds unacknowledged deliveries per consumer. Samples are acked as
// soon as the reader has taken them, so a small window is enough.
const Prefetch = 16

// Factories are variables so tests can run Build without a broker.
var (
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
	CloseConnection = func(conn *amqp.ConnectionWrapper) error {
		return conn.Close()
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials the broker once and shares the connection between publisher and
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}
	release := func() { _ = CloseConnection(conn) }

	amqpConfig := NewConfig(url, cfg.GetParticipantID())
	pub, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		release()
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher: %w", err)
	}
	sub, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = pub.Close()
		release()
		return transport.Transport{}, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// NewConfig returns the fanout config. Queue names carry the participant id so
// participants never compete for the same queue.
func NewConfig(url, participantID string) amqp.Config {
	generator := amqp.GenerateQueueNameTopicName
	if participantID != "" {
		generator = amqp.GenerateQueueNameTopicNameWithSuffix(participantID)
	}
	c := amqp.NewNonDurablePubSubConfig(url, generator)
	c.Consume.Qos.PrefetchCount = Prefetch
	return c
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
