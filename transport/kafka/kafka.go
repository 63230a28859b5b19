// Package kafka provides a Kafka backend. Every participant consumes with its
// own consumer group, starting at the newest offset, so each one receives the
// whole topic from the moment it joins.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "kafka"

// DefaultConsumerGroup prefixes per-participant groups when none is configured.
const DefaultConsumerGroup = "latencyprobe"

// maxFetchWait caps how long the broker may hold a fetch waiting for data.
const maxFetchWait = 10 * time.Millisecond

// Factories are variables so tests can run Build without a cluster.
var (
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a synchronous producer and a per-participant consumer.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: brokers are required")
	}

	pub, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: ProducerConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka: publisher: %w", err)
	}

	sub, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         ConsumerGroup(cfg.GetKafkaConsumerGroup(), cfg.GetParticipantID()),
		OverwriteSaramaConfig: ConsumerConfig(),
	}, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("kafka: subscriber: %w", err)
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// ProducerConfig waits for the partition leader only, so a write returns as
// soon as the sample is readable.
func ProducerConfig() *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	c.Producer.RequiredAcks = sarama.WaitForLocal
	c.Producer.MaxMessageBytes = int(transport.KafkaCapabilities.MaxMessageSize)
	return c
}

// ConsumerConfig starts new groups at the newest offset and returns fetches
// as soon as a single byte is available.
func ConsumerConfig() *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	c.Consumer.Offsets.Initial = sarama.OffsetNewest
	c.Consumer.Fetch.Min = 1
	c.Consumer.MaxWaitTime = maxFetchWait
	return c
}

// ConsumerGroup derives the participant's private group from the configured base.
func ConsumerGroup(base, participantID string) string {
	if base == "" {
		base = DefaultConsumerGroup
	}
	if participantID == "" {
		return base
	}
	return base + "-" + participantID
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
