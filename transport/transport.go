// Package transport defines the byte-moving backends the harness can run on.
// Each backend (channel, segment, udp, nats, kafka, ...) lives in its own
// sub-package and registers itself with the transport registry under the
// name the resolver asks for.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both halves, returning the first error encountered.
func (t Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values backends need. Backends only read the getters
// relevant to them, so callers can pass the full harness config.
type Config interface {
	// GetParticipantID identifies the local participant. Broker backends use it
	// to give every participant its own queue or consumer group so each one
	// sees every message on a topic.
	GetParticipantID() string

	// Shared memory
	GetSegmentPath() string

	// UDP
	GetUDPListenAddress() string
	GetUDPPeers() []string
	GetUDPMulticastGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// ParticipantConfig overlays a participant id onto a base Config.
type ParticipantConfig struct {
	Config
	ParticipantID string
}

// GetParticipantID returns the overlaid participant id.
func (p ParticipantConfig) GetParticipantID() string { return p.ParticipantID }

// WithParticipant returns cfg with its participant id replaced.
func WithParticipant(cfg Config, participantID string) Config {
	return ParticipantConfig{Config: cfg, ParticipantID: participantID}
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
