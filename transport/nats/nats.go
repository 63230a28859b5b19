// Package nats provides the NATS Core backend, the default for the "tcp"
// transport kind. Core subjects fan out to every subscriber, so each
// participant sees every sample without queue naming.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "nats"

const (
	reconnectWait    = 250 * time.Millisecond
	subscribeTimeout = 5 * time.Second
)

// Factories are variables so tests can run Build without a server.
var (
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Options are the connection options of one participant. Publishes made while
// disconnected fail instead of being buffered, so a late sample is never
// delivered with a stale timestamp.
func Options(participantID string) []nc.Option {
	return []nc.Option{
		nc.Name("latencyprobe " + participantID),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(reconnectWait),
		nc.ReconnectBufSize(-1),
	}
}

// Build connects a core (non-JetStream) publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = nc.DefaultURL
	}
	options := Options(cfg.GetParticipantID())
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	pub, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: publisher: %w", err)
	}

	sub, err := SubscriberFactory(nats.SubscriberConfig{
		URL:              url,
		NatsOptions:      options,
		Unmarshaler:      marshaler,
		SubscribersCount: 1,
		SubscribeTimeout: subscribeTimeout,
		JetStream:        core,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("nats: subscriber: %w", err)
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
