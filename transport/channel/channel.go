// Package channel provides the in-process shared-memory backend. Publisher and
// subscriber share one gochannel bus, so payload slices reach readers without
// being copied or serialized.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/latencyprobe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "shm"

// OutputBuffer is the per-subscriber channel depth.
const OutputBuffer = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// BusConfig is the gochannel setup of every bus. Publish blocks until each
// subscriber has acked, which keeps per-topic delivery in publish order, and
// the publisher's context travels with the message so write spans reach the
// reader.
func BusConfig() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            OutputBuffer,
		BlockPublishUntilSubscriberAck: true,
		PreserveContext:                true,
	}
}

// Build creates a new in-process bus. The participant factory shares one bus
// between all participants of a process.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(BusConfig(), logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
