package transport

// Capabilities describes what a backend can do. The resolver uses it to pick
// buffer sizes and decide whether fragmentation is needed.
type Capabilities struct {
	// Name is the registry name of the backend.
	Name string

	// InProcess means publisher and subscriber must share the same Transport
	// value to see each other; the participant factory shares one instance.
	InProcess bool

	// ZeroCopy means payload bytes are handed to subscribers without copying.
	ZeroCopy bool

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// Broadcast means every subscriber of a topic receives every message without
	// per-participant queue naming.
	Broadcast bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a message of size bytes is within MaxMessageSize.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets, registered by the backend packages.
var (
	// ChannelCapabilities for the in-process shared-memory bus.
	ChannelCapabilities = Capabilities{
		Name:             "shm",
		InProcess:        true,
		ZeroCopy:         true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		Broadcast:        true,
	}

	// SegmentCapabilities for the file-backed shared-memory segment.
	SegmentCapabilities = Capabilities{
		Name:             "shm-segment",
		SupportsOrdering: true,
		Broadcast:        true,
	}

	// UDPCapabilities for datagram transport; one message per datagram.
	UDPCapabilities = Capabilities{
		Name:           "udp",
		Broadcast:      true,
		MaxMessageSize: 65507,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   16777216, // Default 16MB frame limit
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		Broadcast:      true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 262144, // 256KB
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:           "http",
		MaxMessageSize: 10485760, // 10MB request body cap
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
