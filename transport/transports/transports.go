// Package transports links every backend into the binary. Each backend
// registers itself with transport.DefaultRegistry from init, so the resolver
// can reach it by name.
package transports

import (
	_ "github.com/drblury/latencyprobe/transport/aws"
	_ "github.com/drblury/latencyprobe/transport/channel"
	_ "github.com/drblury/latencyprobe/transport/http"
	_ "github.com/drblury/latencyprobe/transport/jetstream"
	_ "github.com/drblury/latencyprobe/transport/kafka"
	_ "github.com/drblury/latencyprobe/transport/nats"
	_ "github.com/drblury/latencyprobe/transport/rabbitmq"
	_ "github.com/drblury/latencyprobe/transport/segment"
	_ "github.com/drblury/latencyprobe/transport/udp"
)
