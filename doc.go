// Package latencyprobe measures end-to-end latency between a publisher and a
// subscriber exchanging periodic binary samples over a named topic.
//
// A Service resolves the configured transport kind (shm, udp, tcp or
// large-data) to concrete backends, creates participants through an
// explicitly scoped ParticipantFactory and runs one of two sessions:
//
//   - RunPublisher sends N samples carrying a sequence index and a publish
//     timestamp in microseconds, but only while at least one reader is matched.
//   - RunSubscriber appends "receive_us,publish_us" for every valid sample to
//     an append-only log and returns a latency summary once N have arrived.
//
// # Transports
//
// Backends register themselves with the transport registry:
//   - shm: in-process Go channels, or a file-backed segment shared between processes
//   - udp: unicast or multicast datagrams
//   - nats, nats-jetstream, kafka, rabbitmq, http, aws: brokers behind the tcp kind
//
// large-data sends samples through a tcp backend in fragments and runs
// discovery over udp.
//
// # Discovery
//
// Participants announce their writers and readers periodically. Endpoints on
// the same topic with compatible QoS are matched; a lease that is not renewed
// unmatches them. Samples from a writer are delivered only once it is matched.
//
// Publisher and subscriber clocks must be shared or synchronised for the
// recorded latencies to be meaningful.
package latencyprobe
