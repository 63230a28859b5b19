/*
Package runtime runs the publisher and subscriber sessions of the latency probe.

# Architecture Overview

A Service resolves the configured transport kind once, builds an explicitly
scoped dds.ParticipantFactory on it and runs sessions against that factory.
Discovery decides when a writer and a reader are matched; samples only flow
while they are.

# Package Structure

## Core Service (service.go)

The Service struct owns:
  - The resolved transport descriptor and the participant factory
  - Prometheus collectors, with Watermill's publisher and subscriber
    decorators applied to every backend
  - The optional status server

RunPublisher and RunSubscriber each build an endpoint, run until done and
release it.

## Endpoints (endpoint.go)

PublisherEndpoint and SubscriberEndpoint own participant, topic,
publisher/subscriber and writer/reader plus a match.Tracker. Failed
construction and Close release entities in reverse order.

## Publish Loop (publish_loop.go)

Loads a payload, skips the cycle while unmatched, enforces the transport
capacity and writes {index+1, now} under an OpenTelemetry producer span.
The index only advances on a successful write.

## Consume Listener (consume_listener.go)

Appends a receive/publish timestamp pair for every valid sample, updates the
shared Counters and closes Done once the target is reached.

## Status (status.go, metrics.go, resources.go)

A chi router serving /metrics from the service registry and /status as JSON.

# Sub-packages

  - config/: Configuration loading (YAML plus LATENCYPROBE_* overrides) and validation
  - dds/: Participant, topic, writer and reader entities
  - discovery/: Participant announcements, leases and endpoint matching
  - envelope/: Sample wire encoding
  - errors/: Sentinel errors and ConfigValidationError
  - fragment/: Splitting and reassembly of large samples
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling via sonic
  - logging/: Logger interface and Watermill adapter
  - match/: Matched peer counting
  - qos/: QoS intents and profiles
  - recorder/: Append-only latency log
  - stats/: Latency summaries
  - transport/: Transport kind resolution and backend factory

# Usage Example

	cfg, _ := config.Load("latencyprobe.yaml")
	svc, err := runtime.NewService(cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	summary, err := svc.RunSubscriber(ctx, 15)
*/
package runtime
