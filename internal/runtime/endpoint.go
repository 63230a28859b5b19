package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/latencyprobe/internal/runtime/dds"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/match"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
)

const (
	rolePublisher  = "publisher"
	roleSubscriber = "subscriber"
)

// EndpointOptions names the channel an endpoint joins.
type EndpointOptions struct {
	Domain          int
	ParticipantName string
	TopicName       string
	TypeName        string
	QoS             qos.Profile
}

func (o EndpointOptions) validate() error {
	if o.TopicName == "" {
		return errspkg.ErrTopicRequired
	}
	return o.QoS.Validate()
}

// DataHandler receives data notifications forwarded by a SubscriberEndpoint.
type DataHandler interface {
	OnDataAvailable(r SampleTaker)
}

// SampleTaker is the part of a data reader a DataHandler consumes from.
type SampleTaker interface {
	TakeNextSample() (envelope.Message, dds.SampleInfo, error)
}

// teardown collects release steps while an endpoint is assembled and runs
// them newest first.
type teardown []func() error

func (t *teardown) push(fn func() error) { *t = append(*t, fn) }

func (t teardown) run() error {
	var errs []error
	for i := len(t) - 1; i >= 0; i-- {
		if err := t[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherEndpoint owns the participant, topic, publisher and writer of the
// sending side together with the match state of the writer.
type PublisherEndpoint struct {
	factory     *dds.ParticipantFactory
	participant *dds.Participant
	topic       *dds.Topic
	publisher   *dds.Publisher
	writer      *dds.DataWriter

	tracker *match.Tracker
	log     loggingpkg.ServiceLogger
	metrics *Metrics
	closers teardown
}

// NewPublisherEndpoint creates the sending side. On failure everything created
// so far is released in reverse order.
func NewPublisherEndpoint(ctx context.Context, factory *dds.ParticipantFactory, opts EndpointOptions, log loggingpkg.ServiceLogger, m *Metrics) (*PublisherEndpoint, error) {
	if factory == nil {
		return nil, errspkg.ErrFactoryRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e := &PublisherEndpoint{factory: factory, metrics: m}
	e.log = log.With(loggingpkg.LogFields{"role": rolePublisher, "topic": opts.TopicName})
	e.tracker = match.NewTracker(e.log, match.WithTransitionHook(func(_, to match.State, count int64) {
		if to == match.Matched {
			e.log.Info("Publisher matched.", loggingpkg.LogFields{"matched": count})
		} else {
			e.log.Info("Publisher unmatched.", nil)
		}
	}))

	var undo teardown
	fail := func(step string, err error) (*PublisherEndpoint, error) {
		if terr := undo.run(); terr != nil {
			e.log.Error("Teardown after failed construction", terr, nil)
		}
		return nil, fmt.Errorf("create publisher endpoint: %s: %w", step, err)
	}

	var err error
	if e.participant, err = factory.CreateParticipant(ctx, opts.Domain, opts.ParticipantName); err != nil {
		return fail("participant", err)
	}
	undo.push(func() error { return factory.DeleteParticipant(e.participant) })

	if e.topic, err = e.participant.CreateTopic(opts.TopicName, opts.TypeName); err != nil {
		return fail("topic", err)
	}
	undo.push(func() error { return e.participant.DeleteTopic(e.topic) })

	if e.publisher, err = e.participant.CreatePublisher(); err != nil {
		return fail("publisher", err)
	}
	undo.push(func() error { return e.participant.DeletePublisher(e.publisher) })

	if e.writer, err = e.publisher.CreateDataWriter(e.topic, opts.QoS, e); err != nil {
		return fail("writer", err)
	}
	undo.push(func() error { return e.publisher.DeleteDataWriter(e.writer) })

	e.closers = undo
	e.log.Info("Publisher endpoint created", loggingpkg.LogFields{
		"participant": e.participant.ID(),
		"writer":      e.writer.ID(),
		"qos":         opts.QoS.String(),
	})
	return e, nil
}

// OnPublicationMatched feeds the writer's match notifications into the tracker.
func (e *PublisherEndpoint) OnPublicationMatched(_ *dds.DataWriter, st match.MatchedStatus) {
	e.tracker.Observe(st)
	e.metrics.setMatched(e.topic.Name(), rolePublisher, e.tracker.Count())
}

func (e *PublisherEndpoint) Writer() *dds.DataWriter       { return e.writer }
func (e *PublisherEndpoint) Tracker() *match.Tracker       { return e.tracker }
func (e *PublisherEndpoint) Participant() *dds.Participant { return e.participant }

// Capacity is the largest payload the transport accepts.
func (e *PublisherEndpoint) Capacity() int { return e.factory.Descriptor().Capacity }

// Close releases writer, publisher, topic and participant in that order.
func (e *PublisherEndpoint) Close() error {
	closers := e.closers
	e.closers = nil
	return closers.run()
}

// SubscriberEndpoint owns the participant, topic, subscriber and reader of the
// receiving side together with the match state of the reader.
type SubscriberEndpoint struct {
	factory     *dds.ParticipantFactory
	participant *dds.Participant
	topic       *dds.Topic
	subscriber  *dds.Subscriber
	reader      *dds.DataReader

	handler DataHandler
	tracker *match.Tracker
	log     loggingpkg.ServiceLogger
	metrics *Metrics
	closers teardown
}

// NewSubscriberEndpoint creates the receiving side and forwards data
// notifications to handler.
func NewSubscriberEndpoint(ctx context.Context, factory *dds.ParticipantFactory, opts EndpointOptions, handler DataHandler, log loggingpkg.ServiceLogger, m *Metrics) (*SubscriberEndpoint, error) {
	if factory == nil {
		return nil, errspkg.ErrFactoryRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e := &SubscriberEndpoint{factory: factory, handler: handler, metrics: m}
	e.log = log.With(loggingpkg.LogFields{"role": roleSubscriber, "topic": opts.TopicName})
	e.tracker = match.NewTracker(e.log, match.WithTransitionHook(func(_, to match.State, count int64) {
		if to == match.Matched {
			e.log.Info("Subscriber matched.", loggingpkg.LogFields{"matched": count})
		} else {
			e.log.Info("Subscriber unmatched.", nil)
		}
	}))

	var undo teardown
	fail := func(step string, err error) (*SubscriberEndpoint, error) {
		if terr := undo.run(); terr != nil {
			e.log.Error("Teardown after failed construction", terr, nil)
		}
		return nil, fmt.Errorf("create subscriber endpoint: %s: %w", step, err)
	}

	var err error
	if e.participant, err = factory.CreateParticipant(ctx, opts.Domain, opts.ParticipantName); err != nil {
		return fail("participant", err)
	}
	undo.push(func() error { return factory.DeleteParticipant(e.participant) })

	if e.topic, err = e.participant.CreateTopic(opts.TopicName, opts.TypeName); err != nil {
		return fail("topic", err)
	}
	undo.push(func() error { return e.participant.DeleteTopic(e.topic) })

	if e.subscriber, err = e.participant.CreateSubscriber(); err != nil {
		return fail("subscriber", err)
	}
	undo.push(func() error { return e.participant.DeleteSubscriber(e.subscriber) })

	if e.reader, err = e.subscriber.CreateDataReader(e.topic, opts.QoS, e); err != nil {
		return fail("reader", err)
	}
	undo.push(func() error { return e.subscriber.DeleteDataReader(e.reader) })

	e.closers = undo
	e.log.Info("Subscriber endpoint created", loggingpkg.LogFields{
		"participant": e.participant.ID(),
		"reader":      e.reader.ID(),
		"qos":         opts.QoS.String(),
	})
	return e, nil
}

// OnSubscriptionMatched feeds the reader's match notifications into the tracker.
func (e *SubscriberEndpoint) OnSubscriptionMatched(_ *dds.DataReader, st match.MatchedStatus) {
	e.tracker.Observe(st)
	e.metrics.setMatched(e.topic.Name(), roleSubscriber, e.tracker.Count())
}

// OnDataAvailable forwards to the configured DataHandler.
func (e *SubscriberEndpoint) OnDataAvailable(r *dds.DataReader) {
	if e.handler != nil {
		e.handler.OnDataAvailable(r)
	}
}

func (e *SubscriberEndpoint) Reader() *dds.DataReader       { return e.reader }
func (e *SubscriberEndpoint) Tracker() *match.Tracker       { return e.tracker }
func (e *SubscriberEndpoint) Participant() *dds.Participant { return e.participant }

// Close releases reader, subscriber, topic and participant in that order.
func (e *SubscriberEndpoint) Close() error {
	closers := e.closers
	e.closers = nil
	return closers.run()
}
