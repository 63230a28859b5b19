package dds

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/latencyprobe/internal/runtime/discovery"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	perrors "github.com/drblury/latencyprobe/internal/runtime/errors"
	"github.com/drblury/latencyprobe/internal/runtime/fragment"
	"github.com/drblury/latencyprobe/internal/runtime/ids"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
	rtransport "github.com/drblury/latencyprobe/internal/runtime/transport"
)

// Publisher groups data writers.
type Publisher struct {
	participant *Participant

	mu      sync.Mutex
	writers map[*DataWriter]struct{}
}

// Participant returns the owning participant.
func (p *Publisher) Participant() *Participant { return p.participant }

// DataWriter sends samples of one topic.
type DataWriter struct {
	id        string
	topic     *Topic
	publisher *Publisher
	profile   qos.Profile
	listener  DataWriterListener
	log       logging.ServiceLogger
	pub       message.Publisher
	desc      rtransport.Descriptor
	retries   uint

	mu      sync.Mutex
	history []envelope.Message
	matched map[string]discovery.EndpointInfo
}

// CreateDataWriter attaches a writer for topic with profile. listener may be nil.
func (p *Publisher) CreateDataWriter(topic *Topic, profile qos.Profile, listener DataWriterListener) (*DataWriter, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParameter, err)
	}
	part := p.participant
	if err := part.attach(topic); err != nil {
		return nil, err
	}

	id := ids.Writer()
	w := &DataWriter{
		id:        id,
		topic:     topic,
		publisher: p,
		profile:   profile,
		listener:  listener,
		log:       part.log.With(logging.LogFields{"writer": id, "topic": topic.name}),
		pub:       part.data.Publisher,
		desc:      part.factory.cfg.Descriptor,
		retries:   part.factory.cfg.WriteRetries,
		matched:   make(map[string]discovery.EndpointInfo),
	}

	p.mu.Lock()
	p.writers[w] = struct{}{}
	p.mu.Unlock()

	err := part.agent.AddEndpoint(discovery.EndpointInfo{
		ID:       id,
		Role:     discovery.RoleWriter,
		Topic:    topic.name,
		TypeName: topic.typeName,
		QoS:      profile,
	}, w.onMatch)
	if err != nil {
		p.mu.Lock()
		delete(p.writers, w)
		p.mu.Unlock()
		part.detach(topic)
		return nil, err
	}

	w.log.Debug("Data writer created", logging.LogFields{"qos": profile.String()})
	return w, nil
}

// DeleteDataWriter disposes w towards matched readers and removes it.
func (p *Publisher) DeleteDataWriter(w *DataWriter) error {
	if w == nil || w.publisher != p {
		return ErrBadParameter
	}
	p.mu.Lock()
	if _, ok := p.writers[w]; !ok {
		p.mu.Unlock()
		return ErrAlreadyDeleted
	}
	delete(p.writers, w)
	p.mu.Unlock()

	if w.MatchedReaders() > 0 {
		if err := w.Dispose(context.Background()); err != nil {
			w.log.Error("Failed to dispose writer", err, nil)
		}
	}
	p.participant.agent.RemoveEndpoint(w.id)
	p.participant.detach(w.topic)
	return nil
}

func (w *DataWriter) ID() string       { return w.id }
func (w *DataWriter) Topic() *Topic    { return w.topic }
func (w *DataWriter) QoS() qos.Profile { return w.profile }

// MatchedReaders returns how many readers are matched.
func (w *DataWriter) MatchedReaders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.matched)
}

// Write sends msg. A payload above the transport capacity fails with
// ErrPayloadExceedsCapacity before anything is sent. Samples the backend
// rejects are never kept in the history; best-effort writers report them as
// ErrSampleDropped without retrying.
func (w *DataWriter) Write(ctx context.Context, msg envelope.Message) error {
	if len(msg.Payload) > w.desc.Capacity {
		return fmt.Errorf("%w: %d bytes > %d bytes (%s)", perrors.ErrPayloadExceedsCapacity, len(msg.Payload), w.desc.Capacity, w.desc.Kind)
	}

	if err := w.send(ctx, msg, envelope.KindData, ""); err != nil {
		if w.profile.Reliability == qos.Reliable {
			return err
		}
		w.log.Warn("Best-effort sample dropped", logging.LogFields{"index": msg.Index, "error": err.Error()})
		return fmt.Errorf("%w: %w", ErrSampleDropped, err)
	}

	if w.profile.Durability == qos.TransientLocal {
		w.mu.Lock()
		w.history = append(w.history, msg)
		if w.profile.Bounded() && len(w.history) > w.profile.Depth {
			w.history = w.history[len(w.history)-w.profile.Depth:]
		}
		w.mu.Unlock()
	}
	return nil
}

// Dispose tells matched readers that the writer's instance is gone. Readers
// surface it as an invalid sample.
func (w *DataWriter) Dispose(ctx context.Context) error {
	return w.send(ctx, envelope.Message{}, envelope.KindDispose, "")
}

func (w *DataWriter) onMatch(ev discovery.Event) {
	w.mu.Lock()
	var replay []envelope.Message
	if ev.Matched {
		w.matched[ev.Peer.ID] = ev.Peer
		if w.profile.Durability == qos.TransientLocal && ev.Peer.QoS.Durability == qos.TransientLocal {
			replay = append(replay, w.history...)
		}
	} else {
		delete(w.matched, ev.Peer.ID)
	}
	w.mu.Unlock()

	for _, msg := range replay {
		if err := w.send(context.Background(), msg, envelope.KindData, ev.Peer.ID); err != nil {
			w.log.Error("Failed to replay history", err, logging.LogFields{"reader": ev.Peer.ID, "index": msg.Index})
			break
		}
	}
	if len(replay) > 0 {
		w.log.Debug("Replayed history", logging.LogFields{"reader": ev.Peer.ID, "samples": len(replay)})
	}

	if w.listener != nil {
		w.listener.OnPublicationMatched(w, ev.Status)
	}
}

func (w *DataWriter) send(ctx context.Context, msg envelope.Message, kind, target string) error {
	msgs := w.messages(ctx, msg, kind, target)
	publish := func() (struct{}, error) {
		return struct{}{}, w.pub.Publish(w.topic.wireName, msgs...)
	}

	tries := uint(1)
	if w.profile.Reliability == qos.Reliable {
		tries = w.retries
	}
	_, err := backoff.Retry(ctx, publish,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     5 * time.Millisecond,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         100 * time.Millisecond,
		}),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Debug("Retrying publish", logging.LogFields{"index": msg.Index, "error": err.Error(), "backoff": next.String()})
		}),
	)
	if err != nil {
		return fmt.Errorf("dds: publish %s: %w", w.topic.wireName, err)
	}
	return nil
}

func (w *DataWriter) messages(ctx context.Context, msg envelope.Message, kind, target string) []*message.Message {
	body := msg.Marshal()
	md := message.Metadata{
		envelope.MetadataKeyWriter: w.id,
		envelope.MetadataKeyIndex:  strconv.FormatUint(msg.Index, 10),
		envelope.MetadataKeyKind:   kind,
	}
	if target != "" {
		md[envelope.MetadataKeyTarget] = target
	}

	if !w.desc.Fragmented() || len(body) <= w.desc.FragmentSize {
		m := message.NewMessage(ids.Message(), body)
		m.Metadata = md
		m.SetContext(ctx)
		return []*message.Message{m}
	}

	frags := fragment.Split(ids.CreateULID(), body, w.desc.FragmentSize)
	out := make([]*message.Message, 0, len(frags))
	for _, f := range frags {
		m := message.NewMessage(ids.Message(), f.Data)
		m.Metadata = make(message.Metadata, len(md)+3)
		for k, v := range md {
			m.Metadata[k] = v
		}
		f.Annotate(m.Metadata)
		m.SetContext(ctx)
		out = append(out, m)
	}
	return out
}
