package dds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/internal/runtime/discovery"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	"github.com/drblury/latencyprobe/internal/runtime/fragment"
	"github.com/drblury/latencyprobe/internal/runtime/ids"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
)

const (
	// pendingLimit bounds samples held per writer that is not matched yet.
	pendingLimit = 64
	// dedupeWindow is how far below the highest index seen a reliable reader
	// still remembers indices.
	dedupeWindow = 1024
)

// Subscriber groups data readers.
type Subscriber struct {
	participant *Participant

	mu      sync.Mutex
	readers map[*DataReader]struct{}
}

// Participant returns the owning participant.
func (s *Subscriber) Participant() *Participant { return s.participant }

type heldSample struct {
	sample Sample
	at     time.Time
}

type seenIndices struct {
	high uint64
	seen map[uint64]struct{}
}

// DataReader receives samples of one topic from matched writers.
type DataReader struct {
	id          string
	topic       *Topic
	subscriber  *Subscriber
	profile     qos.Profile
	listener    DataReaderListener
	log         logging.ServiceLogger
	copyPayload bool
	pendingTTL  time.Duration
	reassembler *fragment.Reassembler
	now         func() time.Time

	notifyMu sync.Mutex

	mu      sync.Mutex
	queue   []Sample
	matched map[string]struct{}
	held    map[string][]heldSample
	seen    map[string]*seenIndices

	cancel context.CancelFunc
	done   chan struct{}
}

// CreateDataReader attaches a reader for topic with profile. listener may be nil.
func (s *Subscriber) CreateDataReader(topic *Topic, profile qos.Profile, listener DataReaderListener) (*DataReader, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParameter, err)
	}
	part := s.participant
	if err := part.attach(topic); err != nil {
		return nil, err
	}

	desc := part.factory.cfg.Descriptor
	id := ids.Reader()
	r := &DataReader{
		id:          id,
		topic:       topic,
		subscriber:  s,
		profile:     profile,
		listener:    listener,
		log:         part.log.With(logging.LogFields{"reader": id, "topic": topic.name}),
		copyPayload: !(profile.DataSharing == qos.DataSharingAutomatic && desc.Capabilities.ZeroCopy),
		pendingTTL:  part.factory.cfg.LeaseDuration,
		now:         time.Now,
		matched:     make(map[string]struct{}),
		held:        make(map[string][]heldSample),
		seen:        make(map[string]*seenIndices),
		done:        make(chan struct{}),
	}
	if desc.Fragmented() {
		r.reassembler = fragment.NewReassembler(fragment.DefaultTimeout)
	}

	ctx, cancel := context.WithCancel(part.ctx)
	msgs, err := part.data.Subscriber.Subscribe(ctx, topic.wireName)
	if err != nil {
		cancel()
		part.detach(topic)
		return nil, fmt.Errorf("dds: subscribe %s: %w", topic.wireName, err)
	}
	r.cancel = cancel
	go r.run(msgs)

	s.mu.Lock()
	s.readers[r] = struct{}{}
	s.mu.Unlock()

	err = part.agent.AddEndpoint(discovery.EndpointInfo{
		ID:       id,
		Role:     discovery.RoleReader,
		Topic:    topic.name,
		TypeName: topic.typeName,
		QoS:      profile,
	}, r.onMatch)
	if err != nil {
		s.mu.Lock()
		delete(s.readers, r)
		s.mu.Unlock()
		r.stop()
		part.detach(topic)
		return nil, err
	}

	r.log.Debug("Data reader created", logging.LogFields{"qos": profile.String(), "zero_copy": !r.copyPayload})
	return r, nil
}

// DeleteDataReader stops r and removes it.
func (s *Subscriber) DeleteDataReader(r *DataReader) error {
	if r == nil || r.subscriber != s {
		return ErrBadParameter
	}
	s.mu.Lock()
	if _, ok := s.readers[r]; !ok {
		s.mu.Unlock()
		return ErrAlreadyDeleted
	}
	delete(s.readers, r)
	s.mu.Unlock()

	s.participant.agent.RemoveEndpoint(r.id)
	r.stop()
	s.participant.detach(r.topic)
	return nil
}

func (r *DataReader) ID() string       { return r.id }
func (r *DataReader) Topic() *Topic    { return r.topic }
func (r *DataReader) QoS() qos.Profile { return r.profile }

// MatchedWriters returns how many writers are matched.
func (r *DataReader) MatchedWriters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matched)
}

// TakeNextSample removes and returns the oldest queued sample, or ErrNoData.
func (r *DataReader) TakeNextSample() (envelope.Message, SampleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return envelope.Message{}, SampleInfo{}, ErrNoData
	}
	s := r.queue[0]
	r.queue[0] = Sample{}
	r.queue = r.queue[1:]
	return s.Message, s.Info, nil
}

func (r *DataReader) stop() {
	r.cancel()
	<-r.done
}

func (r *DataReader) run(msgs <-chan *message.Message) {
	defer close(r.done)
	reliable := r.profile.Reliability == qos.Reliable
	for msg := range msgs {
		if !reliable {
			msg.Ack()
		}
		r.handle(msg)
		if reliable {
			msg.Ack()
		}
	}
}

func (r *DataReader) handle(msg *message.Message) {
	md := msg.Metadata
	target := md.Get(envelope.MetadataKeyTarget)
	if target != "" && target != r.id {
		return
	}
	writer := md.Get(envelope.MetadataKeyWriter)

	data := msg.Payload
	if f, ok, err := fragment.FromMetadata(md, data); ok {
		if err != nil || r.reassembler == nil {
			r.log.Error("Dropping fragment", err, logging.LogFields{"writer": writer, "message_uuid": msg.UUID})
			return
		}
		full, complete, err := r.reassembler.Add(f)
		if err != nil {
			r.log.Error("Dropping fragment", err, logging.LogFields{"writer": writer, "message_uuid": msg.UUID})
			return
		}
		if !complete {
			return
		}
		data = full
	}

	s := Sample{Info: SampleInfo{Kind: envelope.KindData, Writer: writer, ReceptionTime: r.now()}}
	if md.Get(envelope.MetadataKeyKind) == envelope.KindDispose {
		s.Info.Kind = envelope.KindDispose
	} else {
		m, err := envelope.Unmarshal(data, r.copyPayload)
		if err != nil {
			r.log.Error("Dropping undecodable sample", err, logging.LogFields{"writer": writer, "message_uuid": msg.UUID})
			return
		}
		s.Message = m
		s.Info.Valid = true
	}

	r.mu.Lock()
	_, matched := r.matched[writer]
	if !matched && target == "" {
		r.holdLocked(writer, s)
		r.mu.Unlock()
		return
	}
	accepted := r.acceptLocked(s)
	r.mu.Unlock()

	if accepted {
		r.notify()
	}
}

// holdLocked keeps a sample from a writer this reader has not matched yet.
// Discovery announcements and data travel independently, so the first samples
// of a writer can arrive before its announcement.
func (r *DataReader) holdLocked(writer string, s Sample) {
	now := r.now()
	for w, held := range r.held {
		for len(held) > 0 && now.Sub(held[0].at) > r.pendingTTL {
			held = held[1:]
		}
		if len(held) == 0 {
			delete(r.held, w)
		} else {
			r.held[w] = held
		}
	}
	held := append(r.held[writer], heldSample{sample: s, at: now})
	if len(held) > pendingLimit {
		held = held[len(held)-pendingLimit:]
	}
	r.held[writer] = held
}

// acceptLocked applies deduplication and history depth, returning whether s
// was queued.
func (r *DataReader) acceptLocked(s Sample) bool {
	if s.Info.Valid && r.profile.Reliability == qos.Reliable && r.duplicateLocked(s.Info.Writer, s.Message.Index) {
		return false
	}
	r.queue = append(r.queue, s)
	if r.profile.Bounded() && len(r.queue) > r.profile.Depth {
		dropped := len(r.queue) - r.profile.Depth
		r.log.Debug("Reader history full, dropping oldest", logging.LogFields{"dropped": dropped})
		r.queue = append(r.queue[:0], r.queue[dropped:]...)
	}
	return true
}

func (r *DataReader) duplicateLocked(writer string, index uint64) bool {
	si, ok := r.seen[writer]
	if !ok {
		si = &seenIndices{seen: make(map[uint64]struct{})}
		r.seen[writer] = si
	}
	if _, dup := si.seen[index]; dup {
		return true
	}
	if si.high > dedupeWindow && index < si.high-dedupeWindow {
		return true
	}
	si.seen[index] = struct{}{}
	if index > si.high {
		si.high = index
		if si.high > dedupeWindow {
			for idx := range si.seen {
				if idx < si.high-dedupeWindow {
					delete(si.seen, idx)
				}
			}
		}
	}
	return false
}

// onMatch records a match change. Samples held for a newly matched writer
// are released one at a time, each followed by a notification, and the writer
// only counts as matched once none are left, so a shallow history does not
// drop them and they stay ahead of the writer's newer samples.
func (r *DataReader) onMatch(ev discovery.Event) {
	if !ev.Matched {
		r.mu.Lock()
		delete(r.matched, ev.Peer.ID)
		delete(r.seen, ev.Peer.ID)
		delete(r.held, ev.Peer.ID)
		r.mu.Unlock()
		r.matchChanged(ev)
		return
	}

	r.matchChanged(ev)
	for {
		r.mu.Lock()
		held := r.held[ev.Peer.ID]
		if len(held) == 0 {
			delete(r.held, ev.Peer.ID)
			r.matched[ev.Peer.ID] = struct{}{}
			r.mu.Unlock()
			return
		}
		r.held[ev.Peer.ID] = held[1:]
		accepted := r.acceptLocked(held[0].sample)
		r.mu.Unlock()
		if accepted {
			r.notify()
		}
	}
}

func (r *DataReader) matchChanged(ev discovery.Event) {
	if r.listener != nil {
		r.listener.OnSubscriptionMatched(r, ev.Status)
	}
}

func (r *DataReader) notify() {
	if r.listener == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listener.OnDataAvailable(r)
}
