// Package discovery announces local writers and readers on a per-domain topic,
// tracks remote ones under a lease and notifies local endpoints whenever a
// compatible remote endpoint matches or goes away.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	"github.com/drblury/latencyprobe/internal/runtime/ids"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/match"
)

const (
	DefaultAnnounceInterval = 500 * time.Millisecond
	DefaultLeaseDuration    = 5 * time.Second
)

var ErrClosed = errors.New("discovery: agent closed")

// Topic returns the discovery topic of a domain.
func Topic(domain int) string {
	return fmt.Sprintf("latencyprobe-d%d-discovery", domain)
}

// Event is delivered to a local endpoint when a peer matches or unmatches.
type Event struct {
	Peer    EndpointInfo
	Matched bool
	Status  match.MatchedStatus
}

// Handler receives match events. Handlers run on the agent's dispatch path
// and must not add or remove endpoints synchronously.
type Handler func(Event)

// Config configures an Agent.
type Config struct {
	Domain           int
	ParticipantID    string
	ParticipantName  string
	AnnounceInterval time.Duration
	LeaseDuration    time.Duration
}

type localEndpoint struct {
	info    EndpointInfo
	handler Handler
	matched map[string]EndpointInfo
	total   int32
}

type remoteParticipant struct {
	name      string
	lease     time.Duration
	lastSeen  time.Time
	endpoints map[string]EndpointInfo
}

// Agent runs discovery for one participant.
type Agent struct {
	cfg   Config
	pub   message.Publisher
	sub   message.Subscriber
	topic string
	log   logging.ServiceLogger
	now   func() time.Time

	// mu guards the endpoint tables. dispatchMu is taken before mu is
	// released so events reach handlers in the order they were computed.
	mu         sync.Mutex
	dispatchMu sync.Mutex
	local      map[string]*localEndpoint
	remote     map[string]*remoteParticipant
	closed     bool

	trigger    chan struct{}
	cancel     context.CancelFunc
	loops      sync.WaitGroup
	recv       sync.WaitGroup
	recvCancel context.CancelFunc
}

// NewAgent returns an Agent that is not yet running.
func NewAgent(cfg Config, pub message.Publisher, sub message.Subscriber, log logging.ServiceLogger) (*Agent, error) {
	if pub == nil || sub == nil {
		return nil, fmt.Errorf("discovery: publisher and subscriber are required")
	}
	if cfg.ParticipantID == "" {
		return nil, fmt.Errorf("discovery: participant id is required")
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.LeaseDuration <= cfg.AnnounceInterval {
		return nil, fmt.Errorf("discovery: lease %s must exceed announce interval %s", cfg.LeaseDuration, cfg.AnnounceInterval)
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Agent{
		cfg:     cfg,
		pub:     pub,
		sub:     sub,
		topic:   Topic(cfg.Domain),
		log:     log.With(logging.LogFields{"participant": cfg.ParticipantID, "domain": cfg.Domain}),
		now:     time.Now,
		local:   make(map[string]*localEndpoint),
		remote:  make(map[string]*remoteParticipant),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Start subscribes to the discovery topic and begins announcing.
func (a *Agent) Start(ctx context.Context) error {
	recvCtx, recvCancel := context.WithCancel(ctx)
	msgs, err := a.sub.Subscribe(recvCtx, a.topic)
	if err != nil {
		recvCancel()
		return fmt.Errorf("discovery: subscribe %s: %w", a.topic, err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.recvCancel = recvCancel
	a.cancel = cancel

	a.recv.Add(1)
	go func() {
		defer a.recv.Done()
		a.receive(msgs)
	}()

	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		a.announceLoop(loopCtx)
	}()

	a.log.Debug("Discovery started", logging.LogFields{"topic": a.topic})
	return nil
}

// AddEndpoint registers a local endpoint and matches it against everything
// already known. The endpoint is announced immediately.
func (a *Agent) AddEndpoint(info EndpointInfo, handler Handler) error {
	info.Participant = a.cfg.ParticipantID

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if _, exists := a.local[info.ID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("discovery: endpoint %s already registered", info.ID)
	}
	ep := &localEndpoint{info: info, handler: handler, matched: make(map[string]EndpointInfo)}
	a.local[info.ID] = ep

	var pending []pendingEvent
	for _, other := range a.local {
		if other != ep && Matches(info, other.info) {
			pending = append(pending, a.matchLocked(ep, other.info))
			pending = append(pending, a.matchLocked(other, info))
		}
	}
	for _, rp := range a.remote {
		for _, peer := range rp.endpoints {
			if Matches(info, peer) {
				pending = append(pending, a.matchLocked(ep, peer))
			}
		}
	}
	a.dispatchAndUnlock(pending)

	a.Announce()
	return nil
}

// RemoveEndpoint unregisters a local endpoint. Other local endpoints matched
// with it are notified; remote peers learn of it from the next announcement.
func (a *Agent) RemoveEndpoint(id string) {
	a.mu.Lock()
	ep, ok := a.local[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.local, id)

	var pending []pendingEvent
	for _, other := range a.local {
		if _, matched := other.matched[id]; matched {
			pending = append(pending, a.unmatchLocked(other, ep.info))
		}
	}
	a.dispatchAndUnlock(pending)

	a.Announce()
}

// Announce asks the announce loop to publish now.
func (a *Agent) Announce() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Matched returns the peers currently matched with a local endpoint.
func (a *Agent) Matched(localID string) []EndpointInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.local[localID]
	if !ok {
		return nil
	}
	out := make([]EndpointInfo, 0, len(ep.matched))
	for _, peer := range ep.matched {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoteParticipants returns the ids of participants currently alive.
func (a *Agent) RemoteParticipants() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.remote))
	for id := range a.remote {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close announces departure and stops the agent.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.loops.Wait()

	var err error
	if a.recvCancel != nil {
		// The goodbye goes out while our own subscription still acks, so
		// publishers that block on every subscriber do not stall.
		err = a.publish(a.snapshot(false))
		a.recvCancel()
	}
	a.recv.Wait()
	return err
}

func (a *Agent) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	a.announceOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.trigger:
			a.announceOnce()
		case <-ticker.C:
			a.expire()
			a.announceOnce()
		}
	}
}

func (a *Agent) announceOnce() {
	if err := a.publish(a.snapshot(true)); err != nil {
		a.log.Error("Failed to publish announcement", err, nil)
	}
}

func (a *Agent) snapshot(alive bool) Announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	ann := Announcement{
		ParticipantID:   a.cfg.ParticipantID,
		ParticipantName: a.cfg.ParticipantName,
		Domain:          a.cfg.Domain,
		Alive:           alive,
		LeaseMillis:     a.cfg.LeaseDuration.Milliseconds(),
		SentAt:          envelope.Micros(a.now()),
	}
	if alive {
		ann.Endpoints = make([]EndpointInfo, 0, len(a.local))
		for _, ep := range a.local {
			ann.Endpoints = append(ann.Endpoints, ep.info)
		}
		sort.Slice(ann.Endpoints, func(i, j int) bool { return ann.Endpoints[i].ID < ann.Endpoints[j].ID })
	}
	return ann
}

func (a *Agent) publish(ann Announcement) error {
	payload, err := encodeAnnouncement(ann)
	if err != nil {
		return err
	}
	return a.pub.Publish(a.topic, message.NewMessage(ids.Message(), payload))
}

func (a *Agent) receive(msgs <-chan *message.Message) {
	for msg := range msgs {
		ann, err := decodeAnnouncement(msg.Payload)
		if err != nil {
			a.log.Error("Dropping undecodable announcement", err, logging.LogFields{"message_uuid": msg.UUID})
			msg.Ack()
			continue
		}
		if ann.ParticipantID != a.cfg.ParticipantID && ann.Domain == a.cfg.Domain {
			a.handle(ann)
		}
		msg.Ack()
	}
}

func (a *Agent) handle(ann Announcement) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	rp, known := a.remote[ann.ParticipantID]
	if !ann.Alive {
		if !known {
			a.mu.Unlock()
			return
		}
		a.log.Info("Participant left", logging.LogFields{"peer": ann.ParticipantID, "peer_name": rp.name})
		a.dispatchAndUnlock(a.dropParticipantLocked(ann.ParticipantID))
		return
	}

	if !known {
		rp = &remoteParticipant{name: ann.ParticipantName, endpoints: make(map[string]EndpointInfo)}
		a.remote[ann.ParticipantID] = rp
		a.log.Info("Discovered participant", logging.LogFields{"peer": ann.ParticipantID, "peer_name": ann.ParticipantName})
	}
	rp.lastSeen = a.now()
	rp.lease = ann.Lease()
	if rp.lease <= 0 {
		rp.lease = a.cfg.LeaseDuration
	}

	current := make(map[string]EndpointInfo, len(ann.Endpoints))
	for _, info := range ann.Endpoints {
		info.Participant = ann.ParticipantID
		current[info.ID] = info
	}

	var pending []pendingEvent
	for id, old := range rp.endpoints {
		if now, still := current[id]; still && now == old {
			continue
		}
		delete(rp.endpoints, id)
		pending = append(pending, a.unmatchPeerLocked(old)...)
	}
	for id, info := range current {
		if _, have := rp.endpoints[id]; have {
			continue
		}
		rp.endpoints[id] = info
		for _, ep := range a.local {
			if Matches(ep.info, info) {
				pending = append(pending, a.matchLocked(ep, info))
			} else if ep.info.Topic == info.Topic && ep.info.Role != info.Role {
				a.log.Debug("Endpoint not matched", logging.LogFields{
					"local":      ep.info.ID,
					"peer":       info.ID,
					"local_qos":  ep.info.QoS.String(),
					"peer_qos":   info.QoS.String(),
					"local_type": ep.info.TypeName,
					"peer_type":  info.TypeName,
				})
			}
		}
	}
	a.dispatchAndUnlock(pending)

	if !known {
		// Answer a newcomer right away instead of waiting for the next tick.
		a.Announce()
	}
}

func (a *Agent) expire() {
	a.mu.Lock()
	now := a.now()
	var pending []pendingEvent
	for id, rp := range a.remote {
		if now.Sub(rp.lastSeen) > rp.lease {
			a.log.Warn("Participant lease expired", logging.LogFields{"peer": id, "peer_name": rp.name, "lease": rp.lease.String()})
			pending = append(pending, a.dropParticipantLocked(id)...)
		}
	}
	a.dispatchAndUnlock(pending)
}

func (a *Agent) dropParticipantLocked(id string) []pendingEvent {
	rp, ok := a.remote[id]
	if !ok {
		return nil
	}
	delete(a.remote, id)
	var pending []pendingEvent
	for _, info := range rp.endpoints {
		pending = append(pending, a.unmatchPeerLocked(info)...)
	}
	return pending
}

type pendingEvent struct {
	handler Handler
	event   Event
}

func (a *Agent) matchLocked(ep *localEndpoint, peer EndpointInfo) pendingEvent {
	ep.matched[peer.ID] = peer
	ep.total++
	return pendingEvent{handler: ep.handler, event: Event{
		Peer:    peer,
		Matched: true,
		Status: match.MatchedStatus{
			TotalCount:         ep.total,
			TotalCountChange:   1,
			CurrentCount:       int32(len(ep.matched)),
			CurrentCountChange: 1,
			LastPeer:           peer.ID,
		},
	}}
}

func (a *Agent) unmatchLocked(ep *localEndpoint, peer EndpointInfo) pendingEvent {
	delete(ep.matched, peer.ID)
	return pendingEvent{handler: ep.handler, event: Event{
		Peer:    peer,
		Matched: false,
		Status: match.MatchedStatus{
			TotalCount:         ep.total,
			CurrentCount:       int32(len(ep.matched)),
			CurrentCountChange: -1,
			LastPeer:           peer.ID,
		},
	}}
}

func (a *Agent) unmatchPeerLocked(peer EndpointInfo) []pendingEvent {
	var pending []pendingEvent
	for _, ep := range a.local {
		if _, matched := ep.matched[peer.ID]; matched {
			pending = append(pending, a.unmatchLocked(ep, peer))
		}
	}
	return pending
}

// dispatchAndUnlock releases mu and delivers events in order. The caller
// must hold mu.
func (a *Agent) dispatchAndUnlock(pending []pendingEvent) {
	if len(pending) == 0 {
		a.mu.Unlock()
		return
	}
	a.dispatchMu.Lock()
	a.mu.Unlock()
	defer a.dispatchMu.Unlock()

	for _, p := range pending {
		if p.handler != nil {
			p.handler(p.event)
		}
	}
}
