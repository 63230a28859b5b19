package dds

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/latencyprobe/internal/runtime/discovery"
	perrors "github.com/drblury/latencyprobe/internal/runtime/errors"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/transport"
)

// Participant is a process's membership in a domain.
type Participant struct {
	factory *ParticipantFactory
	id      string
	name    string
	domain  int
	log     logging.ServiceLogger

	data             transport.Transport
	releaseData      func() error
	releaseDiscovery func() error
	agent            *discovery.Agent

	// ctx scopes every subscription of the participant.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	topics      map[string]*Topic
	publishers  map[*Publisher]struct{}
	subscribers map[*Subscriber]struct{}
	deleted     bool
}

func (p *Participant) ID() string                  { return p.id }
func (p *Participant) Name() string                { return p.name }
func (p *Participant) DomainID() int               { return p.domain }
func (p *Participant) Discovery() *discovery.Agent { return p.agent }

// Topic is a named, typed channel within the participant's domain.
type Topic struct {
	participant *Participant
	name        string
	typeName    string
	wireName    string
	// users counts the writers and readers attached to the topic. Guarded by
	// participant.mu.
	users int
}

func (t *Topic) Name() string     { return t.name }
func (t *Topic) TypeName() string { return t.typeName }

// CreateTopic registers name with typeName.
func (p *Participant) CreateTopic(name, typeName string) (*Topic, error) {
	if name == "" {
		return nil, perrors.ErrTopicRequired
	}
	if typeName == "" {
		return nil, fmt.Errorf("%w: type name is required", ErrBadParameter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil, ErrAlreadyDeleted
	}
	if _, exists := p.topics[name]; exists {
		return nil, fmt.Errorf("%w: topic %q already exists", ErrBadParameter, name)
	}
	t := &Topic{
		participant: p,
		name:        name,
		typeName:    typeName,
		wireName:    DataTopicName(p.domain, name),
	}
	p.topics[name] = t
	return t, nil
}

// DeleteTopic removes t. It fails while writers or readers use it.
func (p *Participant) DeleteTopic(t *Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t == nil || t.participant != p || p.topics[t.name] != t {
		return ErrBadParameter
	}
	if t.users > 0 {
		return fmt.Errorf("%w: topic %q has %d endpoints", ErrPreconditionNotMet, t.name, t.users)
	}
	delete(p.topics, t.name)
	return nil
}

// CreatePublisher returns a new publisher.
func (p *Participant) CreatePublisher() (*Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil, ErrAlreadyDeleted
	}
	pub := &Publisher{participant: p, writers: make(map[*DataWriter]struct{})}
	p.publishers[pub] = struct{}{}
	return pub, nil
}

// DeletePublisher removes pub. It fails while pub owns writers.
func (p *Participant) DeletePublisher(pub *Publisher) error {
	if pub == nil || pub.participant != p {
		return ErrBadParameter
	}
	pub.mu.Lock()
	writers := len(pub.writers)
	pub.mu.Unlock()
	if writers > 0 {
		return fmt.Errorf("%w: publisher has %d writers", ErrPreconditionNotMet, writers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.publishers[pub]; !ok {
		return ErrBadParameter
	}
	delete(p.publishers, pub)
	return nil
}

// CreateSubscriber returns a new subscriber.
func (p *Participant) CreateSubscriber() (*Subscriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil, ErrAlreadyDeleted
	}
	sub := &Subscriber{participant: p, readers: make(map[*DataReader]struct{})}
	p.subscribers[sub] = struct{}{}
	return sub, nil
}

// DeleteSubscriber removes sub. It fails while sub owns readers.
func (p *Participant) DeleteSubscriber(sub *Subscriber) error {
	if sub == nil || sub.participant != p {
		return ErrBadParameter
	}
	sub.mu.Lock()
	readers := len(sub.readers)
	sub.mu.Unlock()
	if readers > 0 {
		return fmt.Errorf("%w: subscriber has %d readers", ErrPreconditionNotMet, readers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[sub]; !ok {
		return ErrBadParameter
	}
	delete(p.subscribers, sub)
	return nil
}

func (p *Participant) attach(t *Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t == nil || t.participant != p || p.topics[t.name] != t {
		return fmt.Errorf("%w: topic does not belong to participant", ErrBadParameter)
	}
	t.users++
	return nil
}

func (p *Participant) detach(t *Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.users--
}

func (p *Participant) markDeleted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return ErrAlreadyDeleted
	}
	if n := len(p.topics) + len(p.publishers) + len(p.subscribers); n > 0 {
		return fmt.Errorf("%w: participant owns %d entities", ErrPreconditionNotMet, n)
	}
	p.deleted = true
	return nil
}
