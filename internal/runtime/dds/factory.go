package dds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"

	"github.com/drblury/latencyprobe/internal/runtime/discovery"
	"github.com/drblury/latencyprobe/internal/runtime/ids"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	rtransport "github.com/drblury/latencyprobe/internal/runtime/transport"
	"github.com/drblury/latencyprobe/transport"
)

// FactoryConfig configures a ParticipantFactory.
type FactoryConfig struct {
	Descriptor rtransport.Descriptor
	// Backend carries the connection settings of every backend.
	Backend transport.Config
	// Transports builds backends. Defaults to the registry factory.
	Transports       rtransport.Factory
	AnnounceInterval time.Duration
	LeaseDuration    time.Duration
	// WriteRetries bounds publish attempts of reliable writers.
	WriteRetries uint
	// TransportMetrics, when set, decorates every backend publisher and
	// subscriber with Watermill's Prometheus collectors.
	TransportMetrics *metrics.PrometheusMetricsBuilder
	Logger           logging.ServiceLogger
}

type sharedTransport struct {
	t    transport.Transport
	refs int
}

// ParticipantFactory creates participants. In-process backends are shared by
// all participants of one factory so they can reach each other.
type ParticipantFactory struct {
	cfg   FactoryConfig
	log   logging.ServiceLogger
	wmLog watermill.LoggerAdapter

	mu           sync.Mutex
	shared       map[string]*sharedTransport
	participants map[string]*Participant
	closed       bool
}

// NewParticipantFactory validates cfg and returns a factory.
func NewParticipantFactory(cfg FactoryConfig) (*ParticipantFactory, error) {
	if cfg.Descriptor.DataBackend == "" || cfg.Descriptor.DiscoveryBackend == "" {
		return nil, fmt.Errorf("dds: transport descriptor is not resolved")
	}
	if cfg.Descriptor.Capacity <= 0 {
		return nil, fmt.Errorf("dds: transport capacity must be positive")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("dds: backend config is required")
	}
	if cfg.Transports == nil {
		cfg.Transports = rtransport.DefaultFactory()
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = discovery.DefaultAnnounceInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = discovery.DefaultLeaseDuration
	}
	if cfg.WriteRetries == 0 {
		cfg.WriteRetries = 3
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &ParticipantFactory{
		cfg:          cfg,
		log:          log,
		wmLog:        logging.NewWatermillAdapter(log),
		shared:       make(map[string]*sharedTransport),
		participants: make(map[string]*Participant),
	}, nil
}

// Descriptor returns the transport the factory builds participants on.
func (f *ParticipantFactory) Descriptor() rtransport.Descriptor {
	return f.cfg.Descriptor
}

// CreateParticipant joins domain under name.
func (f *ParticipantFactory) CreateParticipant(ctx context.Context, domain int, name string) (*Participant, error) {
	if domain < 0 || domain > MaxDomainID {
		return nil, fmt.Errorf("%w: domain id %d outside 0..%d", ErrBadParameter, domain, MaxDomainID)
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrAlreadyDeleted
	}

	id := ids.Participant()
	log := f.log.With(logging.LogFields{"participant": id, "participant_name": name})
	desc := f.cfg.Descriptor

	data, releaseData, err := f.acquire(ctx, desc.DataBackend, id)
	if err != nil {
		return nil, fmt.Errorf("dds: build data transport %s: %w", desc.DataBackend, err)
	}

	disc, releaseDiscovery := data, func() error { return nil }
	if desc.DiscoveryBackend != desc.DataBackend {
		disc, releaseDiscovery, err = f.acquire(ctx, desc.DiscoveryBackend, id)
		if err != nil {
			_ = releaseData()
			return nil, fmt.Errorf("dds: build discovery transport %s: %w", desc.DiscoveryBackend, err)
		}
	}

	agent, err := discovery.NewAgent(discovery.Config{
		Domain:           domain,
		ParticipantID:    id,
		ParticipantName:  name,
		AnnounceInterval: f.cfg.AnnounceInterval,
		LeaseDuration:    f.cfg.LeaseDuration,
	}, disc.Publisher, disc.Subscriber, log)
	if err == nil {
		err = agent.Start(context.WithoutCancel(ctx))
	}
	if err != nil {
		_ = releaseDiscovery()
		_ = releaseData()
		return nil, fmt.Errorf("dds: start discovery: %w", err)
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Participant{
		factory:          f,
		id:               id,
		name:             name,
		domain:           domain,
		log:              log,
		data:             data,
		releaseData:      releaseData,
		releaseDiscovery: releaseDiscovery,
		agent:            agent,
		ctx:              pctx,
		cancel:           cancel,
		topics:           make(map[string]*Topic),
		publishers:       make(map[*Publisher]struct{}),
		subscribers:      make(map[*Subscriber]struct{}),
	}

	f.mu.Lock()
	f.participants[id] = p
	f.mu.Unlock()

	log.Info("Participant created", logging.LogFields{"domain": domain, "transport": desc.String()})
	return p, nil
}

// DeleteParticipant tears p down. It fails with ErrPreconditionNotMet while p
// still owns topics, publishers or subscribers.
func (f *ParticipantFactory) DeleteParticipant(p *Participant) error {
	if p == nil || p.factory != f {
		return ErrBadParameter
	}
	if err := p.markDeleted(); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.participants, p.id)
	f.mu.Unlock()

	err := p.agent.Close()
	p.cancel()
	if rerr := p.releaseDiscovery(); rerr != nil && err == nil {
		err = rerr
	}
	if rerr := p.releaseData(); rerr != nil && err == nil {
		err = rerr
	}
	p.log.Info("Participant deleted", nil)
	return err
}

// Close releases the factory. It fails with ErrPreconditionNotMet while
// participants are alive.
func (f *ParticipantFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if len(f.participants) > 0 {
		return fmt.Errorf("%w: %d participants alive", ErrPreconditionNotMet, len(f.participants))
	}
	f.closed = true
	var err error
	for name, s := range f.shared {
		if cerr := s.t.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(f.shared, name)
	}
	return err
}

// acquire builds backend for participantID, or shares the existing instance
// when the backend lives in process.
func (f *ParticipantFactory) acquire(ctx context.Context, backend, participantID string) (transport.Transport, func() error, error) {
	cfg := transport.WithParticipant(f.cfg.Backend, participantID)
	if !f.cfg.Transports.Capabilities(backend).InProcess {
		t, err := f.build(ctx, backend, cfg)
		if err != nil {
			return transport.Transport{}, nil, err
		}
		return t, sync.OnceValue(t.Close), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shared[backend]
	if !ok {
		t, err := f.build(ctx, backend, cfg)
		if err != nil {
			return transport.Transport{}, nil, err
		}
		s = &sharedTransport{t: t}
		f.shared[backend] = s
	}
	s.refs++
	release := sync.OnceValue(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		s.refs--
		if s.refs > 0 || f.shared[backend] != s {
			return nil
		}
		delete(f.shared, backend)
		return s.t.Close()
	})
	return s.t, release, nil
}

func (f *ParticipantFactory) build(ctx context.Context, backend string, cfg transport.Config) (transport.Transport, error) {
	t, err := f.cfg.Transports.Build(ctx, backend, cfg, f.wmLog)
	if err != nil || f.cfg.TransportMetrics == nil {
		return t, err
	}
	pub, err := f.cfg.TransportMetrics.DecoratePublisher(t.Publisher)
	if err != nil {
		_ = t.Close()
		return transport.Transport{}, fmt.Errorf("decorate publisher: %w", err)
	}
	sub, err := f.cfg.TransportMetrics.DecorateSubscriber(t.Subscriber)
	if err != nil {
		_ = t.Close()
		return transport.Transport{}, fmt.Errorf("decorate subscriber: %w", err)
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}
