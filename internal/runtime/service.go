package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"

	configpkg "github.com/drblury/latencyprobe/internal/runtime/config"
	"github.com/drblury/latencyprobe/internal/runtime/dds"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
	"github.com/drblury/latencyprobe/internal/runtime/recorder"
	"github.com/drblury/latencyprobe/internal/runtime/stats"
	transportpkg "github.com/drblury/latencyprobe/internal/runtime/transport"
)

const (
	defaultPublisherName  = "Participant_pub"
	defaultSubscriberName = "Participant_subscriber"
)

// ServiceDependencies holds optional collaborators. Leave fields nil to use
// the defaults derived from configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Payload overrides the file or dummy source chosen by configuration.
	Payload PayloadSource
	// DisableTransportMetrics skips decorating backends with Watermill's collectors.
	DisableTransportMetrics bool
}

// Service resolves the transport once and runs publisher and subscriber
// sessions on the resulting participant factory.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	descriptor transportpkg.Descriptor
	factory    *dds.ParticipantFactory
	metrics    *Metrics
	payload    PayloadSource
	server     *StatusServer
	resources  *resourceSampler

	statusMu sync.RWMutex
	status   map[string]StatusFunc
}

// NewService validates conf, resolves the transport and prepares the
// participant factory. Configuration problems are ConfigValidationErrors.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	transports := deps.TransportFactory
	if transports == nil {
		transports = transportpkg.DefaultFactory()
	}
	desc, err := transportpkg.Resolve(transportpkg.Settings{
		Kind:        conf.Transport.Kind,
		Capacity:    conf.Transport.Capacity,
		TCPBackend:  conf.Transport.TCPBackend,
		SegmentPath: conf.Transport.SegmentPath,
	}, transports)
	if err != nil {
		return nil, err
	}

	log.Info("Creating latency service", loggingpkg.LogFields{
		"transport": desc.String(),
		"domain":    conf.DomainID,
		"topic":     conf.TopicName,
		"config":    conf,
	})

	m, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	fcfg := dds.FactoryConfig{
		Descriptor:       desc,
		Backend:          conf,
		Transports:       transports,
		AnnounceInterval: conf.Discovery.AnnouncePeriod,
		LeaseDuration:    conf.Discovery.LeaseDuration,
		Logger:           log,
	}
	if !deps.DisableTransportMetrics {
		builder := wmmetrics.NewPrometheusMetricsBuilder(m.Registry(), metricsNamespace, "transport")
		fcfg.TransportMetrics = &builder
	}
	factory, err := dds.NewParticipantFactory(fcfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		descriptor: desc,
		factory:    factory,
		metrics:    m,
		payload:    deps.Payload,
		status:     make(map[string]StatusFunc),
		resources:  newResourceSampler(),
	}
	if s.payload == nil {
		s.payload = payloadFromConfig(conf.Publish)
	}

	if conf.Status.Enabled {
		handler := NewStatusRouter(m.Registry(), s.snapshot, log)
		if s.server, err = StartStatusServer(fmt.Sprintf(":%d", conf.Status.Port), handler, log); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func payloadFromConfig(cfg configpkg.PublishConfig) PayloadSource {
	if cfg.PayloadFile != "" {
		return FileSource{Path: cfg.PayloadFile}
	}
	return NewDummySource(cfg.PayloadSize)
}

func intents(c configpkg.QoSConfig) qos.Intents {
	return qos.Intents{
		Reliability: c.Reliability,
		Durability:  c.Durability,
		History:     c.History,
		Depth:       c.Depth,
		DataSharing: c.DataSharing,
	}
}

// Descriptor returns the resolved transport.
func (s *Service) Descriptor() transportpkg.Descriptor { return s.descriptor }

// Metrics returns the service collectors.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Factory returns the participant factory sessions are created on.
func (s *Service) Factory() *dds.ParticipantFactory { return s.factory }

func (s *Service) participantName(fallback string) string {
	if s.Conf.ParticipantName != "" {
		return s.Conf.ParticipantName
	}
	return fallback
}

func (s *Service) endpointOptions(name string, profile qos.Profile) EndpointOptions {
	return EndpointOptions{
		Domain:          s.Conf.DomainID,
		ParticipantName: s.participantName(name),
		TopicName:       s.Conf.TopicName,
		TypeName:        s.Conf.TypeName,
		QoS:             profile,
	}
}

// RunPublisher sends samples timestamped messages and returns once they were
// all written, the attempt bound was hit or ctx ended. Cancellation is not an
// error.
func (s *Service) RunPublisher(ctx context.Context, samples int) error {
	if samples <= 0 {
		return errspkg.ErrSamplesRequired
	}
	profile, err := qos.BuildWriter(intents(s.Conf.Writer))
	if err != nil {
		return errspkg.NewConfigValidationError(err)
	}

	ep, err := NewPublisherEndpoint(ctx, s.factory, s.endpointOptions(defaultPublisherName, profile), s.Logger, s.metrics)
	if err != nil {
		return err
	}
	defer s.closeEndpoint(rolePublisher, ep)

	loop, err := NewPublishLoop(ep.Writer(), ep.Tracker(), s.payload, PublishLoopConfig{
		Topic:       s.Conf.TopicName,
		Samples:     samples,
		Interval:    s.Conf.Publish.Interval,
		MaxAttempts: s.Conf.Publish.MaxAttempts,
		Capacity:    ep.Capacity(),
	}, s.Logger.With(loggingpkg.LogFields{"role": rolePublisher}), s.metrics)
	if err != nil {
		return err
	}

	s.setStatus(rolePublisher, func() Status {
		return Status{
			Role:        rolePublisher,
			Participant: ep.Participant().ID(),
			Topic:       s.Conf.TopicName,
			Transport:   s.descriptor.String(),
			MatchState:  ep.Tracker().State().String(),
			Matched:     ep.Tracker().Count(),
			Sent:        loop.Sent(),
			LastIndex:   loop.Index(),
		}
	})
	defer s.setStatus(rolePublisher, nil)

	s.Logger.Info("Publisher running", loggingpkg.LogFields{"samples": samples, "interval": s.Conf.Publish.Interval.String()})
	if err := loop.Run(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			s.Logger.Info("Publisher interrupted", loggingpkg.LogFields{"sent": loop.Sent()})
			return nil
		}
		return err
	}
	s.Logger.Info("Publisher finished", loggingpkg.LogFields{"sent": loop.Sent()})
	return nil
}

// RunSubscriber waits until samples valid messages were received or ctx ends
// and returns a summary of the latencies recorded in this run.
func (s *Service) RunSubscriber(ctx context.Context, samples int) (stats.Summary, error) {
	if samples <= 0 {
		return stats.Summary{}, errspkg.ErrSamplesRequired
	}
	profile, err := qos.BuildReader(intents(s.Conf.Reader))
	if err != nil {
		return stats.Summary{}, errspkg.NewConfigValidationError(err)
	}

	rec, err := recorder.New(s.Conf.Subscribe.LatencyLog)
	if err != nil {
		return stats.Summary{}, err
	}
	counters := &Counters{}
	subLog := s.Logger.With(loggingpkg.LogFields{"role": roleSubscriber})
	listener, err := NewConsumeListener(counters, rec, samples, s.Conf.TopicName, subLog, s.metrics)
	if err != nil {
		return stats.Summary{}, err
	}

	ep, err := NewSubscriberEndpoint(ctx, s.factory, s.endpointOptions(defaultSubscriberName, profile), listener, s.Logger, s.metrics)
	if err != nil {
		return stats.Summary{}, err
	}
	defer s.closeEndpoint(roleSubscriber, ep)

	s.setStatus(roleSubscriber, func() Status {
		return Status{
			Role:        roleSubscriber,
			Participant: ep.Participant().ID(),
			Topic:       s.Conf.TopicName,
			Transport:   s.descriptor.String(),
			MatchState:  ep.Tracker().State().String(),
			Matched:     ep.Tracker().Count(),
			Received:    counters.Received(),
			Negative:    counters.Negative(),
		}
	})
	defer s.setStatus(roleSubscriber, nil)

	s.Logger.Info("Subscriber running", loggingpkg.LogFields{"samples": samples, "latency_log": rec.Path()})
	select {
	case <-listener.Done():
		s.Logger.Info("Subscriber finished", loggingpkg.LogFields{"received": counters.Received()})
	case <-ctx.Done():
		s.Logger.Info("Subscriber interrupted", loggingpkg.LogFields{"received": counters.Received()})
	}

	summary, err := summarizeRun(rec)
	if err != nil {
		return stats.Summary{}, err
	}
	s.Logger.Info("Latency summary", loggingpkg.LogFields{"summary": summary.String()})
	return summary, nil
}

// summarizeRun summarises the records appended by rec, skipping those of
// earlier runs sharing the same log.
func summarizeRun(rec *recorder.Recorder) (stats.Summary, error) {
	records, err := recorder.Read(rec.Path())
	if err != nil {
		return stats.Summary{}, fmt.Errorf("read latency log: %w", err)
	}
	if n := int(rec.Count()); n < len(records) {
		records = records[len(records)-n:]
	}
	return stats.Summarize(records), nil
}

func (s *Service) closeEndpoint(role string, ep interface{ Close() error }) {
	if err := ep.Close(); err != nil {
		s.Logger.Error("Failed to release endpoint", err, loggingpkg.LogFields{"role": role})
	}
}

func (s *Service) setStatus(role string, fn StatusFunc) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if fn == nil {
		delete(s.status, role)
		return
	}
	s.status[role] = fn
}

// snapshot reports the publisher when one runs, else the subscriber.
func (s *Service) snapshot() Status {
	st := s.sessionStatus()
	st.Resource = s.resources.Snapshot()
	return st
}

func (s *Service) sessionStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	for _, role := range []string{rolePublisher, roleSubscriber} {
		if fn, ok := s.status[role]; ok {
			return fn()
		}
	}
	return Status{Topic: s.Conf.TopicName, Transport: s.descriptor.String(), MatchState: "idle"}
}

// Close stops the status server and releases the participant factory.
func (s *Service) Close() error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Close())
	}
	errs = append(errs, s.factory.Close())
	return errors.Join(errs...)
}
