// Package jetstream provides a NATS JetStream backend. Each subscription gets
// its own ephemeral push consumer starting at new messages, so every
// participant sees every sample and acks are honoured by the server.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when Config.StreamName is empty.
	DefaultStreamName = "LATENCYPROBE"

	DefaultMaxDeliver = 3
	DefaultAckWait    = 5 * time.Second

	// DefaultMaxAge drops samples nobody consumed; older ones are useless
	// for latency measurement anyway.
	DefaultMaxAge = time.Minute

	// DefaultInactiveThreshold removes consumers of participants that went away.
	DefaultInactiveThreshold = time.Minute
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: transport is closed")

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to the server named by the NATS URL and ensures the stream.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), ParticipantID: cfg.GetParticipantID()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds the JetStream settings. Zero values take the defaults.
type Config struct {
	URL           string
	ParticipantID string
	StreamName    string
	MaxDeliver    int
	AckWait       time.Duration
	Replicas      int
	MaxAge        time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.ParticipantID == "" {
		c.ParticipantID = watermill.NewShortUUID()
	}
	return c
}

// StreamConfig is the in-memory stream every topic of the domain lives in.
func (c Config) StreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.StreamName,
		Subjects:  []string{c.StreamName + ".>"},
		MaxAge:    c.MaxAge,
		Replicas:  c.Replicas,
		Storage:   nats.MemoryStorage,
		Retention: nats.InterestPolicy,
	}
}

// Transport is both publisher and subscriber on one connection.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New connects and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("latencyprobe "+cfg.ParticipantID))
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}
	if err := ensureStream(js, cfg.StreamConfig()); err != nil {
		nc.Close()
		return nil, err
	}

	return &Transport{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}, nil
}

func ensureStream(js nats.JetStreamManager, cfg *nats.StreamConfig) error {
	_, err := js.AddStream(cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("jetstream: stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish waits for the stream to store each message. The Watermill UUID is
// the JetStream message id, so a retried publish is stored once.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.subject(topic)
	for _, msg := range messages {
		m := toNATS(subject, msg)
		if _, err := t.js.PublishMsg(m, nats.ExpectStream(t.config.StreamName)); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", subject, err)
		}
	}
	return nil
}

// subscription hands messages to out one at a time and waits for the ack
// before taking the next.
type subscription struct {
	out  chan *message.Message
	stop chan struct{}

	mu   sync.Mutex
	done bool
}

// Subscribe creates an ephemeral consumer for topic that lives until ctx ends
// or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	s := &subscription{
		out:  make(chan *message.Message),
		stop: make(chan struct{}),
	}
	sub, err := t.js.Subscribe(t.subject(topic), func(m *nats.Msg) { t.deliver(s, m) },
		nats.BindStream(t.config.StreamName),
		nats.ConsumerName(t.consumerName(topic)),
		nats.DeliverNew(),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(t.config.MaxDeliver),
		nats.AckWait(t.config.AckWait),
		nats.InactiveThreshold(DefaultInactiveThreshold),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", topic, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-ctx.Done():
		case <-t.closing:
		}
		close(s.stop)
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Error("Failed to remove JetStream consumer", err, watermill.LogFields{"topic": topic})
		}
		s.mu.Lock()
		s.done = true
		close(s.out)
		s.mu.Unlock()
	}()
	return s.out, nil
}

func (t *Transport) deliver(s *subscription, m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	msg := toWatermill(m)
	select {
	case s.out <- msg:
	case <-s.stop:
		return
	}

	select {
	case <-msg.Acked():
		if err := m.Ack(); err != nil {
			t.logger.Error("Failed to ack JetStream message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := m.Nak(); err != nil {
			t.logger.Error("Failed to nak JetStream message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-s.stop:
	}
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	h := make(nats.Header, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		h[k] = []string{v}
	}
	h[nats.MsgIdHdr] = []string{msg.UUID}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: h}
}

func toWatermill(m *nats.Msg) *message.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// consumerName is unique per participant and topic. JetStream forbids '.',
// '*', '>' and whitespace in consumer names.
func (t *Transport) consumerName(topic string) string {
	return consumerNameReplacer.Replace(t.config.ParticipantID + "_" + topic)
}

var consumerNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_", "\t", "_")

// Close removes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	t.wg.Wait()
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
