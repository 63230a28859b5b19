// Package udp provides the datagram backend. One socket per participant
// carries every topic; each message is a single frame-encoded datagram sent to
// a multicast group or to a fixed list of unicast peers. Delivery is best
// effort: datagrams that arrive while a subscription's buffer is full are
// dropped.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/transport"
	"github.com/drblury/latencyprobe/transport/frame"
)

// TransportName is the name used to register this transport.
const TransportName = "udp"

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// SubscriptionBuffer is the per-subscription queue depth.
const SubscriptionBuffer = 1024

// ErrDatagramTooLarge is returned when an encoded message does not fit in one datagram.
var ErrDatagramTooLarge = errors.New("udp: message exceeds maximum datagram size")

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("udp: transport closed")

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.UDPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.UDPCapabilities
}

// Build opens the participant's socket. With peers configured it binds the
// listen address and unicasts to every peer; otherwise it joins the multicast
// group and publishes to it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		ListenAddress:  cfg.GetUDPListenAddress(),
		Peers:          cfg.GetUDPPeers(),
		MulticastGroup: cfg.GetUDPMulticastGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

// Config selects the socket layout.
type Config struct {
	ListenAddress  string
	Peers          []string
	MulticastGroup string
}

// Transport is a combined UDP publisher and subscriber.
type Transport struct {
	conn    *net.UDPConn
	send    *net.UDPConn
	targets []*net.UDPAddr
	logger  watermill.LoggerAdapter

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	closing chan struct{}
	wg      sync.WaitGroup
}

type subscription struct {
	queue chan *message.Message
}

// New opens the sockets described by cfg and starts the receive loop.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t := &Transport{
		logger:  logger,
		subs:    make(map[string][]*subscription),
		closing: make(chan struct{}),
	}

	switch {
	case len(cfg.Peers) > 0 || (cfg.MulticastGroup == "" && cfg.ListenAddress != ""):
		if err := t.openUnicast(cfg); err != nil {
			return nil, err
		}
	case cfg.MulticastGroup != "":
		if err := t.openMulticast(cfg.MulticastGroup); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("udp: a multicast group, listen address or peer list is required")
	}

	t.wg.Add(1)
	go t.receive()
	return t, nil
}

func (t *Transport) openUnicast(cfg Config) error {
	listen := cfg.ListenAddress
	if listen == "" {
		listen = ":0"
	}
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return fmt.Errorf("udp: resolve listen address %q: %w", listen, err)
	}
	for _, peer := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return fmt.Errorf("udp: resolve peer %q: %w", peer, err)
		}
		t.targets = append(t.targets, addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp: listen %s: %w", listen, err)
	}
	t.conn = conn
	t.send = conn
	return nil
}

func (t *Transport) openMulticast(group string) error {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return fmt.Errorf("udp: resolve multicast group %q: %w", group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return fmt.Errorf("udp: join multicast group %s: %w", group, err)
	}
	_ = conn.SetReadBuffer(4 << 20)

	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("udp: open send socket: %w", err)
	}
	t.conn = conn
	t.send = send
	t.targets = []*net.UDPAddr{gaddr}
	return nil
}

// LocalAddr is the address the receive socket is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Capabilities returns the transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.UDPCapabilities
}

// Publish sends each message as one datagram to every target.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	for _, msg := range messages {
		datagram := frame.Encode(topic, msg)
		if len(datagram) > MaxDatagramSize {
			return fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(datagram))
		}
		for _, target := range t.targets {
			if _, err := t.send.WriteToUDP(datagram, target); err != nil {
				return fmt.Errorf("udp: send to %s: %w", target, err)
			}
		}
	}
	return nil
}

// Subscribe registers interest in topic. Messages are delivered one at a time;
// the next is handed over once the previous one is acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscription{queue: make(chan *message.Message, SubscriptionBuffer)}
	t.subs[topic] = append(t.subs[topic], sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(out)
		defer t.unsubscribe(topic, sub)
		t.forward(ctx, sub, out)
	}()
	return out, nil
}

func (t *Transport) forward(ctx context.Context, sub *subscription, out chan<- *message.Message) {
	for {
		var msg *message.Message
		select {
		case msg = <-sub.queue:
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		}
	}
}

func (t *Transport) unsubscribe(topic string, sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[topic]
	for i, s := range subs {
		if s == sub {
			t.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[topic]) == 0 {
		delete(t.subs, topic)
	}
}

func (t *Transport) receive() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("Failed to read datagram", err, nil)
			continue
		}

		topic, msg, err := frame.Decode(buf[:n])
		if err != nil {
			t.logger.Debug("Dropping malformed datagram", watermill.LogFields{"from": from.String(), "error": err.Error()})
			continue
		}
		t.dispatch(topic, msg)
	}
}

func (t *Transport) dispatch(topic string, msg *message.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs[topic] {
		select {
		case sub.queue <- msg.Copy():
		default:
			t.logger.Info("Subscription buffer full, dropping datagram", watermill.LogFields{"topic": topic})
		}
	}
}

// Close shuts the sockets and waits for all goroutines.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	err := t.conn.Close()
	if t.send != t.conn {
		if sendErr := t.send.Close(); err == nil {
			err = sendErr
		}
	}
	t.wg.Wait()
	return err
}
