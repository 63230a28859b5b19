package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/latencyprobe/transport"

	perrors "github.com/drblury/latencyprobe/internal/runtime/errors"
)

// Kind is the user-facing transport selection.
type Kind string

const (
	KindSharedMemory Kind = "shm"
	KindUDP          Kind = "udp"
	KindTCP          Kind = "tcp"
	KindLargeData    Kind = "large-data"
)

const (
	// UDPCapacity is the largest sample a udp descriptor accepts: the maximum
	// datagram minus room for framing.
	UDPCapacity = 65000
	// DefaultTCPCapacity applies when a tcp backend does not report a limit.
	DefaultTCPCapacity = 1 << 20
	// LargeDataCapacity is the fixed sample ceiling of the composite transport.
	LargeDataCapacity = 64 << 20
	// DefaultFragmentSize applies when the data backend does not report a limit.
	DefaultFragmentSize = 512 << 10
	// FragmentHeadroom is reserved in each fragment for framing and headers.
	FragmentHeadroom = 4 << 10
	// DefaultTCPBackend carries tcp and large-data samples when none is configured.
	DefaultTCPBackend = "nats"
)

// Settings is the transport selection read from configuration.
type Settings struct {
	Kind        string
	Capacity    int
	TCPBackend  string
	SegmentPath string
}

// Descriptor is a resolved transport: which backends carry data and discovery,
// the sample size ceiling and whether samples are fragmented.
type Descriptor struct {
	Kind             Kind
	Capacity         int
	DataBackend      string
	DiscoveryBackend string
	// FragmentSize is zero when samples are sent whole.
	FragmentSize int
	Capabilities transport.Capabilities
}

// Fragmented reports whether samples are split before sending.
func (d Descriptor) Fragmented() bool { return d.FragmentSize > 0 }

func (d Descriptor) String() string {
	s := fmt.Sprintf("%s(capacity=%d data=%s discovery=%s", d.Kind, d.Capacity, d.DataBackend, d.DiscoveryBackend)
	if d.Fragmented() {
		s += fmt.Sprintf(" fragment=%d", d.FragmentSize)
	}
	return s + ")"
}

// ParseKind accepts the canonical kind names plus the long aliases.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "shm", "shared-memory", "sharedmemory":
		return KindSharedMemory, nil
	case "udp":
		return KindUDP, nil
	case "tcp":
		return KindTCP, nil
	case "large-data", "largedata", "composite-large-payload":
		return KindLargeData, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q", raw)
	}
}

// Resolve turns settings into a Descriptor using the capabilities known to
// factory. Every error is a ConfigValidationError. Payload sizes are not
// checked here; the publish loop enforces Capacity per sample.
func Resolve(s Settings, factory Factory) (Descriptor, error) {
	d, err := resolve(s, factory)
	if err != nil {
		return Descriptor{}, perrors.NewConfigValidationError(err)
	}
	return d, nil
}

func resolve(s Settings, factory Factory) (Descriptor, error) {
	kind, err := ParseKind(s.Kind)
	if err != nil {
		return Descriptor{}, err
	}
	if s.Capacity < 0 {
		return Descriptor{}, fmt.Errorf("transport: capacity cannot be negative (got %d)", s.Capacity)
	}

	switch kind {
	case KindSharedMemory:
		return resolveSharedMemory(s, factory)
	case KindUDP:
		return resolveUDP(s, factory)
	case KindTCP:
		return resolveTCP(s, factory)
	default:
		return resolveLargeData(s, factory)
	}
}

func resolveSharedMemory(s Settings, factory Factory) (Descriptor, error) {
	if s.Capacity == 0 {
		return Descriptor{}, errors.New("transport: shm requires a positive segment capacity")
	}
	backend := "shm"
	if s.SegmentPath != "" {
		backend = "shm-segment"
	}
	caps, err := backendCapabilities(factory, backend)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Kind:             KindSharedMemory,
		Capacity:         s.Capacity,
		DataBackend:      backend,
		DiscoveryBackend: backend,
		Capabilities:     caps,
	}, nil
}

func resolveUDP(s Settings, factory Factory) (Descriptor, error) {
	capacity := s.Capacity
	if capacity == 0 {
		capacity = UDPCapacity
	}
	if capacity > UDPCapacity {
		return Descriptor{}, fmt.Errorf("transport: udp capacity %d exceeds datagram limit %d", capacity, UDPCapacity)
	}
	caps, err := backendCapabilities(factory, "udp")
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Kind:             KindUDP,
		Capacity:         capacity,
		DataBackend:      "udp",
		DiscoveryBackend: "udp",
		Capabilities:     caps,
	}, nil
}

func resolveTCP(s Settings, factory Factory) (Descriptor, error) {
	backend := tcpBackend(s)
	caps, err := backendCapabilities(factory, backend)
	if err != nil {
		return Descriptor{}, err
	}

	limit := int(caps.MaxMessageSize)
	capacity := s.Capacity
	if capacity == 0 {
		capacity = limit
		if capacity == 0 {
			capacity = DefaultTCPCapacity
		}
	}
	if limit > 0 && capacity > limit {
		return Descriptor{}, fmt.Errorf("transport: tcp capacity %d exceeds %s message limit %d", capacity, backend, limit)
	}
	return Descriptor{
		Kind:             KindTCP,
		Capacity:         capacity,
		DataBackend:      backend,
		DiscoveryBackend: backend,
		Capabilities:     caps,
	}, nil
}

func resolveLargeData(s Settings, factory Factory) (Descriptor, error) {
	if s.Capacity != 0 {
		return Descriptor{}, fmt.Errorf("transport: large-data does not accept an explicit capacity (got %d)", s.Capacity)
	}
	backend := tcpBackend(s)
	caps, err := backendCapabilities(factory, backend)
	if err != nil {
		return Descriptor{}, err
	}
	if _, err := backendCapabilities(factory, "udp"); err != nil {
		return Descriptor{}, err
	}

	fragment := DefaultFragmentSize
	if caps.MaxMessageSize > 0 {
		fragment = int(caps.MaxMessageSize) - FragmentHeadroom
	}
	if fragment <= 0 {
		return Descriptor{}, fmt.Errorf("transport: %s message limit %d too small to fragment", backend, caps.MaxMessageSize)
	}
	return Descriptor{
		Kind:             KindLargeData,
		Capacity:         LargeDataCapacity,
		DataBackend:      backend,
		DiscoveryBackend: "udp",
		FragmentSize:     fragment,
		Capabilities:     caps,
	}, nil
}

func tcpBackend(s Settings) string {
	if s.TCPBackend == "" {
		return DefaultTCPBackend
	}
	return s.TCPBackend
}

func backendCapabilities(factory Factory, backend string) (transport.Capabilities, error) {
	if !factory.Has(backend) {
		return transport.Capabilities{}, fmt.Errorf("transport: unknown backend %q", backend)
	}
	return factory.Capabilities(backend), nil
}
