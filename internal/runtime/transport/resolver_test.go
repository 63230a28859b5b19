package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/drblury/latencyprobe/internal/runtime/errors"
)

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"shm":                     KindSharedMemory,
		"Shared-Memory":           KindSharedMemory,
		"udp":                     KindUDP,
		" tcp ":                   KindTCP,
		"large-data":              KindLargeData,
		"composite-large-payload": KindLargeData,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("carrier-pigeon")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	factory := DefaultFactory()

	tests := []struct {
		name     string
		settings Settings
		want     Descriptor
	}{
		{
			name:     "shm in process",
			settings: Settings{Kind: "shm", Capacity: 1_000_000},
			want:     Descriptor{Kind: KindSharedMemory, Capacity: 1_000_000, DataBackend: "shm", DiscoveryBackend: "shm"},
		},
		{
			name:     "shm segment",
			settings: Settings{Kind: "shm", Capacity: 4096, SegmentPath: "/dev/shm/x"},
			want:     Descriptor{Kind: KindSharedMemory, Capacity: 4096, DataBackend: "shm-segment", DiscoveryBackend: "shm-segment"},
		},
		{
			name:     "udp default capacity",
			settings: Settings{Kind: "udp"},
			want:     Descriptor{Kind: KindUDP, Capacity: UDPCapacity, DataBackend: "udp", DiscoveryBackend: "udp"},
		},
		{
			name:     "udp explicit capacity",
			settings: Settings{Kind: "udp", Capacity: 1200},
			want:     Descriptor{Kind: KindUDP, Capacity: 1200, DataBackend: "udp", DiscoveryBackend: "udp"},
		},
		{
			name:     "tcp defaults to nats limit",
			settings: Settings{Kind: "tcp"},
			want:     Descriptor{Kind: KindTCP, Capacity: 1 << 20, DataBackend: "nats", DiscoveryBackend: "nats"},
		},
		{
			name:     "tcp on kafka",
			settings: Settings{Kind: "tcp", TCPBackend: "kafka", Capacity: 2048},
			want:     Descriptor{Kind: KindTCP, Capacity: 2048, DataBackend: "kafka", DiscoveryBackend: "kafka"},
		},
		{
			name:     "large data is composite and fragmented",
			settings: Settings{Kind: "large-data"},
			want: Descriptor{
				Kind:             KindLargeData,
				Capacity:         LargeDataCapacity,
				DataBackend:      "nats",
				DiscoveryBackend: "udp",
				FragmentSize:     1<<20 - FragmentHeadroom,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.settings, factory)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Capacity, got.Capacity)
			assert.Equal(t, tt.want.DataBackend, got.DataBackend)
			assert.Equal(t, tt.want.DiscoveryBackend, got.DiscoveryBackend)
			assert.Equal(t, tt.want.FragmentSize, got.FragmentSize)
			assert.Equal(t, tt.want.DataBackend, got.Capabilities.Name)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	factory := DefaultFactory()

	tests := []struct {
		name     string
		settings Settings
		wantMsg  string
	}{
		{"unknown kind", Settings{Kind: "serial"}, "unknown kind"},
		{"shm without capacity", Settings{Kind: "shm"}, "positive segment capacity"},
		{"negative capacity", Settings{Kind: "udp", Capacity: -1}, "negative"},
		{"udp over limit", Settings{Kind: "udp", Capacity: 70000}, "datagram limit"},
		{"tcp over backend limit", Settings{Kind: "tcp", TCPBackend: "aws", Capacity: 300000}, "message limit"},
		{"unknown backend", Settings{Kind: "tcp", TCPBackend: "carrier-pigeon"}, "unknown backend"},
		{"large data with capacity", Settings{Kind: "large-data", Capacity: 1_000_000}, "explicit capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.settings, factory)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var cfgErr perrors.ConfigValidationError
			assert.True(t, errors.As(err, &cfgErr), "resolver errors abort startup as configuration errors")
		})
	}
}

func TestDescriptorString(t *testing.T) {
	d, err := Resolve(Settings{Kind: "large-data"}, DefaultFactory())
	require.NoError(t, err)
	assert.True(t, d.Fragmented())
	assert.Contains(t, d.String(), "large-data")
	assert.Contains(t, d.String(), "fragment=")

	d, err = Resolve(Settings{Kind: "udp"}, DefaultFactory())
	require.NoError(t, err)
	assert.False(t, d.Fragmented())
	assert.NotContains(t, d.String(), "fragment=")
}
