package udp

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/latencyprobe/transport"
	"github.com/drblury/latencyprobe/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "udp", caps.Name)
	assert.Equal(t, int64(MaxDatagramSize), caps.MaxMessageSize)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.UDPCapabilities, Capabilities())
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestNewRejectsBadPeer(t *testing.T) {
	_, err := New(Config{ListenAddress: "127.0.0.1:0", Peers: []string{"not a host:port"}}, nil)
	assert.Error(t, err)
}

// pair returns a receiver bound to loopback and a sender unicasting to it.
func pair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	receiver, err := New(Config{ListenAddress: "127.0.0.1:0"}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	sender, err := New(Config{
		ListenAddress: "127.0.0.1:0",
		Peers:         []string{receiver.LocalAddr().String()},
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })
	return receiver, sender
}

func TestUnicastPublishSubscribe(t *testing.T) {
	receiver, sender := pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := receiver.Subscribe(ctx, "samples")
	require.NoError(t, err)
	other, err := receiver.Subscribe(ctx, "other")
	require.NoError(t, err)

	msg := message.NewMessage("uuid-1", []byte("hello"))
	msg.Metadata.Set("writer_id", "p.1/e.1")
	require.NoError(t, sender.Publish("samples", msg))

	select {
	case got := <-msgs:
		assert.Equal(t, "uuid-1", got.UUID)
		assert.Equal(t, []byte("hello"), []byte(got.Payload))
		assert.Equal(t, "p.1/e.1", got.Metadata.Get("writer_id"))
		got.Ack()
	case <-ctx.Done():
		t.Fatal("datagram not received")
	}

	select {
	case got := <-other:
		t.Fatalf("unexpected delivery on other topic: %s", got.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishRejectsOversizedMessage(t *testing.T) {
	_, sender := pair(t)

	err := sender.Publish("samples", message.NewMessage("u", make([]byte, MaxDatagramSize)))
	assert.ErrorIs(t, err, ErrDatagramTooLarge)
}

func TestBuildUsesConfig(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{UDPListenAddress: "127.0.0.1:0"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	assert.Same(t, tr.Publisher, tr.Subscriber)
}

func TestCloseStopsSubscriptions(t *testing.T) {
	receiver, err := New(Config{ListenAddress: "127.0.0.1:0"}, watermill.NopLogger{})
	require.NoError(t, err)

	msgs, err := receiver.Subscribe(context.Background(), "samples")
	require.NoError(t, err)

	require.NoError(t, receiver.Close())
	require.NoError(t, receiver.Close())

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed")
	}

	assert.ErrorIs(t, receiver.Publish("samples", message.NewMessage("u", nil)), ErrClosed)
	_, err = receiver.Subscribe(context.Background(), "samples")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancelUnsubscribes(t *testing.T) {
	receiver, err := New(Config{ListenAddress: "127.0.0.1:0"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := receiver.Subscribe(ctx, "samples")
	require.NoError(t, err)
	cancel()

	for range msgs {
	}

	receiver.mu.RLock()
	defer receiver.mu.RUnlock()
	assert.Empty(t, receiver.subs)
}
