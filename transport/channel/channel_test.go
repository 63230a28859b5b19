package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
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
	assert.Equal(t, "shm", caps.Name)
	assert.True(t, caps.InProcess)
	assert.True(t, caps.ZeroCopy)
	assert.True(t, caps.SupportsOrdering)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("uses blocking ordered config", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		var got gochannel.Config
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			got = cfg
			return originalFactory(cfg, logger)
		}

		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		assert.Equal(t, BusConfig(), got)
		assert.True(t, got.BlockPublishUntilSubscriberAck)
		assert.True(t, got.PreserveContext)
		assert.Equal(t, int64(OutputBuffer), got.OutputChannelBuffer)
	})

	t.Run("carries the publisher context", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msgs, err := tr.Subscriber.Subscribe(ctx, "ctx")
		require.NoError(t, err)

		type key struct{}
		msg := message.NewMessage(watermill.NewUUID(), nil)
		msg.SetContext(context.WithValue(context.Background(), key{}, "span"))
		go func() { _ = tr.Publisher.Publish("ctx", msg) }()

		select {
		case got := <-msgs:
			assert.Equal(t, "span", got.Context().Value(key{}))
			got.Ack()
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("delivers in order and shares payload memory", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msgs, err := tr.Subscriber.Subscribe(ctx, "ordered")
		require.NoError(t, err)

		payload := []byte("zero-copy")
		received := make(chan *message.Message, 3)
		go func() {
			for msg := range msgs {
				received <- msg
				msg.Ack()
			}
		}()

		for i := 0; i < 3; i++ {
			msg := message.NewMessage(watermill.NewUUID(), payload)
			msg.Metadata.Set("i", string(rune('0'+i)))
			require.NoError(t, tr.Publisher.Publish("ordered", msg))
		}

		for i := 0; i < 3; i++ {
			select {
			case msg := <-received:
				assert.Equal(t, string(rune('0'+i)), msg.Metadata.Get("i"))
				assert.Same(t, &payload[0], &msg.Payload[0])
			case <-ctx.Done():
				t.Fatal("timed out waiting for message")
			}
		}
	})
}
