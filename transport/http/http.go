// Package http provides a point-to-point HTTP backend: each participant runs a
// webhook server and POSTs samples to its peer's base URL. Topics become URL
// paths.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "http"

// requestTimeout bounds one POST; a sample that takes longer is a failed write.
const requestTimeout = 5 * time.Second

// Factories are variables so tests can run Build without listening.
var (
	PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(config, logger)
	}
	SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, config, logger)
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the publisher and starts the webhook server.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	peerURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" || peerURL == "" {
		return transport.Transport{}, errors.New("http: server address and publisher URL are required")
	}

	pub, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(peerURL, topic), msg)
		},
		Client: NewClient(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http: publisher: %w", err)
	}

	sub, err := SubscriberFactory(serverAddr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("http: subscriber: %w", err)
	}

	if s, ok := sub.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP webhook server stopped", err, watermill.LogFields{"address": serverAddr})
			}
		}()
	}
	return transport.Transport{Publisher: pub, Subscriber: pathSubscriber{Subscriber: sub}}, nil
}

// NewClient keeps one warm connection per peer so samples do not pay for a
// TCP handshake.
func NewClient() *nethttp.Client {
	return &nethttp.Client{
		Timeout: requestTimeout,
		Transport: &nethttp.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     time.Minute,
			DisableCompression:  true,
		},
	}
}

// TopicURL joins the peer base URL and a topic.
func TopicURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// pathSubscriber maps topics onto the "/topic" routes the webhook server serves.
type pathSubscriber struct {
	message.Subscriber
}

func (s pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, "/"+strings.TrimPrefix(topic, "/"))
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
