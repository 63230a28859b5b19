package aws

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
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
	assert.Equal(t, "aws", caps.Name)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

// stubAWS replaces the package factories for the duration of a test.
func stubAWS(t *testing.T, pub message.Publisher, pubErr error, sub message.Subscriber, subErr error) *sns.SubscriberConfig {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	captured := &sns.SubscriberConfig{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, pubErr
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		*captured = cfg
		return sub, subErr
	}
	return captured
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with per-participant queues", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		captured := stubAWS(t, mockPub, nil, mockSub, nil)

		cfg := &transporttest.Config{
			AWSRegion:     "us-east-1",
			AWSAccountID:  "123456789012",
			ParticipantID: "p.01ABC",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)

		require.NotNil(t, captured.GenerateSqsQueueName)
		name, err := captured.GenerateSqsQueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:latencyprobe-d0-MinimalTopic")
		require.NoError(t, err)
		assert.Equal(t, "latencyprobe-d0-MinimalTopic-p-01ABC", name)
	})

	t.Run("applies endpoint override", func(t *testing.T) {
		captured := stubAWS(t, &transporttest.Publisher{}, nil, &transporttest.Subscriber{}, nil)

		cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSEndpoint: "http://localhost:4566"}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		require.NotNil(t, captured.AWSConfig.BaseEndpoint)
		assert.Equal(t, "http://localhost:4566", *captured.AWSConfig.BaseEndpoint)
		assert.Len(t, captured.OptFns, 1)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		originalConfigLoader := DefaultConfigLoader
		defer func() { DefaultConfigLoader = originalConfigLoader }()

		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "aws: load config: config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubAWS(t, nil, errors.New("publisher error"), nil, nil)

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		stubAWS(t, mockPub, nil, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
		assert.True(t, mockPub.Closed)
	})

	t.Run("requires an account without endpoint override", func(t *testing.T) {
		stubAWS(t, &transporttest.Publisher{}, nil, &transporttest.Subscriber{}, nil)

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "account id is required")
	})

	t.Run("rejects malformed endpoint", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
		assert.Error(t, err)
	})
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "topic-p-1-e-2", QueueName("topic", "p.1/e.2"))
	assert.Equal(t, "topic", QueueName("topic", ""))

	long := QueueName(strings.Repeat("t", 90), "p.1")
	assert.Len(t, long, 80)
	assert.True(t, strings.HasSuffix(long, "-p-1"), "participant suffix survives truncation")
}

func TestSettingsWithAccount(t *testing.T) {
	local, err := parseEndpoint("http://localhost:4566")
	require.NoError(t, err)

	t.Run("keeps a valid account", func(t *testing.T) {
		s, err := settings{accountID: "123456789012"}.withAccount(watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "123456789012", s.accountID)
	})

	t.Run("localstack default when endpoint set and account empty", func(t *testing.T) {
		s, err := settings{endpoint: local}.withAccount(watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, s.accountID)
	})

	t.Run("replaces malformed account behind an endpoint", func(t *testing.T) {
		s, err := newSettings(&transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "'123'"})
		require.NoError(t, err)
		assert.Equal(t, "123", s.accountID)
		s, err = s.withAccount(watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, s.accountID)
	})

	t.Run("real AWS requires an account", func(t *testing.T) {
		_, err := settings{accountID: "123"}.withAccount(watermill.NopLogger{})
		assert.ErrorContains(t, err, "account id is required")
	})
}

func TestParseEndpoint(t *testing.T) {
	u, err := parseEndpoint("")
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = parseEndpoint("http://localhost:4566")
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = parseEndpoint("localhost:4566")
	assert.Error(t, err, "no scheme")
	_, err = parseEndpoint("://bad")
	assert.Error(t, err)
}

func TestLoadConfigStaticCredentials(t *testing.T) {
	original := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = original })

	var opts awsconfig.LoadOptions
	DefaultConfigLoader = func(ctx context.Context, fns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		for _, fn := range fns {
			require.NoError(t, fn(&opts))
		}
		return aws.Config{Region: opts.Region, Credentials: opts.Credentials}, nil
	}

	cfg, err := loadConfig(context.Background(), settings{region: "eu-west-1", accessKey: "AK", secretKey: "SK"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AK", creds.AccessKeyID)
	assert.Equal(t, "SK", creds.SecretAccessKey)
}
