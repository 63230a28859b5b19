// Package aws provides an AWS SNS/SQS backend. Topics are SNS topics; each
// participant subscribes through its own SQS queue so every participant sees
// every sample. LocalStack is supported through the endpoint override.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/latencyprobe/transport"
)

const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	maxQueueNameLength  = 80
)

// Factories are variables so tests can run Build without AWS.
var (
	DefaultConfigLoader  = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver
	PublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// settings are the validated AWS values of one participant.
type settings struct {
	region      string
	accountID   string
	endpoint    *url.URL
	accessKey   string
	secretKey   string
	participant string
}

func newSettings(cfg transport.Config) (settings, error) {
	endpoint, err := parseEndpoint(cfg.GetAWSEndpoint())
	if err != nil {
		return settings{}, err
	}
	return settings{
		region:      cfg.GetAWSRegion(),
		accountID:   strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		endpoint:    endpoint,
		accessKey:   cfg.GetAWSAccessKeyID(),
		secretKey:   cfg.GetAWSSecretAccessKey(),
		participant: cfg.GetParticipantID(),
	}, nil
}

// Build loads the SDK config and creates the SNS publisher and the
// participant's SNS-to-SQS subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := newSettings(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := loadConfig(ctx, s)
	if err != nil {
		return transport.Transport{}, err
	}
	if s.region == "" {
		s.region = awsCfg.Region
	}
	if s, err = s.withAccount(logger); err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          s.region,
		"account_id":      s.accountID,
		"custom_endpoint": s.endpoint != nil,
	})

	resolver, err := TopicResolverFactory(s.accountID, s.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: topic resolver: %w", err)
	}
	snsOpts, sqsOpts := endpointOptions(s.endpoint)

	pub, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: publisher: %w", err)
	}

	sub, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameGenerator(s.participant),
		},
		sqs.SubscriberConfig{AWSConfig: awsCfg, OptFns: sqsOpts},
		logger,
	)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, fmt.Errorf("aws: subscriber: %w", err)
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// withAccount fills the LocalStack account when an endpoint override is set
// and no valid account id was given. Real AWS needs the account to build ARNs.
func (s settings) withAccount(logger watermill.LoggerAdapter) (settings, error) {
	if len(s.accountID) == awsAccountIDLength {
		return s, nil
	}
	if s.endpoint == nil {
		return s, errors.New("aws: a 12-digit account id is required")
	}
	if s.accountID != "" {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"account_id": s.accountID})
	}
	s.accountID = localstackAccountID
	return s, nil
}

func loadConfig(ctx context.Context, s settings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, "")))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	if s.endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(s.endpoint.String())
	}
	return awsCfg, nil
}

// endpointOptions points both SDK clients at a custom endpoint such as LocalStack.
func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	override := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: override}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: override}),
		}
}

// queueNameGenerator names the participant's SQS queue "<topic>-<participant>".
func queueNameGenerator(participantID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		return QueueName(string(topic), participantID), nil
	}
}

// QueueName builds a valid SQS queue name: alphanumerics, '-' and '_' only,
// at most 80 characters. Truncation keeps the participant suffix.
func QueueName(topic, participantID string) string {
	name := topic
	if participantID != "" {
		name += "-" + participantID
	}
	name = queueNameReplacer.Replace(name)
	if len(name) > maxQueueNameLength {
		name = name[len(name)-maxQueueNameLength:]
	}
	return name
}

var queueNameReplacer = strings.NewReplacer(".", "-", "/", "-", ":", "-", " ", "-")

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: endpoint %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("aws: endpoint %q needs a scheme and host", raw)
	}
	return u, nil
}
