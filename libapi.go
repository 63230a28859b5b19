package latencyprobe

import (
	runtimepkg "github.com/drblury/latencyprobe/internal/runtime"
	configpkg "github.com/drblury/latencyprobe/internal/runtime/config"
	"github.com/drblury/latencyprobe/internal/runtime/dds"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	idspkg "github.com/drblury/latencyprobe/internal/runtime/ids"
	"github.com/drblury/latencyprobe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/match"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
	"github.com/drblury/latencyprobe/internal/runtime/recorder"
	"github.com/drblury/latencyprobe/internal/runtime/stats"
	transportpkg "github.com/drblury/latencyprobe/internal/runtime/transport"
	newtransport "github.com/drblury/latencyprobe/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	PayloadSource       = runtimepkg.PayloadSource
	FileSource          = runtimepkg.FileSource
	DummySource         = runtimepkg.DummySource
	PayloadFunc         = runtimepkg.PayloadFunc
	Status              = runtimepkg.Status
	Metrics             = runtimepkg.Metrics

	PublisherEndpoint  = runtimepkg.PublisherEndpoint
	SubscriberEndpoint = runtimepkg.SubscriberEndpoint
	EndpointOptions    = runtimepkg.EndpointOptions
	PublishLoop        = runtimepkg.PublishLoop
	PublishLoopConfig  = runtimepkg.PublishLoopConfig
	ConsumeListener    = runtimepkg.ConsumeListener
	Counters           = runtimepkg.Counters

	Message       = envelope.Message
	MatchState    = match.State
	MatchedStatus = match.MatchedStatus
	QoSProfile    = qos.Profile
	QoSIntents    = qos.Intents
	LatencyRecord = recorder.Record
	Summary       = stats.Summary

	ParticipantFactory = dds.ParticipantFactory
	FactoryConfig      = dds.FactoryConfig

	LogFields             = loggingpkg.LogFields
	ServiceLogger         = loggingpkg.ServiceLogger
	LogOptions            = loggingpkg.Options
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport resolution
	TransportKind       = transportpkg.Kind
	TransportDescriptor = transportpkg.Descriptor
	TransportSettings   = transportpkg.Settings
	TransportFactory    = transportpkg.Factory

	// Modular transport types
	Transport             = newtransport.Transport
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewPublisherEndpoint  = runtimepkg.NewPublisherEndpoint
	NewSubscriberEndpoint = runtimepkg.NewSubscriberEndpoint
	NewPublishLoop        = runtimepkg.NewPublishLoop
	NewConsumeListener    = runtimepkg.NewConsumeListener
	NewDummySource        = runtimepkg.NewDummySource
	NewParticipantFactory = dds.NewParticipantFactory

	BuildWriterQoS = qos.BuildWriter
	BuildReaderQoS = qos.BuildReader

	ResolveTransport = transportpkg.Resolve
	ParseKind        = transportpkg.ParseKind
	GetCapabilities  = newtransport.GetCapabilities

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	NewLatencyRecorder = recorder.New
	ReadLatencyLog     = recorder.Read
	SummarizeLatencies = stats.Summarize
	LoadSummary        = stats.Load

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrWriterRequired         = errspkg.ErrWriterRequired
	ErrPayloadSourceRequired  = errspkg.ErrPayloadSourceRequired
	ErrRecorderRequired       = errspkg.ErrRecorderRequired
	ErrTopicRequired          = errspkg.ErrTopicRequired
	ErrNotMatched             = errspkg.ErrNotMatched
	ErrPayloadExceedsCapacity = errspkg.ErrPayloadExceedsCapacity
	ErrSamplesRequired        = errspkg.ErrSamplesRequired
	ErrAttemptsExhausted      = errspkg.ErrAttemptsExhausted
	ErrFactoryRequired        = errspkg.ErrFactoryRequired
	ErrNoData                 = dds.ErrNoData
	ErrPreconditionNotMet     = dds.ErrPreconditionNotMet
	ErrSampleDropped          = dds.ErrSampleDropped

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	CreateULID = idspkg.CreateULID
)

// Transport kinds accepted by Config.Transport.Kind.
const (
	KindSharedMemory = transportpkg.KindSharedMemory
	KindUDP          = transportpkg.KindUDP
	KindTCP          = transportpkg.KindTCP
	KindLargeData    = transportpkg.KindLargeData
)

// Match states reported by the endpoint trackers.
const (
	Unmatched = match.Unmatched
	Matched   = match.Matched
)
