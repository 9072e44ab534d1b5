package rabbitmq

import (
	runtimepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime"
	affinitypkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/affinity"
	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	configpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/config"
	errspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/errors"
	eventpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/event"
	gatepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/gate"
	idspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/ids"
	jsoncodec "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/jsoncodec"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
	metricspkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/metrics"
	templatepkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/template"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError
	ErrorCategory         = errspkg.Category

	Event  = eventpkg.Event
	Fields = eventpkg.Fields

	Publisher             = runtimepkg.Publisher
	PublisherDependencies = runtimepkg.PublisherDependencies
	WorkerID              = affinitypkg.WorkerID
	ChannelRegistry       = affinitypkg.Registry
	Gate                  = gatepkg.Gate
	GateState             = gatepkg.State
	PropertyTemplate      = templatepkg.Template
	Metrics               = metricspkg.Metrics

	Connection   = broker.Connection
	Channel      = broker.Channel
	Exchange     = broker.Exchange
	ExchangeSpec = broker.ExchangeSpec
	FlowListener = broker.FlowListener
	Properties   = broker.Properties

	LogFields = loggingpkg.LogFields
	Logger    = loggingpkg.Logger
)

var (
	DefaultConfig       = configpkg.Default
	LoadConfig          = configpkg.Load
	LoadConfigFile      = configpkg.LoadFile
	ConfigFromMap       = configpkg.FromMap
	ValidateConfig      = configpkg.ValidateConfig
	ParseConfirmTimeout = configpkg.ParseConfirmTimeout

	NewEvent   = eventpkg.New
	NewEventAt = eventpkg.NewAt

	NewPublisher            = runtimepkg.NewPublisher
	NewRetryBackOff         = runtimepkg.NewRetryBackOff
	NewGate                 = gatepkg.New
	NewChannelRegistry      = affinitypkg.New
	CompilePropertyTemplate = templatepkg.Compile
	NewMetrics              = metricspkg.New

	NewSlogLogger       = loggingpkg.NewSlogLogger
	NewWatermillLogger  = loggingpkg.NewWatermillLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter
	NopLogger           = loggingpkg.NopLogger

	CreateULID = idspkg.CreateULID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ClassifyError = errspkg.Classify
	IsTransient   = errspkg.IsTransient
	MarkTransient = errspkg.MarkTransient

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrConnectionRequired    = errspkg.ErrConnectionRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrEventRequired         = errspkg.ErrEventRequired
	ErrExchangeRequired      = errspkg.ErrExchangeRequired
	ErrInvalidConfirmTimeout = errspkg.ErrInvalidConfirmTimeout
	ErrInvalidProperty       = errspkg.ErrInvalidProperty
	ErrOutputClosed          = errspkg.ErrOutputClosed
	ErrConfirmNack           = errspkg.ErrConfirmNack
	ErrConfirmTimeout        = errspkg.ErrConfirmTimeout
	ErrChannelClosed         = errspkg.ErrChannelClosed
	ErrConnectionClosed      = errspkg.ErrConnectionClosed
)
