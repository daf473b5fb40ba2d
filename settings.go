/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultWaitTimeSeconds         int64 = 20
	defaultShutdownTimeout               = 10 * time.Second
	defaultDLQMaxReceiveCount            = 5
	defaultConcurrentConsumers           = 1
	defaultPulseTimeout                  = 5 * time.Second
	defaultPulseURLSuffix                = "/ship/internal_events/v1/"
	defaultBreakerErrorThreshold         = 5
	defaultBreakerSuccessThreshold       = 1
	defaultBreakerTimeout                = 30 * time.Second
	defaultMaxConcurrentRequests         = 10
	defaultBulkheadTimeout               = 100 * time.Millisecond
	defaultJWTTTL                        = 15 * time.Minute
	defaultOffloadThreshold              = 256 * 1024
	defaultListenAddr                    = ":8080"
	defaultAppName                       = "pulsebridge"
	defaultAppVersion                    = "0.0.0-dev"
)

// MessagingResources names the AWS resources a route reads from.
type MessagingResources struct {
	// SNS topic the queue is subscribed to
	TopicName string `yaml:"topic"`
	// SQS queue name, without QueuePrefix
	QueueName string `yaml:"queue"`
	// Dead letter queue name, without QueuePrefix
	DLQName string `yaml:"dlq"`
	// Optional SNS subscription filter policy (JSON)
	FilterPolicy string `yaml:"filter_policy"`
}

// RouteSettings configures one egress or ingress route
type RouteSettings struct {
	Resources MessagingResources

	// Pulse topic that events of this route are stored under
	PulseTopic string
	// Days Pulse keeps events of this route, DefaultRetentionDays unless set
	Retention string
	// Event context type, the document root element unless set
	EventType string
	// Filter map entries set on every event of this route
	Filters map[string]string
	// Event data encoding, EncodingGzipBase64 unless set
	Encoding string

	// SNS topic shipment events are published on (ingress only)
	OutboundTopic string

	// Number of parallel SQS listeners
	ConcurrentConsumers int
	// Max messages per receive, 1-10
	NumMessages uint32
	// Visibility timeout override, 0 uses the queue configuration
	VisibilityTimeoutS uint32

	Redelivery RedeliveryPolicy
}

// PulseSettings configures the Pulse HTTP client
type PulseSettings struct {
	// Logical service ID looked up in the service registry
	ServiceID string
	// Static registry: service ID => base URLs
	Instances map[string][]string
	// Path of the events resource; events are posted here and fetched from <URLSuffix><eventId>
	URLSuffix string

	Timeout time.Duration

	BreakerErrorThreshold   int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Bulkhead size and how long a caller waits for a free slot
	MaxConcurrentRequests int
	BulkheadTimeout       time.Duration
}

// JWTSettings configures service-to-service bearer tokens. Auth is disabled when Secret is empty.
type JWTSettings struct {
	Issuer   string
	Audience string
	Subject  string
	Secret   string
	TTL      time.Duration
}

// S3Settings configures payload offloading
type S3Settings struct {
	Bucket string
	// Payloads larger than this many bytes are written to S3 and replaced by a pointer
	OffloadThreshold int

	// Use the in-memory S3 instead of AWS
	Local bool
	// Directory periodically loaded into the in-memory S3, <dir>/<bucket>/<key>
	RescanDir      string
	RescanInterval time.Duration
}

// Settings for pulsebridge
type Settings struct {
	// AWS Region
	AWSRegion string
	// AWS account id
	AWSAccountID string
	// AWS access key. Empty uses the default credential chain.
	AWSAccessKey string
	// AWS secret key
	AWSSecretKey string
	// AWS session token that represents temporary credentials (i.e. for Lambda app)
	AWSSessionToken string
	// Custom endpoint (i.e. localstack)
	AWSEndpoint string

	// Prefix prepended to every queue name, i.e. `DEV` => `DEV-<queue>`
	QueuePrefix string

	Egress  RouteSettings
	Ingress RouteSettings

	// Max receives before SQS redrives a message to the DLQ
	DLQMaxReceiveCount int
	// Long poll duration for SQS receives
	WaitTimeSeconds int64
	// Listeners stop when the context deadline is closer than this
	ShutdownTimeout time.Duration

	Pulse PulseSettings
	JWT   JWTSettings
	S3    S3Settings

	ListenAddr string
	AppName    string
	AppVersion string

	// Returns default headers for a message before a message is published. This will apply to ALL messages.
	// Can be used to inject custom headers (i.e. request id).
	MessageDefaultHeadersHook MessageDefaultHeadersHook

	// Pre process hook called before any processing is done on message
	PreProcessHookLambda PreProcessHookLambda // optional
	PreProcessHookSQS    PreProcessHookSQS    // optional

	// Hook called before a message body is published
	PreSerializeHook PreSerializeHook // optional

	// Hook called after a message body is received, before it is decoded
	PostDeserializeHook PostDeserializeHook // optional

	// Validator for outgoing Pulse events. Defaults to the built-in envelope schema.
	Validator IPulseValidator

	// Returns the logger for a request
	GetLogger GetLoggerFunc

	// Prometheus collectors; nil disables metrics
	Metrics *Metrics
}

func (r *RouteSettings) initDefaults() {
	if r.ConcurrentConsumers == 0 {
		r.ConcurrentConsumers = defaultConcurrentConsumers
	}
	if r.NumMessages == 0 {
		r.NumMessages = 1
	}
	if r.Retention == "" {
		r.Retention = DefaultRetentionDays
	}
	if r.Encoding == "" {
		r.Encoding = EncodingGzipBase64
	}
	r.Redelivery.initDefaults()
}

func (s *Settings) initDefaults() {
	s.Egress.initDefaults()
	s.Ingress.initDefaults()

	if s.DLQMaxReceiveCount == 0 {
		s.DLQMaxReceiveCount = defaultDLQMaxReceiveCount
	}
	if s.WaitTimeSeconds == 0 {
		s.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
	if s.Pulse.URLSuffix == "" {
		s.Pulse.URLSuffix = defaultPulseURLSuffix
	}
	if s.Pulse.Timeout == 0 {
		s.Pulse.Timeout = defaultPulseTimeout
	}
	if s.Pulse.BreakerErrorThreshold == 0 {
		s.Pulse.BreakerErrorThreshold = defaultBreakerErrorThreshold
	}
	if s.Pulse.BreakerSuccessThreshold == 0 {
		s.Pulse.BreakerSuccessThreshold = defaultBreakerSuccessThreshold
	}
	if s.Pulse.BreakerTimeout == 0 {
		s.Pulse.BreakerTimeout = defaultBreakerTimeout
	}
	if s.Pulse.MaxConcurrentRequests == 0 {
		s.Pulse.MaxConcurrentRequests = defaultMaxConcurrentRequests
	}
	if s.Pulse.BulkheadTimeout == 0 {
		s.Pulse.BulkheadTimeout = defaultBulkheadTimeout
	}
	if s.JWT.TTL == 0 {
		s.JWT.TTL = defaultJWTTTL
	}
	if s.S3.OffloadThreshold == 0 {
		s.S3.OffloadThreshold = defaultOffloadThreshold
	}
	if s.ListenAddr == "" {
		s.ListenAddr = defaultListenAddr
	}
	if s.AppName == "" {
		s.AppName = defaultAppName
	}
	if s.AppVersion == "" {
		s.AppVersion = defaultAppVersion
	}
	if s.GetLogger == nil {
		s.GetLogger = defaultGetLogger
	}
}

// Validate reports every missing or inconsistent setting at once
func (s *Settings) Validate() error {
	var problems []string
	if s.AWSRegion == "" {
		problems = append(problems, "aws region is required")
	}
	if s.AWSAccountID == "" {
		problems = append(problems, "aws account id is required")
	}
	if s.Egress.Resources.QueueName == "" {
		problems = append(problems, "egress queue is required")
	}
	if s.Egress.PulseTopic == "" {
		problems = append(problems, "egress pulse topic is required")
	}
	if s.Ingress.Resources.QueueName == "" {
		problems = append(problems, "ingress queue is required")
	}
	if s.Ingress.OutboundTopic == "" {
		problems = append(problems, "ingress outbound topic is required")
	}
	for _, r := range []RouteSettings{s.Egress, s.Ingress} {
		if r.NumMessages > 10 {
			problems = append(problems, fmt.Sprintf("num messages must be 1-10, got %d", r.NumMessages))
		}
		if r.Encoding != "" && r.Encoding != EncodingGzipBase64 && r.Encoding != EncodingBase64 {
			problems = append(problems, fmt.Sprintf("unknown encoding: %s", r.Encoding))
		}
	}
	if s.Pulse.ServiceID == "" {
		problems = append(problems, "pulse service id is required")
	} else if len(s.Pulse.Instances[s.Pulse.ServiceID]) == 0 {
		problems = append(problems, fmt.Sprintf("no instances configured for pulse service %s", s.Pulse.ServiceID))
	}
	if s.S3.Bucket == "" {
		problems = append(problems, "s3 bucket is required")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getSQSQueueName(settings *Settings, queueName string) string {
	if settings.QueuePrefix == "" {
		return queueName
	}
	return fmt.Sprintf("%s-%s", settings.QueuePrefix, queueName)
}

func getSNSTopic(settings *Settings, topicName string) string {
	return fmt.Sprintf(
		"arn:aws:sns:%s:%s:%s",
		settings.AWSRegion,
		settings.AWSAccountID,
		topicName)
}
