/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PULSEBRIDGE_"

type routeFile struct {
	Topic               string            `yaml:"topic"`
	Queue               string            `yaml:"queue"`
	DLQ                 string            `yaml:"dlq"`
	FilterPolicy        string            `yaml:"filter_policy"`
	PulseTopic          string            `yaml:"pulse_topic"`
	Retention           string            `yaml:"retention_days"`
	EventType           string            `yaml:"event_type"`
	Filters             map[string]string `yaml:"filters"`
	Encoding            string            `yaml:"encoding"`
	OutboundTopic       string            `yaml:"outbound_topic"`
	ConcurrentConsumers int               `yaml:"concurrent_consumers"`
	NumMessages         uint32            `yaml:"num_messages"`
	VisibilityTimeoutS  uint32            `yaml:"visibility_timeout_seconds"`
	Redelivery          redeliveryFile    `yaml:"redelivery"`
}

type redeliveryFile struct {
	MaximumRedeliveries    *int          `yaml:"maximum_redeliveries"`
	RedeliveryDelay        time.Duration `yaml:"delay"`
	BackOffMultiplier      float64       `yaml:"backoff_multiplier"`
	MaximumRedeliveryDelay time.Duration `yaml:"maximum_delay"`
	UseExponentialBackOff  bool          `yaml:"exponential"`
}

// maximumRedeliveries maps an explicit 0 to NoRedelivery, leaving 0 for "unset"
func (r redeliveryFile) maximumRedeliveries() int {
	if r.MaximumRedeliveries == nil {
		return 0
	}
	if *r.MaximumRedeliveries <= 0 {
		return NoRedelivery
	}
	return *r.MaximumRedeliveries
}

// configFile mirrors the YAML schema of a pulsebridge config file
type configFile struct {
	App struct {
		Name       string `yaml:"name"`
		Version    string `yaml:"version"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"app"`
	AWS struct {
		Region       string `yaml:"region"`
		AccountID    string `yaml:"account_id"`
		AccessKey    string `yaml:"access_key"`
		SecretKey    string `yaml:"secret_key"`
		SessionToken string `yaml:"session_token"`
		Endpoint     string `yaml:"endpoint"`
	} `yaml:"aws"`
	Messaging struct {
		QueuePrefix        string        `yaml:"queue_prefix"`
		DLQMaxReceiveCount int           `yaml:"dlq_max_receive_count"`
		WaitTimeSeconds    int64         `yaml:"wait_time_seconds"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"messaging"`
	Routes struct {
		Egress  routeFile `yaml:"egress"`
		Ingress routeFile `yaml:"ingress"`
	} `yaml:"routes"`
	Pulse struct {
		ServiceID               string              `yaml:"service_id"`
		Instances               map[string][]string `yaml:"instances"`
		URLSuffix               string              `yaml:"url_suffix"`
		Timeout                 time.Duration       `yaml:"timeout"`
		BreakerErrorThreshold   int                 `yaml:"breaker_error_threshold"`
		BreakerSuccessThreshold int                 `yaml:"breaker_success_threshold"`
		BreakerTimeout          time.Duration       `yaml:"breaker_timeout"`
		MaxConcurrentRequests   int                 `yaml:"max_concurrent_requests"`
		BulkheadTimeout         time.Duration       `yaml:"bulkhead_timeout"`
		SchemaFile              string              `yaml:"schema_file"`
	} `yaml:"pulse"`
	JWT struct {
		Issuer   string        `yaml:"issuer"`
		Audience string        `yaml:"audience"`
		Subject  string        `yaml:"subject"`
		Secret   string        `yaml:"secret"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"jwt"`
	S3 struct {
		Bucket           string        `yaml:"bucket"`
		OffloadThreshold int           `yaml:"offload_threshold"`
		Local            bool          `yaml:"local"`
		RescanDir        string        `yaml:"rescan_dir"`
		RescanInterval   time.Duration `yaml:"rescan_interval"`
	} `yaml:"s3"`
}

func (r routeFile) settings() RouteSettings {
	return RouteSettings{
		Resources: MessagingResources{
			TopicName:    r.Topic,
			QueueName:    r.Queue,
			DLQName:      r.DLQ,
			FilterPolicy: r.FilterPolicy,
		},
		PulseTopic:          r.PulseTopic,
		Retention:           r.Retention,
		EventType:           r.EventType,
		Filters:             r.Filters,
		Encoding:            r.Encoding,
		OutboundTopic:       r.OutboundTopic,
		ConcurrentConsumers: r.ConcurrentConsumers,
		NumMessages:         r.NumMessages,
		VisibilityTimeoutS:  r.VisibilityTimeoutS,
		Redelivery: RedeliveryPolicy{
			MaximumRedeliveries:    r.Redelivery.maximumRedeliveries(),
			RedeliveryDelay:        r.Redelivery.RedeliveryDelay,
			BackOffMultiplier:      r.Redelivery.BackOffMultiplier,
			MaximumRedeliveryDelay: r.Redelivery.MaximumRedeliveryDelay,
			UseExponentialBackOff:  r.Redelivery.UseExponentialBackOff,
		},
	}
}

// LoadConfig resolves settings in priority order: defaults -> file -> env (PULSEBRIDGE_*). An empty path
// skips the file. The result is validated.
func LoadConfig(path string) (*Settings, error) {
	f := configFile{}
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	settings := &Settings{
		AWSRegion:          f.AWS.Region,
		AWSAccountID:       f.AWS.AccountID,
		AWSAccessKey:       f.AWS.AccessKey,
		AWSSecretKey:       f.AWS.SecretKey,
		AWSSessionToken:    f.AWS.SessionToken,
		AWSEndpoint:        f.AWS.Endpoint,
		QueuePrefix:        f.Messaging.QueuePrefix,
		Egress:             f.Routes.Egress.settings(),
		Ingress:            f.Routes.Ingress.settings(),
		DLQMaxReceiveCount: f.Messaging.DLQMaxReceiveCount,
		WaitTimeSeconds:    f.Messaging.WaitTimeSeconds,
		ShutdownTimeout:    f.Messaging.ShutdownTimeout,
		Pulse: PulseSettings{
			ServiceID:               f.Pulse.ServiceID,
			Instances:               f.Pulse.Instances,
			URLSuffix:               f.Pulse.URLSuffix,
			Timeout:                 f.Pulse.Timeout,
			BreakerErrorThreshold:   f.Pulse.BreakerErrorThreshold,
			BreakerSuccessThreshold: f.Pulse.BreakerSuccessThreshold,
			BreakerTimeout:          f.Pulse.BreakerTimeout,
			MaxConcurrentRequests:   f.Pulse.MaxConcurrentRequests,
			BulkheadTimeout:         f.Pulse.BulkheadTimeout,
		},
		JWT: JWTSettings{
			Issuer:   f.JWT.Issuer,
			Audience: f.JWT.Audience,
			Subject:  f.JWT.Subject,
			Secret:   f.JWT.Secret,
			TTL:      f.JWT.TTL,
		},
		S3: S3Settings{
			Bucket:           f.S3.Bucket,
			OffloadThreshold: f.S3.OffloadThreshold,
			Local:            f.S3.Local,
			RescanDir:        f.S3.RescanDir,
			RescanInterval:   f.S3.RescanInterval,
		},
		ListenAddr: f.App.ListenAddr,
		AppName:    f.App.Name,
		AppVersion: f.App.Version,
	}

	if err := applyEnvOverrides(settings); err != nil {
		return nil, err
	}

	schemaFile := envOrDefault("PULSE_SCHEMA_FILE", f.Pulse.SchemaFile)
	if schemaFile != "" {
		validator, err := NewPulseValidator(schemaFile)
		if err != nil {
			return nil, errors.Wrap(err, "load pulse schema")
		}
		settings.Validator = validator
	}

	settings.initDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func applyEnvOverrides(s *Settings) error {
	s.AWSRegion = envOrDefault("AWS_REGION", s.AWSRegion)
	s.AWSAccountID = envOrDefault("AWS_ACCOUNT_ID", s.AWSAccountID)
	s.AWSAccessKey = envOrDefault("AWS_ACCESS_KEY", s.AWSAccessKey)
	s.AWSSecretKey = envOrDefault("AWS_SECRET_KEY", s.AWSSecretKey)
	s.AWSSessionToken = envOrDefault("AWS_SESSION_TOKEN", s.AWSSessionToken)
	s.AWSEndpoint = envOrDefault("AWS_ENDPOINT", s.AWSEndpoint)
	s.QueuePrefix = envOrDefault("QUEUE_PREFIX", s.QueuePrefix)

	s.Egress.Resources.QueueName = envOrDefault("EGRESS_QUEUE", s.Egress.Resources.QueueName)
	s.Egress.Resources.DLQName = envOrDefault("EGRESS_DLQ", s.Egress.Resources.DLQName)
	s.Ingress.Resources.QueueName = envOrDefault("INGRESS_QUEUE", s.Ingress.Resources.QueueName)
	s.Ingress.Resources.DLQName = envOrDefault("INGRESS_DLQ", s.Ingress.Resources.DLQName)
	s.Ingress.OutboundTopic = envOrDefault("INGRESS_OUTBOUND_TOPIC", s.Ingress.OutboundTopic)

	s.Pulse.ServiceID = envOrDefault("PULSE_SERVICE_ID", s.Pulse.ServiceID)
	if urls := envCSV("PULSE_URLS", nil); len(urls) > 0 && s.Pulse.ServiceID != "" {
		if s.Pulse.Instances == nil {
			s.Pulse.Instances = map[string][]string{}
		}
		s.Pulse.Instances[s.Pulse.ServiceID] = urls
	}
	s.Pulse.URLSuffix = envOrDefault("PULSE_URL_SUFFIX", s.Pulse.URLSuffix)
	s.JWT.Secret = envOrDefault("JWT_SECRET", s.JWT.Secret)
	s.S3.Bucket = envOrDefault("S3_BUCKET", s.S3.Bucket)
	s.ListenAddr = envOrDefault("LISTEN_ADDR", s.ListenAddr)

	var err error
	if s.Egress.ConcurrentConsumers, err = envInt("EGRESS_CONCURRENT_CONSUMERS", s.Egress.ConcurrentConsumers); err != nil {
		return err
	}
	if s.Ingress.ConcurrentConsumers, err = envInt("INGRESS_CONCURRENT_CONSUMERS", s.Ingress.ConcurrentConsumers); err != nil {
		return err
	}
	if s.S3.Local, err = envBool("S3_LOCAL", s.S3.Local); err != nil {
		return err
	}
	if s.Pulse.Timeout, err = envDuration("PULSE_TIMEOUT", s.Pulse.Timeout); err != nil {
		return err
	}
	return nil
}

func envOrDefault(key string, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := envOrDefault(key, "")
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s%s", envPrefix, key)
	}
	return i, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := envOrDefault(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s%s", envPrefix, key)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := envOrDefault(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s%s", envPrefix, key)
	}
	return d, nil
}

func envCSV(key string, fallback []string) []string {
	v := envOrDefault(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
