/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Submission identifies a shipment accepted through the HTTP API
type Submission struct {
	BusinessKey string `json:"businessKey"`
	// Id Pulse assigned to the stored event, empty when Pulse did not return one
	EventID string `json:"eventId,omitempty"`
}

// IShipmentSubmitter accepts shipment XML from outside the queues
type IShipmentSubmitter interface {
	// Submit stores body in Pulse and publishes it on the outbound topic
	Submit(ctx context.Context, body []byte) (*Submission, error)
}

// ShipmentService is the synchronous path through the bridge used by the HTTP API
type ShipmentService struct {
	settings  *Settings
	pulse     PulseAPI
	publisher IPublisher
	encoder   Encoder
}

// NewShipmentService creates a service posting to pulse and publishing with publisher
func NewShipmentService(settings *Settings, pulse PulseAPI, publisher IPublisher) *ShipmentService {
	return &ShipmentService{settings: settings, pulse: pulse, publisher: publisher}
}

// Submit implements IShipmentSubmitter. Malformed XML and envelopes rejected by the validator are
// returned as *ValidationError.
func (s *ShipmentService) Submit(ctx context.Context, body []byte) (*Submission, error) {
	event, shipmentEvent, err := s.encoder.Encode(ctx, s.settings.Egress, body)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	stored, err := s.pulse.PostEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	submission := &Submission{BusinessKey: event.EventContext.BusinessKeyValue, EventID: stored.EventID()}
	if submission.EventID == "" {
		getLogger(ctx, s.settings).Warn(nil, "Pulse returned no event id", LoggingFields{
			"business_key": submission.BusinessKey,
		})
	}
	headers := map[string]string{
		BusinessKeyAttribute: submission.BusinessKey,
		EventTypeAttribute:   shipmentEvent.EventType(),
	}
	if err := s.publisher.Publish(ctx, s.settings.Ingress.OutboundTopic, body, headers); err != nil {
		return nil, errors.Wrap(err, "failed to publish shipment event")
	}
	return submission, nil
}

// Bridge wires every component of pulsebridge from one Settings value
type Bridge struct {
	settings     *Settings
	sessionCache *AWSSessionsCache
	s3           s3iface.S3API
	sqs          sqsiface.SQSAPI

	Store       *PayloadStore
	Pulse       *PulseClient
	Publisher   IPublisher
	Registry    *RouteRegistry
	Runner      *RouteRunner
	Shipments   *ShipmentService
	Provisioner *Provisioner
}

// NewBridge builds the AWS clients, the Pulse client and the egress and ingress routes
func NewBridge(settings *Settings) (*Bridge, error) {
	settings.initDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	sessionCache := NewAWSSessionsCache()
	awsClient := newAWSClient(sessionCache, settings)
	s3Client := newS3Client(sessionCache, settings)
	store := NewPayloadStore(s3Client, settings)
	pulse := NewPulseClient(settings, nil)
	publisher := NewPublisher(sessionCache, settings, store)

	registry := NewRouteRegistry()
	routes := []*Route{
		{
			Name:      EgressRouteName,
			Settings:  settings.Egress,
			Processor: NewEgressProcessor(settings, awsClient, pulse, store),
		},
		{
			Name:      IngressRouteName,
			Settings:  settings.Ingress,
			Processor: NewIngressProcessor(settings, awsClient, pulse, publisher),
		},
	}
	for _, route := range routes {
		if err := registry.Register(route); err != nil {
			return nil, err
		}
	}

	return &Bridge{
		settings:     settings,
		sessionCache: sessionCache,
		s3:           s3Client,
		sqs:          sqs.New(sessionCache.GetSession(settings)),
		Store:        store,
		Pulse:        pulse,
		Publisher:    publisher,
		Registry:     registry,
		Runner:       NewRouteRunner(sessionCache, settings, registry),
		Shipments:    NewShipmentService(settings, pulse, publisher),
		Provisioner:  NewProvisioner(sessionCache, settings),
	}, nil
}

// Run consumes every route until ctx is cancelled. The in-memory S3 is seeded and rescanned first
// when configured.
func (b *Bridge) Run(ctx context.Context) error {
	if local, ok := b.s3.(*LocalS3); ok && b.settings.S3.RescanDir != "" {
		local.StartRescan(ctx, b.settings.S3.RescanDir, b.settings.S3.RescanInterval)
	}
	return b.Runner.Start(ctx, ListenRequest{})
}

// Provision creates the queues, topics, subscriptions and payload bucket of every route
func (b *Bridge) Provision(ctx context.Context) error {
	logger := getLogger(ctx, b.settings)
	for _, route := range b.Registry.Routes() {
		resources, err := b.Provisioner.EnsureResources(ctx, route.Settings.Resources)
		if err != nil {
			return errors.Wrapf(err, "route %s", route.Name)
		}
		logger.Info("Provisioned route", LoggingFields{
			"route":     route.Name,
			"queue_url": resources.QueueURL,
			"topic_arn": resources.TopicArn,
		})
	}
	if _, err := b.Provisioner.EnsureTopic(ctx, b.settings.Ingress.OutboundTopic); err != nil {
		return err
	}
	return b.Store.EnsureBucket(ctx)
}

// HealthChecks reports the Pulse circuit and the reachability of every route queue
func (b *Bridge) HealthChecks() []HealthCheck {
	checks := []HealthCheck{PulseCircuitCheck(b.Pulse)}
	for _, route := range b.Registry.Routes() {
		queueName := getSQSQueueName(b.settings, route.Settings.Resources.QueueName)
		checks = append(checks, HealthCheck{
			Name: "sqs:" + route.Name,
			Check: func(ctx context.Context) error {
				_, err := b.sqs.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
				return err
			},
		})
	}
	return checks
}

// Serve runs the routes and the HTTP server until ctx is cancelled or either fails
func (b *Bridge) Serve(ctx context.Context) error {
	server := NewServer(b.settings, b.Shipments, b.HealthChecks()...)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	return g.Wait()
}
