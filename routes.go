/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

const (
	// EgressRouteName names the SQS to Pulse route
	EgressRouteName = "egress"
	// IngressRouteName names the Pulse to SNS route
	IngressRouteName = "ingress"

	// SQS allows at most 10 message attributes
	maxSQSMessageAttributes = 10
)

// Route binds a queue to the processor handling its messages
type Route struct {
	Name      string
	Settings  RouteSettings
	Processor Processor
}

// deadLetterer moves messages that can never succeed to the route's DLQ
type deadLetterer struct {
	awsClient iAmazonWebServicesClient
	settings  *Settings
	route     RouteSettings
}

// deadLetter sends the original body and attributes to the DLQ and returns nil so the message is
// deleted. Without a DLQ the cause is returned and SQS redrive applies.
func (d *deadLetterer) deadLetter(ctx context.Context, exchange *Exchange, cause error) error {
	if d.route.Resources.DLQName == "" {
		return cause
	}
	attributes := deadLetterAttributes(exchange.Attributes)
	attributes[DeadLetterReasonAttribute] = cause.Error()
	if err := d.awsClient.SendSQS(ctx, d.settings, d.route.Resources.DLQName, exchange.Body, attributes); err != nil {
		return errors.Wrap(err, "failed to dead letter message")
	}
	d.settings.Metrics.messageDeadLettered(exchange.Route)
	getLogger(ctx, d.settings).Error(cause, "Message moved to dead letter queue", LoggingFields{
		"route":          exchange.Route,
		"message_sqs_id": exchange.MessageID,
		"dlq":            d.route.Resources.DLQName,
	})
	return nil
}

// deadLetterAttributes keeps the trace context and then as many other attributes, in key order, as fit
// next to the dead letter reason
func deadLetterAttributes(source map[string]string) map[string]string {
	attributes := make(map[string]string, maxSQSMessageAttributes)
	if trace, ok := source[TraceAttributeName]; ok {
		attributes[TraceAttributeName] = trace
	}
	keys := make([]string, 0, len(source))
	for k := range source {
		if k != TraceAttributeName && k != DeadLetterReasonAttribute {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(attributes) >= maxSQSMessageAttributes-1 {
			break
		}
		attributes[k] = source[k]
	}
	return attributes
}

func (d *deadLetterer) onRetry(ctx context.Context, exchange *Exchange) func(attempt int, err error) {
	return func(attempt int, err error) {
		d.settings.Metrics.messageRetried(exchange.Route)
		getLogger(ctx, d.settings).Warn(err, "Redelivering failed step", LoggingFields{
			"route":          exchange.Route,
			"message_sqs_id": exchange.MessageID,
			"attempt":        attempt,
		})
	}
}

// pulseRetryPredicate also refuses to retry events the envelope schema rejected
func pulseRetryPredicate(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	return HTTPExceptionRetryPredicate(err)
}

type egressProcessor struct {
	deadLetterer
	pulse   PulseAPI
	store   *PayloadStore
	encoder Encoder
}

// NewEgressProcessor stores shipment XML received on the egress queue as Pulse events. Failed posts
// are redelivered per the route's policy; exhausted or non-retryable messages are dead lettered.
func NewEgressProcessor(settings *Settings, awsClient iAmazonWebServicesClient, pulse PulseAPI,
	store *PayloadStore) Processor {

	p := &egressProcessor{
		deadLetterer: deadLetterer{awsClient: awsClient, settings: settings, route: settings.Egress},
		pulse:        pulse,
		store:        store,
	}
	return p.Process
}

func (p *egressProcessor) Process(ctx context.Context, exchange *Exchange) error {
	body := exchange.Body
	if exchange.Attributes[PayloadOffloadedAttribute] == "true" {
		if p.store == nil {
			return p.deadLetter(ctx, exchange, errors.New("payload offloaded but no payload store configured"))
		}
		resolved, err := p.store.Resolve(ctx, body)
		if err != nil {
			return err
		}
		body = resolved
	}

	event, _, err := p.encoder.Encode(ctx, p.route, []byte(body))
	if err != nil {
		return p.deadLetter(ctx, exchange, err)
	}

	var stored *Pulse
	err = p.route.Redelivery.Do(ctx, pulseRetryPredicate, p.onRetry(ctx, exchange), func(ctx context.Context) error {
		s, err := p.pulse.PostEvent(ctx, event)
		stored = s
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.deadLetter(ctx, exchange, err)
	}
	getLogger(ctx, p.settings).Info("Stored shipment event", LoggingFields{
		"route":          exchange.Route,
		"message_sqs_id": exchange.MessageID,
		"business_key":   event.EventContext.BusinessKeyValue,
		"event_id":       stored.EventID(),
	})
	return nil
}

type ingressProcessor struct {
	deadLetterer
	pulse     PulseAPI
	publisher IPublisher
}

// NewIngressProcessor resolves Pulse notifications into stored events and publishes their shipment XML
// on the outbound SNS topic. A notification names its event in the "id" message attribute.
func NewIngressProcessor(settings *Settings, awsClient iAmazonWebServicesClient, pulse PulseAPI,
	publisher IPublisher) Processor {

	p := &ingressProcessor{
		deadLetterer: deadLetterer{awsClient: awsClient, settings: settings, route: settings.Ingress},
		pulse:        pulse,
		publisher:    publisher,
	}
	return p.Process
}

func (p *ingressProcessor) Process(ctx context.Context, exchange *Exchange) error {
	eventID := exchange.Attributes[EventIDAttribute]
	if eventID == "" {
		return p.deadLetter(ctx, exchange, errors.Errorf(
			"No event id was found in the message attributes. SNS MessageId: %s", exchange.MessageID))
	}

	var event *Pulse
	err := p.route.Redelivery.Do(ctx, pulseRetryPredicate, p.onRetry(ctx, exchange), func(ctx context.Context) error {
		e, err := p.pulse.GetEvent(ctx, eventID)
		event = e
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.deadLetter(ctx, exchange, err)
	}

	body, shipmentEvent, err := Decode(event)
	if err != nil {
		return p.deadLetter(ctx, exchange, err)
	}

	headers := map[string]string{
		BusinessKeyAttribute: event.EventContext.BusinessKeyValue,
		EventTypeAttribute:   shipmentEvent.EventType(),
	}
	if err := p.publisher.Publish(ctx, p.route.OutboundTopic, body, headers); err != nil {
		return errors.Wrap(err, "failed to publish shipment event")
	}
	getLogger(ctx, p.settings).Info("Published shipment event", LoggingFields{
		"route":          exchange.Route,
		"message_sqs_id": exchange.MessageID,
		"event_id":       eventID,
		"business_key":   event.EventContext.BusinessKeyValue,
	})
	return nil
}
