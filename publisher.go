/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// IPublisher handles all publish related functions
type IPublisher interface {
	// Publish sends body to an SNS topic name or ARN with headers as message attributes
	Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error
}

// Publisher publishes shipment events on SNS
type Publisher struct {
	awsClient iAmazonWebServicesClient
	settings  *Settings
	// nil disables offloading
	store *PayloadStore
}

// Publish a message on SNS. Default headers from MessageDefaultHeadersHook are overridden by headers;
// the trace context of the current span is always attached. Bodies above S3.OffloadThreshold are
// written to S3 and replaced by a pointer when a payload store is configured.
func (p *Publisher) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	attributes := map[string]string{}
	if p.settings.MessageDefaultHeadersHook != nil {
		for k, v := range p.settings.MessageDefaultHeadersHook(ctx, topic) {
			attributes[k] = v
		}
	}
	for k, v := range headers {
		attributes[k] = v
	}
	for k, v := range traceAttributes(ctx) {
		attributes[k] = v
	}

	payload := string(body)
	if p.settings.PreSerializeHook != nil {
		if err := p.settings.PreSerializeHook(ctx, &payload); err != nil {
			return errors.Wrap(err, "Failed to process pre serialize hook")
		}
	}

	if p.store != nil {
		out, offloaded, err := p.store.Offload(ctx, payload)
		if err != nil {
			return err
		}
		if offloaded {
			attributes[PayloadOffloadedAttribute] = "true"
		}
		payload = out
	}

	topicArn := topic
	if !strings.HasPrefix(topic, "arn:") {
		topicArn = getSNSTopic(p.settings, topic)
	}
	return p.awsClient.PublishSNS(ctx, p.settings, topicArn, payload, attributes)
}

// NewPublisher creates a new Publisher. store may be nil.
func NewPublisher(sessionCache *AWSSessionsCache, settings *Settings, store *PayloadStore) IPublisher {
	settings.initDefaults()

	return &Publisher{
		awsClient: newAWSClient(sessionCache, settings),
		settings:  settings,
		store:     store,
	}
}
