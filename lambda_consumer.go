/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
)

type lambdaConsumer struct {
	consumer
}

// HandleLambdaEvent processes the records of an SNS event with the route's processor
func (c *lambdaConsumer) HandleLambdaEvent(ctx context.Context, snsEvent events.SNSEvent) error {
	return c.awsClient.HandleLambdaEvent(ctx, c.settings, c.route, snsEvent)
}

// NewLambdaConsumer creates a new consumer object used for lambda apps
func NewLambdaConsumer(sessionCache *AWSSessionsCache, settings *Settings, route *Route) ILambdaConsumer {
	settings.initDefaults()
	return &lambdaConsumer{
		consumer: consumer{
			awsClient: newAWSClient(sessionCache, settings),
			settings:  settings,
			route:     route,
		},
	}
}
