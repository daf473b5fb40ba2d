/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
)

// ListenRequest represents a request to listen for messages
type ListenRequest struct {
	NumMessages        uint32 // defaults to the route's NumMessages
	VisibilityTimeoutS uint32 // defaults to the route's VisibilityTimeoutS, then queue configuration
	LoopCount          uint32 // defaults to infinite loops
}

// IQueueConsumer represents a route's SQS consumer
type IQueueConsumer interface {
	// ListenForMessages starts a listener on the route's queue
	//
	// This function never returns by default. Possible shutdown methods:
	// 1. Cancel the context - returns immediately.
	// 2. Set a deadline on the context of less than ShutdownTimeout - returns after processing current messages.
	// 3. Run for limited number of loops by setting LoopCount on the request - returns after running loop a finite
	// number of times
	ListenForMessages(ctx context.Context, request *ListenRequest) error
}

// ILambdaConsumer represents a lambda event consumer
type ILambdaConsumer interface {
	// HandleLambdaEvent processes the records of an SNS event with the route's processor
	HandleLambdaEvent(ctx context.Context, snsEvent events.SNSEvent) error
}

type consumer struct {
	awsClient iAmazonWebServicesClient
	settings  *Settings
	route     *Route
}
