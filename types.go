/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// LambdaRequest contains request objects for a lambda
type LambdaRequest struct {
	// Context for request
	Context context.Context
	// SNS record for this request
	EventRecord *events.SNSEventRecord
}

// SQSRequest contains request objects for a SQS handler
type SQSRequest struct {
	// Context for request
	Context context.Context
	// SQS message for this request
	QueueMessage *sqs.Message
}

// Exchange is a single message travelling through a route
type Exchange struct {
	// Route the message arrived on
	Route string
	// Message body, after hooks and SNS envelope unwrapping
	Body string
	// String message attributes
	Attributes map[string]string
	// SQS or SNS message id
	MessageID string
	// SQS receipt handle, empty for lambda
	ReceiptHandle string
}

// Processor handles one exchange. Returning nil acknowledges the message; ErrRetry leaves it on the
// queue without logging an error.
type Processor func(ctx context.Context, exchange *Exchange) error

// MessageDefaultHeadersHook is called to return default headers per message
type MessageDefaultHeadersHook func(ctx context.Context, topic string) map[string]string

// PreProcessHookLambda is called on a sns event before any processing happens for a lambda.
// This hook may be used to perform initializations such as set up a global request id based on message headers.
type PreProcessHookLambda func(r *LambdaRequest) error

// PreProcessHookSQS is called on a message before any processing happens for a SQS queue.
// This hook may be used to perform initializations such as set up a global request id based on message headers.
type PreProcessHookSQS func(r *SQSRequest) error

// PreSerializeHook is called before a message body is published.
// This hook may be used to modify the format over the wire.
type PreSerializeHook func(ctx context.Context, messageData *string) error

// PostDeserializeHook is called after a message body is received, before it is decoded.
// This hook may be used to modify the format over the wire.
type PostDeserializeHook func(ctx context.Context, messageData *string) error
