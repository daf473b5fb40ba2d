/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// iAmazonWebServicesClient represents an interface to the AWS client
type iAmazonWebServicesClient interface {
	FetchAndProcessMessages(ctx context.Context, settings *Settings, route *Route, numMessages uint32,
		visibilityTimeoutS uint32) error
	HandleLambdaEvent(ctx context.Context, settings *Settings, route *Route, snsEvent events.SNSEvent) error
	PublishSNS(ctx context.Context, settings *Settings, topicArn string, payload string,
		attributes map[string]string) error
	SendSQS(ctx context.Context, settings *Settings, queueName string, body string,
		attributes map[string]string) error
}

// awsClient wrapper struct
type awsClient struct {
	sns snsiface.SNSAPI
	sqs sqsiface.SQSAPI
}

func (a *awsClient) processSQSMessage(ctx context.Context, settings *Settings, route *Route,
	queueMessage *sqs.Message, queueURL *string) {

	fields := LoggingFields{"route": route.Name, "message_sqs_id": aws.StringValue(queueMessage.MessageId)}
	sqsRequest := &SQSRequest{
		Context:      ctx,
		QueueMessage: queueMessage,
	}
	if settings.PreProcessHookSQS != nil {
		if err := settings.PreProcessHookSQS(sqsRequest); err != nil {
			getLogger(ctx, settings).Error(err, "Failed to execute pre process hook for message", fields)
			return
		}
	}

	err := a.messageHandler(
		sqsRequest.Context, settings, route, aws.StringValue(queueMessage.Body), sqsStringAttributes(queueMessage),
		aws.StringValue(queueMessage.MessageId), aws.StringValue(queueMessage.ReceiptHandle),
	)
	switch errors.Cause(err) {
	case nil:
		_, err := a.sqs.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      queueURL,
			ReceiptHandle: queueMessage.ReceiptHandle,
		})
		if err != nil {
			getLogger(ctx, settings).Error(err, "Failed to delete message", fields)
		}
	case ErrRetry:
		getLogger(ctx, settings).Debug("Retrying due to exception", fields)
	default:
		getLogger(ctx, settings).Error(err, "Retrying due to unknown exception", fields)
	}
}

// FetchAndProcessMessages receives one batch from the route's queue and processes every message in
// its own goroutine. Messages are deleted only when the route processor returns nil.
func (a *awsClient) FetchAndProcessMessages(ctx context.Context, settings *Settings, route *Route,
	numMessages uint32, visibilityTimeoutS uint32) error {

	queueName := getSQSQueueName(settings, route.Settings.Resources.QueueName)
	queueURL, err := a.getSQSQueueURL(ctx, queueName)
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}

	input := &sqs.ReceiveMessageInput{
		MaxNumberOfMessages:   aws.Int64(int64(numMessages)),
		QueueUrl:              queueURL,
		WaitTimeSeconds:       aws.Int64(settings.WaitTimeSeconds),
		MessageAttributeNames: []*string{aws.String(sqs.QueueAttributeNameAll)},
	}
	if visibilityTimeoutS != 0 {
		input.VisibilityTimeout = aws.Int64(int64(visibilityTimeoutS))
	}

	out, err := a.sqs.ReceiveMessageWithContext(ctx, input)
	if err != nil {
		return errors.Wrap(err, "failed to receive SQS message")
	}
	wg := errgroup.Group{}
	for i := range out.Messages {
		select {
		case <-ctx.Done():
			// Do nothing
		default:
			message := out.Messages[i]
			wg.Go(func() error {
				a.processSQSMessage(ctx, settings, route, message, queueURL)
				return nil
			})
		}
	}
	_ = wg.Wait()
	// if context was canceled, signal appropriately
	return ctx.Err()
}

func (a *awsClient) processSNSRecord(settings *Settings, route *Route, request *LambdaRequest) error {
	fields := LoggingFields{"route": route.Name, "message_sns_id": request.EventRecord.SNS.MessageID}
	if settings.PreProcessHookLambda != nil {
		if err := settings.PreProcessHookLambda(request); err != nil {
			getLogger(request.Context, settings).Error(err, "Failed to execute pre process hook for lambda event", fields)
			return errors.Wrapf(err, "failed to execute pre process hook")
		}
	}

	entity := request.EventRecord.SNS
	err := a.messageHandler(
		request.Context, settings, route, entity.Message, lambdaStringAttributes(entity.MessageAttributes),
		entity.MessageID, "",
	)
	if err != nil {
		getLogger(request.Context, settings).Error(err, "Failed to process lambda event", fields)
		return err
	}
	return nil
}

// HandleLambdaEvent processes every record of an SNS lambda event concurrently. The first failure is
// returned so that lambda retries the event.
func (a *awsClient) HandleLambdaEvent(ctx context.Context, settings *Settings, route *Route,
	snsEvent events.SNSEvent) error {

	wg, childCtx := errgroup.WithContext(ctx)
	for i := range snsEvent.Records {
		request := &LambdaRequest{
			Context:     childCtx,
			EventRecord: &snsEvent.Records[i],
		}
		select {
		case <-ctx.Done():
			// Do nothing
		default:
			wg.Go(func() error {
				return a.processSNSRecord(settings, route, request)
			})
		}
	}

	err := wg.Wait()
	if ctx.Err() != nil {
		// if context was canceled, signal appropriately
		return ctx.Err()
	}
	return err
}

// PublishSNS handles publishing to AWS SNS
func (a *awsClient) PublishSNS(ctx context.Context, settings *Settings, topicArn string, payload string,
	attributes map[string]string) error {

	_, err := a.sns.PublishWithContext(
		ctx,
		&sns.PublishInput{
			TopicArn:          aws.String(topicArn),
			Message:           aws.String(payload),
			MessageAttributes: snsMessageAttributes(attributes),
		})
	return errors.Wrap(err, "Failed to publish message to SNS")
}

// SendSQS sends a message straight to a queue, i.e. a dead letter queue
func (a *awsClient) SendSQS(ctx context.Context, settings *Settings, queueName string, body string,
	attributes map[string]string) error {

	queueURL, err := a.getSQSQueueURL(ctx, getSQSQueueName(settings, queueName))
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}
	_, err = a.sqs.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:          queueURL,
		MessageBody:       aws.String(body),
		MessageAttributes: sqsMessageAttributes(attributes),
	})
	return errors.Wrap(err, "Failed to send message to SQS")
}

func (a *awsClient) getSQSQueueURL(ctx context.Context, queueName string) (*string, error) {
	out, err := a.sqs.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: &queueName,
	})
	if err != nil {
		return nil, err
	}
	return out.QueueUrl, nil
}

func (a *awsClient) messageHandler(ctx context.Context, settings *Settings, route *Route, body string,
	attributes map[string]string, messageID string, receipt string) error {

	if settings.PostDeserializeHook != nil {
		if err := settings.PostDeserializeHook(ctx, &body); err != nil {
			return errors.Wrapf(err, "post deserialize hook failed")
		}
	}
	body = unwrapSNSEnvelope(body, attributes)

	ctx = withGetLogger(ctx, settings.GetLogger)
	ctx, _ = ContinueTrace(ctx, attributes[TraceAttributeName], route.Name)
	defer CompleteSpan(ctx)

	settings.Metrics.messageReceived(route.Name)
	err := route.Processor(ctx, &Exchange{
		Route:         route.Name,
		Body:          body,
		Attributes:    attributes,
		MessageID:     messageID,
		ReceiptHandle: receipt,
	})
	switch errors.Cause(err) {
	case nil:
		settings.Metrics.messageProcessed(route.Name)
	case ErrRetry:
	default:
		settings.Metrics.messageFailed(route.Name)
	}
	return err
}

func newAWSClient(sessionCache *AWSSessionsCache, settings *Settings) iAmazonWebServicesClient {
	awsSession := sessionCache.GetSession(settings)
	awsClient := awsClient{
		sns: sns.New(awsSession),
		sqs: sqs.New(awsSession),
	}
	return &awsClient
}

// newS3Client returns the in-memory S3 when settings.S3.Local is set
func newS3Client(sessionCache *AWSSessionsCache, settings *Settings) s3iface.S3API {
	if settings.S3.Local {
		return NewLocalS3(settings.S3.Bucket)
	}
	return s3.New(sessionCache.GetSession(settings))
}
