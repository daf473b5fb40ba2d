/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
)

// ProvisionedResources are the identifiers of a route's AWS resources
type ProvisionedResources struct {
	TopicArn        string
	QueueURL        string
	QueueArn        string
	DLQURL          string
	DLQArn          string
	SubscriptionArn string
}

// Provisioner creates the SNS/SQS resources of routes. Every call is idempotent.
type Provisioner struct {
	sns      snsiface.SNSAPI
	sqs      sqsiface.SQSAPI
	settings *Settings
}

// NewProvisioner creates a provisioner for the account in settings
func NewProvisioner(sessionCache *AWSSessionsCache, settings *Settings) *Provisioner {
	settings.initDefaults()
	awsSession := sessionCache.GetSession(settings)
	return &Provisioner{
		sns:      sns.New(awsSession),
		sqs:      sqs.New(awsSession),
		settings: settings,
	}
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

func (p *Provisioner) createQueue(ctx context.Context, name string, attributes map[string]*string) (url string,
	arn string, err error) {

	queueName := getSQSQueueName(p.settings, name)
	out, err := p.sqs.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(queueName),
		Attributes: attributes,
	})
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to create queue %s", queueName)
	}
	attrs, err := p.sqs.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       out.QueueUrl,
		AttributeNames: []*string{aws.String(sqs.QueueAttributeNameQueueArn)},
	})
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to read attributes of queue %s", queueName)
	}
	return aws.StringValue(out.QueueUrl), aws.StringValue(attrs.Attributes[sqs.QueueAttributeNameQueueArn]), nil
}

// EnsureTopic creates the SNS topic and returns its ARN
func (p *Provisioner) EnsureTopic(ctx context.Context, topicName string) (string, error) {
	out, err := p.sns.CreateTopicWithContext(ctx, &sns.CreateTopicInput{Name: aws.String(topicName)})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create topic %s", topicName)
	}
	return aws.StringValue(out.TopicArn), nil
}

// queuePolicy allows topicArn to deliver to queueArn
func queuePolicy(queueArn string, topicArn string) (string, error) {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Sid":       "AllowSNSDelivery",
				"Effect":    "Allow",
				"Principal": map[string]string{"Service": "sns.amazonaws.com"},
				"Action":    "sqs:SendMessage",
				"Resource":  queueArn,
				"Condition": map[string]interface{}{
					"ArnEquals": map[string]string{"aws:SourceArn": topicArn},
				},
			},
		},
	}
	b, err := json.Marshal(policy)
	return string(b), err
}

// EnsureResources creates the DLQ, the queue redriving into it, the topic and a raw delivery
// subscription of the queue to the topic. Without a topic name only the queues are created.
func (p *Provisioner) EnsureResources(ctx context.Context, resources MessagingResources) (*ProvisionedResources, error) {
	if resources.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	out := &ProvisionedResources{}
	queueAttributes := map[string]*string{}

	if resources.DLQName != "" {
		dlqURL, dlqArn, err := p.createQueue(ctx, resources.DLQName, nil)
		if err != nil {
			return nil, err
		}
		out.DLQURL, out.DLQArn = dlqURL, dlqArn

		policy, err := json.Marshal(redrivePolicy{
			DeadLetterTargetArn: dlqArn,
			MaxReceiveCount:     strconv.Itoa(p.settings.DLQMaxReceiveCount),
		})
		if err != nil {
			return nil, err
		}
		queueAttributes[sqs.QueueAttributeNameRedrivePolicy] = aws.String(string(policy))
	}

	queueURL, queueArn, err := p.createQueue(ctx, resources.QueueName, queueAttributes)
	if err != nil {
		return nil, err
	}
	out.QueueURL, out.QueueArn = queueURL, queueArn

	if resources.TopicName == "" {
		return out, nil
	}

	topicArn, err := p.EnsureTopic(ctx, resources.TopicName)
	if err != nil {
		return nil, err
	}
	out.TopicArn = topicArn

	policy, err := queuePolicy(queueArn, topicArn)
	if err != nil {
		return nil, err
	}
	_, err = p.sqs.SetQueueAttributesWithContext(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: map[string]*string{sqs.QueueAttributeNamePolicy: aws.String(policy)},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to set policy of queue %s", resources.QueueName)
	}

	subscriptionAttributes := map[string]*string{"RawMessageDelivery": aws.String("true")}
	if resources.FilterPolicy != "" {
		subscriptionAttributes["FilterPolicy"] = aws.String(resources.FilterPolicy)
	}
	sub, err := p.sns.SubscribeWithContext(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(topicArn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueArn),
		Attributes:            subscriptionAttributes,
		ReturnSubscriptionArn: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe queue %s to topic %s", resources.QueueName, resources.TopicName)
	}
	out.SubscriptionArn = aws.StringValue(sub.SubscriptionArn)
	return out, nil
}
