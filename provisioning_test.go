/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ProvisionerTestSuite struct {
	suite.Suite
	fakeSqs     *FakeSQS
	fakeSns     *FakeSns
	provisioner *Provisioner
}

func (suite *ProvisionerTestSuite) SetupTest() {
	suite.fakeSqs = &FakeSQS{}
	suite.fakeSns = &FakeSns{}
	settings := createTestSettings()
	settings.initDefaults()
	suite.provisioner = &Provisioner{sns: suite.fakeSns, sqs: suite.fakeSqs, settings: settings}
}

func queueArn(name string) string {
	return "arn:aws:sqs:us-east-1:1234567890:" + name
}

func queueURL(name string) string {
	return "https://sqs.us-east-1.amazonaws.com/1234567890/" + name
}

func (suite *ProvisionerTestSuite) expectQueue(ctx context.Context, name string) {
	suite.fakeSqs.On("CreateQueueWithContext", ctx, mock.MatchedBy(func(in *sqs.CreateQueueInput) bool {
		return aws.StringValue(in.QueueName) == name
	}), mock.Anything).Return(&sqs.CreateQueueOutput{QueueUrl: aws.String(queueURL(name))}, nil)
	suite.fakeSqs.On("GetQueueAttributesWithContext", ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL(name)),
		AttributeNames: []*string{aws.String(sqs.QueueAttributeNameQueueArn)},
	}, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]*string{sqs.QueueAttributeNameQueueArn: aws.String(queueArn(name))},
	}, nil)
}

func (suite *ProvisionerTestSuite) TestEnsureResources() {
	ctx := context.Background()
	topicArn := "arn:aws:sns:us-east-1:1234567890:shipment-requests"
	suite.expectQueue(ctx, "DEV-SHIPMENT-REQUESTS-DLQ")
	suite.expectQueue(ctx, "DEV-SHIPMENT-REQUESTS")
	suite.fakeSns.On("CreateTopicWithContext", ctx, &sns.CreateTopicInput{Name: aws.String("shipment-requests")}).
		Return(&sns.CreateTopicOutput{TopicArn: aws.String(topicArn)}, nil)
	suite.fakeSqs.On("SetQueueAttributesWithContext", ctx, mock.Anything, mock.Anything).
		Return(&sqs.SetQueueAttributesOutput{}, nil)
	suite.fakeSns.On("SubscribeWithContext", ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(queueArn("DEV-SHIPMENT-REQUESTS")),
		Attributes: map[string]*string{
			"RawMessageDelivery": aws.String("true"),
			"FilterPolicy":       aws.String(`{"eventType":["shipment"]}`),
		},
		ReturnSubscriptionArn: aws.Bool(true),
	}).Return(&sns.SubscribeOutput{SubscriptionArn: aws.String(topicArn + ":sub-1")}, nil)

	out, err := suite.provisioner.EnsureResources(ctx, MessagingResources{
		TopicName:    "shipment-requests",
		QueueName:    "SHIPMENT-REQUESTS",
		DLQName:      "SHIPMENT-REQUESTS-DLQ",
		FilterPolicy: `{"eventType":["shipment"]}`,
	})
	suite.Require().NoError(err)
	suite.Equal(&ProvisionedResources{
		TopicArn:        topicArn,
		QueueURL:        queueURL("DEV-SHIPMENT-REQUESTS"),
		QueueArn:        queueArn("DEV-SHIPMENT-REQUESTS"),
		DLQURL:          queueURL("DEV-SHIPMENT-REQUESTS-DLQ"),
		DLQArn:          queueArn("DEV-SHIPMENT-REQUESTS-DLQ"),
		SubscriptionArn: topicArn + ":sub-1",
	}, out)
	suite.fakeSqs.AssertExpectations(suite.T())
	suite.fakeSns.AssertExpectations(suite.T())

	// redrive policy points at the DLQ
	var createQueue *sqs.CreateQueueInput
	for _, call := range suite.fakeSqs.Calls {
		if in, ok := call.Arguments.Get(1).(*sqs.CreateQueueInput); ok && aws.StringValue(in.QueueName) == "DEV-SHIPMENT-REQUESTS" {
			createQueue = in
		}
	}
	suite.Require().NotNil(createQueue)
	policy := redrivePolicy{}
	suite.Require().NoError(json.Unmarshal(
		[]byte(aws.StringValue(createQueue.Attributes[sqs.QueueAttributeNameRedrivePolicy])), &policy))
	suite.Equal(queueArn("DEV-SHIPMENT-REQUESTS-DLQ"), policy.DeadLetterTargetArn)
	suite.Equal("5", policy.MaxReceiveCount)
}

func (suite *ProvisionerTestSuite) TestEnsureResourcesQueueOnly() {
	ctx := context.Background()
	suite.expectQueue(ctx, "DEV-SHIPMENT-REQUESTS")

	out, err := suite.provisioner.EnsureResources(ctx, MessagingResources{QueueName: "SHIPMENT-REQUESTS"})
	suite.Require().NoError(err)
	suite.Equal(queueArn("DEV-SHIPMENT-REQUESTS"), out.QueueArn)
	suite.Empty(out.TopicArn)
	suite.fakeSns.AssertNotCalled(suite.T(), "CreateTopicWithContext", mock.Anything, mock.Anything)
}

func (suite *ProvisionerTestSuite) TestEnsureResourcesCreateQueueError() {
	ctx := context.Background()
	suite.fakeSqs.On("CreateQueueWithContext", ctx, mock.Anything, mock.Anything).
		Return((*sqs.CreateQueueOutput)(nil), errors.New("denied"))

	_, err := suite.provisioner.EnsureResources(ctx, MessagingResources{QueueName: "SHIPMENT-REQUESTS"})
	suite.EqualError(err, "failed to create queue DEV-SHIPMENT-REQUESTS: denied")
}

func (suite *ProvisionerTestSuite) TestEnsureResourcesRequiresQueue() {
	_, err := suite.provisioner.EnsureResources(context.Background(), MessagingResources{TopicName: "t"})
	suite.EqualError(err, "queue name is required")
}

func (suite *ProvisionerTestSuite) TestQueuePolicy() {
	policy, err := queuePolicy("arn:queue", "arn:topic")
	suite.Require().NoError(err)
	suite.Contains(policy, `"aws:SourceArn":"arn:topic"`)
	suite.Contains(policy, `"Resource":"arn:queue"`)
}

func TestProvisionerTestSuite(t *testing.T) {
	suite.Run(t, new(ProvisionerTestSuite))
}
