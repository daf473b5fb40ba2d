/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type FakeMessageDefaultHeadersHook struct {
	mock.Mock
}

func (fmdhh *FakeMessageDefaultHeadersHook) MessageDefaultHeadersHook(ctx context.Context, topic string) map[string]string {
	args := fmdhh.Called(ctx, topic)
	return args.Get(0).(map[string]string)
}

type FakePreSerializeHook struct {
	mock.Mock
}

func (fpsh *FakePreSerializeHook) PreSerializeHook(ctx context.Context, messageData *string) error {
	args := fpsh.Called(ctx, messageData)
	return args.Error(0)
}

func TestPublishNoHooks(t *testing.T) {
	assertions := assert.New(t)

	ctx := context.Background()
	settings := createTestSettings()
	awsClient := &FakeAWSClient{}

	publisher := &Publisher{
		awsClient: awsClient,
		settings:  settings,
	}

	topicArn := "arn:aws:sns:us-east-1:1234567890:fulfillment-status"
	headers := map[string]string{"requestId": "123"}
	awsClient.On("PublishSNS", ctx, settings, topicArn, testFulfillmentStatusXML, headers).Return(nil)

	err := publisher.Publish(ctx, "fulfillment-status", []byte(testFulfillmentStatusXML), headers)
	assertions.Nil(err)

	awsClient.AssertExpectations(t)
}

func TestPublish(t *testing.T) {
	assertions := assert.New(t)

	fakeMessageDefaultHeadersHook := &FakeMessageDefaultHeadersHook{}
	fakePreSerializeHook := &FakePreSerializeHook{}

	ctx, span := StartSpan(context.Background(), "publish")
	settings := createTestSettings()
	settings.MessageDefaultHeadersHook = fakeMessageDefaultHeadersHook.MessageDefaultHeadersHook
	settings.PreSerializeHook = fakePreSerializeHook.PreSerializeHook
	awsClient := &FakeAWSClient{}

	publisher := &Publisher{
		awsClient: awsClient,
		settings:  settings,
	}

	topicArn := "arn:aws:sns:us-west-2:1234567890:other-account-topic"
	fakeMessageDefaultHeadersHook.On("MessageDefaultHeadersHook", ctx, topicArn).Return(
		map[string]string{"source": "pulsebridge", "requestId": "default"})
	fakePreSerializeHook.On("PreSerializeHook", ctx, mock.AnythingOfType("*string")).
		Run(func(args mock.Arguments) {
			data := args.Get(1).(*string)
			*data = strings.ToUpper(*data)
		}).
		Return(nil)

	expectedAttributes := map[string]string{
		"source":           "pulsebridge",
		"requestId":        "123",
		TraceAttributeName: EncodeTraceContext(span),
	}
	awsClient.On("PublishSNS", ctx, settings, topicArn, "<SHIPMENT/>", expectedAttributes).Return(nil)

	err := publisher.Publish(ctx, topicArn, []byte("<shipment/>"), map[string]string{"requestId": "123"})
	assertions.Nil(err)

	fakeMessageDefaultHeadersHook.AssertExpectations(t)
	fakePreSerializeHook.AssertExpectations(t)
	awsClient.AssertExpectations(t)
}

func TestPublishPreSerializeHookError(t *testing.T) {
	fakePreSerializeHook := &FakePreSerializeHook{}
	ctx := context.Background()
	settings := createTestSettings()
	settings.PreSerializeHook = fakePreSerializeHook.PreSerializeHook
	awsClient := &FakeAWSClient{}
	publisher := &Publisher{awsClient: awsClient, settings: settings}

	fakePreSerializeHook.On("PreSerializeHook", ctx, mock.Anything).Return(errors.New("nope"))

	err := publisher.Publish(ctx, "fulfillment-status", []byte("x"), nil)
	assert.EqualError(t, err, "Failed to process pre serialize hook: nope")
	awsClient.AssertNotCalled(t, "PublishSNS", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishOffloadsLargePayload(t *testing.T) {
	ctx := context.Background()
	settings := createTestSettings()
	settings.S3.OffloadThreshold = 16
	local := NewLocalS3(settings.S3.Bucket)
	awsClient := &FakeAWSClient{}
	publisher := &Publisher{awsClient: awsClient, settings: settings, store: NewPayloadStore(local, settings)}

	awsClient.On("PublishSNS", ctx, settings, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	body := strings.Repeat("a", 17)
	require.NoError(t, publisher.Publish(ctx, "fulfillment-status", []byte(body), nil))

	call := awsClient.Calls[0]
	payload := call.Arguments.String(3)
	attributes := call.Arguments.Get(4).(map[string]string)
	assert.Equal(t, "true", attributes[PayloadOffloadedAttribute])

	pointer := payloadPointer{}
	require.NoError(t, json.Unmarshal([]byte(payload), &pointer))
	assert.Equal(t, settings.S3.Bucket, pointer.Bucket)

	resolved, err := NewPayloadStore(local, settings).Resolve(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, body, resolved)
}

func TestPublishSmallPayloadNotOffloaded(t *testing.T) {
	ctx := context.Background()
	settings := createTestSettings()
	settings.S3.OffloadThreshold = 16
	awsClient := &FakeAWSClient{}
	publisher := &Publisher{
		awsClient: awsClient,
		settings:  settings,
		store:     NewPayloadStore(NewLocalS3(settings.S3.Bucket), settings),
	}

	awsClient.On("PublishSNS", ctx, settings, mock.Anything, "small", map[string]string{}).Return(nil)
	require.NoError(t, publisher.Publish(ctx, "fulfillment-status", []byte("small"), nil))
	awsClient.AssertExpectations(t)
}
