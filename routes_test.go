/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type FakePulse struct {
	mock.Mock
}

func (fp *FakePulse) PostEvent(ctx context.Context, event *Pulse) (*Pulse, error) {
	args := fp.Called(ctx, event)
	return args.Get(0).(*Pulse), args.Error(1)
}

func (fp *FakePulse) GetEvent(ctx context.Context, eventID string) (*Pulse, error) {
	args := fp.Called(ctx, eventID)
	return args.Get(0).(*Pulse), args.Error(1)
}

type FakePublisher struct {
	mock.Mock
}

func (fp *FakePublisher) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	args := fp.Called(ctx, topic, body, headers)
	return args.Error(0)
}

func eventWithBusinessKey(key string) interface{} {
	return mock.MatchedBy(func(p *Pulse) bool {
		return p.EventContext.BusinessKeyValue == key
	})
}

type RoutesTestSuite struct {
	suite.Suite
	settings  *Settings
	awsClient *FakeAWSClient
	pulse     *FakePulse
	publisher *FakePublisher
}

func (suite *RoutesTestSuite) SetupTest() {
	suite.settings = createTestSettings()
	suite.settings.Metrics = NewMetrics()
	suite.settings.initDefaults()
	suite.awsClient = &FakeAWSClient{}
	suite.pulse = &FakePulse{}
	suite.publisher = &FakePublisher{}
}

func (suite *RoutesTestSuite) egressExchange(body string) *Exchange {
	return &Exchange{
		Route:      EgressRouteName,
		Body:       body,
		Attributes: map[string]string{"requestId": "123"},
		MessageID:  "m-1",
	}
}

func (suite *RoutesTestSuite) TestEgressStoresEvent() {
	ctx := context.Background()
	suite.pulse.On("PostEvent", ctx, eventWithBusinessKey("SHP-1001")).Return(&Pulse{}, nil)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, suite.egressExchange(testShipmentXML)))

	suite.pulse.AssertExpectations(suite.T())
	event := suite.pulse.Calls[0].Arguments.Get(1).(*Pulse)
	suite.Equal("shipment-events", event.EventContext.Name)
	suite.Equal("shipmentId", event.EventContext.BusinessKeyName)
	suite.Equal(EncodingGzipBase64, event.Data.Encoding)
	payload, err := event.Payload()
	suite.Require().NoError(err)
	suite.Equal(testShipmentXML, string(payload))
}

func (suite *RoutesTestSuite) TestEgressRedeliversThenSucceeds() {
	ctx := context.Background()
	suite.pulse.On("PostEvent", ctx, mock.Anything).Return((*Pulse)(nil), &HTTPError{StatusCode: 503}).Once()
	suite.pulse.On("PostEvent", ctx, mock.Anything).Return(&Pulse{}, nil).Once()

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, suite.egressExchange(testShipmentXML)))

	suite.pulse.AssertNumberOfCalls(suite.T(), "PostEvent", 2)
	suite.Equal(1.0, testutil.ToFloat64(suite.settings.Metrics.retried.WithLabelValues(EgressRouteName)))
}

func (suite *RoutesTestSuite) TestEgressDeadLettersAfterRedeliveries() {
	ctx := context.Background()
	cause := &HTTPError{Method: "POST", URL: "http://pulse/events", StatusCode: 502, Body: "bad gateway"}
	suite.pulse.On("PostEvent", ctx, mock.Anything).Return((*Pulse)(nil), cause)
	suite.awsClient.On("SendSQS", ctx, suite.settings, "SHIPMENT-REQUESTS-DLQ", testShipmentXML, map[string]string{
		"requestId":               "123",
		DeadLetterReasonAttribute: cause.Error(),
	}).Return(nil)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, suite.egressExchange(testShipmentXML)))

	// one attempt plus two redeliveries
	suite.pulse.AssertNumberOfCalls(suite.T(), "PostEvent", 3)
	suite.awsClient.AssertExpectations(suite.T())
	suite.Equal(1.0, testutil.ToFloat64(suite.settings.Metrics.deadLettered.WithLabelValues(EgressRouteName)))
}

func (suite *RoutesTestSuite) TestEgressClientErrorNotRedelivered() {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict} {
		suite.SetupTest()
		ctx := context.Background()
		suite.pulse.On("PostEvent", ctx, mock.Anything).Return((*Pulse)(nil), &HTTPError{StatusCode: status})
		suite.awsClient.On("SendSQS", ctx, suite.settings, "SHIPMENT-REQUESTS-DLQ", mock.Anything, mock.Anything).
			Return(nil)

		process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
		suite.NoError(process(ctx, suite.egressExchange(testShipmentXML)))
		suite.pulse.AssertNumberOfCalls(suite.T(), "PostEvent", 1)
		suite.awsClient.AssertExpectations(suite.T())
	}
}

func (suite *RoutesTestSuite) TestEgressValidationErrorNotRedelivered() {
	ctx := context.Background()
	suite.pulse.On("PostEvent", ctx, mock.Anything).
		Return((*Pulse)(nil), &ValidationError{Err: errors.New("bad envelope")})
	suite.awsClient.On("SendSQS", ctx, suite.settings, "SHIPMENT-REQUESTS-DLQ", mock.Anything, mock.Anything).
		Return(nil)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, suite.egressExchange(testShipmentXML)))
	suite.pulse.AssertNumberOfCalls(suite.T(), "PostEvent", 1)
}

func (suite *RoutesTestSuite) TestEgressMalformedBodyDeadLettered() {
	ctx := context.Background()
	suite.awsClient.On("SendSQS", ctx, suite.settings, "SHIPMENT-REQUESTS-DLQ", "not xml", mock.Anything).Return(nil)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, suite.egressExchange("not xml")))
	suite.pulse.AssertNotCalled(suite.T(), "PostEvent", mock.Anything, mock.Anything)
	suite.awsClient.AssertExpectations(suite.T())
}

func (suite *RoutesTestSuite) TestEgressWithoutDLQReturnsError() {
	ctx := context.Background()
	suite.settings.Egress.Resources.DLQName = ""

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.Error(process(ctx, suite.egressExchange("not xml")))
	suite.awsClient.AssertNotCalled(suite.T(), "SendSQS", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything)
}

func (suite *RoutesTestSuite) TestEgressDeadLetterFailure() {
	ctx := context.Background()
	suite.awsClient.On("SendSQS", ctx, suite.settings, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("sqs down"))

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.EqualError(process(ctx, suite.egressExchange("not xml")), "failed to dead letter message: sqs down")
}

func (suite *RoutesTestSuite) TestEgressCanceledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	suite.pulse.On("PostEvent", ctx, mock.Anything).Return((*Pulse)(nil), context.Canceled)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.Equal(context.Canceled, process(ctx, suite.egressExchange(testShipmentXML)))
	suite.awsClient.AssertNotCalled(suite.T(), "SendSQS", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything)
}

func (suite *RoutesTestSuite) TestEgressResolvesOffloadedPayload() {
	ctx := context.Background()
	suite.settings.S3.OffloadThreshold = 16
	store := NewPayloadStore(NewLocalS3(suite.settings.S3.Bucket), suite.settings)
	pointer, offloaded, err := store.Offload(ctx, testShipmentXML)
	suite.Require().NoError(err)
	suite.Require().True(offloaded)

	suite.pulse.On("PostEvent", ctx, eventWithBusinessKey("SHP-1001")).Return(&Pulse{}, nil)

	exchange := suite.egressExchange(pointer)
	exchange.Attributes[PayloadOffloadedAttribute] = "true"
	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, store)
	suite.NoError(process(ctx, exchange))
	suite.pulse.AssertExpectations(suite.T())
}

func (suite *RoutesTestSuite) TestDeadLetterKeepsTraceContext() {
	ctx := context.Background()
	exchange := suite.egressExchange("not xml")
	exchange.Attributes = map[string]string{TraceAttributeName: "v1:a:b:1"}
	for _, k := range []string{"k01", "k02", "k03", "k04", "k05", "k06", "k07", "k08", "k09", "k10", "k11"} {
		exchange.Attributes[k] = k
	}
	// the trace context and the first keys in order fit next to the reason
	expected := map[string]string{
		TraceAttributeName: "v1:a:b:1",
		"k01":              "k01",
		"k02":              "k02",
		"k03":              "k03",
		"k04":              "k04",
		"k05":              "k05",
		"k06":              "k06",
		"k07":              "k07",
		"k08":              "k08",
	}
	suite.awsClient.On("SendSQS", ctx, suite.settings, "SHIPMENT-REQUESTS-DLQ", "not xml",
		mock.MatchedBy(func(attributes map[string]string) bool {
			if len(attributes) != maxSQSMessageAttributes || attributes[DeadLetterReasonAttribute] == "" {
				return false
			}
			for k, v := range expected {
				if attributes[k] != v {
					return false
				}
			}
			return true
		})).Return(nil)

	process := NewEgressProcessor(suite.settings, suite.awsClient, suite.pulse, nil)
	suite.NoError(process(ctx, exchange))
	suite.awsClient.AssertExpectations(suite.T())
}

func (suite *RoutesTestSuite) ingressExchange(eventID string) *Exchange {
	attributes := map[string]string{}
	if eventID != "" {
		attributes[EventIDAttribute] = eventID
	}
	return &Exchange{Route: IngressRouteName, Body: "{}", Attributes: attributes, MessageID: "m-2"}
}

func (suite *RoutesTestSuite) TestIngressPublishesEvent() {
	ctx := context.Background()
	event, err := NewPulse(EventContext{Name: "shipment-events", BusinessKeyName: "orderId", BusinessKeyValue: "ORD-77"},
		[]byte(testFulfillmentStatusXML), EncodingGzipBase64)
	suite.Require().NoError(err)
	suite.pulse.On("GetEvent", ctx, "evt-1").Return(event, nil)
	suite.publisher.On("Publish", ctx, "fulfillment-status", []byte(testFulfillmentStatusXML), map[string]string{
		BusinessKeyAttribute: "ORD-77",
		EventTypeAttribute:   FulfillmentStatusEventType,
	}).Return(nil)

	process := NewIngressProcessor(suite.settings, suite.awsClient, suite.pulse, suite.publisher)
	suite.NoError(process(ctx, suite.ingressExchange("evt-1")))
	suite.pulse.AssertExpectations(suite.T())
	suite.publisher.AssertExpectations(suite.T())
}

func (suite *RoutesTestSuite) TestIngressSNSNotification() {
	ctx := context.Background()
	event, err := NewPulse(EventContext{Name: "shipment-events", BusinessKeyName: "orderId", BusinessKeyValue: "ORD-77"},
		[]byte(testFulfillmentStatusXML), EncodingBase64)
	suite.Require().NoError(err)
	suite.pulse.On("GetEvent", ctx, "evt-9").Return(event, nil)
	suite.publisher.On("Publish", ctx, "fulfillment-status", []byte(testFulfillmentStatusXML), mock.Anything).
		Return(nil)

	// the id travels inside the SNS envelope when raw delivery is off
	body := `{
		"Type": "Notification",
		"MessageId": "sns-1",
		"TopicArn": "arn:aws:sns:us-east-1:1234567890:pulse-notifications",
		"Message": "{}",
		"MessageAttributes": {"id": {"Type": "String", "Value": "evt-9"}}
	}`
	exchange := suite.ingressExchange("")
	exchange.Body = unwrapSNSEnvelope(body, exchange.Attributes)

	process := NewIngressProcessor(suite.settings, suite.awsClient, suite.pulse, suite.publisher)
	suite.NoError(process(ctx, exchange))
	suite.pulse.AssertExpectations(suite.T())
}

func (suite *RoutesTestSuite) TestIngressMissingEventIDDeadLettered() {
	ctx := context.Background()
	suite.awsClient.On("SendSQS", ctx, suite.settings, "PULSE-NOTIFICATIONS-DLQ", "{}",
		mock.MatchedBy(func(attributes map[string]string) bool {
			return attributes[DeadLetterReasonAttribute] ==
				"No event id was found in the message attributes. SNS MessageId: m-2"
		})).Return(nil)

	process := NewIngressProcessor(suite.settings, suite.awsClient, suite.pulse, suite.publisher)
	suite.NoError(process(ctx, suite.ingressExchange("")))
	suite.awsClient.AssertExpectations(suite.T())
	suite.pulse.AssertNotCalled(suite.T(), "GetEvent", mock.Anything, mock.Anything)
}

func (suite *RoutesTestSuite) TestIngressNotFoundDeadLettered() {
	ctx := context.Background()
	suite.pulse.On("GetEvent", ctx, "evt-1").Return((*Pulse)(nil), &HTTPError{StatusCode: http.StatusNotFound})
	suite.awsClient.On("SendSQS", ctx, suite.settings, "PULSE-NOTIFICATIONS-DLQ", mock.Anything, mock.Anything).
		Return(nil)

	process := NewIngressProcessor(suite.settings, suite.awsClient, suite.pulse, suite.publisher)
	suite.NoError(process(ctx, suite.ingressExchange("evt-1")))
	// 404 may be a notification racing the write, so it is redelivered
	suite.pulse.AssertNumberOfCalls(suite.T(), "GetEvent", 3)
	suite.publisher.AssertNotCalled(suite.T(), "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (suite *RoutesTestSuite) TestIngressPublishErrorLeavesMessage() {
	ctx := context.Background()
	event, err := NewPulse(testEventContext("t", "k"), []byte(testShipmentXML), EncodingGzipBase64)
	suite.Require().NoError(err)
	suite.pulse.On("GetEvent", ctx, "evt-1").Return(event, nil)
	suite.publisher.On("Publish", ctx, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("sns down"))

	process := NewIngressProcessor(suite.settings, suite.awsClient, suite.pulse, suite.publisher)
	err = process(ctx, suite.ingressExchange("evt-1"))
	suite.EqualError(err, "failed to publish shipment event: sns down")
	suite.awsClient.AssertNotCalled(suite.T(), "SendSQS", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything)
}

func TestRoutesTestSuite(t *testing.T) {
	suite.Run(t, new(RoutesTestSuite))
}
