/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTraceContext(t *testing.T) {
	span := &Span{TraceID: "a1b2c3d4e5f60718", SpanID: "0102030405060708", Sampled: true}
	assert.Equal(t, "v1:a1b2c3d4e5f60718:0102030405060708:1", EncodeTraceContext(span))

	span.Sampled = false
	assert.Equal(t, "v1:a1b2c3d4e5f60718:0102030405060708:0", EncodeTraceContext(span))

	assert.Equal(t, "", EncodeTraceContext(nil))
}

func TestEncodeTraceContextEscapesColons(t *testing.T) {
	span := &Span{TraceID: "a:b", SpanID: "c", Sampled: true}
	encoded := EncodeTraceContext(span)
	assert.Equal(t, "v1:a%3Ab:c:1", encoded)

	decoded, err := DecodeTraceContext(encoded)
	require.NoError(t, err)
	assert.Equal(t, &SpanContext{TraceID: "a:b", SpanID: "c", Sampled: true}, decoded)
}

func TestDecodeTraceContext(t *testing.T) {
	decoded, err := DecodeTraceContext("v1:20f78a4c0a1c7662:c0bb9d174f23ae9d:1")
	require.NoError(t, err)
	assert.Equal(t, &SpanContext{TraceID: "20f78a4c0a1c7662", SpanID: "c0bb9d174f23ae9d", Sampled: true}, decoded)

	decoded, err = DecodeTraceContext("v1:20f78a4c0a1c7662:c0bb9d174f23ae9d:0")
	require.NoError(t, err)
	assert.False(t, decoded.Sampled)

	// anything but 0 is sampled
	decoded, err = DecodeTraceContext("v1:20f78a4c0a1c7662:c0bb9d174f23ae9d:true")
	require.NoError(t, err)
	assert.True(t, decoded.Sampled)
}

func TestDecodeTraceContextInvalid(t *testing.T) {
	cases := []string{
		"",
		"v1:abc:def",
		"v2:abc:def:1",
		"v1::def:1",
		"v1:abc::1",
		"v1:a:b:c:1",
		"garbage",
	}
	for _, c := range cases {
		decoded, err := DecodeTraceContext(c)
		assert.Error(t, err, c)
		assert.Nil(t, decoded, c)
	}
}

func TestSpanStack(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, CurrentSpan(ctx))

	rootCtx, root := StartSpan(ctx, "root")
	assert.Len(t, root.TraceID, 16)
	assert.Len(t, root.SpanID, 16)
	assert.Empty(t, root.ParentSpanID)
	assert.True(t, root.Sampled)
	assert.Equal(t, root, CurrentSpan(rootCtx))

	childCtx, child := StartSpan(rootCtx, "child")
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
	assert.Equal(t, child, CurrentSpan(childCtx))

	popped := CompleteSpan(childCtx)
	assert.Equal(t, root, CurrentSpan(popped))
	assert.Nil(t, CurrentSpan(CompleteSpan(popped)))

	// completing an empty stack is a no-op
	assert.Nil(t, CurrentSpan(CompleteSpan(ctx)))
}

func TestContinueTrace(t *testing.T) {
	ctx, span := ContinueTrace(context.Background(), "v1:a1b2c3d4e5f60718:0102030405060708:0", "ingress")
	assert.Equal(t, "a1b2c3d4e5f60718", span.TraceID)
	assert.Equal(t, "0102030405060708", span.ParentSpanID)
	assert.Equal(t, "ingress", span.SpanName)
	assert.False(t, span.Sampled)
	assert.Equal(t, span, CurrentSpan(ctx))
}

func TestContinueTraceBadHeaderStartsNewTrace(t *testing.T) {
	logger := &FakeLogger{}
	ctx := withGetLogger(context.Background(), func(_ context.Context) Logger { return logger })

	_, span := ContinueTrace(ctx, "nope", "ingress")
	assert.NotEmpty(t, span.TraceID)
	assert.Empty(t, span.ParentSpanID)
	assert.True(t, span.Sampled)
	require.Len(t, logger.warnings, 1)
	assert.Equal(t, "Unable to decode trace context", logger.warnings[0])

	// a missing header is not worth a warning
	_, span = ContinueTrace(ctx, "", "ingress")
	assert.NotEmpty(t, span.TraceID)
	assert.Len(t, logger.warnings, 1)
}

func TestCompleteSpanLogsThroughBoundLogger(t *testing.T) {
	hook := test.NewGlobal()
	logrus.StandardLogger().Out = ioutil.Discard
	defer hook.Reset()

	logger := &FakeLogger{}
	ctx := withGetLogger(context.Background(), func(_ context.Context) Logger { return logger })
	ctx, _ = StartSpan(ctx, "POST /shipments")
	CompleteSpan(ctx)

	assert.Equal(t, []string{"span completed"}, logger.debugs)
	assert.Empty(t, hook.Entries)
}

func TestTraceAttributes(t *testing.T) {
	assert.Empty(t, traceAttributes(context.Background()))

	ctx, span := StartSpan(context.Background(), "publish")
	attributes := traceAttributes(ctx)
	assert.Equal(t, EncodeTraceContext(span), attributes[TraceAttributeName])
}

func TestSQSStringAttributes(t *testing.T) {
	message := &sqs.Message{
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"foo":    {DataType: aws.String("String"), StringValue: aws.String("bar")},
			"binary": {DataType: aws.String("Binary"), BinaryValue: []byte("x")},
		},
	}
	assert.Equal(t, map[string]string{"foo": "bar"}, sqsStringAttributes(message))
}

func TestLambdaStringAttributes(t *testing.T) {
	attributes := map[string]interface{}{
		TraceAttributeName: map[string]interface{}{"Type": "String", "Value": "v1:a:b:1"},
		"bad":              "not-a-map",
	}
	assert.Equal(t, map[string]string{TraceAttributeName: "v1:a:b:1"}, lambdaStringAttributes(attributes))
}

func TestB3Headers(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://pulse", nil)
	require.NoError(t, err)

	span := &Span{TraceID: "t1", SpanID: "s1", ParentSpanID: "p1", Sampled: true}
	setB3Headers(req, span)
	assert.Equal(t, "t1", req.Header.Get(HeaderTraceID))
	assert.Equal(t, "s1", req.Header.Get(HeaderSpanID))
	assert.Equal(t, "p1", req.Header.Get(HeaderParentSpanID))
	assert.Equal(t, "1", req.Header.Get(HeaderSampled))

	sc := spanContextFromB3(req.Header)
	assert.Equal(t, &SpanContext{TraceID: "t1", SpanID: "s1", Sampled: true}, sc)

	assert.Nil(t, spanContextFromB3(http.Header{}))
}
