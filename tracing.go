/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	"github.com/satori/go.uuid"
)

// Trace context wire format: v1:<traceId>:<spanId>:<1|0>
const (
	TraceContextVersion = "v1"

	// Message attribute carrying the encoded trace context on SNS and SQS messages
	TraceAttributeName = "Wingtips-XB3-TraceContext"

	HeaderTraceID      = "X-B3-TraceId"
	HeaderSpanID       = "X-B3-SpanId"
	HeaderParentSpanID = "X-B3-ParentSpanId"
	HeaderSampled      = "X-B3-Sampled"
)

const (
	traceFieldSeparator = ":"
	escapedSeparator    = "%3A"
)

// SpanContext is the part of a span that crosses process boundaries
type SpanContext struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// Span is a unit of work within a trace
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	SpanName     string
	Sampled      bool
	StartTime    time.Time
}

type spanStack struct {
	span   *Span
	parent *spanStack
}

type spanStackKey struct{}

func newTraceID() string {
	id := uuid.Must(uuid.NewV4())
	return hex.EncodeToString(id[:8])
}

func pushSpan(ctx context.Context, span *Span) context.Context {
	parent, _ := ctx.Value(spanStackKey{}).(*spanStack)
	return context.WithValue(ctx, spanStackKey{}, &spanStack{span: span, parent: parent})
}

// CurrentSpan returns the span on top of the context's span stack, or nil
func CurrentSpan(ctx context.Context) *Span {
	stack, _ := ctx.Value(spanStackKey{}).(*spanStack)
	if stack == nil {
		return nil
	}
	return stack.span
}

// StartSpan pushes a child of the current span, or a new sampled root span when there is none
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{
		SpanID:    newTraceID(),
		SpanName:  name,
		StartTime: time.Now(),
	}
	if parent := CurrentSpan(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
		span.Sampled = parent.Sampled
	} else {
		span.TraceID = newTraceID()
		span.Sampled = true
	}
	return pushSpan(ctx, span), span
}

// ContinueTrace starts a span that continues the trace encoded in header. An empty or malformed header
// starts a new trace.
func ContinueTrace(ctx context.Context, header string, name string) (context.Context, *Span) {
	if header == "" {
		return StartSpan(ctx, name)
	}
	parent, err := DecodeTraceContext(header)
	if err != nil {
		getLogger(ctx, nil).Warn(err, "Unable to decode trace context", LoggingFields{"trace_context": header})
		return StartSpan(ctx, name)
	}
	return continueFrom(ctx, parent, name)
}

func continueFrom(ctx context.Context, parent *SpanContext, name string) (context.Context, *Span) {
	span := &Span{
		TraceID:      parent.TraceID,
		SpanID:       newTraceID(),
		ParentSpanID: parent.SpanID,
		SpanName:     name,
		Sampled:      parent.Sampled,
		StartTime:    time.Now(),
	}
	return pushSpan(ctx, span), span
}

// CompleteSpan pops the current span, logs it if sampled and returns the context of the parent span
func CompleteSpan(ctx context.Context) context.Context {
	stack, _ := ctx.Value(spanStackKey{}).(*spanStack)
	if stack == nil {
		return ctx
	}
	span := stack.span
	if span.Sampled {
		getLogger(ctx, nil).Debug("span completed", LoggingFields{
			"parent_span_id": span.ParentSpanID,
			"span_name":      span.SpanName,
			"duration_ms":    time.Since(span.StartTime).Nanoseconds() / int64(time.Millisecond),
		})
	}
	return context.WithValue(ctx, spanStackKey{}, stack.parent)
}

// EncodeTraceContext encodes span as v1:<traceId>:<spanId>:<1|0>, with colons inside ids written as
// %3A. Returns "" for nil.
func EncodeTraceContext(span *Span) string {
	if span == nil {
		return ""
	}
	sampled := "0"
	if span.Sampled {
		sampled = "1"
	}
	return strings.Join([]string{
		TraceContextVersion,
		strings.Replace(span.TraceID, traceFieldSeparator, escapedSeparator, -1),
		strings.Replace(span.SpanID, traceFieldSeparator, escapedSeparator, -1),
		sampled,
	}, traceFieldSeparator)
}

// DecodeTraceContext parses a value produced by EncodeTraceContext. Any sampled flag other than "0"
// counts as sampled.
func DecodeTraceContext(value string) (*SpanContext, error) {
	fields := strings.Split(value, traceFieldSeparator)
	if len(fields) != 4 {
		return nil, errors.Errorf("expected 4 fields, got %d", len(fields))
	}
	if fields[0] != TraceContextVersion {
		return nil, errors.Errorf("unsupported trace context version %s", fields[0])
	}
	traceID := strings.Replace(fields[1], escapedSeparator, traceFieldSeparator, -1)
	spanID := strings.Replace(fields[2], escapedSeparator, traceFieldSeparator, -1)
	if traceID == "" || spanID == "" {
		return nil, errors.New("trace id and span id are required")
	}
	return &SpanContext{TraceID: traceID, SpanID: spanID, Sampled: fields[3] != "0"}, nil
}

// traceAttributes returns message attributes propagating the current span
func traceAttributes(ctx context.Context) map[string]string {
	span := CurrentSpan(ctx)
	if span == nil {
		return map[string]string{}
	}
	return map[string]string{TraceAttributeName: EncodeTraceContext(span)}
}

func sqsStringAttributes(message *sqs.Message) map[string]string {
	attributes := make(map[string]string, len(message.MessageAttributes))
	for key, value := range message.MessageAttributes {
		if value != nil && value.StringValue != nil {
			attributes[key] = *value.StringValue
		}
	}
	return attributes
}

// lambdaStringAttributes reads attributes from an SNS lambda record: {"Type": "String", "Value": "..."}
func lambdaStringAttributes(attributes map[string]interface{}) map[string]string {
	out := make(map[string]string, len(attributes))
	for key, raw := range attributes {
		attr, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if value, ok := attr["Value"].(string); ok {
			out[key] = value
		}
	}
	return out
}

func snsMessageAttributes(attributes map[string]string) map[string]*sns.MessageAttributeValue {
	out := make(map[string]*sns.MessageAttributeValue, len(attributes))
	for key, value := range attributes {
		out[key] = &sns.MessageAttributeValue{
			StringValue: aws.String(value),
			DataType:    aws.String("String"),
		}
	}
	return out
}

func sqsMessageAttributes(attributes map[string]string) map[string]*sqs.MessageAttributeValue {
	out := make(map[string]*sqs.MessageAttributeValue, len(attributes))
	for key, value := range attributes {
		out[key] = &sqs.MessageAttributeValue{
			StringValue: aws.String(value),
			DataType:    aws.String("String"),
		}
	}
	return out
}

// setB3Headers writes the current span to an outbound HTTP request
func setB3Headers(req *http.Request, span *Span) {
	if span == nil {
		return
	}
	req.Header.Set(HeaderTraceID, span.TraceID)
	req.Header.Set(HeaderSpanID, span.SpanID)
	if span.ParentSpanID != "" {
		req.Header.Set(HeaderParentSpanID, span.ParentSpanID)
	}
	if span.Sampled {
		req.Header.Set(HeaderSampled, "1")
	} else {
		req.Header.Set(HeaderSampled, "0")
	}
}

// spanContextFromB3 reads B3 headers from an inbound HTTP request
func spanContextFromB3(header http.Header) *SpanContext {
	traceID := header.Get(HeaderTraceID)
	spanID := header.Get(HeaderSpanID)
	if traceID == "" || spanID == "" {
		return nil
	}
	sampled := header.Get(HeaderSampled)
	return &SpanContext{
		TraceID: traceID,
		SpanID:  spanID,
		Sampled: sampled == "" || sampled == "1" || sampled == "true",
	}
}
