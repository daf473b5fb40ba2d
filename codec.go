/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Encoder turns shipment XML into Pulse events
type Encoder struct{}

// Encode parses body and wraps it in a Pulse envelope for route. The business key comes from the
// document, the trace id of the current span goes into the event metadata.
func (e *Encoder) Encode(ctx context.Context, route RouteSettings, body []byte) (*Pulse, ShipmentEvent, error) {
	event, err := ParseShipmentEvent(body)
	if err != nil {
		return nil, nil, err
	}
	key, err := event.BusinessKey()
	if err != nil {
		return nil, nil, err
	}
	ec := EventContext{
		Type:             route.EventType,
		Name:             route.PulseTopic,
		BusinessKeyName:  event.BusinessKeyName(),
		BusinessKeyValue: key,
		RetentionDays:    route.Retention,
		MetaData:         map[string]interface{}{},
	}
	if ec.Type == "" {
		ec.Type = event.EventType()
	}
	if span := CurrentSpan(ctx); span != nil {
		ec.MetaData[HeaderTraceID] = span.TraceID
	}
	for k, v := range route.Filters {
		if err := ec.SetFilter(k, v); err != nil {
			return nil, nil, err
		}
	}
	encoding := route.Encoding
	if encoding == "" {
		encoding = EncodingGzipBase64
	}
	p, err := NewPulse(ec, body, encoding)
	if err != nil {
		return nil, nil, err
	}
	return p, event, nil
}

// Decode extracts and checks the shipment XML carried by a Pulse event
func Decode(p *Pulse) ([]byte, ShipmentEvent, error) {
	if p.EventContext == nil {
		return nil, nil, errors.New("event has no event context")
	}
	if err := p.checkFormatVersion(); err != nil {
		return nil, nil, err
	}
	body, err := p.Payload()
	if err != nil {
		return nil, nil, err
	}
	event, err := ParseShipmentEvent(body)
	if err != nil {
		return nil, nil, err
	}
	return body, event, nil
}

// snsEnvelope is the JSON body SQS receives from SNS without raw message delivery
type snsEnvelope struct {
	Type              string `json:"Type"`
	MessageID         string `json:"MessageId"`
	TopicArn          string `json:"TopicArn"`
	Message           string `json:"Message"`
	MessageAttributes map[string]struct {
		Type  string `json:"Type"`
		Value string `json:"Value"`
	} `json:"MessageAttributes"`
}

// unwrapSNSEnvelope returns the inner message of an SNS notification body and merges its attributes
// into attributes. Bodies that are not SNS notifications are returned unchanged.
func unwrapSNSEnvelope(body string, attributes map[string]string) string {
	if len(body) == 0 || body[0] != '{' {
		return body
	}
	envelope := snsEnvelope{}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return body
	}
	if envelope.Type != "Notification" || envelope.TopicArn == "" {
		return body
	}
	for key, attr := range envelope.MessageAttributes {
		if _, ok := attributes[key]; !ok && attr.Type == "String" {
			attributes[key] = attr.Value
		}
	}
	return envelope.Message
}
