/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"path"
	"time"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// Payload encodings understood by Pulse
const (
	EncodingGzipBase64 = "GZIP_BASE64"
	EncodingBase64     = "BASE64"
)

// ContentTypeXML is the content type of shipment payloads
const ContentTypeXML = "application/xml"

// DefaultRetentionDays is how long Pulse keeps an event unless the route says otherwise
const DefaultRetentionDays = "90"

// EventDateLayout formats EventContext.Date: ISO-8601 in UTC with milliseconds
const EventDateLayout = "2006-01-02T15:04:05.000Z"

// EventContext identifies a Pulse event
type EventContext struct {
	Version          string                 `json:"version,omitempty"`
	Type             string                 `json:"type,omitempty"`
	Name             string                 `json:"name"`
	BusinessKeyName  string                 `json:"businessKeyName"`
	BusinessKeyValue string                 `json:"businessKeyValue"`
	Date             string                 `json:"date,omitempty"`
	RetentionDays    string                 `json:"retentionDays,omitempty"`
	FilterMap        map[string]interface{} `json:"filterMap"`
	MetaData         map[string]interface{} `json:"metaData"`
}

// SetFilter adds a filter map entry Pulse subscribers can select on
func (ec *EventContext) SetFilter(key string, value string) error {
	if key == "" {
		return errors.New("A non-empty filter map key must be provided")
	}
	if value == "" {
		return errors.New("A non-empty filter map value must be provided")
	}
	if ec.FilterMap == nil {
		ec.FilterMap = map[string]interface{}{}
	}
	ec.FilterMap[key] = value
	return nil
}

// TraceID returns the trace id recorded in the event metadata, or ""
func (ec *EventContext) TraceID() string {
	traceID, _ := ec.MetaData[HeaderTraceID].(string)
	return traceID
}

// EventData carries the event payload
type EventData struct {
	ContentType string `json:"contentType"`
	Encoding    string `json:"encoding"`
	Value       string `json:"value"`
}

// PulseLink is a hypermedia reference on a stored event
type PulseLink struct {
	Ref string `json:"ref"`
}

// PulseLinks are returned by Pulse on stored events
type PulseLinks struct {
	Self *PulseLink `json:"self,omitempty"`
}

// Pulse is the request and response envelope of the Pulse event bus
type Pulse struct {
	EventContext *EventContext `json:"eventContext"`
	Data         *EventData    `json:"data"`
	Links        *PulseLinks   `json:"links,omitempty"`
}

// NewPulse wraps payload in a Pulse envelope described by ec. Version, date and retention get their
// defaults when unset.
func NewPulse(ec EventContext, payload []byte, encoding string) (*Pulse, error) {
	value, err := encodePayload(payload, encoding)
	if err != nil {
		return nil, err
	}
	if ec.Version == "" {
		ec.Version = FormatCurrentVersion
	}
	if ec.RetentionDays == "" {
		ec.RetentionDays = DefaultRetentionDays
	}
	if ec.Date == "" {
		ec.Date = time.Now().UTC().Format(EventDateLayout)
	}
	if ec.FilterMap == nil {
		ec.FilterMap = map[string]interface{}{}
	}
	if ec.MetaData == nil {
		ec.MetaData = map[string]interface{}{}
	}
	p := &Pulse{
		EventContext: &ec,
		Data: &EventData{
			ContentType: ContentTypeXML,
			Encoding:    encoding,
			Value:       value,
		},
	}
	if err := p.checkRequired(); err != nil {
		return nil, err
	}
	return p, nil
}

func encodePayload(payload []byte, encoding string) (string, error) {
	switch encoding {
	case EncodingGzipBase64:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return "", errors.Wrap(err, "unable to compress payload")
		}
		if err := w.Close(); err != nil {
			return "", errors.Wrap(err, "unable to compress payload")
		}
		return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(payload), nil
	default:
		return "", errors.Errorf("unknown encoding: %s", encoding)
	}
}

// Payload returns the decoded event payload. Values with an encoding other than GZIP_BASE64 or BASE64
// are returned as is.
func (p *Pulse) Payload() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("event has no data")
	}
	switch p.Data.Encoding {
	case EncodingGzipBase64:
		compressed, err := base64.StdEncoding.DecodeString(p.Data.Value)
		if err != nil {
			return nil, errors.Wrap(err, "invalid base64 payload")
		}
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, errors.Wrap(err, "invalid gzip payload")
		}
		defer r.Close()
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "invalid gzip payload")
		}
		return b, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(p.Data.Value)
		if err != nil {
			return nil, errors.Wrap(err, "invalid base64 payload")
		}
		return b, nil
	default:
		return []byte(p.Data.Value), nil
	}
}

// checkRequired rejects envelopes Pulse cannot route
func (p *Pulse) checkRequired() error {
	ec := p.EventContext
	if ec == nil {
		return errors.New("The Pulse event has no event context")
	}
	key := ec.BusinessKeyValue
	switch {
	case ec.BusinessKeyName == "":
		return errors.Errorf("The business key name was not properly set on the Pulse event context for businessKey = %s", key)
	case ec.BusinessKeyValue == "":
		return errors.New("The business key value was not properly set on the Pulse event context")
	case ec.Name == "":
		return errors.Errorf("The event context name was not properly set on the Pulse event context for businessKey = %s", key)
	case p.Data == nil:
		return errors.Errorf("The Pulse event has no data for businessKey = %s", key)
	case p.Data.ContentType == "":
		return errors.Errorf("The event data content type was not properly set on the Pulse event data for businessKey = %s", key)
	case p.Data.Encoding == "":
		return errors.Errorf("The event data encoding was not properly set on the Pulse event data for businessKey = %s", key)
	case p.Data.Value == "":
		return errors.Errorf("The data value was not properly set on the Pulse payload for businessKey = %s", key)
	}
	return nil
}

// checkFormatVersion rejects envelopes from an incompatible major format version
func (p *Pulse) checkFormatVersion() error {
	if p.EventContext == nil || p.EventContext.Version == "" {
		return nil
	}
	version := p.EventContext.Version
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "invalid event context version %s", version)
	}
	if v.Major() != formatMajorVersion {
		return errors.Errorf("unsupported event context version %s", version)
	}
	return nil
}

// EventID returns the id Pulse assigned to a stored event, taken from its self link
func (p *Pulse) EventID() string {
	if p == nil || p.Links == nil || p.Links.Self == nil || p.Links.Self.Ref == "" {
		return ""
	}
	return path.Base(p.Links.Self.Ref)
}

// JSONString returns a string representation of Pulse
func (p *Pulse) JSONString() (string, error) {
	o, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "unable to serialize pulse event")
	}
	return string(o), nil
}
