/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/go-resiliency/semaphore"
	"github.com/pkg/errors"
)

// max bytes of an error response kept on HTTPError
const maxErrorBodyBytes = 1024

// HeaderAppName tells Pulse which application is calling
const HeaderAppName = "X-sample-AppName"

// PulseAPI is the subset of the Pulse REST API used by routes
type PulseAPI interface {
	// PostEvent stores an event and returns the stored envelope
	PostEvent(ctx context.Context, event *Pulse) (*Pulse, error)
	// GetEvent fetches a stored event by the id Pulse assigned to it
	GetEvent(ctx context.Context, eventID string) (*Pulse, error)
}

// PulseClient calls Pulse through a bulkhead and a circuit breaker, resolving instances from a
// service registry.
type PulseClient struct {
	settings   *Settings
	httpClient *http.Client
	balancer   *roundRobin
	breaker    *breaker.Breaker
	bulkhead   *semaphore.Semaphore
	auth       tokenSource
	validator  IPulseValidator
}

// NewPulseClient creates a client for settings.Pulse.ServiceID. registry defaults to the static
// instances in settings.
func NewPulseClient(settings *Settings, registry ServiceRegistry) *PulseClient {
	settings.initDefaults()
	if registry == nil {
		registry = StaticRegistry(settings.Pulse.Instances)
	}
	validator := settings.Validator
	if validator == nil {
		validator = NewDefaultPulseValidator()
	}
	client := &PulseClient{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.Pulse.Timeout},
		balancer:   newRoundRobin(registry, settings.Pulse.ServiceID),
		breaker: breaker.New(
			settings.Pulse.BreakerErrorThreshold,
			settings.Pulse.BreakerSuccessThreshold,
			settings.Pulse.BreakerTimeout,
		),
		bulkhead:  semaphore.New(settings.Pulse.MaxConcurrentRequests, settings.Pulse.BulkheadTimeout),
		validator: validator,
	}
	if auth := NewJWTAuthenticator(settings.JWT); auth != nil {
		client.auth = auth
	}
	return client
}

// BreakerOpen reports whether the breaker currently rejects calls. The breaker moves to half-open on
// its own once BreakerTimeout has passed.
func (c *PulseClient) BreakerOpen() bool {
	return c.breaker.GetState() == breaker.Open
}

// PostEvent implements PulseAPI. The returned envelope carries the event id when Pulse sent one back.
func (c *PulseClient) PostEvent(ctx context.Context, event *Pulse) (*Pulse, error) {
	if err := event.checkRequired(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := c.validator.Validate(event); err != nil {
		return nil, &ValidationError{Err: err}
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize pulse event")
	}
	stored := &Pulse{}
	found, err := c.execute(ctx, http.MethodPost, c.settings.Pulse.URLSuffix, body, stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return event, nil
	}
	if stored.EventContext == nil {
		stored.EventContext = event.EventContext
	}
	if stored.Data == nil {
		stored.Data = event.Data
	}
	return stored, nil
}

// GetEvent implements PulseAPI
func (c *PulseClient) GetEvent(ctx context.Context, eventID string) (*Pulse, error) {
	if eventID == "" {
		return nil, &ValidationError{Err: errors.New("event id is required")}
	}
	path := strings.TrimRight(c.settings.Pulse.URLSuffix, "/") + "/" + url.PathEscape(eventID)
	event := &Pulse{}
	found, err := c.execute(ctx, http.MethodGet, path, nil, event)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("pulse returned no event for id %s", eventID)
	}
	return event, nil
}

// execute runs one request inside the bulkhead and breaker. Client errors (4xx) are returned to the
// caller without counting against the breaker. found is false when the response had no body.
func (c *PulseClient) execute(ctx context.Context, method string, path string, body []byte,
	out interface{}) (found bool, err error) {

	if err := c.bulkhead.Acquire(); err != nil {
		return false, ErrBulkheadFull
	}
	defer c.bulkhead.Release()

	var clientErr error
	breakerErr := c.breaker.Run(func() error {
		var err error
		found, err = c.do(ctx, method, path, body, out)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			clientErr = err
			return nil
		}
		return err
	})
	c.settings.Metrics.setCircuitOpen(c.settings.Pulse.ServiceID, c.BreakerOpen())
	if breakerErr == breaker.ErrBreakerOpen {
		return false, ErrCircuitOpen
	}
	if breakerErr != nil {
		return false, breakerErr
	}
	return found, clientErr
}

func (c *PulseClient) do(ctx context.Context, method string, path string, body []byte,
	out interface{}) (bool, error) {

	base, err := c.balancer.Pick(ctx)
	if err != nil {
		return false, err
	}
	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return false, errors.Wrap(err, "failed to create pulse request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAppName, c.settings.AppName)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setB3Headers(req, CurrentSpan(ctx))
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return false, errors.Wrap(err, "failed to get pulse token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.settings.Metrics.observePulseRequest(method, 0, start)
		return false, errors.Wrapf(err, "%s %s failed", method, target)
	}
	defer resp.Body.Close()
	c.settings.Metrics.observePulseRequest(method, resp.StatusCode, start)

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Wrap(err, "failed to read pulse response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBodyBytes {
			respBody = respBody[:maxErrorBodyBytes]
		}
		return false, &HTTPError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return false, errors.Wrap(err, "invalid pulse response")
	}
	return true, nil
}
