/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

const (
	defaultMaximumRedeliveries    = 5
	defaultRedeliveryDelay        = 2 * time.Second
	defaultBackOffMultiplier      = 2.0
	defaultMaximumRedeliveryDelay = 30 * time.Second
)

// NoRedelivery as MaximumRedeliveries runs a step exactly once
const NoRedelivery = -1

// RetryPredicate decides whether a failed attempt should be redelivered
type RetryPredicate func(err error) bool

// RedeliveryPolicy bounds in-process redelivery of a failed step before a message is dead lettered
type RedeliveryPolicy struct {
	// Redeliveries after the first attempt. Zero gets the default, NoRedelivery disables redelivery.
	MaximumRedeliveries int
	// Delay before the first redelivery
	RedeliveryDelay time.Duration
	// Delay growth per redelivery when UseExponentialBackOff is set
	BackOffMultiplier float64
	// Upper bound on a single delay
	MaximumRedeliveryDelay time.Duration
	UseExponentialBackOff  bool
}

func (p *RedeliveryPolicy) initDefaults() {
	if p.MaximumRedeliveries == 0 {
		p.MaximumRedeliveries = defaultMaximumRedeliveries
	}
	if p.RedeliveryDelay == 0 {
		p.RedeliveryDelay = defaultRedeliveryDelay
	}
	if p.BackOffMultiplier == 0 {
		p.BackOffMultiplier = defaultBackOffMultiplier
	}
	if p.MaximumRedeliveryDelay == 0 {
		p.MaximumRedeliveryDelay = defaultMaximumRedeliveryDelay
	}
}

func (p RedeliveryPolicy) maxTries() uint {
	if p.MaximumRedeliveries < 0 {
		return 1
	}
	return uint(p.MaximumRedeliveries) + 1
}

func (p RedeliveryPolicy) backOff() backoff.BackOff {
	if !p.UseExponentialBackOff {
		return backoff.NewConstantBackOff(p.RedeliveryDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RedeliveryDelay
	b.Multiplier = p.BackOffMultiplier
	b.MaxInterval = p.MaximumRedeliveryDelay
	b.RandomizationFactor = 0
	return b
}

// Do runs fn until it succeeds, returns an error rejected by shouldRetry, or redeliveries are exhausted.
// onRetry is called before every redelivery.
func (p RedeliveryPolicy) Do(ctx context.Context, shouldRetry RetryPredicate, onRetry func(attempt int, err error),
	fn func(ctx context.Context) error) error {

	attempt := 0
	tries := p.maxTries()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if onRetry != nil && uint(attempt) < tries {
			onRetry(attempt, err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// HTTPExceptionRetryPredicate retries everything except Pulse rejections that will not change on
// redelivery (400, 403, 409) and caller cancellation.
func HTTPExceptionRetryPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict:
			return false
		}
	}
	return true
}
