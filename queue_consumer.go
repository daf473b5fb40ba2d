/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"time"
)

type queueConsumer struct {
	consumer
}

// ListenForMessages starts a listener on the route's queue
func (c *queueConsumer) ListenForMessages(ctx context.Context, request *ListenRequest) error {
	if request.NumMessages == 0 {
		request.NumMessages = c.route.Settings.NumMessages
	}
	if request.NumMessages == 0 {
		request.NumMessages = 1
	}
	if request.VisibilityTimeoutS == 0 {
		request.VisibilityTimeoutS = c.route.Settings.VisibilityTimeoutS
	}

	for i := uint32(0); request.LoopCount == 0 || i < request.LoopCount; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if deadline, ok := ctx.Deadline(); ok {
				// is shutting down?
				if time.Until(deadline) < c.settings.ShutdownTimeout {
					return nil
				}
			}
			if err := c.awsClient.FetchAndProcessMessages(
				ctx, c.settings, c.route, request.NumMessages, request.VisibilityTimeoutS,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewQueueConsumer creates a new consumer object used for a route's queue
func NewQueueConsumer(sessionCache *AWSSessionsCache, settings *Settings, route *Route) IQueueConsumer {
	settings.initDefaults()
	return &queueConsumer{
		consumer: consumer{
			awsClient: newAWSClient(sessionCache, settings),
			settings:  settings,
			route:     route,
		},
	}
}
