/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopProcessor(context.Context, *Exchange) error {
	return nil
}

func TestRouteRegistry(t *testing.T) {
	settings := createTestSettings()
	registry := NewRouteRegistry()

	require.NoError(t, registry.Register(&Route{Name: EgressRouteName, Settings: settings.Egress, Processor: noopProcessor}))
	require.NoError(t, registry.Register(&Route{Name: IngressRouteName, Settings: settings.Ingress, Processor: noopProcessor}))

	route, err := registry.Get(EgressRouteName)
	require.NoError(t, err)
	assert.Equal(t, "SHIPMENT-REQUESTS", route.Settings.Resources.QueueName)

	_, err = registry.Get("missing")
	assert.EqualError(t, err, "route missing is not registered")

	routes := registry.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, IngressRouteName, routes[0].Name)
	assert.Equal(t, EgressRouteName, routes[1].Name)
}

func TestRouteRegistryRejectsIncompleteRoutes(t *testing.T) {
	registry := NewRouteRegistry()
	settings := createTestSettings()

	assert.EqualError(t, registry.Register(&Route{Processor: noopProcessor}), "route name is required")
	assert.EqualError(t, registry.Register(&Route{Name: "x", Settings: settings.Egress}), "route x has no processor")
	assert.EqualError(t, registry.Register(&Route{Name: "x", Processor: noopProcessor}), "route x has no queue")
}

type fakeQueueConsumer struct {
	calls *int32
	err   error
}

func (f *fakeQueueConsumer) ListenForMessages(ctx context.Context, request *ListenRequest) error {
	atomic.AddInt32(f.calls, 1)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRouteRunnerStartsConcurrentConsumers(t *testing.T) {
	settings := createTestSettings()
	settings.Egress.ConcurrentConsumers = 3
	settings.Ingress.ConcurrentConsumers = 2
	registry := NewRouteRegistry()
	require.NoError(t, registry.Register(&Route{Name: EgressRouteName, Settings: settings.Egress, Processor: noopProcessor}))
	require.NoError(t, registry.Register(&Route{Name: IngressRouteName, Settings: settings.Ingress, Processor: noopProcessor}))

	var calls int32
	runner := &RouteRunner{
		registry: registry,
		newConsumer: func(route *Route) IQueueConsumer {
			return &fakeQueueConsumer{calls: &calls}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- runner.Start(ctx, ListenRequest{})
	}()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 5
	}, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRouteRunnerReturnsListenerError(t *testing.T) {
	settings := createTestSettings()
	registry := NewRouteRegistry()
	require.NoError(t, registry.Register(&Route{Name: EgressRouteName, Settings: settings.Egress, Processor: noopProcessor}))
	require.NoError(t, registry.Register(&Route{Name: IngressRouteName, Settings: settings.Ingress, Processor: noopProcessor}))

	var calls int32
	runner := &RouteRunner{
		registry: registry,
		newConsumer: func(route *Route) IQueueConsumer {
			if route.Name == EgressRouteName {
				return &fakeQueueConsumer{calls: &calls, err: errors.New("queue gone")}
			}
			return &fakeQueueConsumer{calls: &calls}
		},
	}

	err := runner.Start(context.Background(), ListenRequest{})
	assert.EqualError(t, err, "route egress: queue gone")
}
