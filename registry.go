/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RouteRegistry maps route names to routes
type RouteRegistry struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRouteRegistry creates a route registry
func NewRouteRegistry() *RouteRegistry {
	return &RouteRegistry{
		routes: map[string]*Route{},
	}
}

// Register adds a route, replacing any route of the same name
func (rr *RouteRegistry) Register(route *Route) error {
	if route.Name == "" {
		return errors.New("route name is required")
	}
	if route.Processor == nil {
		return errors.Errorf("route %s has no processor", route.Name)
	}
	if route.Settings.Resources.QueueName == "" {
		return errors.Errorf("route %s has no queue", route.Name)
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.routes[route.Name] = route
	return nil
}

// Get returns the named route
func (rr *RouteRegistry) Get(name string) (*Route, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	route, ok := rr.routes[name]
	if !ok {
		return nil, errors.Errorf("route %s is not registered", name)
	}
	return route, nil
}

// Routes returns all routes ordered by name
func (rr *RouteRegistry) Routes() []*Route {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	routes := make([]*Route, 0, len(rr.routes))
	for _, route := range rr.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Name < routes[j].Name
	})
	return routes
}

// RouteRunner runs ConcurrentConsumers queue listeners for every registered route
type RouteRunner struct {
	registry    *RouteRegistry
	newConsumer func(route *Route) IQueueConsumer
}

// NewRouteRunner creates a runner whose listeners share one AWS session
func NewRouteRunner(sessionCache *AWSSessionsCache, settings *Settings, registry *RouteRegistry) *RouteRunner {
	return &RouteRunner{
		registry: registry,
		newConsumer: func(route *Route) IQueueConsumer {
			return NewQueueConsumer(sessionCache, settings, route)
		},
	}
}

// Start blocks until every listener returns. Cancelling ctx stops all listeners and is not reported as
// an error; the first other listener error cancels the rest and is returned.
func (r *RouteRunner) Start(ctx context.Context, request ListenRequest) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, route := range r.registry.Routes() {
		listeners := route.Settings.ConcurrentConsumers
		if listeners < 1 {
			listeners = 1
		}
		for i := 0; i < listeners; i++ {
			consumer := r.newConsumer(route)
			listenRequest := request
			g.Go(func() error {
				err := consumer.ListenForMessages(gctx, &listenRequest)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return errors.Wrapf(err, "route %s", route.Name)
			})
		}
	}
	return g.Wait()
}
