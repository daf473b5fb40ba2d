/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ServiceRegistry resolves a logical service ID to instance base URLs
type ServiceRegistry interface {
	Instances(ctx context.Context, serviceID string) ([]string, error)
}

// StaticRegistry is a ServiceRegistry backed by configuration
type StaticRegistry map[string][]string

// Instances implements ServiceRegistry
func (r StaticRegistry) Instances(_ context.Context, serviceID string) ([]string, error) {
	instances := r[serviceID]
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrNoInstances, "service %s", serviceID)
	}
	return instances, nil
}

// roundRobin spreads calls over the instances of one service
type roundRobin struct {
	registry  ServiceRegistry
	serviceID string
	next      uint64
}

func newRoundRobin(registry ServiceRegistry, serviceID string) *roundRobin {
	return &roundRobin{registry: registry, serviceID: serviceID}
}

func (r *roundRobin) Pick(ctx context.Context) (string, error) {
	instances, err := r.registry.Instances(ctx, r.serviceID)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", errors.Wrapf(ErrNoInstances, "service %s", r.serviceID)
	}
	n := atomic.AddUint64(&r.next, 1) - 1
	return instances[n%uint64(len(instances))], nil
}
