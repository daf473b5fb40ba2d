/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "pulsebridge"

// Metrics holds the prometheus collectors of a bridge. All methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	received     *prometheus.CounterVec
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	pulseDuration *prometheus.HistogramVec
	circuitOpen   *prometheus.GaugeVec
}

func newRouteCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "route",
			Name:      name,
			Help:      help,
		},
		[]string{"route"},
	)
}

// NewMetrics creates collectors registered on a new registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		received:     newRouteCounterVec("messages_received_total", "Messages received from SQS or SNS."),
		processed:    newRouteCounterVec("messages_processed_total", "Messages processed successfully."),
		failed:       newRouteCounterVec("messages_failed_total", "Messages whose processing returned an error."),
		retried:      newRouteCounterVec("messages_retried_total", "In-process redeliveries of a failed step."),
		deadLettered: newRouteCounterVec("messages_dead_lettered_total", "Messages sent to the dead letter queue."),
		pulseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pulse",
				Name:      "request_duration_seconds",
				Help:      "Latency of Pulse HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pulse",
				Name:      "circuit_open",
				Help:      "1 while the circuit breaker of a service is open.",
			},
			[]string{"service"},
		),
	}
	m.registry.MustRegister(
		m.received, m.processed, m.failed, m.retried, m.deadLettered, m.pulseDuration, m.circuitOpen,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the collectors for scraping
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) messageReceived(route string) {
	if m != nil {
		m.received.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) messageProcessed(route string) {
	if m != nil {
		m.processed.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) messageFailed(route string) {
	if m != nil {
		m.failed.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) messageRetried(route string) {
	if m != nil {
		m.retried.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) messageDeadLettered(route string) {
	if m != nil {
		m.deadLettered.WithLabelValues(route).Inc()
	}
}

// observePulseRequest records a request; status 0 means no response was received
func (m *Metrics) observePulseRequest(method string, status int, start time.Time) {
	if m != nil {
		m.pulseDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) setCircuitOpen(service string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1
	}
	m.circuitOpen.WithLabelValues(service).Set(value)
}
