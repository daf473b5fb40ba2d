/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

/*
Package pulsebridge moves shipment events between AWS SNS/SQS and the Pulse event store.

# Routes

The egress route reads shipment XML from an SQS queue, wraps it in a Pulse envelope keyed by the
document's business key and posts it to Pulse. The ingress route reads Pulse notifications, fetches the
stored event and publishes its XML on the outbound SNS topic.

Failed Pulse calls are redelivered per the route's RedeliveryPolicy. Messages that can never succeed
(malformed XML, schema violations, HTTP 400/403/409, or exhausted redeliveries) are sent to the
route's dead letter queue and deleted from the source queue.

# Initialization

	settings, err := pulsebridge.LoadConfig("pulsebridge.yaml")
	if err != nil {
	    return err
	}
	bridge, err := pulsebridge.NewBridge(settings)
	if err != nil {
	    return err
	}
	bridge.Serve(ctx)

# Tracing

Trace context travels on the `Wingtips-XB3-TraceContext` message attribute as
v1:<traceId>:<spanId>:<1|0>, and on HTTP calls as B3 headers. Colons inside ids are written as %3A.

# Large payloads

Bodies above S3Settings.OffloadThreshold are written to S3 and replaced by a JSON pointer; the
`payloadOffloaded` attribute marks such messages. S3Settings.Local swaps S3 for an in-memory store
that can be seeded from a directory.

# Lambda

	consumer := pulsebridge.NewLambdaConsumer(sessionCache, settings, route)
	lambda.Start(consumer.HandleLambdaEvent)
*/
package pulsebridge
