/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

// Pulse event context versions
const (
	FormatVersionV1 = "1.0"

	FormatCurrentVersion = FormatVersionV1

	formatMajorVersion = 1
)

// Message attributes set on SNS and SQS messages
const (
	// DeadLetterReasonAttribute records why a message was dead lettered
	DeadLetterReasonAttribute = "deadLetterReason"
	// BusinessKeyAttribute carries the business key of a published shipment event
	BusinessKeyAttribute = "businessKey"
	// EventTypeAttribute carries the root element name of a published shipment event
	EventTypeAttribute = "eventType"
	// EventIDAttribute carries the Pulse event id on a Pulse notification
	EventIDAttribute = "id"
)
