/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/pkg/errors"
)

// Root element names of supported shipment documents
const (
	ShipmentEventType          = "shipment"
	FulfillmentStatusEventType = "fulfillmentStatus"
)

// ShipmentEvent is a decoded shipment XML document
type ShipmentEvent interface {
	// EventType is the root element name
	EventType() string
	// BusinessKey identifies the event in Pulse
	BusinessKey() (string, error)
	// BusinessKeyName is the element the business key was read from
	BusinessKeyName() string
}

// Address is a postal address
type Address struct {
	Name       string `xml:"name,omitempty"`
	Line1      string `xml:"line1,omitempty"`
	Line2      string `xml:"line2,omitempty"`
	City       string `xml:"city,omitempty"`
	State      string `xml:"state,omitempty"`
	PostalCode string `xml:"postalCode,omitempty"`
	Country    string `xml:"country,omitempty"`
}

// LineItem is a SKU and quantity inside a package
type LineItem struct {
	SKU      string `xml:"sku"`
	Quantity int    `xml:"quantity"`
}

// Package is one physical parcel of a shipment
type Package struct {
	PackageID      string     `xml:"packageId"`
	TrackingNumber string     `xml:"trackingNumber,omitempty"`
	Weight         string     `xml:"weight,omitempty"`
	Items          []LineItem `xml:"items>item"`
}

// Shipment describes an order shipment
type Shipment struct {
	XMLName        xml.Name  `xml:"shipment"`
	ShipmentID     string    `xml:"shipmentId"`
	OrderID        string    `xml:"orderId"`
	Carrier        string    `xml:"carrier,omitempty"`
	TrackingNumber string    `xml:"trackingNumber,omitempty"`
	ShipDate       string    `xml:"shipDate,omitempty"`
	Status         string    `xml:"status,omitempty"`
	ShipTo         *Address  `xml:"shipTo,omitempty"`
	Packages       []Package `xml:"packages>package"`
}

// EventType implements ShipmentEvent
func (s *Shipment) EventType() string {
	return ShipmentEventType
}

// BusinessKey is the shipment id, falling back to the order id
func (s *Shipment) BusinessKey() (string, error) {
	if s.ShipmentID != "" {
		return s.ShipmentID, nil
	}
	if s.OrderID != "" {
		return s.OrderID, nil
	}
	return "", errors.New("shipment has neither shipmentId nor orderId")
}

// BusinessKeyName implements ShipmentEvent
func (s *Shipment) BusinessKeyName() string {
	if s.ShipmentID == "" && s.OrderID != "" {
		return "orderId"
	}
	return "shipmentId"
}

// FulfillmentStatus reports progress of an order fulfillment
type FulfillmentStatus struct {
	XMLName    xml.Name `xml:"fulfillmentStatus"`
	OrderID    string   `xml:"orderId"`
	ShipmentID string   `xml:"shipmentId,omitempty"`
	Status     string   `xml:"status"`
	StatusDate string   `xml:"statusDate,omitempty"`
	Reason     string   `xml:"reason,omitempty"`
}

// EventType implements ShipmentEvent
func (f *FulfillmentStatus) EventType() string {
	return FulfillmentStatusEventType
}

// BusinessKey is the order id
func (f *FulfillmentStatus) BusinessKey() (string, error) {
	if f.OrderID == "" {
		return "", errors.New("fulfillment status has no orderId")
	}
	return f.OrderID, nil
}

// BusinessKeyName implements ShipmentEvent
func (f *FulfillmentStatus) BusinessKeyName() string {
	return "orderId"
}

// MarshalShipmentEvent serializes a shipment document with an XML declaration
func MarshalShipmentEvent(event ShipmentEvent) ([]byte, error) {
	body, err := xml.MarshalIndent(event, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "unable to serialize %s", event.EventType())
	}
	return append([]byte(xml.Header), body...), nil
}

// ParseShipmentEvent decodes body into the document type named by its root element
func ParseShipmentEvent(body []byte) (ShipmentEvent, error) {
	root, err := rootElement(body)
	if err != nil {
		return nil, err
	}

	var event ShipmentEvent
	switch root {
	case ShipmentEventType:
		event = &Shipment{}
	case FulfillmentStatusEventType:
		event = &FulfillmentStatus{}
	default:
		return nil, errors.Errorf("unsupported document root: %s", root)
	}
	if err := xml.Unmarshal(body, event); err != nil {
		return nil, errors.Wrapf(err, "invalid %s document", root)
	}
	return event, nil
}

func rootElement(body []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return "", errors.New("empty document")
		}
		if err != nil {
			return "", errors.Wrap(err, "invalid xml")
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
