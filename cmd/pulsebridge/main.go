/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package main

import (
	"context"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/divya484r/pulsebridge"
)

var (
	configPath   string
	publishTopic string
	publishFile  string
)

var rootCmd = &cobra.Command{
	Use:           "pulsebridge",
	Short:         "Bridge shipment events between SNS/SQS and Pulse",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// serveCmd consumes both routes and serves the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the egress and ingress routes and the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bridge, err := newBridge()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logrus.Info("Starting pulsebridge")
		return bridge.Serve(ctx)
	},
}

// provisionCmd creates queues, topics, subscriptions and the payload bucket
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the AWS resources of every route",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bridge, err := newBridge()
		if err != nil {
			return err
		}
		return bridge.Provision(cmd.Context())
	},
}

// publishCmd sends a shipment XML file through the ingress publisher
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a shipment XML file on an SNS topic",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bridge, err := newBridge()
		if err != nil {
			return err
		}
		body, err := ioutil.ReadFile(publishFile)
		if err != nil {
			return errors.Wrap(err, "read shipment file")
		}
		headers, err := publishHeaders(body)
		if err != nil {
			return err
		}
		if err := bridge.Publisher.Publish(cmd.Context(), publishTopic, body, headers); err != nil {
			return err
		}
		logrus.WithField("business_key", headers[pulsebridge.BusinessKeyAttribute]).Info("Published shipment event")
		return nil
	},
}

// publishHeaders returns the message attributes routes set on a published shipment document
func publishHeaders(body []byte) (map[string]string, error) {
	event, err := pulsebridge.ParseShipmentEvent(body)
	if err != nil {
		return nil, err
	}
	key, err := event.BusinessKey()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		pulsebridge.BusinessKeyAttribute: key,
		pulsebridge.EventTypeAttribute:   event.EventType(),
	}, nil
}

func newBridge() (*pulsebridge.Bridge, error) {
	settings, err := pulsebridge.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	settings.Metrics = pulsebridge.NewMetrics()
	return pulsebridge.NewBridge(settings)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")

	publishCmd.Flags().StringVar(&publishTopic, "topic", "", "SNS topic name or ARN")
	publishCmd.Flags().StringVar(&publishFile, "file", "", "shipment XML file")
	publishCmd.MarkFlagRequired("topic")
	publishCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, provisionCmd, publishCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Error("pulsebridge failed")
		os.Exit(1)
	}
}
