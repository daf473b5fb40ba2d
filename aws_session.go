/*
 * Copyright 2017, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// createSession builds an AWS session. Static credentials are used only when an access key is
// given, otherwise the default chain (env, shared config, instance role) applies.
func createSession(key sessionKey, awsSecretAccessKey string) *session.Session {
	config := aws.Config{
		Region:     aws.String(key.awsRegion),
		DisableSSL: aws.Bool(false),
	}
	if key.awsAccessKeyID != "" {
		config.Credentials = credentials.NewStaticCredentialsFromCreds(
			credentials.Value{
				AccessKeyID:     key.awsAccessKeyID,
				SecretAccessKey: awsSecretAccessKey,
				SessionToken:    key.awsSessionToken,
			},
		)
	}
	if key.endpoint != "" {
		// localstack and friends serve every service from one host
		config.Endpoint = aws.String(key.endpoint)
		config.S3ForcePathStyle = aws.Bool(true)
	}
	return session.Must(session.NewSessionWithOptions(session.Options{Config: config}))
}

type sessionKey struct {
	awsRegion       string
	awsAccessKeyID  string
	awsSessionToken string
	endpoint        string
}

// AWSSessionsCache is a cache that holds sessions
type AWSSessionsCache struct {
	sessionMap sync.Map
}

// NewAWSSessionsCache creates a new session cache
func NewAWSSessionsCache() *AWSSessionsCache {
	return &AWSSessionsCache{
		sessionMap: sync.Map{},
	}
}

func (c *AWSSessionsCache) getOrCreateSession(settings *Settings) *session.Session {
	key := sessionKey{
		awsRegion:       settings.AWSRegion,
		awsAccessKeyID:  settings.AWSAccessKey,
		awsSessionToken: settings.AWSSessionToken,
		endpoint:        settings.AWSEndpoint,
	}
	s, ok := c.sessionMap.Load(key)
	if !ok {
		s, _ = c.sessionMap.LoadOrStore(key, createSession(key, settings.AWSSecretKey))
	}
	return s.(*session.Session)
}

// GetSession retrieves a session if it is cached, otherwise creates one
func (c *AWSSessionsCache) GetSession(settings *Settings) *session.Session {
	return c.getOrCreateSession(settings)
}
