/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/satori/go.uuid"
)

// PayloadOffloadedAttribute marks a message whose body is a pointer to an S3 object
const PayloadOffloadedAttribute = "payloadOffloaded"

const payloadKeyPrefix = "payloads/"

type payloadPointer struct {
	Bucket string `json:"s3Bucket"`
	Key    string `json:"s3Key"`
}

// PayloadStore moves message bodies that exceed the SNS/SQS size limit into S3
type PayloadStore struct {
	s3        s3iface.S3API
	bucket    string
	threshold int
}

// NewPayloadStore creates a store writing to settings.S3.Bucket
func NewPayloadStore(client s3iface.S3API, settings *Settings) *PayloadStore {
	threshold := settings.S3.OffloadThreshold
	if threshold <= 0 {
		threshold = defaultOffloadThreshold
	}
	return &PayloadStore{s3: client, bucket: settings.S3.Bucket, threshold: threshold}
}

// Offload returns body unchanged when it fits, otherwise writes it to S3 and returns a pointer body.
// offloaded reports which one happened.
func (p *PayloadStore) Offload(ctx context.Context, body string) (out string, offloaded bool, err error) {
	if len(body) <= p.threshold {
		return body, false, nil
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", false, err
	}
	pointer := payloadPointer{Bucket: p.bucket, Key: payloadKeyPrefix + id.String()}
	_, err = p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(pointer.Bucket),
		Key:    aws.String(pointer.Key),
		Body:   bytes.NewReader([]byte(body)),
	})
	if err != nil {
		return "", false, errors.Wrap(err, "failed to offload payload to S3")
	}
	b, err := json.Marshal(pointer)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Resolve reads the payload a pointer body refers to
func (p *PayloadStore) Resolve(ctx context.Context, pointerBody string) (string, error) {
	pointer := payloadPointer{}
	if err := json.Unmarshal([]byte(pointerBody), &pointer); err != nil {
		return "", errors.Wrap(err, "invalid payload pointer")
	}
	if pointer.Bucket == "" || pointer.Key == "" {
		return "", errors.New("payload pointer requires s3Bucket and s3Key")
	}
	out, err := p.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(pointer.Bucket),
		Key:    aws.String(pointer.Key),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to read payload s3://%s/%s", pointer.Bucket, pointer.Key)
	}
	defer out.Body.Close()
	b, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read payload body")
	}
	return string(b), nil
}

// EnsureBucket creates the payload bucket
func (p *PayloadStore) EnsureBucket(ctx context.Context) error {
	_, err := p.s3.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(p.bucket)})
	return errors.Wrapf(err, "failed to create bucket %s", p.bucket)
}
