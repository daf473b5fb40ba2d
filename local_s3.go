/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"bytes"
	"context"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
)

// LocalS3 is an in-memory stand-in for S3, used for local runs and tests. Only the calls made by
// PayloadStore and the rescan loop are implemented.
type LocalS3 struct {
	// fake interface here
	s3iface.S3API

	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewLocalS3 creates an in-memory S3 with the given buckets
func NewLocalS3(buckets ...string) *LocalS3 {
	l := &LocalS3{buckets: map[string]map[string][]byte{}}
	for _, b := range buckets {
		l.buckets[b] = map[string][]byte{}
	}
	return l
}

func noSuchBucket(bucket string) error {
	return awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist: "+bucket, nil)
}

func noSuchKey(key string) error {
	return awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist: "+key, nil)
}

// CreateBucketWithContext creates the bucket if missing
func (l *LocalS3) CreateBucketWithContext(_ aws.Context, in *s3.CreateBucketInput,
	_ ...request.Option) (*s3.CreateBucketOutput, error) {

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := aws.StringValue(in.Bucket)
	if _, ok := l.buckets[bucket]; !ok {
		l.buckets[bucket] = map[string][]byte{}
	}
	return &s3.CreateBucketOutput{Location: aws.String("/" + bucket)}, nil
}

// PutObjectWithContext stores the object body
func (l *LocalS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput,
	_ ...request.Option) (*s3.PutObjectOutput, error) {

	var body []byte
	if in.Body != nil {
		b, err := ioutil.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	objects, ok := l.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	objects[aws.StringValue(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (l *LocalS3) object(bucket string, key string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	objects, ok := l.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	body, ok := objects[key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return body, nil
}

// GetObjectWithContext returns a copy of the object body
func (l *LocalS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput,
	_ ...request.Option) (*s3.GetObjectOutput, error) {

	body, err := l.object(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewReader(append([]byte(nil), body...))),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

// HeadObjectWithContext reports the object size
func (l *LocalS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput,
	_ ...request.Option) (*s3.HeadObjectOutput, error) {

	body, err := l.object(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body)))}, nil
}

// DeleteObjectWithContext removes the object. Deleting a missing key succeeds, as in S3.
func (l *LocalS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput,
	_ ...request.Option) (*s3.DeleteObjectOutput, error) {

	l.mu.Lock()
	defer l.mu.Unlock()
	objects, ok := l.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	delete(objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2WithContext lists keys with the given prefix in lexical order
func (l *LocalS3) ListObjectsV2WithContext(_ aws.Context, in *s3.ListObjectsV2Input,
	_ ...request.Option) (*s3.ListObjectsV2Output, error) {

	l.mu.RLock()
	defer l.mu.RUnlock()
	objects, ok := l.buckets[aws.StringValue(in.Bucket)]
	if !ok {
		return nil, noSuchBucket(aws.StringValue(in.Bucket))
	}
	prefix := aws.StringValue(in.Prefix)
	var keys []string
	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{
		Name:     in.Bucket,
		Prefix:   in.Prefix,
		KeyCount: aws.Int64(int64(len(keys))),
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, &s3.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(objects[key]))),
		})
	}
	return out, nil
}

// StartRescan loads dir into the store now and then every interval until ctx is done. Each first
// level directory is a bucket; files below it are objects keyed by their slash separated path.
func (l *LocalS3) StartRescan(ctx context.Context, dir string, interval time.Duration) {
	l.rescan(dir)
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.rescan(dir)
			}
		}
	}()
}

func (l *LocalS3) rescan(dir string) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to scan local s3 directory %s", dir)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bucket := entry.Name()
		bucketDir := filepath.Join(dir, bucket)
		loaded := map[string][]byte{}
		err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(bucketDir, path)
			if err != nil {
				return err
			}
			loaded[filepath.ToSlash(rel)] = body
			return nil
		})
		if err != nil {
			logrus.WithError(err).Warnf("Failed to load local s3 bucket %s", bucket)
			continue
		}

		l.mu.Lock()
		objects, ok := l.buckets[bucket]
		if !ok {
			objects = map[string][]byte{}
			l.buckets[bucket] = objects
		}
		for key, body := range loaded {
			objects[key] = body
		}
		l.mu.Unlock()
	}
}
