package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var _ FileStore = (*S3)(nil)

// S3API is the subset of *s3.Client that S3 uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 stores files as objects in a bucket, under an optional key prefix.
type S3 struct {
	api    S3API
	bucket string
	prefix string
}

// NewS3 returns an S3 store. The client carries credentials, region and
// endpoint.
func NewS3(api S3API, bucket, prefix string) *S3 {
	return &S3{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3) key(path string) (*string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return aws.String(p), nil
}

func (s *S3) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: key})
	if isNotFound(err) {
		return nil, fmt.Errorf("storage: s3://%s/%s: %w", s.bucket, *key, os.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Write uploads through a pipe. Close waits for the upload and returns its
// error.
func (s *S3) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	u := &upload{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(u.done)
		_, u.err = s.api.PutObject(ctx, &s3.PutObjectInput{Bucket: &s.bucket, Key: key, Body: pr})
		// Unblock writers if the upload stopped reading.
		pr.CloseWithError(u.err)
	}()
	return u, nil
}

func (s *S3) Delete(ctx context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: key})
	return err
}

func (s *S3) Exists(ctx context.Context, path string) (bool, error) {
	key, err := s.key(path)
	if err != nil {
		return false, err
	}
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: key})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

type upload struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (u *upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *upload) Close() error {
	u.pw.Close()
	<-u.done
	return u.err
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}
