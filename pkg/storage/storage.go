// Package storage defines the FileStore interface for reading and writing
// files on local disk or in an S3 bucket.
//
// Chunks too large to carry inline are stored here and referenced by URI;
// chunk.Resolver maps a URI scheme to the FileStore that holds it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrInvalidPath is returned for paths that are empty or leave the store
// root.
var ErrInvalidPath = errors.New("storage: invalid path")

// FileStore is a flat namespace of files addressed by slash-separated
// paths relative to the store root. Implementations are safe for
// concurrent use.
type FileStore interface {
	// Read opens path. A missing file yields an error wrapping
	// os.ErrNotExist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or truncates path. Data is committed when the writer is
	// closed.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes path. Deleting a missing file succeeds.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)
}

// Open returns the FileStore a URL names:
//
//	/var/lib/chunkflow/media         local directory
//	file:///var/lib/chunkflow/media  local directory
//	s3://bucket/prefix?region=us-east-1&endpoint=http://minio:9000
//
// S3 credentials are read from AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and
// AWS_SESSION_TOKEN. A custom endpoint switches to path-style addressing.
func Open(rawURL string) (FileStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = rawURL
		}
		return NewLocal(dir)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("storage: %q has no bucket", rawURL)
		}
		q := u.Query()
		opts := s3.Options{
			Region: q.Get("region"),
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
					Source:          "environment",
				}, nil
			})),
		}
		if opts.Region == "" {
			opts.Region = os.Getenv("AWS_REGION")
		}
		if ep := q.Get("endpoint"); ep != "" {
			opts.BaseEndpoint = aws.String(ep)
			opts.UsePathStyle = true
		}
		return NewS3(s3.New(opts), u.Host, strings.Trim(u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("storage: unsupported scheme %q", u.Scheme)
	}
}

// cleanPath validates a store path and strips leading slashes.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, nil
}
