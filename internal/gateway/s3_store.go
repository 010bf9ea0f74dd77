package gateway

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/xerrors"
)

// S3ContentStore stores payloads under their content address in an
// S3-compatible bucket. Pinning copies the object under the pinned/ prefix,
// which is excluded from the bucket's lifecycle expiry.
type S3ContentStore struct {
	api     *s3.S3
	bucket  string
	timeout time.Duration
}

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

func NewS3ContentStore(opts S3Options) (*S3ContentStore, error) {
	cfg := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, xerrors.Errorf("creating s3 session: %w", err)
	}
	return &S3ContentStore{
		api:     s3.New(sess),
		bucket:  opts.Bucket,
		timeout: opts.Timeout,
	}, nil
}

func contentKey(addr string) string { return fmt.Sprintf("content/%s", addr) }
func pinnedKey(addr string) string  { return fmt.Sprintf("pinned/%s", addr) }

func (s *S3ContentStore) Put(ctx context.Context, data []byte) (string, error) {
	addr, err := ContentAddress(data)
	if err != nil {
		return "", err
	}
	err = Call(ctx, s.timeout, "s3 put", func(ctx context.Context) error {
		_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(contentKey(addr)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (s *S3ContentStore) Pin(ctx context.Context, contentAddress string) error {
	return Call(ctx, s.timeout, "s3 pin", func(ctx context.Context) error {
		_, err := s.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucket, contentKey(contentAddress))),
			Key:        aws.String(pinnedKey(contentAddress)),
		})
		return err
	})
}
