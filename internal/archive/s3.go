package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Derrickeee/Data-Jedi/internal/config"
)

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes objects to an S3 bucket or an S3-compatible endpoint.
type S3 struct {
	client s3API
	bucket string
}

// NewS3 builds a client from options:
//
//	region             default "us-east-1"
//	endpoint           e.g. "https://fsn1.your-objectstorage.com" (S3-compatible)
//	path_style         force path-style addressing
//	access_key_id      static credentials; AWS_ACCESS_KEY_ID when empty
//	secret_access_key  AWS_SECRET_ACCESS_KEY when empty
//	session_token      AWS_SESSION_TOKEN when empty
func NewS3(bucket string, opts config.Options) (*S3, error) {
	keyID := opts.String("access_key_id", os.Getenv("AWS_ACCESS_KEY_ID"))
	secret := opts.String("secret_access_key", os.Getenv("AWS_SECRET_ACCESS_KEY"))
	token := opts.String("session_token", os.Getenv("AWS_SESSION_TOKEN"))
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("archive: s3 needs access_key_id and secret_access_key (or AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY)")
	}
	region := opts.String("region", os.Getenv("AWS_REGION"))
	if region == "" {
		region = "us-east-1"
	}

	o := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(keyID, secret, token),
		UsePathStyle: opts.Bool("path_style", false),
	}
	if ep := opts.String("endpoint", ""); ep != "" {
		o.BaseEndpoint = aws.String(ep)
		// S3-compatible stores rarely support virtual-hosted buckets.
		o.UsePathStyle = opts.Bool("path_style", true)
	}
	return &S3{client: s3.New(o), bucket: bucket}, nil
}

func (s *S3) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) Close() error { return nil }

// contentType is application/json for plain page bodies and
// application/octet-stream for compressed ones.
func contentType(key string) string {
	if strings.HasSuffix(key, ".br") {
		return "application/octet-stream"
	}
	return "application/json"
}
