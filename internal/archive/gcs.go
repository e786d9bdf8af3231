package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/Derrickeee/Data-Jedi/internal/config"
)

// GCS writes objects to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS builds a client from options:
//
//	credentials_file  service account key file; application default
//	                  credentials when empty
//	endpoint          custom endpoint, e.g. a local emulator
func NewGCS(ctx context.Context, bucket string, opts config.Options) (*GCS, error) {
	var copts []option.ClientOption
	if f := opts.String("credentials_file", ""); f != "" {
		copts = append(copts, option.WithAuthCredentialsFile(option.ServiceAccount, f))
	}
	if ep := opts.String("endpoint", ""); ep != "" {
		copts = append(copts, option.WithEndpoint(ep), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Put(ctx context.Context, key string, body []byte) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s/%s: %w", g.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s/%s: %w", g.bucket, key, err)
	}
	return nil
}

func (g *GCS) Close() error { return g.client.Close() }
