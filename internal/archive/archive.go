// Package archive stores the raw response body of every fetched page so a
// run can be audited or replayed later.
//
// Keys follow <prefix>/<job>/<dataset>/<run_id>/page-00001.json and get a
// ".br" suffix when bodies are brotli-compressed. Archiving is best effort:
// the pipeline turns a failed Put into a run warning.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Derrickeee/Data-Jedi/internal/config"
)

// Store writes one object. Implementations exist for a local directory,
// S3, GCS, Azure Blob Storage and SFTP.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	// Kind is "", "none", "local", "s3", "gcs", "azblob" or "sftp".
	Kind string
	// Location is a directory (local, sftp), bucket (s3, gcs) or
	// container (azblob).
	Location string
	Prefix   string
	// Compress is "", "none" or "brotli".
	Compress string
	Options  config.Options
}

// FromPipeline converts the archive section of a pipeline file.
func FromPipeline(a config.Archive) Config {
	return Config{
		Kind:     a.Kind,
		Location: a.Location,
		Prefix:   a.Prefix,
		Compress: a.Compress,
		Options:  a.Options,
	}
}

// Enabled reports whether cfg asks for archiving at all.
func (c Config) Enabled() bool {
	return c.Kind != "" && c.Kind != "none"
}

// Archiver puts page bodies into a Store.
type Archiver struct {
	store    Store
	prefix   string
	compress bool
}

// NewArchiver wraps store. Tests use it with an in-memory Store.
func NewArchiver(store Store, prefix string, compress bool) *Archiver {
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/"), compress: compress}
}

// Open builds the Store for cfg. It returns (nil, nil) when archiving is
// disabled.
func Open(ctx context.Context, cfg Config) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	compress := false
	switch cfg.Compress {
	case "", "none":
	case "brotli":
		compress = true
	default:
		return nil, fmt.Errorf("archive: unsupported compress=%s", cfg.Compress)
	}
	if strings.TrimSpace(cfg.Location) == "" {
		return nil, fmt.Errorf("archive: location is required for kind=%s", cfg.Kind)
	}
	if cfg.Options == nil {
		cfg.Options = config.Options{}
	}

	var (
		store Store
		err   error
	)
	switch cfg.Kind {
	case "local":
		store, err = NewLocal(cfg.Location)
	case "s3":
		store, err = NewS3(cfg.Location, cfg.Options)
	case "gcs":
		store, err = NewGCS(ctx, cfg.Location, cfg.Options)
	case "azblob":
		store, err = NewAzure(cfg.Location, cfg.Options)
	case "sftp":
		store, err = NewSFTP(ctx, cfg.Location, cfg.Options)
	default:
		return nil, fmt.Errorf("archive: unsupported kind=%s", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewArchiver(store, cfg.Prefix, compress), nil
}

// PageKey returns the key of a page body. page is 0-based; keys are
// numbered from 1.
func PageKey(job, datasetID, runID string, page int) string {
	return path.Join(job, datasetID, runID, fmt.Sprintf("page-%05d.json", page+1))
}

// Put stores body under key (plus the prefix and compression suffix) and
// returns the full key written.
func (a *Archiver) Put(ctx context.Context, key string, body []byte) (string, error) {
	full := key
	if a.prefix != "" {
		full = a.prefix + "/" + key
	}
	if a.compress {
		b, err := Compress(body)
		if err != nil {
			return "", fmt.Errorf("archive: compress %s: %w", full, err)
		}
		body = b
		full += ".br"
	}
	if err := a.store.Put(ctx, full, body); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", full, err)
	}
	return full, nil
}

// Close releases the Store.
func (a *Archiver) Close() error { return a.store.Close() }

// Compress returns body brotli-compressed at the default level.
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(brotli.NewReader(bytes.NewReader(body))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
