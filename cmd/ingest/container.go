// Package main wires the ingestion pipeline end-to-end. This file keeps the
// CLI layer thin: it resolves runtime knobs, builds the fetcher, storage,
// archive and ledger from the pipeline file, and runs (or probes) one
// pipeline per dataset. It never imports backend packages directly.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Derrickeee/Data-Jedi/internal/archive"
	"github.com/Derrickeee/Data-Jedi/internal/config"
	"github.com/Derrickeee/Data-Jedi/internal/datasource"
	"github.com/Derrickeee/Data-Jedi/internal/datasource/file"
	"github.com/Derrickeee/Data-Jedi/internal/datasource/httpds"
	"github.com/Derrickeee/Data-Jedi/internal/load"
	"github.com/Derrickeee/Data-Jedi/internal/metrics"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/pipeline"
	"github.com/Derrickeee/Data-Jedi/internal/probe"
	"github.com/Derrickeee/Data-Jedi/internal/runlog"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// runtimeConfig contains the resolved batching and paging configuration of
// a job. Values come from the pipeline file with optional environment
// variable overrides (12-factor style).
type runtimeConfig struct {
	batchSize    int
	pageSize     int
	batchRetries int
	batchTimeout time.Duration
}

// runOptions are the per-invocation settings given on the command line.
type runOptions struct {
	datasets     []string
	datasetsFile string
	dryRun       bool
	maxPages     int
	verbose      bool
}

// Function variables used to introduce test seams.
// In production these point to real implementations; tests can override them.
var (
	newRepositoryFn = func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return storage.New(ctx, cfg)
	}

	openLedgerFn = func(kind, dsn string) (*runlog.Ledger, error) {
		return runlog.Open(kind, dsn)
	}

	openArchiveFn = archive.Open

	newHTTPClientFn = newHTTPClient
)

// newRuntimeConfig resolves runtime knobs: pipeline file, then INGEST_*
// environment variables, then defaults.
func newRuntimeConfig(p config.Pipeline) runtimeConfig {
	rt := runtimeConfig{
		batchSize:    pickInt(p.Runtime.BatchSize, getenvInt("INGEST_BATCH_SIZE", load.DefaultBatchSize)),
		pageSize:     pickInt(p.Source.PageSize, getenvInt("INGEST_PAGE_SIZE", datasource.DefaultPageSize)),
		batchRetries: getenvInt("INGEST_BATCH_RETRIES", load.DefaultRetries),
		batchTimeout: p.Runtime.BatchTimeout.Std(),
	}
	if p.Runtime.BatchRetries != nil {
		rt.batchRetries = *p.Runtime.BatchRetries
	}
	if rt.batchTimeout <= 0 {
		rt.batchTimeout = getenvDuration("INGEST_BATCH_TIMEOUT", load.DefaultBatchTimeout)
	}
	return rt
}

// newHTTPClient builds the fetch client with retries, the optional token
// bucket and header-driven throttling. Retries are counted per job.
func newHTTPClient(p config.Pipeline, verbose bool) *httpds.Client {
	h := p.Source.HTTP
	retries := 3
	if h.MaxRetries != nil {
		retries = *h.MaxRetries
	}

	job := p.Job
	return httpds.NewClient(httpds.Config{
		Timeout:            h.Timeout.Std(),
		MaxRetries:         retries,
		InitialBackoff:     h.InitialBackoff.Std(),
		MaxBackoff:         h.MaxBackoff.Std(),
		MaxRetryAfter:      h.MaxThrottleWait.Std(),
		InsecureSkipVerify: h.InsecureSkipVerify,
		Throttle:           httpds.NewThrottle(newLimiter(p), h.MaxThrottleWait.Std()),
		OnRetry: func(attempt int, err error) {
			metrics.RecordRetry(job, "fetch")
			if verbose {
				log.Printf("fetch: job=%s retry #%d: %v", job, attempt, err)
			}
		},
	})
}

// newLimiter returns the token bucket for the source, or nil when no rate is
// configured. A shared bucket is keyed by the endpoint host so concurrent
// jobs against one API draw from the same budget.
func newLimiter(p config.Pipeline) *rate.Limiter {
	h := p.Source.HTTP
	if h.RequestsPerSecond <= 0 {
		return nil
	}
	if !h.SharedRateLimit {
		return httpds.NewLimiter(h.RequestsPerSecond, h.Burst)
	}
	host := p.Source.Kind
	if u, err := url.Parse(p.Source.Endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return httpds.SharedLimiter(host, h.RequestsPerSecond, h.Burst)
}

// selectDatasets returns the datasets to run: the configured ones plus those
// listed in o.datasetsFile, narrowed to o.datasets when given.
func selectDatasets(p config.Pipeline, o runOptions) ([]config.Dataset, error) {
	all := append([]config.Dataset(nil), p.Source.Datasets...)
	if o.datasetsFile != "" {
		entries, err := file.ReadDatasets(o.datasetsFile)
		if err != nil {
			return nil, fmt.Errorf("read datasets file: %w", err)
		}
		for _, e := range entries {
			all = append(all, config.Dataset{ID: e.ID, StaticColumns: e.StaticColumns})
		}
	}
	if len(o.datasets) == 0 {
		if len(all) == 0 {
			return nil, fmt.Errorf("no datasets configured")
		}
		return all, nil
	}

	byID := make(map[string]config.Dataset, len(all))
	for _, d := range all {
		byID[d.ID] = d
	}
	out := make([]config.Dataset, 0, len(o.datasets))
	for _, id := range o.datasets {
		d, ok := byID[id]
		if !ok {
			// Ad-hoc dataset IDs run with the job's settings.
			d = config.Dataset{ID: id}
		}
		out = append(out, d)
	}
	return out, nil
}

// buildSource turns the source section and one dataset into the immutable
// description of a run.
func buildSource(p config.Pipeline, d config.Dataset, rt runtimeConfig) datasource.DatasetSource {
	s := p.Source
	return datasource.DatasetSource{
		Kind:        s.Kind,
		DatasetID:   d.ID,
		Endpoint:    s.Endpoint,
		PageSize:    rt.pageSize,
		AuthToken:   s.AuthToken,
		AuthHeader:  s.AuthHeader,
		Headers:     s.Headers,
		Params:      s.Params,
		RecordsPath: s.RecordsPath,
		TotalPath:   s.TotalPath,
		NextPath:    s.NextPath,
	}
}

// pipelineOptions maps the pipeline file onto pipeline.Options for one
// dataset.
func pipelineOptions(p config.Pipeline, d config.Dataset, rt runtimeConfig, o runOptions) pipeline.Options {
	maxPages := p.Runtime.MaxPages
	if o.maxPages > 0 {
		maxPages = o.maxPages
	}
	return pipeline.Options{
		Job:        p.Job,
		Table:      p.Storage.DB.Table,
		KeyColumns: p.Source.KeyColumns,
		Normalize: normalize.Options{
			NullTokens:    p.Normalize.NullTokens,
			DateLayouts:   p.Normalize.DateLayouts,
			Rename:        p.Normalize.Rename,
			StaticColumns: d.StaticColumns,
		},
		Load: load.Options{
			BatchSize:        rt.batchSize,
			Retries:          rt.batchRetries,
			BatchTimeout:     rt.batchTimeout,
			FailOnBatchError: p.Runtime.FailOnBatchError,
			Verbose:          o.verbose,
		},
		ReconcileMode: p.Runtime.ReconcileMode,
		Pipelined:     p.Runtime.Pipelined,
		MaxPages:      maxPages,
		DryRun:        o.dryRun,
		SpoolDir:      p.Runtime.SpoolDir,
		Verbose:       o.verbose,
	}
}

// initRepository constructs the storage repository from the pipeline file
// and returns a backend-agnostic Repository.
func initRepository(ctx context.Context, p config.Pipeline) (storage.Repository, error) {
	repo, err := newRepositoryFn(ctx, storage.Config{
		Kind: p.Storage.Kind,
		DSN:  p.Storage.DB.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

// openLedger opens and migrates the run ledger when it is enabled.
func openLedger(ctx context.Context, p config.Pipeline) (*runlog.Ledger, error) {
	if !p.Ledger.Enabled {
		return nil, nil
	}
	l, err := openLedgerFn(p.Storage.Kind, p.Storage.DB.DSN)
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// runJob runs every selected dataset of the job in order and returns one
// summary per dataset. Setup failures are returned as errors; run failures
// are reported in the summaries.
func runJob(ctx context.Context, p config.Pipeline, o runOptions) ([]pipeline.RunSummary, error) {
	rt := newRuntimeConfig(p)
	datasets, err := selectDatasets(p, o)
	if err != nil {
		return nil, err
	}
	log.Printf("runtime: job=%s datasets=%d batch=%d page=%d batch_retries=%d batch_timeout=%s",
		p.Job, len(datasets), rt.batchSize, rt.pageSize, rt.batchRetries, rt.batchTimeout)

	repo, err := initRepository(ctx, p)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	arch, err := openArchiveFn(ctx, archive.FromPipeline(p.Archive))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if arch != nil {
		defer arch.Close()
	}

	ledger, err := openLedger(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	fetcher := datasource.NewFetcher(newHTTPClientFn(p, o.verbose), o.verbose)

	out := make([]pipeline.RunSummary, 0, len(datasets))
	for _, d := range datasets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pl := pipeline.New(fetcher, repo, pipelineOptions(p, d, rt, o))
		if arch != nil {
			pl.WithArchiver(arch)
		}
		if ledger != nil {
			pl.WithLedger(ledger)
		}
		sum := pl.Run(ctx, buildSource(p, d, rt))
		sum.Log()
		out = append(out, sum)
	}
	return out, nil
}

// probeJob samples every selected dataset and writes one report per dataset
// to w. The destination is only read.
func probeJob(ctx context.Context, w io.Writer, p config.Pipeline, o runOptions, pages int) error {
	rt := newRuntimeConfig(p)
	datasets, err := selectDatasets(p, o)
	if err != nil {
		return err
	}
	repo, err := initRepository(ctx, p)
	if err != nil {
		return err
	}
	defer repo.Close()

	fetcher := datasource.NewFetcher(newHTTPClientFn(p, o.verbose), o.verbose)
	for i, d := range datasets {
		opts := pipelineOptions(p, d, rt, o)
		rep, err := probe.Probe(ctx, fetcher, repo, buildSource(p, d, rt), probe.Options{
			Table:     opts.Table,
			Normalize: opts.Normalize,
			Pages:     pages,
		})
		if err != nil {
			return fmt.Errorf("probe %s: %w", d.ID, err)
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := rep.Write(w); err != nil {
			return err
		}
	}
	return nil
}

// failedRuns counts the summaries that ended in StateFailed.
func failedRuns(sums []pipeline.RunSummary) int {
	n := 0
	for _, s := range sums {
		if s.State == pipeline.StateFailed {
			n++
		}
	}
	return n
}

// ----------------------------------------------------------------------------
// Small helpers
// ----------------------------------------------------------------------------

// getenvInt reads an int from environment, returning def when unset/invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// getenvDuration reads a duration such as "90s" from environment, returning
// def when unset/invalid.
func getenvDuration(k string, def time.Duration) time.Duration {
	if s := os.Getenv(k); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
