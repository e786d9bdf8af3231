// Package pipeline runs one dataset through fetch, normalize, reconcile and
// load, and reports the outcome as a RunSummary.
//
// Two reconcile modes are supported:
//
//   - "run" (default): normalized pages are spooled to disk; after the last
//     page the final column set is reconciled once and the spool is loaded.
//     The table is altered at most once per run and before any row is
//     written.
//   - "page": every page is reconciled and loaded as it arrives. With
//     Pipelined set, the next page is fetched while the current one loads.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Derrickeee/Data-Jedi/internal/archive"
	"github.com/Derrickeee/Data-Jedi/internal/datasource"
	"github.com/Derrickeee/Data-Jedi/internal/identity"
	"github.com/Derrickeee/Data-Jedi/internal/load"
	"github.com/Derrickeee/Data-Jedi/internal/metrics"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/runlog"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
)

const (
	ReconcileRun  = "run"
	ReconcilePage = "page"
)

// Fetcher yields the raw pages of a dataset.
type Fetcher interface {
	Fetch(ctx context.Context, src datasource.DatasetSource) iter.Seq2[datasource.RawPage, error]
}

// Repository is the part of storage.Repository a run needs.
type Repository interface {
	schema.Applier
	load.Writer
	TableSchema(ctx context.Context, table string) (schema.TableSchema, error)
}

// Archiver stores raw page bodies.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// Recorder persists run summaries.
type Recorder interface {
	Record(ctx context.Context, e runlog.Entry) error
}

// Options configures a Pipeline.
type Options struct {
	Job        string
	Table      string
	KeyColumns []string

	Normalize normalize.Options
	// Load is completed with Job, Table, DatasetID and KeyColumns per run.
	Load load.Options

	ReconcileMode string
	Pipelined     bool

	// MaxPages caps the pages fetched when the source sets no cap itself.
	MaxPages int
	// DryRun fetches, normalizes and reconciles without touching the table.
	DryRun bool
	// SpoolDir holds run-mode spools; empty means os.TempDir().
	SpoolDir string

	Verbose bool
}

// Pipeline runs datasets into one table. Runs may execute concurrently as
// long as they target different datasets.
type Pipeline struct {
	fetcher  Fetcher
	repo     Repository
	opts     Options
	archiver Archiver
	ledger   Recorder

	newRunID func() string
	now      func() time.Time
}

// New returns a Pipeline. Archiving and the run ledger are off until
// WithArchiver and WithLedger are called.
func New(f Fetcher, repo Repository, opts Options) *Pipeline {
	if opts.ReconcileMode == "" {
		opts.ReconcileMode = ReconcileRun
	}
	return &Pipeline{
		fetcher:  f,
		repo:     repo,
		opts:     opts,
		newRunID: newRunID,
		now:      time.Now,
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithArchiver stores every fetched page body through a.
func (p *Pipeline) WithArchiver(a Archiver) *Pipeline {
	p.archiver = a
	return p
}

// WithLedger records every finished run through r.
func (p *Pipeline) WithLedger(r Recorder) *Pipeline {
	p.ledger = r
	return p
}

// Run ingests src and returns its summary. A fatal error ends the run in
// StateFailed with RunSummary.Err set; it is not returned separately.
func (p *Pipeline) Run(ctx context.Context, src datasource.DatasetSource) RunSummary {
	if src.MaxPages <= 0 {
		src.MaxPages = p.opts.MaxPages
	}
	r := &run{
		p:      p,
		norm:   normalize.New(p.opts.Normalize),
		nulled: map[string]int{},
		seen:   map[string]bool{},
		owned:  map[string]bool{},
		sum: RunSummary{
			RunID:     p.newRunID(),
			Job:       p.opts.Job,
			DatasetID: src.DatasetID,
			State:     StateIdle,
			StartedAt: p.now().UTC(),
		},
	}
	lopts := p.opts.Load
	lopts.Job = p.opts.Job
	lopts.Table = p.opts.Table
	lopts.DatasetID = src.DatasetID
	lopts.KeyColumns = p.opts.KeyColumns
	r.loader = load.New(p.repo, lopts)

	log.Printf("pipeline: run=%s job=%s dataset=%s table=%s mode=%s pipelined=%v dry_run=%v",
		r.sum.RunID, p.opts.Job, src.DatasetID, p.opts.Table, p.opts.ReconcileMode, p.opts.Pipelined, p.opts.DryRun)

	var err error
	switch {
	case len(p.opts.KeyColumns) == 0:
		err = identity.ErrNoKeys
	case p.opts.ReconcileMode == ReconcileRun:
		err = r.runMode(ctx, src)
	case p.opts.ReconcileMode == ReconcilePage && p.opts.Pipelined:
		err = r.pipelined(ctx, src)
	case p.opts.ReconcileMode == ReconcilePage:
		err = r.pageMode(ctx, src)
	default:
		err = fmt.Errorf("pipeline: unknown reconcile mode %q", p.opts.ReconcileMode)
	}
	return r.finish(ctx, err)
}

// run is the mutable state of one Run.
type run struct {
	p      *Pipeline
	norm   *normalize.Normalizer
	loader *load.Loader

	mu  sync.Mutex
	sum RunSummary

	// Page mode accumulates conflicts over every page's Guard.
	conflicts []schema.Conflict
	nulled    map[string]int
	seen      map[string]bool
	// owned holds the columns this run added to the table. Later pages may
	// widen them to any type.
	owned map[string]bool
}

func (r *run) set(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sum.State == s {
		return
	}
	if r.p.opts.Verbose || s.Terminal() {
		log.Printf("pipeline: run=%s state %s -> %s", r.sum.RunID, r.sum.State, s)
	}
	r.sum.State = s
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	r.sum.Warnings = append(r.sum.Warnings, msg)
	r.mu.Unlock()
}

func (r *run) schemaChanges(changes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range changes {
		if !r.seen[c] {
			r.seen[c] = true
			r.sum.SchemaChanges = append(r.sum.SchemaChanges, c)
		}
	}
}

// runMode spools every page, reconciles once and loads the spool.
func (r *run) runMode(ctx context.Context, src datasource.DatasetSource) error {
	sp, err := newSpool(r.p.opts.SpoolDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := sp.Close(); err != nil {
			log.Printf("pipeline: run=%s remove spool: %v", r.sum.RunID, err)
		}
	}()

	r.set(StateFetching)
	for page, err := range r.p.fetcher.Fetch(ctx, src) {
		if err != nil {
			return err
		}
		res, err := r.normalizePage(ctx, page)
		if err != nil {
			return err
		}
		if err := sp.Write(res.Rows); err != nil {
			return err
		}
		r.set(StateFetching)
	}
	if sp.rows == 0 {
		log.Printf("pipeline: run=%s no records fetched", r.sum.RunID)
		return nil
	}

	cols := r.norm.Columns()
	guard, err := r.reconcile(ctx, cols.All())
	if err != nil {
		return err
	}
	if r.p.opts.DryRun {
		log.Printf("pipeline: run=%s dry run, %d rows not loaded", r.sum.RunID, sp.rows)
		return nil
	}

	r.set(StateLoading)
	names := cols.Names()
	err = sp.Replay(func(page int, rows []normalize.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := make([]normalize.Row, len(rows))
		for i, row := range rows {
			c, err := normalize.CoerceRow(row, &cols)
			if err != nil {
				return fmt.Errorf("page %d row %d: %w", page, i, err)
			}
			out[i] = guard.Conform(c)
		}
		return r.load(ctx, out, names)
	})
	for _, w := range guard.Warnings() {
		r.warn(w)
	}
	return err
}

// pageMode reconciles and loads each page before fetching the next.
func (r *run) pageMode(ctx context.Context, src datasource.DatasetSource) error {
	r.set(StateFetching)
	for page, err := range r.p.fetcher.Fetch(ctx, src) {
		if err != nil {
			return err
		}
		if err := r.handlePage(ctx, page); err != nil {
			return err
		}
		r.set(StateFetching)
	}
	return nil
}

// pipelined is pageMode with the next page fetched while the current one
// is handled. The unbuffered channel keeps one page in flight per side.
func (r *run) pipelined(ctx context.Context, src datasource.DatasetSource) error {
	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan datasource.RawPage)

	r.set(StateFetching)
	g.Go(func() error {
		defer close(pages)
		for page, err := range r.p.fetcher.Fetch(gctx, src) {
			if err != nil {
				return err
			}
			select {
			case pages <- page:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for page := range pages {
			if err := r.handlePage(gctx, page); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *run) handlePage(ctx context.Context, page datasource.RawPage) error {
	res, err := r.normalizePage(ctx, page)
	if err != nil {
		return err
	}
	if len(res.Rows) == 0 {
		return nil
	}
	guard, err := r.reconcile(ctx, res.Columns)
	if err != nil {
		return err
	}
	if r.p.opts.DryRun {
		return nil
	}

	r.set(StateLoading)
	rows := make([]normalize.Row, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = guard.Conform(row)
	}
	names := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		names[i] = c.Name
	}
	err = r.load(ctx, rows, names)

	r.mu.Lock()
	r.conflicts = append(r.conflicts, guard.Conflicts()...)
	for col, n := range guard.Nulled() {
		r.nulled[col] += n
	}
	r.mu.Unlock()
	return err
}

// normalizePage archives and types one page and counts its records.
func (r *run) normalizePage(ctx context.Context, page datasource.RawPage) (normalize.Result, error) {
	if err := ctx.Err(); err != nil {
		return normalize.Result{}, err
	}
	metrics.RecordPage(r.p.opts.Job)
	metrics.RecordRow(r.p.opts.Job, "seen", int64(len(page.Records)))
	r.mu.Lock()
	r.sum.Pages++
	r.sum.Seen += len(page.Records)
	r.mu.Unlock()

	r.archivePage(ctx, page)

	r.set(StateNormalizing)
	res, err := r.norm.Normalize(page.Records)
	if err != nil {
		return res, fmt.Errorf("page %d (offset %d): %w", page.Number, page.Offset, err)
	}
	for _, w := range res.Warnings {
		r.warn(w)
	}
	if r.p.opts.Verbose {
		for _, c := range res.Changes {
			log.Printf("normalize: run=%s page=%d %s", r.sum.RunID, page.Number, c)
		}
	}
	return res, nil
}

func (r *run) archivePage(ctx context.Context, page datasource.RawPage) {
	if r.p.archiver == nil || len(page.Body) == 0 {
		return
	}
	key := archive.PageKey(r.p.opts.Job, r.sum.DatasetID, r.sum.RunID, page.Number)
	if _, err := r.p.archiver.Put(ctx, key, page.Body); err != nil {
		r.warn(fmt.Sprintf("archive page %d: %v", page.Number, err))
	}
}

// reconcile brings the table in line with cols and returns the Guard for
// rows loaded afterwards.
func (r *run) reconcile(ctx context.Context, cols []normalize.Column) (*schema.Guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.set(StateReconciling)
	start := time.Now()
	existing, err := r.p.repo.TableSchema(ctx, r.p.opts.Table)
	if err != nil {
		metrics.RecordStep(r.p.opts.Job, "reconcile", err, time.Since(start))
		return nil, fmt.Errorf("reconcile: read schema of %s: %w", r.p.opts.Table, err)
	}
	plan := schema.Reconcile(cols, existing).WidenOwned(func(col string) bool { return r.owned[col] })
	if plan.Alters() {
		r.schemaChanges(plan.Changes())
		if !r.p.opts.DryRun {
			err = schema.Apply(ctx, r.p.repo, r.p.opts.Table, plan)
		}
	}
	metrics.RecordStep(r.p.opts.Job, "reconcile", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if !r.p.opts.DryRun {
		for _, c := range plan.ColumnsToAdd {
			r.owned[c.Name] = true
		}
	}
	return schema.NewGuard(plan, existing), nil
}

func (r *run) load(ctx context.Context, rows []normalize.Row, columns []string) error {
	res, err := r.loader.Load(ctx, rows, columns)
	metrics.RecordRow(r.p.opts.Job, "failed", int64(res.Failed))
	r.mu.Lock()
	r.sum.Inserted += res.Inserted
	r.sum.Updated += res.Updated
	r.sum.Skipped += res.Skipped
	r.sum.Failed += res.Failed
	r.sum.Warnings = append(r.sum.Warnings, res.Warnings...)
	r.mu.Unlock()
	return err
}

// finish settles the terminal state, records the run and logs the summary.
func (r *run) finish(ctx context.Context, err error) RunSummary {
	if len(r.conflicts) > 0 {
		for _, w := range schema.ConflictWarnings(r.conflicts, r.nulled) {
			r.warn(w)
		}
	}

	r.sum.FinishedAt = r.p.now().UTC()
	if err != nil {
		r.sum.Err = err
		r.set(StateFailed)
	} else {
		r.set(StateDone)
	}
	metrics.RecordStep(r.p.opts.Job, "run", err, r.sum.Duration())

	if r.p.ledger != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if lerr := r.p.ledger.Record(rctx, r.sum.Entry()); lerr != nil {
			log.Printf("pipeline: run=%s record ledger: %v", r.sum.RunID, lerr)
		}
		cancel()
	}
	return r.sum
}
