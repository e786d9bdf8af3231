// Package load writes canonical rows into the destination table in
// batches, idempotently.
//
// Each row is identified by its _row_id. A batch looks up the stored
// (_row_id, _row_hash) pairs first: unknown ids are inserted, ids whose hash
// differs are updated (last write wins) and equal hashes are skipped.
// Rerunning a load on unchanged data therefore writes nothing.
//
// A failing batch is retried as a whole with exponential backoff. Once the
// retries are exhausted its rows count as failed and later batches still
// run, unless Options.FailOnBatchError is set.
package load

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Derrickeee/Data-Jedi/internal/identity"
	"github.com/Derrickeee/Data-Jedi/internal/metrics"
	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
)

// Defaults applied by New for zero option values.
const (
	DefaultBatchSize      = 1000
	DefaultRetries        = 3
	DefaultBatchTimeout   = 60 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Writer is the part of storage.Repository the loader needs.
type Writer interface {
	LookupHashes(ctx context.Context, table string, ids []string) (map[string]string, error)
	WriteBatch(ctx context.Context, table string, b storage.Batch) error
}

// Options configures a Loader.
type Options struct {
	// Job labels metrics.
	Job string

	Table     string
	DatasetID string

	// KeyColumns are the canonical columns whose values identify a row.
	KeyColumns []string

	BatchSize int

	// Retries is the number of attempts after the first one. Negative
	// means no retries.
	Retries int

	// BatchTimeout bounds each attempt; a timeout counts as a transient
	// failure.
	BatchTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// FailOnBatchError makes an exhausted batch fatal.
	FailOnBatchError bool

	// Verbose logs one progress line per batch.
	Verbose bool
}

// Result counts the outcome of a load. Every row passed to Load lands in
// exactly one counter.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
	Failed   int
	Batches  int

	Warnings []string
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Batches += o.Batches
	r.Warnings = append(r.Warnings, o.Warnings...)
}

// Rows returns the number of rows accounted for.
func (r Result) Rows() int { return r.Inserted + r.Updated + r.Skipped + r.Failed }

// BatchError reports a batch that still failed after every retry.
type BatchError struct {
	// Batch is the 1-based batch number within the run.
	Batch int
	Rows  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("load: batch %d (%d rows): %v", e.Batch, e.Rows, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Loader loads rows for one run. Batch numbering and progress totals carry
// over between calls to Load. It is not safe for concurrent use.
type Loader struct {
	w    Writer
	opts Options

	// sleep and now are injectable to make tests fast and deterministic.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	batches   int
	written   int
	start     time.Time
	lastFlush time.Time
}

// New returns a Loader writing through w, applying defaults for zero values.
func New(w Writer, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Loader{
		w:     w,
		opts:  opts,
		sleep: sleepWithContext,
		now:   time.Now,
	}
}

// Load writes rows in batches of Options.BatchSize. columns are the
// canonical columns to write, in table order; values missing from a row
// are written as null.
//
// It returns early only when ctx is canceled or, with FailOnBatchError,
// when a batch fails for good. The partial Result is returned either way.
func (l *Loader) Load(ctx context.Context, rows []normalize.Row, columns []string) (Result, error) {
	if len(l.opts.KeyColumns) == 0 {
		return Result{}, identity.ErrNoKeys
	}
	if l.start.IsZero() {
		l.start = l.now()
		l.lastFlush = l.start
	}

	var total Result
	for lo := 0; lo < len(rows); lo += l.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hi := min(lo+l.opts.BatchSize, len(rows))
		res, err := l.loadBatch(ctx, rows[lo:hi], columns)
		total.Add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *Loader) loadBatch(ctx context.Context, rows []normalize.Row, columns []string) (Result, error) {
	l.batches++
	n := l.batches

	pending, res := l.prepare(n, rows)
	if len(pending) == 0 {
		return res, nil
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		r, err := l.write(ctx, pending, columns)
		if err == nil {
			res.Inserted += r.Inserted
			res.Updated += r.Updated
			res.Skipped += r.Skipped
			res.Batches++
			l.progress(n, res)
			metrics.RecordBatches(l.opts.Job, 1)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if attempt >= l.opts.Retries {
			break
		}

		wait := backoffDuration(l.opts.InitialBackoff, attempt, l.opts.MaxBackoff)
		log.Printf("loader: batch #%d attempt %d failed, retrying in %s: %v", n, attempt+1, wait, err)
		metrics.RecordRetry(l.opts.Job, "load")
		if err := l.sleep(ctx, wait); err != nil {
			return res, err
		}
	}

	be := &BatchError{Batch: n, Rows: len(pending), Err: lastErr}
	if l.opts.FailOnBatchError {
		return res, be
	}
	log.Printf("loader: %v; continuing", be)
	res.Failed += len(pending)
	res.Warnings = append(res.Warnings, be.Error())
	return res, nil
}

// prepare derives identities and drops in-batch duplicates, keeping the
// last occurrence in the position of the first. Superseded rows count as
// skipped; rows without a usable key count as failed.
func (l *Loader) prepare(batch int, rows []normalize.Row) ([]storage.Row, Result) {
	var res Result
	pending := make([]storage.Row, 0, len(rows))
	index := make(map[string]int, len(rows))

	for i, row := range rows {
		id, err := identity.RowID(l.opts.DatasetID, l.opts.KeyColumns, row)
		if err != nil {
			res.Failed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("load: batch %d row %d: %v", batch, i, err))
			continue
		}
		r := storage.Row{ID: id, Hash: identity.RowHash(row), Source: l.opts.DatasetID, Values: row}
		if at, dup := index[id]; dup {
			pending[at] = r
			res.Skipped++
			continue
		}
		index[id] = len(pending)
		pending = append(pending, r)
	}
	return pending, res
}

// write performs one attempt: look up stored hashes, then insert and
// update in a single WriteBatch.
func (l *Loader) write(ctx context.Context, pending []storage.Row, columns []string) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, l.opts.BatchTimeout)
	defer cancel()

	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	stored, err := l.w.LookupHashes(actx, l.opts.Table, ids)
	if err != nil {
		return Result{}, fmt.Errorf("lookup: %w", err)
	}

	var res Result
	b := storage.Batch{Columns: columns, LoadedAt: l.now().UTC()}
	for _, r := range pending {
		h, ok := stored[r.ID]
		switch {
		case !ok:
			b.Inserts = append(b.Inserts, r)
		case h != r.Hash:
			b.Updates = append(b.Updates, r)
		default:
			res.Skipped++
		}
	}
	if b.Size() == 0 {
		return res, nil
	}
	if err := l.w.WriteBatch(actx, l.opts.Table, b); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("write: attempt timed out after %s: %w", l.opts.BatchTimeout, err)
		}
		return Result{}, fmt.Errorf("write: %w", err)
	}
	res.Inserted = len(b.Inserts)
	res.Updated = len(b.Updates)
	return res, nil
}

func (l *Loader) progress(n int, res Result) {
	written := res.Inserted + res.Updated
	l.written += written
	metrics.RecordRow(l.opts.Job, "inserted", int64(res.Inserted))
	metrics.RecordRow(l.opts.Job, "updated", int64(res.Updated))
	metrics.RecordRow(l.opts.Job, "skipped", int64(res.Skipped))

	now := l.now()
	sinceLast := now.Sub(l.lastFlush)
	l.lastFlush = now
	if !l.opts.Verbose {
		return
	}
	rps := float64(0)
	if sinceLast > 0 {
		rps = float64(written) / sinceLast.Seconds()
	}
	log.Printf(
		"batch #%d: rps=%.0f inserted=%d updated=%d skipped=%d total_written=%d elapsed=%s since_last=%s",
		n,
		rps,
		res.Inserted,
		res.Updated,
		res.Skipped,
		l.written,
		now.Sub(l.start).Truncate(time.Millisecond),
		sinceLast.Truncate(time.Millisecond),
	)
}

// backoffDuration returns the exponential backoff for the given 0-based
// retry index, clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 0 {
		return min(initial, max)
	}
	if attempt > 30 {
		return max
	}
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepWithContext sleeps for d but aborts early if ctx is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
