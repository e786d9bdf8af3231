// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from ingestion runs.
//
// The package exposes a narrow interface (Backend) focused on counters and
// timing data, behind a global, pluggable backend that defaults to a no-op
// implementation. Metrics are therefore always safe to call even when no real
// backend is configured. Concrete metric systems live in subpackages
// (prompush, datadog) so the pipeline depends only on this package.
//
// The stages instrumented are the ones a run moves through: fetch,
// normalize, reconcile and load.
package metrics

import "time"

// Metric names shared by all backends.
const (
	StepTotal           = "ingest_step_total"
	StepDurationSeconds = "ingest_step_duration_seconds"
	RowsTotal           = "ingest_rows_total"
	BatchesTotal        = "ingest_batches_total"
	PagesTotal          = "ingest_pages_total"
	RetriesTotal        = "ingest_retries_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep measures latency and success/failure of one run stage.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordRow increments a row-level counter for the given job and kind.
//
// Kinds mirror the run summary fields: "seen", "inserted", "updated",
// "skipped" and "failed".
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments a batch-level counter for the given job.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(delta), Labels{
		"job": job,
	})
}

// RecordPage counts one fetched page.
func RecordPage(job string) {
	backend.IncCounter(PagesTotal, 1, Labels{"job": job})
}

// RecordRetry counts one retry of a stage ("fetch" or "load").
func RecordRetry(job, stage string) {
	backend.IncCounter(RetriesTotal, 1, Labels{
		"job":   job,
		"stage": stage,
	})
}
