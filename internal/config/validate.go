// Package config provides configuration models and helpers for ingestion
// pipelines.
//
// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "source.datasets[1].id"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// SingStatTableID matches SingStat Table Builder IDs: "M" followed by 6 digits.
var SingStatTableID = regexp.MustCompile(`^M\d{6}$`)

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline. Callers may decide whether to treat
// warnings as fatal or not.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateArchive(p.Archive)...)
	issues = append(issues, validateSchedule(p.Schedule)...)

	return issues
}

// validateSource validates Source configuration.
func validateSource(s Source) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.kind",
			Message:  "source.kind must not be empty",
		})
		return issues
	}

	known := map[string]struct{}{
		"json":      {},
		"datagovsg": {},
		"singstat":  {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "source.kind",
			Message:  fmt.Sprintf("unknown source kind %q; ensure a matching implementation is registered", s.Kind),
		})
	}

	if s.Kind == "json" && strings.TrimSpace(s.Endpoint) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.endpoint",
			Message:  "json source requires an endpoint template",
		})
	}
	if s.Endpoint != "" {
		probe := strings.NewReplacer("{dataset}", "x", "{offset}", "0", "{limit}", "1", "{page}", "1").Replace(s.Endpoint)
		if u, err := url.Parse(probe); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "source.endpoint",
				Message:  fmt.Sprintf("endpoint %q is not an absolute URL", s.Endpoint),
			})
		}
	}

	if len(s.Datasets) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.datasets",
			Message:  "at least one dataset id is required",
		})
	}
	seen := map[string]struct{}{}
	for i, d := range s.Datasets {
		path := fmt.Sprintf("source.datasets[%d].id", i)
		id := strings.TrimSpace(d.ID)
		if id == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: "dataset id must not be empty"})
			continue
		}
		if _, dup := seen[id]; dup {
			issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf("dataset %q listed more than once", id)})
		}
		seen[id] = struct{}{}
		if s.Kind == "singstat" && !SingStatTableID.MatchString(id) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path,
				Message:  fmt.Sprintf("singstat table id %q must be M followed by 6 digits", id),
			})
		}
	}

	if len(s.KeyColumns) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.key_columns",
			Message:  "key_columns must list the natural key; row identity cannot be guessed",
		})
	}
	for i, k := range s.KeyColumns {
		if strings.HasPrefix(k, "_") {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("source.key_columns[%d]", i),
				Message:  fmt.Sprintf("key column %q uses the reserved '_' prefix", k),
			})
		}
	}

	if s.PageSize < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "source.page_size", Message: "page_size must not be negative"})
	}
	if s.HTTP.MaxRetries != nil && *s.HTTP.MaxRetries < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "source.http.max_retries", Message: "max_retries must not be negative"})
	}
	if s.HTTP.RequestsPerSecond < 0 {
		issues = append(issues, Issue{Severity: SeverityError, Path: "source.http.requests_per_second", Message: "requests_per_second must not be negative"})
	}
	if s.HTTP.SharedRateLimit && s.HTTP.RequestsPerSecond == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "source.http.shared_rate_limit",
			Message:  "shared_rate_limit has no effect without requests_per_second",
		})
	}
	if s.HTTP.InsecureSkipVerify {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "source.http.insecure_skip_verify",
			Message:  "TLS verification is disabled",
		})
	}

	return issues
}

// validateStorage validates storage configuration and DB settings.
func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
		return issues
	}

	known := map[string]struct{}{
		"postgres": {},
		"mysql":    {},
		"mssql":    {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; ensure a matching backend is registered", s.Kind),
		})
	}

	db := s.DB
	if strings.TrimSpace(db.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.dsn",
			Message:  "storage.db.dsn must not be empty",
		})
	}
	if strings.TrimSpace(db.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.table",
			Message:  "storage.db.table must not be empty",
		})
	} else if strings.Count(db.Table, ".") > 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.table",
			Message:  fmt.Sprintf("table %q must be name or schema.name", db.Table),
		})
	}

	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations.
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.BatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_size",
			Message:  "batch_size must not be negative",
		})
	}
	if r.BatchRetries != nil && *r.BatchRetries < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_retries",
			Message:  "batch_retries must not be negative",
		})
	}
	if r.BatchTimeout < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_timeout",
			Message:  "batch_timeout must not be negative",
		})
	}
	switch r.ReconcileMode {
	case "", "run", "page":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.reconcile_mode",
			Message:  fmt.Sprintf("reconcile_mode %q must be \"run\" or \"page\"", r.ReconcileMode),
		})
	}
	if r.Pipelined && r.ReconcileMode != "page" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.pipelined",
			Message:  "pipelined only applies to reconcile_mode \"page\"",
		})
	}
	if r.MaxPages < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_pages",
			Message:  "max_pages must not be negative",
		})
	}

	return issues
}

// validateArchive validates the optional raw page archive.
func validateArchive(a Archive) []Issue {
	var issues []Issue

	switch a.Kind {
	case "", "none":
		return nil
	case "local", "s3", "gcs", "azblob", "sftp":
	default:
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "archive.kind",
			Message:  fmt.Sprintf("unknown archive kind %q", a.Kind),
		})
	}
	if strings.TrimSpace(a.Location) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "archive.location",
			Message:  fmt.Sprintf("%s archive requires a location", a.Kind),
		})
	}
	switch a.Compress {
	case "", "none", "brotli":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "archive.compress",
			Message:  fmt.Sprintf("unsupported compression %q", a.Compress),
		})
	}
	if a.Kind == "sftp" && a.Options.String("host", "") == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "archive.options.host",
			Message:  "sftp archive requires options.host",
		})
	}
	if a.Kind == "azblob" && a.Options.String("account_name", "") == "" && a.Options.String("connection_string", "") == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "archive.options.account_name",
			Message:  "azblob archive requires options.account_name or options.connection_string",
		})
	}

	return issues
}

// validateSchedule checks the cron expression when present.
func validateSchedule(s Schedule) []Issue {
	if strings.TrimSpace(s.Cron) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return []Issue{{
			Severity: SeverityError,
			Path:     "schedule.cron",
			Message:  fmt.Sprintf("invalid cron expression %q: %v", s.Cron, err),
		}}
	}
	return nil
}
