// Package config defines the configuration model for ingestion pipelines.
// A pipeline file names the dataset API to read from, how records are
// normalized, and the relational table they are loaded into.
//
// Design goals:
//
//  1. Stability: changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Go field names mirror the keys used in pipeline files under
//     configs/pipelines/ (JSON, YAML or TOML).
//  3. Minimalism: typed sections for everything the pipeline core needs, with
//     a light Options helper for source-kind specific settings.
//
// Example (trimmed):
//
//	{
//	  "job": "cpi",
//	  "source": {
//	    "kind": "singstat",
//	    "datasets": [{ "id": "M212881" }],
//	    "key_columns": ["series_no", "key"]
//	  },
//	  "storage": { "kind": "postgres", "db": { "dsn": "${PG_DSN}", "table": "public.cpi" } }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Job names the pipeline for logs, metrics labels and the run ledger.
	Job string `json:"job" yaml:"job" toml:"job"`

	Source    Source        `json:"source" yaml:"source" toml:"source"`
	Normalize Normalize     `json:"normalize" yaml:"normalize" toml:"normalize"`
	Storage   Storage       `json:"storage" yaml:"storage" toml:"storage"`
	Runtime   RuntimeConfig `json:"runtime" yaml:"runtime" toml:"runtime"`
	Archive   Archive       `json:"archive" yaml:"archive" toml:"archive"`
	Ledger    Ledger        `json:"ledger" yaml:"ledger" toml:"ledger"`
	Schedule  Schedule      `json:"schedule" yaml:"schedule" toml:"schedule"`
}

// Source identifies the dataset API and how to page through it.
type Source struct {
	// Kind selects the pagination/response handling: "json", "datagovsg"
	// or "singstat".
	Kind string `json:"kind" yaml:"kind" toml:"kind"`

	// Endpoint is the URL template. Placeholders {dataset}, {offset},
	// {limit} and {page} are substituted per request. Presets supply a
	// default when empty.
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`

	// Datasets lists the dataset IDs to ingest; each one is a separate run.
	Datasets []Dataset `json:"datasets" yaml:"datasets" toml:"datasets"`

	// KeyColumns are the canonical (normalized) column names forming the
	// natural key of one observation. Required.
	KeyColumns []string `json:"key_columns" yaml:"key_columns" toml:"key_columns"`

	PageSize   int               `json:"page_size" yaml:"page_size" toml:"page_size"`
	AuthToken  string            `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	AuthHeader string            `json:"auth_header" yaml:"auth_header" toml:"auth_header"`
	Headers    map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	Params     map[string]string `json:"params" yaml:"params" toml:"params"`

	// RecordsPath, TotalPath and NextPath are dot paths into the JSON
	// response (e.g. "result.records"). Used by the "json" kind.
	RecordsPath string `json:"records_path" yaml:"records_path" toml:"records_path"`
	TotalPath   string `json:"total_path" yaml:"total_path" toml:"total_path"`
	NextPath    string `json:"next_path" yaml:"next_path" toml:"next_path"`

	HTTP HTTP `json:"http" yaml:"http" toml:"http"`

	// Options carries kind-specific settings.
	Options Options `json:"options" yaml:"options" toml:"options"`
}

// Dataset is one dataset ID plus columns stamped onto every record from it.
type Dataset struct {
	ID            string            `json:"id" yaml:"id" toml:"id"`
	StaticColumns map[string]string `json:"static_columns" yaml:"static_columns" toml:"static_columns"`
}

// HTTP tunes the fetch client.
type HTTP struct {
	Timeout            Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxRetries         *int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialBackoff     Duration `json:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff         Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify" yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`

	// RequestsPerSecond enables a client-side token bucket when > 0.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst"`

	// SharedRateLimit makes concurrent runs against the same host draw from
	// one process-wide bucket.
	SharedRateLimit bool `json:"shared_rate_limit" yaml:"shared_rate_limit" toml:"shared_rate_limit"`

	// MaxThrottleWait bounds any single wait on the limiter or on
	// rate-limit reset headers.
	MaxThrottleWait Duration `json:"max_throttle_wait" yaml:"max_throttle_wait" toml:"max_throttle_wait"`
}

// Normalize tunes record normalization.
type Normalize struct {
	// NullTokens replaces the default null markers when non-empty.
	NullTokens []string `json:"null_tokens" yaml:"null_tokens" toml:"null_tokens"`

	// DateLayouts replaces the default recognized date layouts when non-empty.
	DateLayouts []string `json:"date_layouts" yaml:"date_layouts" toml:"date_layouts"`

	// Rename maps a normalized field name to the canonical column name.
	Rename map[string]string `json:"rename" yaml:"rename" toml:"rename"`
}

// Storage selects the sink used to persist canonical rows.
type Storage struct {
	// Kind selects the backend: "postgres", "sqlite", "mysql" or "mssql".
	Kind string `json:"kind" yaml:"kind" toml:"kind"`

	DB DBConfig `json:"db" yaml:"db" toml:"db"`
}

// DBConfig configures the DB sink.
type DBConfig struct {
	// DSN is the driver connection string.
	DSN string `json:"dsn" yaml:"dsn" toml:"dsn"`

	// Table is the destination table, optionally schema-qualified
	// (e.g. "public.cpi").
	Table string `json:"table" yaml:"table" toml:"table"`
}

// RuntimeConfig controls batching, retries and the reconcile strategy.
type RuntimeConfig struct {
	BatchSize        int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	BatchRetries     *int     `json:"batch_retries" yaml:"batch_retries" toml:"batch_retries"`
	BatchTimeout     Duration `json:"batch_timeout" yaml:"batch_timeout" toml:"batch_timeout"`
	FailOnBatchError bool     `json:"fail_on_batch_error" yaml:"fail_on_batch_error" toml:"fail_on_batch_error"`

	// ReconcileMode is "run" (default: spool, reconcile once, then load) or
	// "page" (reconcile and load each page as it arrives).
	ReconcileMode string `json:"reconcile_mode" yaml:"reconcile_mode" toml:"reconcile_mode"`

	// Pipelined overlaps fetching the next page with loading the current
	// one. Only meaningful with ReconcileMode "page".
	Pipelined bool `json:"pipelined" yaml:"pipelined" toml:"pipelined"`

	// MaxPages stops after this many pages when > 0 (trial runs).
	MaxPages int `json:"max_pages" yaml:"max_pages" toml:"max_pages"`

	// SpoolDir is where run-mode spools are written (default os.TempDir()).
	SpoolDir string `json:"spool_dir" yaml:"spool_dir" toml:"spool_dir"`
}

// Archive configures optional raw page archiving.
type Archive struct {
	// Kind is "", "none", "local", "s3", "gcs", "azblob" or "sftp".
	Kind string `json:"kind" yaml:"kind" toml:"kind"`

	// Location is a directory (local, sftp), bucket (s3, gcs) or
	// container (azblob).
	Location string `json:"location" yaml:"location" toml:"location"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix"`

	// Compress is "" or "brotli".
	Compress string `json:"compress" yaml:"compress" toml:"compress"`

	// Options carries backend credentials and endpoints.
	Options Options `json:"options" yaml:"options" toml:"options"`
}

// Ledger controls the run ledger table.
type Ledger struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Schedule configures the schedule subcommand.
type Schedule struct {
	Cron string `json:"cron" yaml:"cron" toml:"cron"`
}

// Duration is a time.Duration decoded from strings such as "30s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by the JSON,
// YAML and TOML decoders alike).
func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Options is a small helper to fetch typed values from arbitrary decoded
// maps. It purposefully performs only minimal type coercion and returns
// provided defaults when a key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64,
// YAML as int and TOML as int64; all three are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of strings.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null
// "options" object decodes to a non-nil, empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}

// DatasetIDs returns the configured dataset IDs in order.
func (s Source) DatasetIDs() []string {
	out := make([]string, 0, len(s.Datasets))
	for _, d := range s.Datasets {
		out = append(out, d.ID)
	}
	return out
}

// Dataset returns the configured dataset with the given ID.
func (s Source) Dataset(id string) (Dataset, bool) {
	for _, d := range s.Datasets {
		if d.ID == id {
			return d, true
		}
	}
	return Dataset{}, false
}
