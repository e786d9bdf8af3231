package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Derrickeee/Data-Jedi/internal/config"
	"github.com/Derrickeee/Data-Jedi/internal/datasource"
	"github.com/Derrickeee/Data-Jedi/internal/metrics"
	"github.com/Derrickeee/Data-Jedi/internal/metrics/datadog"
	"github.com/Derrickeee/Data-Jedi/internal/metrics/prompush"
	"github.com/Derrickeee/Data-Jedi/internal/probe"
	"github.com/Derrickeee/Data-Jedi/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "github.com/Derrickeee/Data-Jedi/internal/storage/all"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	cfgPath        string
	metricsBackend string
	pushGatewayURL string
	statsdAddr     string
	verbose        bool
}

// main is the entry point for the ingest binary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "ingest",
		Short:        "Fetch paginated datasets and load them into a relational table",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgPath, "config", "configs/pipelines/sample.json", "pipeline config path (.json, .yaml or .toml)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "metrics backend to use (pushgateway, datadog, none; overrides env METRICS_BACKEND)")
	pf.StringVar(&g.pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	pf.StringVar(&g.statsdAddr, "statsd-addr", "", "DogStatsD address (overrides env DD_DOGSTATSD_ADDR)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose logs")

	root.AddCommand(
		newRunCmd(g),
		newValidateCmd(g),
		newScheduleCmd(g),
		newHistoryCmd(g),
		newProbeCmd(g),
	)
	return root
}

func newRunCmd(g *globalFlags) *cobra.Command {
	o := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for every configured dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.ErrOrStderr(), g.cfgPath)
			if err != nil {
				return err
			}
			o.verbose = g.verbose
			flush := setupMetrics(g, p.Job)
			defer flush()

			start := time.Now()
			sums, err := runJob(cmd.Context(), p, o)
			if err != nil {
				return err
			}
			if g.verbose {
				log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
			}
			if n := failedRuns(sums); n > 0 {
				return fmt.Errorf("%d of %d runs failed", n, len(sums))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&o.datasets, "dataset", nil, "dataset id(s) to run instead of all configured ones")
	f.StringVar(&o.datasetsFile, "datasets-file", "", "text file with one dataset id (and optional key=value static columns) per line")
	f.BoolVar(&o.dryRun, "dry-run", false, "fetch, normalize and reconcile without changing the table")
	f.IntVar(&o.maxPages, "max-pages", 0, "stop each run after this many pages")
	return cmd
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.ErrOrStderr(), g.cfgPath)
			if err != nil {
				return err
			}
			if err := checkRegistered(p); err != nil {
				return err
			}
			log.Printf("Configuration is valid: %v", g.cfgPath)
			return nil
		},
	}
}

func newScheduleCmd(g *globalFlags) *cobra.Command {
	var (
		spec string
		o    runOptions
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.ErrOrStderr(), g.cfgPath)
			if err != nil {
				return err
			}
			if spec == "" {
				spec = p.Schedule.Cron
			}
			if spec == "" {
				return fmt.Errorf("schedule: no cron expression (use --cron or schedule.cron)")
			}
			o.verbose = g.verbose
			flush := setupMetrics(g, p.Job)
			defer flush()

			c, err := newScheduler(cmd.Context(), spec, func(ctx context.Context) {
				sums, err := runJob(ctx, p, o)
				if err != nil {
					log.Printf("schedule: job=%s: %v", p.Job, err)
				} else if n := failedRuns(sums); n > 0 {
					log.Printf("schedule: job=%s: %d of %d runs failed", p.Job, n, len(sums))
				}
				if err := metrics.Flush(); err != nil {
					log.Printf("metrics: flush error: %v", err)
				}
			})
			if err != nil {
				return err
			}
			log.Printf("schedule: job=%s cron=%q", p.Job, spec)
			c.Start()
			<-cmd.Context().Done()
			log.Printf("schedule: stopping, waiting for a running job")
			<-c.Stop().Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec, "cron", "", "cron expression (overrides schedule.cron)")
	f.StringSliceVar(&o.datasets, "dataset", nil, "dataset id(s) to run instead of all configured ones")
	f.StringVar(&o.datasetsFile, "datasets-file", "", "text file with one dataset id per line")
	return cmd
}

// newScheduler returns a cron runner firing job on spec. A tick is skipped
// while the previous one is still running.
func newScheduler(ctx context.Context, spec string, job func(context.Context)) (*cron.Cron, error) {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule: parse cron %q: %w", spec, err)
	}
	return c, nil
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent runs of the job from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.ErrOrStderr(), g.cfgPath)
			if err != nil {
				return err
			}
			l, err := openLedgerFn(p.Storage.Kind, p.Storage.DB.DSN)
			if err != nil {
				return err
			}
			defer l.Close()
			if err := l.Migrate(cmd.Context()); err != nil {
				return err
			}
			entries, err := l.Recent(cmd.Context(), p.Job, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tDATASET\tSTATUS\tPAGES\tSEEN\tINSERTED\tUPDATED\tSKIPPED\tFAILED\tWARNINGS\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
					e.StartedAt.Format(time.RFC3339), e.DatasetID, e.Status, e.Pages, e.Seen,
					e.Inserted, e.Updated, e.Skipped, e.Failed, e.Warnings, e.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	var (
		pages int
		o     runOptions
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample the first pages of a dataset and print the inferred columns and DDL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.ErrOrStderr(), g.cfgPath)
			if err != nil {
				return err
			}
			o.verbose = g.verbose
			return probeJob(cmd.Context(), cmd.OutOrStdout(), p, o, pages)
		},
	}
	f := cmd.Flags()
	f.IntVar(&pages, "pages", probe.DefaultPages, "number of pages to sample per dataset")
	f.StringSliceVar(&o.datasets, "dataset", nil, "dataset id(s) to probe instead of all configured ones")
	f.StringVar(&o.datasetsFile, "datasets-file", "", "text file with one dataset id per line")
	return cmd
}

// loadPipeline reads and validates the pipeline file. Issues are printed one
// per line; any error-level issue fails the load.
func loadPipeline(stderr io.Writer, path string) (config.Pipeline, error) {
	p, err := config.Load(path)
	if err != nil {
		return p, err
	}
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return p, fmt.Errorf("configuration is invalid: %v", path)
	}
	return p, nil
}

// checkRegistered reports a source or storage kind this binary has no
// implementation for.
func checkRegistered(p config.Pipeline) error {
	if kinds := datasource.Kinds(); !slices.Contains(kinds, p.Source.Kind) {
		return fmt.Errorf("source.kind %q is not available (have: %s)", p.Source.Kind, strings.Join(kinds, ", "))
	}
	if kinds := storage.ListKinds(); !slices.Contains(kinds, p.Storage.Kind) {
		return fmt.Errorf("storage.kind %q is not available (have: %s)", p.Storage.Kind, strings.Join(kinds, ", "))
	}
	return nil
}

// setupMetrics installs the selected metrics backend and returns the
// function flushing it. Backend selection: flag → env → none.
func setupMetrics(g *globalFlags, job string) func() {
	backendName := g.metricsBackend
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if job == "" {
		job = "ingest"
	}

	var (
		b   metrics.Backend
		err error
	)
	switch strings.ToLower(backendName) {
	case "pushgateway":
		// Decide Pushgateway URL: flag → env → default.
		gwURL := firstNonEmpty(g.pushGatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
		b, err = prompush.NewBackend(job, gwURL)
		if err == nil {
			log.Printf("metrics: url=%v, backend=%v, job_name=%v", gwURL, backendName, job)
		}

	case "datadog":
		addr := firstNonEmpty(g.statsdAddr, os.Getenv("DD_DOGSTATSD_ADDR"), "127.0.0.1:8125")
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       addr,
			GlobalTags: []string{"job:" + job},
		})
		if err == nil {
			log.Printf("metrics: addr=%v, backend=%v, job_name=%v", addr, backendName, job)
		}

	case "", "none":
		// metrics disabled; nop backend remains
		if g.verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}
		return func() {}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
		return func() {}
	}

	if err != nil {
		log.Printf("metrics: failed to init %s backend: %v; using nop", backendName, err)
		return func() {}
	}
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
