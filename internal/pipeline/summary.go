package pipeline

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Derrickeee/Data-Jedi/internal/runlog"
)

// State is a stage of a run.
type State string

const (
	StateIdle        State = "Idle"
	StateFetching    State = "Fetching"
	StateNormalizing State = "Normalizing"
	StateReconciling State = "Reconciling"
	StateLoading     State = "Loading"
	StateDone        State = "Done"
	StateFailed      State = "Failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// RunSummary is the outcome of one run. A run either ends Done, possibly
// with warnings, or Failed with Err set.
type RunSummary struct {
	RunID     string
	Job       string
	DatasetID string
	State     State

	Pages    int
	Seen     int
	Inserted int
	Updated  int
	Skipped  int
	Failed   int

	Warnings      []string
	SchemaChanges []string
	Err           error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

func (s RunSummary) String() string {
	return fmt.Sprintf("run=%s job=%s dataset=%s state=%s pages=%d seen=%d inserted=%d updated=%d skipped=%d failed=%d warnings=%d",
		s.RunID, s.Job, s.DatasetID, s.State, s.Pages, s.Seen, s.Inserted, s.Updated, s.Skipped, s.Failed, len(s.Warnings))
}

// Entry converts s to a run ledger row.
func (s RunSummary) Entry() runlog.Entry {
	e := runlog.Entry{
		RunID:      s.RunID,
		Job:        s.Job,
		DatasetID:  s.DatasetID,
		Status:     string(s.State),
		Pages:      s.Pages,
		Seen:       s.Seen,
		Inserted:   s.Inserted,
		Updated:    s.Updated,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
		Warnings:   len(s.Warnings),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	return e
}

// Log prints the summary line and the first warnings.
func (s RunSummary) Log() {
	log.Printf("summary: %s elapsed=%s", s, s.Duration().Truncate(time.Millisecond))
	for _, c := range s.SchemaChanges {
		log.Printf("  schema: %s", c)
	}
	agg := newErrAgg(maxLoggedWarnings)
	for _, w := range s.Warnings {
		agg.add(w)
	}
	agg.log("warnings")
	if s.Err != nil {
		log.Printf("  error: %v", s.Err)
	}
}

const maxLoggedWarnings = 20

// errAgg keeps the first limit messages and a total count.
type errAgg struct {
	mu      sync.Mutex
	limit   int
	count   int
	first   []string
	buckets map[string]int
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit, buckets: make(map[string]int)}
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.buckets[msg]++
	if a.buckets[msg] == 1 && len(a.first) < a.limit {
		a.first = append(a.first, msg)
	}
}

func (a *errAgg) log(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return
	}
	log.Printf("%s: %d (showing first %d unique)", label, a.count, len(a.first))
	for i, s := range a.first {
		if n := a.buckets[s]; n > 1 {
			log.Printf("  #%03d: %s (x%d)", i+1, s, n)
			continue
		}
		log.Printf("  #%03d: %s", i+1, s)
	}
}
