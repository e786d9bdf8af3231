package load

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Derrickeee/Data-Jedi/internal/normalize"
	"github.com/Derrickeee/Data-Jedi/internal/schema"
	"github.com/Derrickeee/Data-Jedi/internal/storage"
	"github.com/Derrickeee/Data-Jedi/internal/storage/sqlite"
)

// memWriter stores hashes by id and can be told to fail the next N writes.
type memWriter struct {
	mu      sync.Mutex
	hashes  map[string]string
	values  map[string]normalize.Row
	batches []storage.Batch
	failN   int
	failErr error
	block   bool
}

func newMemWriter() *memWriter {
	return &memWriter{hashes: map[string]string{}, values: map[string]normalize.Row{}}
}

func (m *memWriter) LookupHashes(_ context.Context, _ string, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if h, ok := m.hashes[id]; ok {
			out[id] = h
		}
	}
	return out, nil
}

func (m *memWriter) WriteBatch(ctx context.Context, _ string, b storage.Batch) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	m.batches = append(m.batches, b)
	for _, r := range append(append([]storage.Row{}, b.Inserts...), b.Updates...) {
		m.hashes[r.ID] = r.Hash
		m.values[r.ID] = r.Values
	}
	return nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestLoader(w Writer, opts Options) (*Loader, *sleepRecorder) {
	if opts.DatasetID == "" {
		opts.DatasetID = "ds"
	}
	if opts.KeyColumns == nil {
		opts.KeyColumns = []string{"id"}
	}
	if opts.Table == "" {
		opts.Table = "t"
	}
	l := New(w, opts)
	rec := &sleepRecorder{}
	l.sleep = rec.sleep
	return l, rec
}

func idRow(id int64, val string) normalize.Row {
	r := normalize.Row{"id": normalize.IntValue(id)}
	if val != "" {
		r["val"] = normalize.StringValue(val)
	}
	return r
}

var cols = []string{"id", "val"}

func TestLoad_InsertUpdateSkipIdempotent(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	l, _ := newTestLoader(w, Options{})
	ctx := context.Background()

	res, err := l.Load(ctx, []normalize.Row{idRow(1, "a"), idRow(2, "b")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Skipped != 0 {
		t.Fatalf("first load = %+v, want 2 inserted", res)
	}

	res, err = l.Load(ctx, []normalize.Row{idRow(1, "a"), idRow(2, "b")}, cols)
	if err != nil {
		t.Fatalf("Load rerun: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 || res.Skipped != 2 {
		t.Fatalf("rerun = %+v, want 2 skipped", res)
	}
	if len(w.batches) != 1 {
		t.Fatalf("writes = %d, want unchanged rerun to write nothing", len(w.batches))
	}

	res, err = l.Load(ctx, []normalize.Row{idRow(1, "a"), idRow(2, "changed"), idRow(3, "c")}, cols)
	if err != nil {
		t.Fatalf("Load changed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Skipped != 1 {
		t.Fatalf("changed load = %+v, want 1/1/1", res)
	}
	if res.Rows() != 3 {
		t.Fatalf("Rows() = %d, want 3", res.Rows())
	}
}

func TestLoad_Batching(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	l, _ := newTestLoader(w, Options{BatchSize: 3})

	var rows []normalize.Row
	for i := int64(0); i < 7; i++ {
		rows = append(rows, idRow(i, "x"))
	}
	res, err := l.Load(context.Background(), rows, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(w.batches) != 3 || res.Batches != 3 {
		t.Fatalf("batches = %d (result %d), want 3 (3+3+1)", len(w.batches), res.Batches)
	}
	if got := len(w.batches[2].Inserts); got != 1 {
		t.Fatalf("last batch = %d rows, want 1", got)
	}
	if at := w.batches[0].LoadedAt; at.IsZero() || at.Location() != time.UTC {
		t.Fatalf("LoadedAt = %v, want a UTC time", w.batches[0].LoadedAt)
	}
}

func TestLoad_InBatchDuplicatesKeepLast(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	l, _ := newTestLoader(w, Options{})

	res, err := l.Load(context.Background(), []normalize.Row{idRow(1, "old"), idRow(2, "b"), idRow(1, "new")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Fatalf("res = %+v, want 2 inserted 1 skipped", res)
	}
	ins := w.batches[0].Inserts
	if len(ins) != 2 || ins[0].Values.Get("val").Str != "new" {
		t.Fatalf("inserts = %+v, want last value kept at first position", ins)
	}
}

func TestLoad_NullKeyFailsRow(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	l, _ := newTestLoader(w, Options{})

	res, err := l.Load(context.Background(), []normalize.Row{{"val": normalize.StringValue("orphan")}, idRow(1, "a")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Failed != 1 || res.Inserted != 1 {
		t.Fatalf("res = %+v, want 1 failed 1 inserted", res)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "key column is null") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestLoad_RequiresKeyColumns(t *testing.T) {
	t.Parallel()

	l := New(newMemWriter(), Options{Table: "t"})
	if _, err := l.Load(context.Background(), []normalize.Row{idRow(1, "a")}, cols); err == nil {
		t.Fatalf("expected error without key columns")
	}
}

func TestLoad_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	w.failN = 2
	w.failErr = errors.New("deadlock detected")
	l, rec := newTestLoader(w, Options{Retries: 3})

	res, err := l.Load(context.Background(), []normalize.Row{idRow(1, "a")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Inserted != 1 || res.Failed != 0 {
		t.Fatalf("res = %+v, want 1 inserted", res)
	}
	want := []time.Duration{DefaultInitialBackoff, 2 * DefaultInitialBackoff}
	if len(rec.waits) != len(want) || rec.waits[0] != want[0] || rec.waits[1] != want[1] {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
}

func TestLoad_ExhaustedBatchIsCountedAndLaterBatchesRun(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	w.failN = 3
	w.failErr = errors.New("connection reset")
	l, rec := newTestLoader(w, Options{BatchSize: 2, Retries: 2})

	res, err := l.Load(context.Background(), []normalize.Row{idRow(1, "a"), idRow(2, "b"), idRow(3, "c")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Failed != 2 || res.Inserted != 1 {
		t.Fatalf("res = %+v, want 2 failed 1 inserted", res)
	}
	if len(rec.waits) != 2 {
		t.Fatalf("retries = %d, want 2", len(rec.waits))
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "batch 1 (2 rows)") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestLoad_FailOnBatchError(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	w.failN = 10
	w.failErr = errors.New("disk full")
	l, _ := newTestLoader(w, Options{Retries: 1, FailOnBatchError: true})

	_, err := l.Load(context.Background(), []normalize.Row{idRow(1, "a")}, cols)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BatchError", err)
	}
	if be.Batch != 1 || be.Rows != 1 || !errors.Is(err, w.failErr) {
		t.Fatalf("BatchError = %+v", be)
	}
}

func TestLoad_AttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	w := newMemWriter()
	w.block = true
	l, _ := newTestLoader(w, Options{Retries: 0, BatchTimeout: 10 * time.Millisecond})

	res, err := l.Load(context.Background(), []normalize.Row{idRow(1, "a")}, cols)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Failed != 1 || len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "timed out") {
		t.Fatalf("res = %+v, want timed out batch counted as failed", res)
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, _ := newTestLoader(newMemWriter(), Options{})
	if _, err := l.Load(ctx, []normalize.Row{idRow(1, "a")}, cols); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDuration(time.Second, c.attempt, 10*time.Second); got != c.want {
			t.Fatalf("backoffDuration(1s, %d, 10s) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

// TestLoad_SQLiteIdempotent runs the loader against a real table: a second
// load of the same rows inserts nothing and updates nothing.
func TestLoad_SQLiteIdempotent(t *testing.T) {
	t.Parallel()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.New(db)
	ctx := context.Background()

	canonical := []normalize.Column{
		{Name: "id", Type: normalize.Integer},
		{Name: "val", Type: normalize.Float},
	}
	existing, err := repo.TableSchema(ctx, "obs")
	if err != nil {
		t.Fatalf("TableSchema: %v", err)
	}
	if err := schema.Apply(ctx, repo, "obs", schema.Reconcile(canonical, existing)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rows := []normalize.Row{
		{"id": normalize.IntValue(1), "val": normalize.FloatValue(10)},
		{"id": normalize.IntValue(2), "val": normalize.FloatValue(20.5)},
	}
	l := New(repo, Options{Table: "obs", DatasetID: "ds", KeyColumns: []string{"id"}})

	first, err := l.Load(ctx, rows, []string{"id", "val"})
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if first.Inserted != 2 {
		t.Fatalf("first = %+v, want 2 inserted", first)
	}

	second, err := l.Load(ctx, rows, []string{"id", "val"})
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Skipped != 2 {
		t.Fatalf("second = %+v, want inserted=0 updated=0 skipped=2", second)
	}

	var n int
	var sum float64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(val) FROM obs`).Scan(&n, &sum); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 || sum != 30.5 {
		t.Fatalf("count=%d sum=%v, want 2 and 30.5", n, sum)
	}
}
