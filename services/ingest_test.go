package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/scraper"
	"pricewatch/storage"
)

// scriptedFetcher returns one scripted response per call, then keeps
// repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []fetchStep
	calls int
}

type fetchStep struct {
	listings  []models.RawListing
	truncated bool
	err       error
}

func (f *scriptedFetcher) FetchAll(ctx context.Context, term string) (*scraper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	if step.err != nil {
		return nil, step.err
	}
	return &scraper.Result{Listings: step.listings, Pages: 1, Truncated: step.truncated}, nil
}

func raw(id string, cents int64, status models.ListingStatus) models.RawListing {
	return models.RawListing{ID: id, Title: "item " + id, Price: eur(cents), Status: status}
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testIngestConfig() *config.Config {
	return &config.Config{
		Reconcile:  defaultReconcileConfig(),
		Aggregate:  config.AggregateConfig{HistogramBucket: 500, ListingLimit: 100},
		CycleLimit: 5 * time.Second,
		Terms:      map[string]*config.TermConfig{},
	}
}

// steppingClock advances one minute per reading.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func newTestIngester(t *testing.T, fetcher scraper.Fetcher, store storage.Store) *Ingester {
	t.Helper()
	ing := NewIngester(testIngestConfig(), fetcher, store, zaptest.NewLogger(t))
	ing.now = steppingClock()
	return ing
}

func TestTriggerIngestionCommitsCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fetcher := &scriptedFetcher{steps: []fetchStep{{listings: []models.RawListing{
		raw("a", 2000, models.StatusAvailable),
		raw("b", 3500, models.StatusReserved),
		raw("a", 1, models.StatusAvailable),
	}}}}
	ing := newTestIngester(t, fetcher, store)

	report, err := ing.TriggerIngestion(ctx, "  airpods pro ")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Run.Status != models.RunStatusCompleted || report.Run.ItemsNew != 2 || report.Run.Duplicates != 1 {
		t.Fatalf("unexpected run %+v", report.Run)
	}

	states, err := store.CurrentStates(ctx, "airpods pro")
	if err != nil {
		t.Fatalf("current states: %v", err)
	}
	if len(states) != 2 || states["a"].Price.Amount != 2000 {
		t.Fatalf("unexpected states %+v", states)
	}

	status, _ := store.TermStatus(ctx, "airpods pro")
	if status.LastSuccessAt == nil || !status.LastSuccessAt.Equal(report.ObservedAt) || status.LastError != "" {
		t.Fatalf("unexpected status %+v", status)
	}

	runs, _ := store.Runs(ctx, "airpods pro", 5)
	if len(runs) != 1 || runs[0].ItemsNew != 2 {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestTriggerIngestionRejectsEmptyTerm(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{{}}}
	ing := newTestIngester(t, fetcher, newTestStore(t))

	_, err := ing.TriggerIngestion(context.Background(), "   ")
	if !errors.Is(err, scraper.ErrEmptySearchTerm) {
		t.Fatalf("expected ErrEmptySearchTerm, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no fetch, got %d", fetcher.calls)
	}
}

func TestFailedIngestionLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	netErr := &scraper.NetworkError{StatusCode: 503, Err: errors.New("maintenance")}
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable)}},
		{err: netErr},
	}}
	ing := newTestIngester(t, fetcher, store)

	first, err := ing.TriggerIngestion(ctx, "airpods pro")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before, _ := store.CurrentStates(ctx, "airpods pro")

	_, err = ing.TriggerIngestion(ctx, "airpods pro")
	var got *scraper.NetworkError
	if !errors.As(err, &got) {
		t.Fatalf("expected NetworkError, got %v", err)
	}

	after, _ := store.CurrentStates(ctx, "airpods pro")
	if len(after) != len(before) || !after["a"].Equal(before["a"]) {
		t.Fatalf("state changed by failed cycle: %+v -> %+v", before, after)
	}
	snapshots, _ := store.Snapshots(ctx, "airpods pro")
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}

	status, _ := store.TermStatus(ctx, "airpods pro")
	if status.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if status.LastSuccessAt == nil || !status.LastSuccessAt.Equal(first.ObservedAt) {
		t.Fatalf("last success moved: %v", status.LastSuccessAt)
	}
	if !status.LastAttemptAt.After(*status.LastSuccessAt) {
		t.Fatalf("expected last attempt after last success")
	}

	runs, _ := store.Runs(ctx, "airpods pro", 5)
	if len(runs) != 2 || runs[0].Status != models.RunStatusFailed {
		t.Fatalf("expected newest run failed, got %+v", runs)
	}
}

func TestTruncatedFetchDoesNotSellUnlistedItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable), raw("b", 5000, models.StatusAvailable)}},
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable)}, truncated: true},
	}}
	ing := newTestIngester(t, fetcher, store)

	for n := range fetcher.steps {
		if _, err := ing.TriggerIngestion(ctx, "airpods pro"); err != nil {
			t.Fatalf("cycle %d: %v", n, err)
		}
	}

	states, _ := store.CurrentStates(ctx, "airpods pro")
	if states["b"].Status != models.StatusAvailable {
		t.Fatalf("b was marked %s by a truncated fetch", states["b"].Status)
	}
	snapshots, _ := store.Snapshots(ctx, "airpods pro")
	if len(snapshots) != 2 || snapshots[0].Truncated || !snapshots[1].Truncated {
		t.Fatalf("expected the truncated flag on the second snapshot only, got %+v", snapshots)
	}

	if _, err := ing.Rebuild(ctx, "airpods pro"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rebuilt, _ := store.CurrentStates(ctx, "airpods pro")
	if !rebuilt["b"].Equal(states["b"]) {
		t.Fatalf("rebuild disagrees on b:\n got  %+v\n want %+v", rebuilt["b"], states["b"])
	}
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable), raw("b", 5000, models.StatusAvailable)}},
		{listings: []models.RawListing{raw("a", 1800, models.StatusAvailable), raw("b", 5000, models.StatusReserved)}},
		{err: errors.New("flaky")},
		{listings: nil},
		{listings: []models.RawListing{raw("c", 900, models.StatusAvailable)}},
		{listings: nil},
		{listings: nil},
		{listings: []models.RawListing{raw("c", 950, models.StatusAvailable), raw("d", 100, models.StatusAvailable)}},
	}}
	ing := newTestIngester(t, fetcher, store)

	for n := range fetcher.steps {
		_, err := ing.TriggerIngestion(ctx, "airpods pro")
		if (err != nil) != (fetcher.steps[n].err != nil) {
			t.Fatalf("cycle %d: unexpected error %v", n, err)
		}
	}

	incremental, err := store.CurrentStates(ctx, "airpods pro")
	if err != nil {
		t.Fatalf("current states: %v", err)
	}
	incStatus, _ := store.TermStatus(ctx, "airpods pro")

	if incremental["a"].Status != models.StatusSold || incremental["b"].Status != models.StatusRemoved {
		t.Fatalf("unexpected lifecycle: a=%s b=%s", incremental["a"].Status, incremental["b"].Status)
	}

	report, err := ing.Rebuild(ctx, "airpods pro")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Snapshots != 7 {
		t.Fatalf("expected 7 snapshots, got %d", report.Snapshots)
	}

	rebuilt, err := store.CurrentStates(ctx, "airpods pro")
	if err != nil {
		t.Fatalf("current states: %v", err)
	}
	if len(rebuilt) != len(incremental) {
		t.Fatalf("rebuilt %d items, incremental has %d", len(rebuilt), len(incremental))
	}
	for id, want := range incremental {
		if got := rebuilt[id]; !got.Equal(want) {
			t.Fatalf("item %s differs after rebuild:\n got  %+v\n want %+v", id, got, want)
		}
	}
	status, _ := store.TermStatus(ctx, "airpods pro")
	if status.EmptyStreak != incStatus.EmptyStreak {
		t.Fatalf("empty streak %d after rebuild, %d before", status.EmptyStreak, incStatus.EmptyStreak)
	}
}

// blockingFetcher parks every call until released and tracks how many calls
// per term are in flight.
type blockingFetcher struct {
	release  chan struct{}
	started  chan string
	inFlight sync.Map // term -> *int32
	maxSame  atomic.Int32
	total    atomic.Int32
	maxTotal atomic.Int32
}

func (f *blockingFetcher) FetchAll(ctx context.Context, term string) (*scraper.Result, error) {
	v, _ := f.inFlight.LoadOrStore(term, new(int32))
	n := atomic.AddInt32(v.(*int32), 1)
	defer atomic.AddInt32(v.(*int32), -1)
	if n > f.maxSame.Load() {
		f.maxSame.Store(n)
	}
	total := f.total.Add(1)
	defer f.total.Add(-1)
	if total > f.maxTotal.Load() {
		f.maxTotal.Store(total)
	}

	f.started <- term
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &scraper.Result{Listings: []models.RawListing{raw("x", 100, models.StatusAvailable)}, Pages: 1}, nil
}

func TestIngestionSerializesSameTermOnly(t *testing.T) {
	ctx := context.Background()
	fetcher := &blockingFetcher{release: make(chan struct{}), started: make(chan string, 4)}
	ing := newTestIngester(t, fetcher, newTestStore(t))

	var wg sync.WaitGroup
	for _, term := range []string{"airpods pro", "airpods pro", "switch"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ing.TriggerIngestion(ctx, term); err != nil {
				t.Errorf("ingest %s: %v", term, err)
			}
		}()
	}

	// Two cycles start straight away: one per term. The second airpods cycle
	// only starts after one of them is released.
	<-fetcher.started
	<-fetcher.started
	select {
	case term := <-fetcher.started:
		t.Fatalf("third cycle (%s) started while its term was busy", term)
	case <-time.After(50 * time.Millisecond):
	}

	for range 3 {
		fetcher.release <- struct{}{}
	}
	wg.Wait()

	if fetcher.maxSame.Load() != 1 {
		t.Fatalf("same-term cycles overlapped: %d in flight", fetcher.maxSame.Load())
	}
	if fetcher.maxTotal.Load() < 2 {
		t.Fatalf("different terms did not run in parallel")
	}
}

func TestTriggerIngestionGivesUpWaitingForLock(t *testing.T) {
	ing := newTestIngester(t, &scriptedFetcher{steps: []fetchStep{{}}}, newTestStore(t))

	unlock, err := ing.locks.lock(context.Background(), "airpods pro")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ing.TriggerIngestion(ctx, "airpods pro")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunAllReportsEveryFailure(t *testing.T) {
	fetcher := &scriptedFetcher{steps: []fetchStep{{err: &scraper.CatalogError{StatusCode: 403, Message: "Access denied"}}}}
	ing := newTestIngester(t, fetcher, newTestStore(t))

	err := ing.RunAll(context.Background(), []string{"a", "b"})
	var catErr *scraper.CatalogError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected both terms attempted, got %d calls", fetcher.calls)
	}
}
