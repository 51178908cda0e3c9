package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/scraper"
	"pricewatch/storage"
)

// CycleReport summarises one committed ingestion cycle.
type CycleReport struct {
	Run            *models.IngestRun   `json:"run"`
	SnapshotID     uuid.UUID           `json:"snapshot_id"`
	ObservedAt     time.Time           `json:"observed_at"`
	Transitions    []models.Transition `json:"transitions"`
	Duplicates     []string            `json:"duplicates,omitempty"`
	AbsenceApplied bool                `json:"absence_applied"`
	Truncated      bool                `json:"truncated"`
}

type RebuildReport struct {
	SearchTerm  string `json:"search_term"`
	Snapshots   int    `json:"snapshots"`
	Items       int    `json:"items"`
	EmptyStreak int    `json:"empty_streak"`
}

// Ingester runs ingestion cycles. Cycles on the same term are serialized;
// different terms run in parallel.
type Ingester struct {
	cfg      *config.Config
	fetcher  scraper.Fetcher
	store    storage.Store
	archiver storage.Archiver
	cache    storage.DashboardCache
	locks    *termLocks
	now      func() time.Time
	logger   *zap.Logger
}

func NewIngester(cfg *config.Config, fetcher scraper.Fetcher, store storage.Store, logger *zap.Logger) *Ingester {
	return &Ingester{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		locks:   newTermLocks(),
		now:     time.Now,
		logger:  logger,
	}
}

// SetArchiver enables best-effort snapshot archiving.
func (i *Ingester) SetArchiver(a storage.Archiver) {
	i.archiver = a
}

// SetCache makes successful cycles flush the term's cached dashboards.
func (i *Ingester) SetCache(c storage.DashboardCache) {
	i.cache = c
}

// TriggerIngestion fetches every visible listing for term, reconciles it
// against the stored state and commits the snapshot, transitions and state
// changes together. A failed cycle records the error on the term status and
// leaves the snapshot log and item states untouched.
func (i *Ingester) TriggerIngestion(ctx context.Context, term string) (*CycleReport, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, scraper.ErrEmptySearchTerm
	}

	unlock, err := i.locks.lock(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("wait for %q cycle: %w", term, err)
	}
	defer unlock()

	run := &models.IngestRun{
		ID:         uuid.NewString(),
		SearchTerm: term,
		StartedAt:  i.stamp(),
		Status:     models.RunStatusRunning,
	}
	if err := i.store.CreateRun(ctx, run); err != nil {
		return nil, i.fail(ctx, run, err)
	}
	i.log(ctx, run.ID, models.LogLevelInfo, fmt.Sprintf("Starting ingestion for %q", term), term)

	cycleCtx := ctx
	if i.cfg.CycleLimit > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, i.cfg.CycleLimit)
		defer cancel()
	}

	fetched, err := i.fetcher.FetchAll(cycleCtx, term)
	if err != nil {
		return nil, i.fail(ctx, run, fmt.Errorf("fetch: %w", err))
	}

	observedAt := i.stamp()
	listings := make([]models.Listing, len(fetched.Listings))
	for n, r := range fetched.Listings {
		listings[n] = r.Observe(term, observedAt)
	}
	run.ListingsFound = len(listings)
	i.log(ctx, run.ID, models.LogLevelInfo, fmt.Sprintf("Fetched %d listings", len(listings)), term)
	if fetched.Truncated {
		i.log(ctx, run.ID, models.LogLevelWarn,
			fmt.Sprintf("Catalog walk stopped after %d pages, absence not applied", fetched.Pages), term)
	}

	prior, err := i.store.CurrentStates(ctx, term)
	if err != nil {
		return nil, i.fail(ctx, run, fmt.Errorf("load states: %w", err))
	}
	status, err := i.store.TermStatus(ctx, term)
	if err != nil {
		return nil, i.fail(ctx, run, fmt.Errorf("load term status: %w", err))
	}

	snapshotID := uuid.New()
	res := NewReconciler(i.cfg.ReconcileFor(term), i.logger).Reconcile(ReconcileInput{
		SearchTerm:  term,
		SnapshotID:  snapshotID.String(),
		ObservedAt:  observedAt,
		Listings:    listings,
		Prior:       prior,
		EmptyStreak: status.EmptyStreak,
		Truncated:   fetched.Truncated,
	})
	if len(res.Duplicates) > 0 {
		i.log(ctx, run.ID, models.LogLevelWarn,
			fmt.Sprintf("Dropped %d duplicate items: %s", len(res.Duplicates), strings.Join(res.Duplicates, ", ")), term)
	}
	if !res.AbsenceApplied && !fetched.Truncated {
		i.log(ctx, run.ID, models.LogLevelWarn,
			fmt.Sprintf("Empty fetch %d of %d, absence not applied", res.EmptyStreak, i.cfg.Reconcile.EmptyConfirmations), term)
	}

	snap := &models.Snapshot{
		ID:         snapshotID,
		SearchTerm: term,
		ObservedAt: observedAt,
		Truncated:  fetched.Truncated,
		Listings:   res.Listings,
	}
	status.EmptyStreak = res.EmptyStreak
	status.LastSuccessAt = &observedAt
	status.LastAttemptAt = &observedAt
	status.LastError = ""

	if err := i.store.CommitCycle(ctx, &storage.CycleCommit{
		Snapshot:    snap,
		Transitions: res.Transitions,
		States:      res.States,
		Status:      status,
	}); err != nil {
		return nil, i.fail(ctx, run, err)
	}

	run.Duplicates = len(res.Duplicates)
	run.Count(res.Transitions)
	run.Status = models.RunStatusCompleted
	finished := i.stamp()
	run.FinishedAt = &finished
	if err := i.store.FinishRun(ctx, run); err != nil {
		i.logger.Warn("failed to finish run record", zap.String("run_id", run.ID), zap.Error(err))
	}
	i.log(ctx, run.ID, models.LogLevelInfo,
		fmt.Sprintf("Completed: %d listings, %d new, %d updated, %d sold, %d removed",
			run.ListingsFound, run.ItemsNew, run.ItemsUpdated, run.ItemsSold, run.ItemsRemoved), term)

	i.afterCommit(ctx, snap)

	return &CycleReport{
		Run:            run,
		SnapshotID:     snapshotID,
		ObservedAt:     observedAt,
		Transitions:    res.Transitions,
		Duplicates:     res.Duplicates,
		AbsenceApplied: res.AbsenceApplied,
		Truncated:      fetched.Truncated,
	}, nil
}

// RunAll triggers one cycle for every term in parallel and reports every
// failure.
func (i *Ingester) RunAll(ctx context.Context, terms []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, term := range terms {
		g.Go(func() error {
			if _, err := i.TriggerIngestion(ctx, term); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", term, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Rebuild replays the term's snapshot log from an empty state and replaces
// the derived item table with the result.
func (i *Ingester) Rebuild(ctx context.Context, term string) (*RebuildReport, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, scraper.ErrEmptySearchTerm
	}

	unlock, err := i.locks.lock(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("wait for %q cycle: %w", term, err)
	}
	defer unlock()

	snapshots, err := i.store.Snapshots(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	states, streak := NewReconciler(i.cfg.ReconcileFor(term), i.logger).Replay(term, snapshots)

	status, err := i.store.TermStatus(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("load term status: %w", err)
	}
	status.EmptyStreak = streak

	rows := make([]models.ItemState, 0, len(states))
	for _, id := range sortedKeys(states) {
		rows = append(rows, states[id])
	}
	if err := i.store.ReplaceItemStates(ctx, term, rows, status); err != nil {
		return nil, err
	}

	i.logger.Info("item states rebuilt from snapshot log",
		zap.String("term", term),
		zap.Int("snapshots", len(snapshots)),
		zap.Int("items", len(rows)))
	i.invalidate(ctx, term)

	return &RebuildReport{SearchTerm: term, Snapshots: len(snapshots), Items: len(rows), EmptyStreak: streak}, nil
}

func (i *Ingester) fail(ctx context.Context, run *models.IngestRun, cause error) error {
	// Record the failure even when the caller's context is what failed.
	ctx = context.WithoutCancel(ctx)
	now := i.stamp()

	i.log(ctx, run.ID, models.LogLevelError, fmt.Sprintf("Ingestion failed: %v", cause), run.SearchTerm)

	status, err := i.store.TermStatus(ctx, run.SearchTerm)
	if err != nil {
		i.logger.Error("failed to load term status", zap.String("term", run.SearchTerm), zap.Error(err))
		status = &models.TermStatus{SearchTerm: run.SearchTerm}
	}
	status.LastAttemptAt = &now
	status.LastError = cause.Error()
	if err := i.store.SaveTermStatus(ctx, status); err != nil {
		i.logger.Error("failed to save term status", zap.String("term", run.SearchTerm), zap.Error(err))
	}
	i.invalidate(ctx, run.SearchTerm)

	run.Status = models.RunStatusFailed
	run.FinishedAt = &now
	run.Error = cause.Error()
	if err := i.store.FinishRun(ctx, run); err != nil {
		i.logger.Warn("failed to finish run record", zap.String("run_id", run.ID), zap.Error(err))
	}

	return cause
}

func (i *Ingester) afterCommit(ctx context.Context, snap *models.Snapshot) {
	if i.archiver != nil {
		if err := i.archiver.Archive(ctx, snap); err != nil {
			i.logger.Warn("snapshot archive failed",
				zap.String("term", snap.SearchTerm),
				zap.String("snapshot_id", snap.ID.String()),
				zap.Error(err))
		}
	}
	i.invalidate(ctx, snap.SearchTerm)
}

func (i *Ingester) invalidate(ctx context.Context, term string) {
	if i.cache == nil {
		return
	}
	if err := i.cache.Invalidate(ctx, term); err != nil {
		i.logger.Warn("dashboard cache invalidation failed", zap.String("term", term), zap.Error(err))
	}
}

// log writes to both the process log and the persisted run log.
func (i *Ingester) log(ctx context.Context, runID string, level models.LogLevel, msg, term string) {
	fields := []zap.Field{zap.String("term", term), zap.String("run_id", runID)}
	switch level {
	case models.LogLevelError:
		i.logger.Error(msg, fields...)
	case models.LogLevelWarn:
		i.logger.Warn(msg, fields...)
	default:
		i.logger.Info(msg, fields...)
	}
	if err := i.store.Log(ctx, runID, level, msg, term); err != nil {
		i.logger.Debug("failed to persist run log", zap.Error(err))
	}
}

// stamp is the current time in UTC at the precision every backend keeps.
func (i *Ingester) stamp() time.Time {
	return i.now().UTC().Truncate(time.Microsecond)
}

// termLocks hands out one context-aware mutex per search term.
type termLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newTermLocks() *termLocks {
	return &termLocks{locks: make(map[string]chan struct{})}
}

func (l *termLocks) lock(ctx context.Context, term string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[term]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[term] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
