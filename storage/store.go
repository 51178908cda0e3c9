package storage

import (
	"context"
	"fmt"
	"time"

	"pricewatch/models"
)

// Store is the time-series persistence layer: an append-only snapshot log plus
// the derived per-item state table, which is a cache of replaying that log.
type Store interface {
	AppendSnapshot(ctx context.Context, snap *models.Snapshot) error
	UpsertItemStates(ctx context.Context, term string, states []models.ItemState) error
	QueryRange(ctx context.Context, term string, from, to time.Time) ([]models.Listing, error)
	CurrentStates(ctx context.Context, term string) (map[string]models.ItemState, error)

	// CommitCycle persists everything one ingestion cycle produced in a single
	// transaction.
	CommitCycle(ctx context.Context, commit *CycleCommit) error
	Snapshots(ctx context.Context, term string) ([]models.Snapshot, error)
	ReplaceItemStates(ctx context.Context, term string, states []models.ItemState, status *models.TermStatus) error
	Transitions(ctx context.Context, term string, from, to time.Time) ([]models.Transition, error)

	TermStatus(ctx context.Context, term string) (*models.TermStatus, error)
	SaveTermStatus(ctx context.Context, status *models.TermStatus) error

	CreateRun(ctx context.Context, run *models.IngestRun) error
	FinishRun(ctx context.Context, run *models.IngestRun) error
	Runs(ctx context.Context, term string, limit int) ([]models.IngestRun, error)
	Log(ctx context.Context, runID string, level models.LogLevel, message, term string) error
	RunLogs(ctx context.Context, runID string) ([]models.RunLog, error)

	Close() error
}

type CycleCommit struct {
	Snapshot    *models.Snapshot
	Transitions []models.Transition
	States      []models.ItemState
	Status      *models.TermStatus
}

// StorageError wraps any failed write. Nothing from the failed operation is
// committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func validateStates(term string, states []models.ItemState) error {
	for _, s := range states {
		if s.SearchTerm != term {
			return fmt.Errorf("state for item %s belongs to term %q, not %q", s.ItemID, s.SearchTerm, term)
		}
	}
	return nil
}

func validateSnapshot(snap *models.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	for _, l := range snap.Listings {
		if l.SearchTerm != snap.SearchTerm {
			return fmt.Errorf("listing %s belongs to term %q, not %q", l.ItemID, l.SearchTerm, snap.SearchTerm)
		}
	}
	return nil
}
