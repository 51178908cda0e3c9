package services

import (
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/models"
)

// ReconcileInput is everything one reconciliation pass looks at.
type ReconcileInput struct {
	SearchTerm  string
	SnapshotID  string
	ObservedAt  time.Time
	Listings    []models.Listing
	Prior       map[string]models.ItemState
	EmptyStreak int
	// Truncated fetches hold absence logic back; missing items may simply sit
	// past the page limit.
	Truncated bool
}

// ReconcileResult is what a pass decided. States holds only rows that differ
// from the prior table.
type ReconcileResult struct {
	Listings       []models.Listing
	Duplicates     []string
	Transitions    []models.Transition
	States         []models.ItemState
	EmptyStreak    int
	AbsenceApplied bool
}

// Apply folds the result's state rows into states.
func (r *ReconcileResult) Apply(states map[string]models.ItemState) {
	for _, s := range r.States {
		states[s.ItemID] = s
	}
}

// Reconciler classifies lifecycle transitions between the derived item
// state of a term and a freshly fetched listing set. It has no side effects.
type Reconciler struct {
	cfg    config.ReconcileConfig
	logger *zap.Logger
}

func NewReconciler(cfg config.ReconcileConfig, logger *zap.Logger) *Reconciler {
	if cfg.AbsenceThreshold < 1 {
		cfg.AbsenceThreshold = 1
	}
	if cfg.EmptyConfirmations < 1 {
		cfg.EmptyConfirmations = 1
	}
	return &Reconciler{cfg: cfg, logger: logger}
}

func (r *Reconciler) Reconcile(in ReconcileInput) *ReconcileResult {
	res := &ReconcileResult{}
	at := in.ObservedAt

	seen := make(map[string]models.Listing, len(in.Listings))
	for _, l := range in.Listings {
		if _, dup := seen[l.ItemID]; dup {
			res.Duplicates = append(res.Duplicates, l.ItemID)
			continue
		}
		seen[l.ItemID] = l
		res.Listings = append(res.Listings, l)
	}
	if len(res.Duplicates) > 0 {
		r.logger.Warn("duplicate items in fetch, keeping first occurrence",
			zap.String("term", in.SearchTerm),
			zap.Int("duplicates", len(res.Duplicates)),
			zap.Strings("item_ids", res.Duplicates))
	}

	res.AbsenceApplied = true
	if len(res.Listings) == 0 {
		res.EmptyStreak = in.EmptyStreak + 1
		if res.EmptyStreak < r.cfg.EmptyConfirmations {
			res.AbsenceApplied = false
			r.logger.Warn("empty fetch, holding absence logic until confirmed",
				zap.String("term", in.SearchTerm),
				zap.Int("empty_streak", res.EmptyStreak),
				zap.Int("required", r.cfg.EmptyConfirmations))
		}
	}
	if in.Truncated {
		res.AbsenceApplied = false
		r.logger.Warn("truncated fetch, holding absence logic",
			zap.String("term", in.SearchTerm),
			zap.Int("listings", len(res.Listings)))
	}

	for _, l := range res.Listings {
		prev, known := in.Prior[l.ItemID]
		if !known {
			price := l.Price
			res.Transitions = append(res.Transitions, models.Transition{
				Kind:       models.TransitionNew,
				ItemID:     l.ItemID,
				SearchTerm: in.SearchTerm,
				At:         at,
				SnapshotID: in.SnapshotID,
				NewStatus:  l.Status,
				NewPrice:   &price,
			})
			res.States = append(res.States, models.ItemState{
				ItemID:      l.ItemID,
				SearchTerm:  in.SearchTerm,
				Title:       l.Title,
				Status:      l.Status,
				Price:       l.Price,
				FirstSeen:   at,
				LastSeen:    at,
				LastChanged: at,
			})
			continue
		}

		next := prev
		next.Title = l.Title
		next.LastSeen = at
		next.AbsenceCount = 0
		if prev.Status != l.Status || prev.Price != l.Price {
			oldPrice, newPrice := prev.Price, l.Price
			res.Transitions = append(res.Transitions, models.Transition{
				Kind:       models.TransitionUpdated,
				ItemID:     l.ItemID,
				SearchTerm: in.SearchTerm,
				At:         at,
				SnapshotID: in.SnapshotID,
				OldStatus:  prev.Status,
				NewStatus:  l.Status,
				OldPrice:   &oldPrice,
				NewPrice:   &newPrice,
			})
			next.Status = l.Status
			next.Price = l.Price
			next.LastChanged = at
		}
		if !next.Equal(prev) {
			res.States = append(res.States, next)
		}
	}

	if res.AbsenceApplied {
		for _, id := range sortedKeys(in.Prior) {
			if _, present := seen[id]; present {
				continue
			}
			prev := in.Prior[id]
			if prev.Status.Terminal() {
				continue
			}

			next := prev
			next.AbsenceCount++
			if next.AbsenceCount >= r.cfg.AbsenceThreshold {
				kind, status := models.TransitionRemoved, models.StatusRemoved
				if slices.Contains(r.cfg.SoldFrom, prev.Status) {
					kind, status = models.TransitionSold, models.StatusSold
				}
				lastPrice := prev.Price
				res.Transitions = append(res.Transitions, models.Transition{
					Kind:       kind,
					ItemID:     id,
					SearchTerm: in.SearchTerm,
					At:         at,
					SnapshotID: in.SnapshotID,
					OldStatus:  prev.Status,
					NewStatus:  status,
					NewPrice:   &lastPrice,
				})
				next.Status = status
				next.LastChanged = at
			}
			res.States = append(res.States, next)
		}
	}

	sort.SliceStable(res.Transitions, func(i, j int) bool {
		return strings.Compare(res.Transitions[i].ItemID, res.Transitions[j].ItemID) < 0
	})
	sort.SliceStable(res.States, func(i, j int) bool {
		return strings.Compare(res.States[i].ItemID, res.States[j].ItemID) < 0
	})

	return res
}

// Replay rebuilds a term's item state from its snapshot log, oldest first.
func (r *Reconciler) Replay(term string, snapshots []models.Snapshot) (map[string]models.ItemState, int) {
	states := make(map[string]models.ItemState)
	streak := 0
	for _, snap := range snapshots {
		res := r.Reconcile(ReconcileInput{
			SearchTerm:  term,
			SnapshotID:  snap.ID.String(),
			ObservedAt:  snap.ObservedAt,
			Listings:    snap.Listings,
			Prior:       states,
			EmptyStreak: streak,
			Truncated:   snap.Truncated,
		})
		res.Apply(states)
		streak = res.EmptyStreak
	}
	return states, streak
}

func sortedKeys(m map[string]models.ItemState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
