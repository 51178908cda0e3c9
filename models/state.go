package models

import (
	"strings"
	"time"
)

type ListingStatus string

const (
	StatusAvailable ListingStatus = "available"
	StatusSold      ListingStatus = "sold"
	StatusReserved  ListingStatus = "reserved"
	StatusRemoved   ListingStatus = "removed"
	StatusUnknown   ListingStatus = "unknown"
)

// ParseStatus maps a catalog status string onto the known statuses.
// Anything unrecognised becomes StatusUnknown.
func ParseStatus(s string) ListingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "active", "visible", "":
		return StatusAvailable
	case "sold", "closed":
		return StatusSold
	case "reserved":
		return StatusReserved
	case "removed", "deleted", "hidden":
		return StatusRemoved
	default:
		return StatusUnknown
	}
}

// Terminal reports whether the item has left the catalog for good.
func (s ListingStatus) Terminal() bool {
	return s == StatusSold || s == StatusRemoved
}

// ItemState is the latest known state of one item under one search term.
// It is derived from the snapshot log and can be rebuilt by replaying it.
type ItemState struct {
	ItemID       string        `json:"item_id" db:"item_id"`
	SearchTerm   string        `json:"search_term" db:"search_term"`
	Title        string        `json:"title" db:"title"`
	Status       ListingStatus `json:"status" db:"status"`
	Price        Money         `json:"price"`
	FirstSeen    time.Time     `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time     `json:"last_seen" db:"last_seen"`
	LastChanged  time.Time     `json:"last_changed" db:"last_changed"`
	AbsenceCount int           `json:"absence_count" db:"absence_count"`
}

// Equal compares every persisted field, normalising timestamps.
func (s ItemState) Equal(o ItemState) bool {
	return s.ItemID == o.ItemID &&
		s.SearchTerm == o.SearchTerm &&
		s.Title == o.Title &&
		s.Status == o.Status &&
		s.Price == o.Price &&
		s.FirstSeen.Equal(o.FirstSeen) &&
		s.LastSeen.Equal(o.LastSeen) &&
		s.LastChanged.Equal(o.LastChanged) &&
		s.AbsenceCount == o.AbsenceCount
}

type TransitionKind string

const (
	TransitionNew     TransitionKind = "new"
	TransitionUpdated TransitionKind = "updated"
	TransitionSold    TransitionKind = "sold"
	TransitionRemoved TransitionKind = "removed"
)

// Transition records one lifecycle change detected by reconciliation.
type Transition struct {
	Kind       TransitionKind `json:"kind" db:"kind"`
	ItemID     string         `json:"item_id" db:"item_id"`
	SearchTerm string         `json:"search_term" db:"search_term"`
	At         time.Time      `json:"at" db:"at"`
	SnapshotID string         `json:"snapshot_id" db:"snapshot_id"`
	OldStatus  ListingStatus  `json:"old_status,omitempty" db:"old_status"`
	NewStatus  ListingStatus  `json:"new_status" db:"new_status"`
	OldPrice   *Money         `json:"old_price,omitempty"`
	NewPrice   *Money         `json:"new_price,omitempty"`
}

// TermStatus holds per-term cycle bookkeeping.
type TermStatus struct {
	SearchTerm    string     `json:"search_term" db:"search_term"`
	EmptyStreak   int        `json:"empty_streak" db:"empty_streak"`
	LastSuccessAt *time.Time `json:"last_success_at" db:"last_success_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
}
