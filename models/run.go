package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IngestRun is the audit record of one ingestion cycle.
type IngestRun struct {
	ID            string     `json:"id" db:"id"`
	SearchTerm    string     `json:"search_term" db:"search_term"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	Status        RunStatus  `json:"status" db:"status"`
	ListingsFound int        `json:"listings_found" db:"listings_found"`
	Duplicates    int        `json:"duplicates" db:"duplicates"`
	ItemsNew      int        `json:"items_new" db:"items_new"`
	ItemsUpdated  int        `json:"items_updated" db:"items_updated"`
	ItemsSold     int        `json:"items_sold" db:"items_sold"`
	ItemsRemoved  int        `json:"items_removed" db:"items_removed"`
	Error         string     `json:"error,omitempty" db:"error"`
}

// Count tallies transitions onto the run counters.
func (r *IngestRun) Count(transitions []Transition) {
	for _, t := range transitions {
		switch t.Kind {
		case TransitionNew:
			r.ItemsNew++
		case TransitionUpdated:
			r.ItemsUpdated++
		case TransitionSold:
			r.ItemsSold++
		case TransitionRemoved:
			r.ItemsRemoved++
		}
	}
}
