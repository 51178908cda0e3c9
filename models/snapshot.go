package models

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is one immutable catalog fetch for a search term.
type Snapshot struct {
	ID         uuid.UUID `json:"id" db:"id"`
	SearchTerm string    `json:"search_term" db:"search_term"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	// Truncated marks a fetch that stopped at the page limit before the
	// catalog ran out, so absence in it proves nothing.
	Truncated bool      `json:"truncated,omitempty" db:"truncated"`
	Listings  []Listing `json:"listings"`
}

// Listing is a marketplace item as observed in one snapshot.
type Listing struct {
	ItemID     string        `json:"item_id" db:"item_id"`
	Title      string        `json:"title" db:"title"`
	Price      Money         `json:"price"`
	Status     ListingStatus `json:"status" db:"status"`
	SearchTerm string        `json:"search_term" db:"search_term"`
	ObservedAt time.Time     `json:"observed_at" db:"observed_at"`
	URL        string        `json:"url,omitempty" db:"url"`
}

// RawListing is a catalog record as decoded from the wire, before it is
// stamped with a search term and observation time.
type RawListing struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Price  Money         `json:"price"`
	Status ListingStatus `json:"status"`
	URL    string        `json:"url"`
}

// Observe stamps a raw record with the term and fetch time it was seen under.
func (r RawListing) Observe(term string, at time.Time) Listing {
	return Listing{
		ItemID:     r.ID,
		Title:      r.Title,
		Price:      r.Price,
		Status:     r.Status,
		SearchTerm: term,
		ObservedAt: at,
		URL:        r.URL,
	}
}
