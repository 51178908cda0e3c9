package models

import "time"

// Window is an inclusive time range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Summary is the aggregate view of one term over one window.
// Nil price fields mean there was no data to compute them from.
type Summary struct {
	SearchTerm      string            `json:"search_term"`
	Window          Window            `json:"window"`
	Currency        string            `json:"currency,omitempty"`
	SoldCount       int               `json:"sold_count"`
	ActiveCount     int               `json:"active_count"`
	MeanSoldPrice   *Money            `json:"mean_sold_price"`
	MedianSoldPrice *Money            `json:"median_sold_price"`
	PriceHistogram  []HistogramBucket `json:"price_histogram"`
	ObservedItems   int               `json:"observed_items"`
	MeanAskingPrice *Money            `json:"mean_asking_price"`
	SkippedCurrency int               `json:"skipped_currency,omitempty"`
}

// HistogramBucket counts sold prices in [Lower, Upper).
type HistogramBucket struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
	Count int   `json:"count"`
}

// DashboardData is what the presentation layer renders for a term.
type DashboardData struct {
	Summary       *Summary   `json:"summary"`
	Listings      []Listing  `json:"listings"`
	LastSuccessAt *time.Time `json:"last_success_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
}
