package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/models"
)

// SummaryReader is the read side of the store the aggregator needs.
type SummaryReader interface {
	CurrentStates(ctx context.Context, term string) (map[string]models.ItemState, error)
	QueryRange(ctx context.Context, term string, from, to time.Time) ([]models.Listing, error)
}

// Aggregator computes price statistics for a term. It never writes.
type Aggregator struct {
	store  SummaryReader
	cfg    config.AggregateConfig
	logger *zap.Logger
}

func NewAggregator(store SummaryReader, cfg config.AggregateConfig, logger *zap.Logger) *Aggregator {
	if cfg.HistogramBucket < 1 {
		cfg.HistogramBucket = 500
	}
	return &Aggregator{store: store, cfg: cfg, logger: logger}
}

// Summarize reports sold and active statistics for term over window. Price
// fields are nil when there is nothing to compute them from.
func (a *Aggregator) Summarize(ctx context.Context, term string, window models.Window) (*models.Summary, error) {
	if window.To.Before(window.From) {
		return nil, fmt.Errorf("window ends before it starts: %s > %s", window.From, window.To)
	}

	states, err := a.store.CurrentStates(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	listings, err := a.store.QueryRange(ctx, term, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}

	summary := &models.Summary{
		SearchTerm:     term,
		Window:         window,
		PriceHistogram: []models.HistogramBucket{},
	}

	var sold []models.Money
	for _, id := range sortedKeys(states) {
		st := states[id]
		switch st.Status {
		case models.StatusSold:
			if window.Contains(st.LastChanged) {
				sold = append(sold, st.Price)
			}
		case models.StatusAvailable, models.StatusReserved:
			summary.ActiveCount++
		}
	}

	// Latest observation per item; QueryRange is ordered by observed_at.
	latest := make(map[string]models.Listing)
	for _, l := range listings {
		latest[l.ItemID] = l
	}
	summary.ObservedItems = len(latest)

	var asking []models.Money
	for _, l := range latest {
		if l.Status == models.StatusAvailable || l.Status == models.StatusReserved {
			asking = append(asking, l.Price)
		}
	}

	summary.Currency = dominantCurrency(sold, asking)

	soldAmounts, skipped := amountsIn(summary.Currency, sold)
	askingAmounts, skippedAsking := amountsIn(summary.Currency, asking)
	summary.SkippedCurrency = skipped + skippedAsking
	if summary.SkippedCurrency > 0 {
		a.logger.Warn("prices in a foreign currency left out of summary",
			zap.String("term", term),
			zap.String("currency", summary.Currency),
			zap.Int("skipped", summary.SkippedCurrency))
	}

	summary.SoldCount = len(soldAmounts)
	if len(soldAmounts) > 0 {
		summary.MeanSoldPrice = &models.Money{Amount: mean(soldAmounts), Currency: summary.Currency}
		summary.MedianSoldPrice = &models.Money{Amount: median(soldAmounts), Currency: summary.Currency}
		summary.PriceHistogram = histogram(soldAmounts, a.cfg.HistogramBucket)
	}
	if len(askingAmounts) > 0 {
		summary.MeanAskingPrice = &models.Money{Amount: mean(askingAmounts), Currency: summary.Currency}
	}

	return summary, nil
}

// dominantCurrency is the most frequent currency among sold prices, falling
// back to asking prices. Ties go to the alphabetically first code.
func dominantCurrency(sets ...[]models.Money) string {
	for _, prices := range sets {
		counts := make(map[string]int)
		for _, p := range prices {
			counts[p.Currency]++
		}
		best, bestCount := "", 0
		for cur, n := range counts {
			if n > bestCount || (n == bestCount && cur < best) {
				best, bestCount = cur, n
			}
		}
		if bestCount > 0 {
			return best
		}
	}
	return ""
}

func amountsIn(currency string, prices []models.Money) ([]int64, int) {
	amounts := make([]int64, 0, len(prices))
	skipped := 0
	for _, p := range prices {
		if p.Currency != currency {
			skipped++
			continue
		}
		amounts = append(amounts, p.Amount)
	}
	return amounts, skipped
}

func mean(amounts []int64) int64 {
	var sum int64
	for _, a := range amounts {
		sum += a
	}
	return roundDiv(sum, int64(len(amounts)))
}

func median(amounts []int64) int64 {
	sorted := append([]int64(nil), amounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return roundDiv(sorted[n/2-1]+sorted[n/2], 2)
}

// roundDiv rounds half away from zero.
func roundDiv(num, den int64) int64 {
	if num < 0 {
		return -((-num + den/2) / den)
	}
	return (num + den/2) / den
}

// maxBuckets caps the histogram size; wider price ranges widen the buckets.
const maxBuckets = 50

// histogram lays contiguous [lower, upper) buckets from the bucket holding the
// cheapest price to the one holding the dearest. The width is the configured
// one, multiplied up as needed to keep at most maxBuckets buckets.
func histogram(amounts []int64, width int64) []models.HistogramBucket {
	lo, hi := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		lo = min(lo, a)
		hi = max(hi, a)
	}
	width = max(width, 1)
	span := func(w int64) int64 { return floorDiv(hi, w) - floorDiv(lo, w) + 1 }
	for n := span(width); n > maxBuckets; n = span(width) {
		factor := (n + maxBuckets - 1) / maxBuckets
		if width > math.MaxInt64/factor {
			width = math.MaxInt64
			break
		}
		width *= factor
	}
	start := floorDiv(lo, width) * width
	n := int(span(width))

	buckets := make([]models.HistogramBucket, n)
	for i := range buckets {
		buckets[i].Lower = start + int64(i)*width
		buckets[i].Upper = buckets[i].Lower + width
	}
	for _, a := range amounts {
		buckets[(a-start)/width].Count++
	}
	return buckets
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
