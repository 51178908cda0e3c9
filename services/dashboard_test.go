package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pricewatch/models"
	"pricewatch/scraper"
)

type memCache struct {
	mu          sync.Mutex
	data        map[string]*models.DashboardData
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]*models.DashboardData)}
}

func (c *memCache) Get(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[term+window.String()], nil
}

func (c *memCache) Set(ctx context.Context, term string, window time.Duration, data *models.DashboardData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[term+window.String()] = data
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, term string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if len(k) >= len(term) && k[:len(term)] == term {
			delete(c.data, k)
		}
	}
	c.invalidated = append(c.invalidated, term)
	return nil
}

func TestGetDashboardData(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable), raw("b", 3000, models.StatusAvailable)}},
		{listings: []models.RawListing{raw("b", 3000, models.StatusAvailable)}},
	}}
	ing := newTestIngester(t, fetcher, store)
	for range 2 {
		if _, err := ing.TriggerIngestion(ctx, "airpods pro"); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	dash := NewDashboard(store, testIngestConfig().Aggregate, zaptest.NewLogger(t))
	dash.now = func() time.Time { return t0.Add(time.Hour) }

	data, err := dash.GetDashboardData(ctx, "airpods pro", 24*time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	s := data.Summary
	if s.SoldCount != 1 || s.ActiveCount != 1 {
		t.Fatalf("expected 1 sold and 1 active, got %d/%d", s.SoldCount, s.ActiveCount)
	}
	if s.MeanSoldPrice == nil || s.MeanSoldPrice.Amount != 2000 {
		t.Fatalf("unexpected mean sold price %v", s.MeanSoldPrice)
	}
	if len(data.Listings) != 3 {
		t.Fatalf("expected 3 listing rows, got %d", len(data.Listings))
	}
	if !data.Listings[0].ObservedAt.After(data.Listings[2].ObservedAt) {
		t.Fatalf("listings not newest first")
	}
	if data.LastSuccessAt == nil {
		t.Fatalf("expected last success timestamp")
	}
}

func TestGetDashboardDataNoData(t *testing.T) {
	dash := NewDashboard(newTestStore(t), testIngestConfig().Aggregate, zaptest.NewLogger(t))

	data, err := dash.GetDashboardData(context.Background(), "never scraped", time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if data.Summary.MeanSoldPrice != nil || data.Summary.MedianSoldPrice != nil {
		t.Fatalf("expected no-data sentinels, got %+v", data.Summary)
	}
	if data.Listings == nil || len(data.Listings) != 0 {
		t.Fatalf("expected empty listing table, got %v", data.Listings)
	}
	if data.LastSuccessAt != nil {
		t.Fatalf("expected no last success")
	}
}

func TestGetDashboardDataValidates(t *testing.T) {
	dash := NewDashboard(newTestStore(t), testIngestConfig().Aggregate, zaptest.NewLogger(t))

	if _, err := dash.GetDashboardData(context.Background(), " ", time.Hour); !errors.Is(err, scraper.ErrEmptySearchTerm) {
		t.Fatalf("expected ErrEmptySearchTerm, got %v", err)
	}
	if _, err := dash.GetDashboardData(context.Background(), "x", 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
}

func TestDashboardCacheIsFlushedByIngestion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := newMemCache()
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable)}},
	}}
	ing := newTestIngester(t, fetcher, store)
	ing.SetCache(cache)

	dash := NewDashboard(store, testIngestConfig().Aggregate, zaptest.NewLogger(t))
	dash.now = func() time.Time { return t0.Add(time.Hour) }
	dash.SetCache(cache)

	empty, err := dash.GetDashboardData(ctx, "airpods pro", 24*time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if len(empty.Listings) != 0 {
		t.Fatalf("expected empty dashboard before first cycle")
	}

	if _, err := ing.TriggerIngestion(ctx, "airpods pro"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "airpods pro" {
		t.Fatalf("expected cache invalidation, got %v", cache.invalidated)
	}

	fresh, err := dash.GetDashboardData(ctx, "airpods pro", 24*time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if len(fresh.Listings) != 1 {
		t.Fatalf("expected stale cache to be gone, got %d listings", len(fresh.Listings))
	}
}

func TestFailedIngestionFlushesDashboardCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := newMemCache()
	fetcher := &scriptedFetcher{steps: []fetchStep{
		{listings: []models.RawListing{raw("a", 2000, models.StatusAvailable)}},
		{err: &scraper.RateLimitError{RetryAfter: time.Minute}},
	}}
	ing := newTestIngester(t, fetcher, store)
	ing.SetCache(cache)

	dash := NewDashboard(store, testIngestConfig().Aggregate, zaptest.NewLogger(t))
	dash.now = func() time.Time { return t0.Add(time.Hour) }
	dash.SetCache(cache)

	if _, err := ing.TriggerIngestion(ctx, "airpods pro"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	before, err := dash.GetDashboardData(ctx, "airpods pro", 24*time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if before.LastError != "" {
		t.Fatalf("unexpected error before failure: %q", before.LastError)
	}

	if _, err := ing.TriggerIngestion(ctx, "airpods pro"); err == nil {
		t.Fatalf("expected the second cycle to fail")
	}
	after, err := dash.GetDashboardData(ctx, "airpods pro", 24*time.Hour)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if after.LastError == "" {
		t.Fatalf("dashboard still serves the cached state from before the failure")
	}
}
