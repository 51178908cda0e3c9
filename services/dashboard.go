package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/scraper"
	"pricewatch/storage"
)

// DashboardReader is the read side of the store the dashboard needs.
type DashboardReader interface {
	SummaryReader
	TermStatus(ctx context.Context, term string) (*models.TermStatus, error)
}

// Dashboard assembles what the presentation layer shows for a term. It only
// reads, so it never waits on an ingestion cycle.
type Dashboard struct {
	store      DashboardReader
	aggregator *Aggregator
	cache      storage.DashboardCache
	limit      int
	now        func() time.Time
	logger     *zap.Logger
}

func NewDashboard(store DashboardReader, cfg config.AggregateConfig, logger *zap.Logger) *Dashboard {
	return &Dashboard{
		store:      store,
		aggregator: NewAggregator(store, cfg, logger),
		limit:      cfg.ListingLimit,
		now:        time.Now,
		logger:     logger,
	}
}

func (d *Dashboard) SetCache(c storage.DashboardCache) {
	d.cache = c
}

// GetDashboardData summarises the trailing window ending now and lists the
// listings observed in it, newest first.
func (d *Dashboard) GetDashboardData(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, scraper.ErrEmptySearchTerm
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}

	if d.cache != nil {
		cached, err := d.cache.Get(ctx, term, window)
		if err != nil {
			d.logger.Warn("dashboard cache read failed", zap.String("term", term), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	now := d.now().UTC()
	w := models.Window{From: now.Add(-window), To: now}

	summary, err := d.aggregator.Summarize(ctx, term, w)
	if err != nil {
		return nil, err
	}
	listings, err := d.store.QueryRange(ctx, term, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	status, err := d.store.TermStatus(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("load term status: %w", err)
	}

	sort.SliceStable(listings, func(i, j int) bool {
		if !listings[i].ObservedAt.Equal(listings[j].ObservedAt) {
			return listings[i].ObservedAt.After(listings[j].ObservedAt)
		}
		return listings[i].ItemID < listings[j].ItemID
	})
	if d.limit > 0 && len(listings) > d.limit {
		listings = listings[:d.limit]
	}
	if listings == nil {
		listings = []models.Listing{}
	}

	data := &models.DashboardData{
		Summary:       summary,
		Listings:      listings,
		LastSuccessAt: status.LastSuccessAt,
		LastAttemptAt: status.LastAttemptAt,
		LastError:     status.LastError,
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, term, window, data); err != nil {
			d.logger.Warn("dashboard cache write failed", zap.String("term", term), zap.Error(err))
		}
	}
	return data, nil
}
