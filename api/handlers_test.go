package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pricewatch/models"
	"pricewatch/scraper"
	"pricewatch/services"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIngestion struct {
	mu      sync.Mutex
	terms   []string
	err     error
	called  chan string
	release chan struct{}
}

func (f *fakeIngestion) TriggerIngestion(ctx context.Context, term string) (*services.CycleReport, error) {
	f.mu.Lock()
	f.terms = append(f.terms, term)
	f.mu.Unlock()
	if f.called != nil {
		f.called <- term
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &services.CycleReport{
		Run: &models.IngestRun{SearchTerm: term, Status: models.RunStatusCompleted, ItemsNew: 2},
	}, nil
}

func (f *fakeIngestion) Rebuild(ctx context.Context, term string) (*services.RebuildReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.RebuildReport{SearchTerm: term, Snapshots: 3, Items: 5}, nil
}

type fakeDashboard struct {
	window time.Duration
	term   string
}

func (f *fakeDashboard) GetDashboardData(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error) {
	if strings.TrimSpace(term) == "" {
		return nil, scraper.ErrEmptySearchTerm
	}
	f.term, f.window = term, window
	return &models.DashboardData{
		Summary: &models.Summary{SearchTerm: term, SoldCount: 1},
		Listings: []models.Listing{
			{ItemID: "3"}, {ItemID: "2"}, {ItemID: "1"},
		},
	}, nil
}

type fakeHistory struct {
	from, to time.Time
}

func (f *fakeHistory) Transitions(ctx context.Context, term string, from, to time.Time) ([]models.Transition, error) {
	f.from, f.to = from, to
	return []models.Transition{{Kind: models.TransitionSold, ItemID: "a", SearchTerm: term}}, nil
}

func (f *fakeHistory) Runs(ctx context.Context, term string, limit int) ([]models.IngestRun, error) {
	return nil, nil
}

func (f *fakeHistory) RunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	if runID != "run-1" {
		return nil, nil
	}
	return []models.RunLog{
		{ID: 1, RunID: runID, Level: models.LogLevelInfo, Message: "Fetched 3 listings"},
		{ID: 2, RunID: runID, Level: models.LogLevelWarn, Message: "Catalog walk stopped after 20 pages"},
	}, nil
}

func newTestRouter(t *testing.T, ing *fakeIngestion, dash *fakeDashboard, hist *fakeHistory) http.Handler {
	t.Helper()
	return NewRouter(Deps{
		Ingestion: ing,
		Dashboard: dash,
		History:   hist,
		Logger:    zaptest.NewLogger(t),
		StartTime: now.Add(-time.Minute),
		Now:       func() time.Time { return now },
	})
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	rr := do(t, newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, &fakeHistory{}), http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body healthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.UptimeSeconds != 60 {
		t.Fatalf("unexpected body %+v", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestIngestSync(t *testing.T) {
	ing := &fakeIngestion{}
	rr := do(t, newTestRouter(t, ing, &fakeDashboard{}, &fakeHistory{}), http.MethodPost, "/api/terms/airpods%20pro/ingest")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(ing.terms) != 1 || ing.terms[0] != "airpods pro" {
		t.Fatalf("unexpected terms %v", ing.terms)
	}
	var report services.CycleReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Run.ItemsNew != 2 {
		t.Fatalf("unexpected report %+v", report.Run)
	}
}

func TestIngestAsync(t *testing.T) {
	ing := &fakeIngestion{called: make(chan string, 1)}
	rr := do(t, newTestRouter(t, ing, &fakeDashboard{}, &fakeHistory{}), http.MethodPost, "/api/terms/switch/ingest?async=true")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	select {
	case term := <-ing.called:
		if term != "switch" {
			t.Fatalf("unexpected term %q", term)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("async ingestion never ran")
	}
}

func TestIngestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "empty term", err: scraper.ErrEmptySearchTerm, want: http.StatusBadRequest},
		{name: "rate limited", err: &scraper.RateLimitError{RetryAfter: 30 * time.Second}, want: http.StatusServiceUnavailable},
		{name: "catalog rejected", err: &scraper.CatalogError{StatusCode: 403, Message: "Access denied"}, want: http.StatusBadGateway},
		{name: "network", err: &scraper.NetworkError{StatusCode: 502, Err: errors.New("bad gateway")}, want: http.StatusBadGateway},
		{name: "malformed", err: &scraper.ParseError{Err: errors.New("eof")}, want: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngestion{err: tt.err}
			rr := do(t, newTestRouter(t, ing, &fakeDashboard{}, &fakeHistory{}), http.MethodPost, "/api/terms/x/ingest")
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("expected error body, got %q", rr.Body.String())
			}
		})
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	ing := &fakeIngestion{err: &scraper.RateLimitError{RetryAfter: 30 * time.Second}}
	rr := do(t, newTestRouter(t, ing, &fakeDashboard{}, &fakeHistory{}), http.MethodPost, "/api/terms/x/ingest")
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
}

func TestRebuild(t *testing.T) {
	rr := do(t, newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, &fakeHistory{}), http.MethodPost, "/api/terms/airpods/rebuild")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var report services.RebuildReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Snapshots != 3 || report.Items != 5 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDashboard(t *testing.T) {
	dash := &fakeDashboard{}
	h := newTestRouter(t, &fakeIngestion{}, dash, &fakeHistory{})

	rr := do(t, h, http.MethodGet, "/api/terms/airpods%20pro/dashboard?window=7d&limit=2")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if dash.window != 7*24*time.Hour || dash.term != "airpods pro" {
		t.Fatalf("unexpected call %q %s", dash.term, dash.window)
	}
	var data models.DashboardData
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.Listings) != 2 || data.Listings[0].ItemID != "3" {
		t.Fatalf("expected 2 newest listings, got %+v", data.Listings)
	}

	rr = do(t, h, http.MethodGet, "/api/terms/airpods/dashboard")
	if rr.Code != http.StatusOK || dash.window != defaultDashboardWindow {
		t.Fatalf("expected default window, got %d %s", rr.Code, dash.window)
	}
}

func TestDashboardRejectsBadParams(t *testing.T) {
	h := newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, &fakeHistory{})

	for _, path := range []string{
		"/api/terms/airpods/dashboard?window=soon",
		"/api/terms/airpods/dashboard?window=-1h",
		"/api/terms/airpods/dashboard?limit=0",
		"/api/terms/%20/dashboard",
	} {
		if rr := do(t, h, http.MethodGet, path); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rr.Code)
		}
	}
}

func TestTransitions(t *testing.T) {
	hist := &fakeHistory{}
	rr := do(t, newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, hist), http.MethodGet, "/api/terms/airpods/transitions?window=2h")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !hist.to.Equal(now) || !hist.from.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("unexpected range %s..%s", hist.from, hist.to)
	}
	var body transitionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Transitions) != 1 || body.Transitions[0].Kind != models.TransitionSold {
		t.Fatalf("unexpected transitions %+v", body.Transitions)
	}
}

func TestRunsReturnsEmptyList(t *testing.T) {
	rr := do(t, newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, &fakeHistory{}), http.MethodGet, "/api/terms/airpods/runs")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty JSON list, got %s", rr.Body.String())
	}
}

func TestRunLogs(t *testing.T) {
	h := newTestRouter(t, &fakeIngestion{}, &fakeDashboard{}, &fakeHistory{})

	rr := do(t, h, http.MethodGet, "/api/runs/run-1/logs")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var logs []models.RunLog
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(logs) != 2 || logs[1].Level != models.LogLevelWarn {
		t.Fatalf("unexpected logs %+v", logs)
	}

	if rr := do(t, h, http.MethodGet, "/api/runs/unknown/logs"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown run, got %d", rr.Code)
	}
}

func newTestServer(t *testing.T, ing *fakeIngestion) *Server {
	t.Helper()
	return New("127.0.0.1:0", Deps{
		Ingestion: ing,
		Dashboard: &fakeDashboard{},
		History:   &fakeHistory{},
		Logger:    zaptest.NewLogger(t),
		Now:       func() time.Time { return now },
	})
}

func TestStopWaitsForAsyncIngestion(t *testing.T) {
	ing := &fakeIngestion{called: make(chan string, 1), release: make(chan struct{})}
	s := newTestServer(t, ing)

	if rr := do(t, s.http.Handler, http.MethodPost, "/api/terms/switch/ingest?async=true"); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	<-ing.called

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while an ingestion was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(ing.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop never returned after the ingestion finished")
	}
}

func TestStopCancelsAsyncIngestionAtDeadline(t *testing.T) {
	ing := &fakeIngestion{called: make(chan string, 1), release: make(chan struct{})}
	s := newTestServer(t, ing)

	do(t, s.http.Handler, http.MethodPost, "/api/terms/switch/ingest?async=true")
	<-ing.called

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
