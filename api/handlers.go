package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pricewatch/models"
	"pricewatch/scraper"
)

const (
	defaultDashboardWindow   = 7 * 24 * time.Hour
	defaultTransitionsWindow = 24 * time.Hour
	defaultRunsLimit         = 20
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type transitionsResponse struct {
	SearchTerm  string              `json:"search_term"`
	Window      models.Window       `json:"window"`
	Transitions []models.Transition `json:"transitions"`
}

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, healthzResponse{
			Status:        "ok",
			UptimeSeconds: d.Now().Sub(d.StartTime).Seconds(),
		})
	}
}

func ingest(d Deps, jobs *background) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		term := termParam(r)

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			if strings.TrimSpace(term) == "" {
				writeError(w, d.Logger, scraper.ErrEmptySearchTerm)
				return
			}
			// The cycle outlives the request; the server waits for it on Stop.
			jobs.Go(func(ctx context.Context) {
				if _, err := d.Ingestion.TriggerIngestion(ctx, term); err != nil {
					d.Logger.Error("async ingestion failed", zap.String("term", term), zap.Error(err))
				}
			})
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "search_term": term})
			return
		}

		report, err := d.Ingestion.TriggerIngestion(r.Context(), term)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func rebuild(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := d.Ingestion.Rebuild(r.Context(), termParam(r))
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func dashboard(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := parseWindow(r.URL.Query().Get("window"), defaultDashboardWindow)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"), 0)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		data, err := d.Dashboard.GetDashboardData(r.Context(), termParam(r), window)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if limit > 0 && len(data.Listings) > limit {
			trimmed := *data
			trimmed.Listings = data.Listings[:limit]
			data = &trimmed
		}
		writeJSON(w, http.StatusOK, data)
	}
}

func transitions(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		term := strings.TrimSpace(termParam(r))
		if term == "" {
			writeError(w, d.Logger, scraper.ErrEmptySearchTerm)
			return
		}
		window, err := parseWindow(r.URL.Query().Get("window"), defaultTransitionsWindow)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		now := d.Now().UTC()
		win := models.Window{From: now.Add(-window), To: now}
		list, err := d.History.Transitions(r.Context(), term, win.From, win.To)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if list == nil {
			list = []models.Transition{}
		}
		writeJSON(w, http.StatusOK, transitionsResponse{SearchTerm: term, Window: win, Transitions: list})
	}
}

func runs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		term := strings.TrimSpace(termParam(r))
		if term == "" {
			writeError(w, d.Logger, scraper.ErrEmptySearchTerm)
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		list, err := d.History.Runs(r.Context(), term, limit)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if list == nil {
			list = []models.IngestRun{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func runLogs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run id is required"})
			return
		}
		logs, err := d.History.RunLogs(r.Context(), id)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}
		if len(logs) == 0 {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no logs for run " + id})
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func termParam(r *http.Request) string {
	raw := chi.URLParam(r, "term")
	if term, err := url.PathUnescape(raw); err == nil {
		return term
	}
	return raw
}

// parseWindow accepts Go durations plus a whole-day form such as "7d".
func parseWindow(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", s)
	}
	return d, nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		catalogErr *scraper.CatalogError
		rateErr    *scraper.RateLimitError
		netErr     *scraper.NetworkError
		parseErr   *scraper.ParseError
	)
	switch {
	case errors.Is(err, scraper.ErrEmptySearchTerm):
		return http.StatusBadRequest
	case errors.As(err, &rateErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &catalogErr), errors.As(err, &netErr), errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	var rateErr *scraper.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
