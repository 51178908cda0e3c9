package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/services"
)

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingRunner() *countingRunner {
	return &countingRunner{calls: make(map[string]int), fail: make(map[string]error)}
}

func (r *countingRunner) TriggerIngestion(ctx context.Context, term string) (*services.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[term]++
	if err := r.fail[term]; err != nil {
		return nil, err
	}
	return &services.CycleReport{Run: &models.IngestRun{SearchTerm: term}}, nil
}

func (r *countingRunner) count(term string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[term]
}

func testConfig(terms ...*config.TermConfig) *config.Config {
	cfg := &config.Config{Terms: make(map[string]*config.TermConfig)}
	for _, tc := range terms {
		cfg.Terms[tc.Term] = tc
	}
	return cfg
}

func TestTriggerNowRunsEveryTerm(t *testing.T) {
	runner := newCountingRunner()
	runner.fail["broken"] = errors.New("catalog down")
	s := New(testConfig(&config.TermConfig{Term: "airpods pro"}, &config.TermConfig{Term: "broken"}), runner, zaptest.NewLogger(t))

	err := s.TriggerNow(context.Background())
	if err == nil {
		t.Fatalf("expected the failing term to be reported")
	}
	if runner.count("airpods pro") != 1 || runner.count("broken") != 1 {
		t.Fatalf("expected one run per term, got %v", runner.calls)
	}
}

func TestIntervalSchedule(t *testing.T) {
	runner := newCountingRunner()
	cfg := testConfig(&config.TermConfig{Term: "airpods pro"})
	cfg.Scheduler.Interval = 10 * time.Millisecond
	s := New(cfg, runner, zaptest.NewLogger(t))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.count("airpods pro") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("interval scheduler did not fire twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	after := runner.count("airpods pro")
	time.Sleep(30 * time.Millisecond)
	if runner.count("airpods pro") != after {
		t.Fatalf("scheduler kept running after Stop")
	}
}

func TestPerTermCronOverridesGlobal(t *testing.T) {
	cfg := testConfig(
		&config.TermConfig{Term: "airpods pro", Cron: "*/15 * * * *"},
		&config.TermConfig{Term: "switch"},
	)
	cfg.Scheduler.Cron = "@hourly"
	s := New(cfg, newCountingRunner(), zaptest.NewLogger(t))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if n := len(s.cron.Entries()); n != 2 {
		t.Fatalf("expected 2 cron entries, got %d", n)
	}
	if s.ticker != nil {
		t.Fatalf("expected no interval ticker when every term has a cron")
	}
}

func TestInvalidCronIsRejected(t *testing.T) {
	s := New(testConfig(&config.TermConfig{Term: "airpods pro", Cron: "every now and then"}), newCountingRunner(), zaptest.NewLogger(t))
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatalf("expected invalid cron expression to fail")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(testConfig(&config.TermConfig{Term: "airpods pro"}), newCountingRunner(), zaptest.NewLogger(t))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()
}
