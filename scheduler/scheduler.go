package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/services"
)

// Runner runs one ingestion cycle for a term.
type Runner interface {
	TriggerIngestion(ctx context.Context, term string) (*services.CycleReport, error)
}

// Scheduler triggers ingestion per term, either on the term's cron
// expression, the global one, or a fixed interval.
type Scheduler struct {
	cfg    *config.Config
	runner Runner
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(cfg *config.Config, runner Runner, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	var intervalTerms []string
	for _, term := range s.cfg.TermNames() {
		spec := s.cfg.Terms[term].Cron
		if spec == "" {
			spec = s.cfg.Scheduler.Cron
		}
		if spec == "" {
			intervalTerms = append(intervalTerms, term)
			continue
		}

		// SkipIfStillRunning keeps a slow cycle from queueing up behind itself.
		job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})).Then(cron.FuncJob(func() {
			s.run(ctx, term)
		}))
		if _, err := s.cron.AddJob(spec, job); err != nil {
			return fmt.Errorf("invalid cron expression %q for %q: %w", spec, term, err)
		}
		s.logger.Info("scheduled term", zap.String("term", term), zap.String("cron", spec))
	}
	if len(s.cron.Entries()) > 0 {
		s.cron.Start()
	}

	if len(intervalTerms) == 0 {
		return nil
	}
	if s.cfg.Scheduler.Interval <= 0 {
		s.logger.Info("no schedule for terms, waiting for manual triggers", zap.Strings("terms", intervalTerms))
		return nil
	}

	s.logger.Info("starting interval scheduler",
		zap.Duration("interval", s.cfg.Scheduler.Interval),
		zap.Strings("terms", intervalTerms))
	s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.runTerms(ctx, intervalTerms)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop halts new triggers and waits for running cycles to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.wg.Wait()
	})
}

// TriggerNow runs one cycle for every configured term and waits for all of
// them.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.runTerms(ctx, s.cfg.TermNames())
}

func (s *Scheduler) runTerms(ctx context.Context, terms []string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, term := range terms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.run(ctx, term); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", term, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, term string) error {
	report, err := s.runner.TriggerIngestion(ctx, term)
	if err != nil {
		s.logger.Error("scheduled run failed", zap.String("term", term), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled run completed",
		zap.String("term", term),
		zap.Int("listings", report.Run.ListingsFound),
		zap.Int("transitions", len(report.Transitions)))
	return nil
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
