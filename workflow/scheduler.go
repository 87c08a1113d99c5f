package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/sirupsen/logrus"
)

// LearningScheduler runs the correction analysis for every business with recent
// corrections, once per interval. Instances share work through a per-business
// redis lock; a business locked elsewhere is skipped for this tick.
type LearningScheduler struct {
	interval time.Duration
	logger   *logrus.Logger

	// hooks for tests
	businesses func(ctx context.Context, since time.Time) ([]string, error)
	analyze    func(ctx context.Context, businessId string) error
	lookback   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewLearningScheduler(interval, lookback time.Duration, logger *logrus.Logger) (*LearningScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &LearningScheduler{
		interval:   interval,
		lookback:   lookback,
		logger:     logger,
		businesses: models.BusinessesWithCorrectionsSince,
		analyze: func(ctx context.Context, businessId string) error {
			_, err := AnalyzeCorrections(ctx, businessId, AnalyzeFilter{})
			return err
		},
	}, nil
}

func (s *LearningScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("learning scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.logger.WithFields(logrus.Fields{"field": "LearningScheduler", "interval": s.interval.String()}).Info("learning scheduler started")
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop and waits for an in-flight pass to finish. Stopping twice is a no-op.
func (s *LearningScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *LearningScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *LearningScheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce is one pass over all businesses. A failure for one business is logged and
// does not stop the others. It returns how many businesses were analyzed.
func (s *LearningScheduler) RunOnce(ctx context.Context) (analyzed int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"field": "LearningScheduler", "panic": fmt.Sprint(r)}).Error("learning pass panicked")
		}
	}()
	since := time.Now().UTC().Add(-s.lookback)
	ids, err := s.businesses(ctx, since)
	if err != nil {
		config.LogError(s.logger, "Scheduler.go", "RunOnce", "list businesses", nil, err)
		return 0
	}
	for _, businessId := range ids {
		if ctx.Err() != nil {
			return analyzed
		}
		release, err := utils.ObtainLock(ctx, utils.AnalyzeLockKey(businessId), s.interval, "Scheduler.go", "RunOnce")
		if errors.Is(err, utils.ErrorLockNotObtained) {
			continue
		}
		if err != nil {
			continue
		}
		err = s.analyze(ctx, businessId)
		release()
		if err != nil {
			config.LogError(s.logger, "Scheduler.go", "RunOnce", "analyze business", businessId, err)
			continue
		}
		analyzed++
	}
	return analyzed
}
