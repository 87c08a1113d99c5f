package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyDecision(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		key      models.IdempotencyKey
		skip     bool
		inFlight bool
	}{
		{"succeeded skips", models.IdempotencyKey{Status: models.IdempotencyStatusSucceeded, UpdatedAt: now}, true, false},
		{"fresh started is in progress", models.IdempotencyKey{Status: models.IdempotencyStatusStarted, UpdatedAt: now.Add(-time.Minute)}, false, true},
		{"stale started is reclaimed", models.IdempotencyKey{Status: models.IdempotencyStatusStarted, UpdatedAt: now.Add(-10 * time.Minute)}, false, false},
		{"failed is retried", models.IdempotencyKey{Status: models.IdempotencyStatusFailed, UpdatedAt: now}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			skip, err := idempotencyDecision(tc.key, now)
			assert.Equal(t, tc.skip, skip)
			if tc.inFlight {
				assert.ErrorIs(t, err, ErrIdempotencyInProgress)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryBackoff_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryBackoff(5*time.Second, 1))
	assert.Equal(t, 10*time.Second, retryBackoff(5*time.Second, 2))
	assert.Equal(t, 40*time.Second, retryBackoff(5*time.Second, 4))
	assert.Equal(t, 10*time.Minute, retryBackoff(5*time.Second, 20))
}

func TestRuleLockName_StableAndBounded(t *testing.T) {
	key := reconcile.RuleKey{
		EntityType:   reconcile.CorrectionEntityTransactionClassification,
		FieldName:    reconcile.FieldVatType,
		CriteriaHash: strings.Repeat("a", 64),
	}
	a := ruleLockName("biz-1", key)
	assert.Equal(t, a, ruleLockName("biz-1", key))
	assert.NotEqual(t, a, ruleLockName("biz-2", key))
	assert.LessOrEqual(t, len(a), 64)
	assert.True(t, strings.HasPrefix(a, "rule:"))
}

func TestAnalyzeCorrections_RequiresBusiness(t *testing.T) {
	_, err := AnalyzeCorrections(context.Background(), "", AnalyzeFilter{})
	require.Error(t, err)
	assert.True(t, reconcile.IsValidation(err))
}

func TestProcessCorrectionMessage_RejectsIncompleteEvent(t *testing.T) {
	_, err := ProcessCorrectionMessage(context.Background(), "", configEvent("biz"))
	require.Error(t, err)
	assert.True(t, reconcile.IsValidation(err))
}

func configEvent(businessId string) config.CorrectionEvent {
	return config.CorrectionEvent{BusinessId: businessId, EntityType: string(reconcile.CorrectionEntityTransactionClassification)}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNewLearningScheduler_RejectsNonPositiveInterval(t *testing.T) {
	_, err := NewLearningScheduler(0, time.Hour, quietLogger())
	assert.Error(t, err)
}

func TestLearningScheduler_RunOnceContinuesPastFailures(t *testing.T) {
	s, err := NewLearningScheduler(time.Hour, time.Hour, quietLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	s.businesses = func(context.Context, time.Time) ([]string, error) {
		return []string{"a", "b", "c"}, nil
	}
	s.analyze = func(_ context.Context, businessId string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, businessId)
		if businessId == "b" {
			return errors.New("boom")
		}
		return nil
	}

	analyzed := s.RunOnce(context.Background())
	assert.Equal(t, 2, analyzed)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestLearningScheduler_ListFailureAnalyzesNothing(t *testing.T) {
	s, err := NewLearningScheduler(time.Hour, time.Hour, quietLogger())
	require.NoError(t, err)
	s.businesses = func(context.Context, time.Time) ([]string, error) { return nil, errors.New("db down") }
	s.analyze = func(context.Context, string) error {
		t.Fatal("analyze must not run")
		return nil
	}
	assert.Equal(t, 0, s.RunOnce(context.Background()))
}

func TestLearningScheduler_StartStop(t *testing.T) {
	s, err := NewLearningScheduler(10*time.Millisecond, time.Hour, quietLogger())
	require.NoError(t, err)

	ticks := make(chan struct{}, 16)
	s.businesses = func(context.Context, time.Time) ([]string, error) { return []string{"biz"}, nil }
	s.analyze = func(context.Context, string) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never ran")
	}

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}
