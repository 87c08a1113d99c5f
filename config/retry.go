package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// retryDelay is swapped out in tests.
var retryDelay = func(attempt int) time.Duration {
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Second << attempt
}

// connectWithRetry calls connect until it succeeds or ctx ends. maxAttempts of 0
// retries forever, which is what startup wants for MySQL and Redis.
func connectWithRetry(ctx context.Context, what string, maxAttempts int, connect func() error) error {
	for attempt := 1; ; attempt++ {
		err := connect()
		if err == nil {
			logg.WithFields(logrus.Fields{"field": what, "attempt": attempt}).Info("connected")
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return fmt.Errorf("connect %s: %w", what, err)
		}
		wait := retryDelay(attempt)
		logg.WithFields(logrus.Fields{"field": what, "attempt": attempt, "retry_in": wait.String()}).Warn(err.Error())
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", what, ctx.Err())
		case <-time.After(wait):
		}
	}
}
