package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/vat_reconciliation/config"
)

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

// NilIfEmpty trims s and returns nil when nothing is left.
func NilIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

var ErrorLockNotObtained = errors.New("lock is held by another run")

// ObtainLock takes a short-lived redis lock in front of the database run lock.
// When redis is not configured it returns a no-op release; the database lock
// still serializes runs.
func ObtainLock(ctx context.Context, key string, ttl time.Duration, moduleName string, functionName string) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrorLockNotObtained
	}
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, functionName, "Error obtaining lock", key, err)
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() {
		// background ctx so a cancelled request still releases
		_ = lock.Release(context.Background())
	}, nil
}

func SessionLockKey(businessId string, sessionId int) string {
	return fmt.Sprintf("ReconRun:%s:%d", businessId, sessionId)
}

func AnalyzeLockKey(businessId string) string {
	return "RuleAnalyze:" + businessId
}
