package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/config"
)

func GetCacheLifespan() time.Duration {
	minutes, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_MINUTES"))
	if err != nil || minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func ActiveRulesCacheKey(businessId string) string {
	return "ActiveRules:" + businessId
}

func SessionSummaryCacheKey(businessId string, sessionId int) string {
	return fmt.Sprintf("SessionSummary:%s:%d", businessId, sessionId)
}

// RetrieveCache returns nil on a miss. Cache errors are logged and treated as a miss.
func RetrieveCache[T any](ctx context.Context, key string) *T {
	var result T
	found, err := config.GetRedisObject(ctx, key, &result)
	if err != nil {
		config.LogError(config.GetLogger(), "utils", "RetrieveCache", "redis read failed", key, err)
		return nil
	}
	if !found {
		return nil
	}
	return &result
}

func StoreCache(ctx context.Context, key string, obj any) {
	if err := config.SetRedisObject(ctx, key, obj, GetCacheLifespan()); err != nil {
		config.LogError(config.GetLogger(), "utils", "StoreCache", "redis write failed", key, err)
	}
}

func ClearCache(ctx context.Context, keys ...string) {
	if err := config.RemoveRedisKey(ctx, keys...); err != nil {
		config.LogError(config.GetLogger(), "utils", "ClearCache", "redis delete failed", keys, err)
	}
}
