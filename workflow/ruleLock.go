package workflow

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"gorm.io/gorm"
)

// ruleLockWaitSeconds bounds how long an analysis waits for a competing one on the same key.
const ruleLockWaitSeconds = 30

// ruleLockName fits MySQL's 64 character lock-name limit.
func ruleLockName(businessId string, key reconcile.RuleKey) string {
	sum := sha1.Sum([]byte(businessId + "|" + key.String()))
	return "rule:" + hex.EncodeToString(sum[:])
}

// withRuleKeyLock runs fn while holding the MySQL advisory lock for the rule key.
// GET_LOCK is connection-scoped, so fn gets the pinned connection and must do all
// of its work through it.
func withRuleKeyLock(ctx context.Context, db *gorm.DB, businessId string, key reconcile.RuleKey, fn func(conn *gorm.DB) error) error {
	lockName := ruleLockName(businessId, key)
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var ok *int
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", lockName, ruleLockWaitSeconds).Scan(&ok).Error; err != nil {
			return err
		}
		if ok == nil || *ok != 1 {
			return reconcile.Conflict(0, "", fmt.Sprintf("rule %s is being analyzed by another worker", key.String()))
		}
		defer func() {
			var released *int
			_ = conn.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
		}()
		return fn(conn)
	})
}
