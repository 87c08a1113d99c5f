package utils

import (
	"context"
	"errors"

	"github.com/mmdatafocus/vat_reconciliation/config"
	"gorm.io/gorm"
)

// FetchModel loads one row owned by businessId (may return ErrorRecordNotFound).
func FetchModel[T any](ctx context.Context, tx *gorm.DB, businessId string, id int, associations ...string) (*T, error) {
	if tx == nil {
		tx = config.GetDB()
	}
	q := tx.WithContext(ctx).Where("business_id = ?", businessId)
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// ResourceCountWhere counts rows with WHERE business_id = ? AND condition.
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64
	err := config.GetDB().WithContext(ctx).Model(&model).
		Where("business_id = ?", businessId).
		Where(condition, value...).
		Count(&count).Error
	return count, err
}

// ValidateResourcesId fails with ErrorRecordNotFound unless every id belongs to businessId.
func ValidateResourcesId[M any, ID comparable](ctx context.Context, businessId string, ids []ID) error {
	unq := UniqueSlice(ids)
	count, err := ResourceCountWhere[M](ctx, businessId, "id IN ?", unq)
	if err != nil {
		return err
	}
	if count != int64(len(unq)) {
		return ErrorRecordNotFound
	}
	return nil
}
