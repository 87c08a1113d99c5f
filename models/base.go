package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("github.com/mmdatafocus/vat_reconciliation/models")

func businessIdFrom(ctx context.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", utils.ErrorBusinessRequired
	}
	return businessId, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// engineSettings is a package var so tests can pin tolerances without env.
var engineSettings = config.GetEngineSettings

func toJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return datatypes.JSON(b), nil
}

// fromJSON decodes a JSON column; an empty column leaves dest untouched and reports false.
func fromJSON(raw datatypes.JSON, dest any) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode json column: %w", err)
	}
	return true, nil
}

// IsDuplicateKey reports a MySQL unique-constraint violation.
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
