package models

import (
	"github.com/mmdatafocus/vat_reconciliation/config"
)

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&ReconciliationSession{}, &SourceFile{},
		&Transaction{},
		&Anomaly{},
		&Correction{}, &CorrectionOutbox{}, &CorrectionRule{},
		&IdempotencyKey{},
	)
}
