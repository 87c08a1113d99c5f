package reconcile

import (
	"encoding/json"
	"fmt"
)

type SourceType string

const (
	SourceTypeSalesRecord    SourceType = "sales_record"
	SourceTypePurchaseRecord SourceType = "purchase_record"
	SourceTypeBankStatement  SourceType = "bank_statement"
)

func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceTypeSalesRecord, SourceTypePurchaseRecord, SourceTypeBankStatement:
		return SourceType(s), nil
	default:
		return "", Validationf("invalid source type %q", s)
	}
}

func (t SourceType) IsValid() bool {
	_, err := ParseSourceType(string(t))
	return err == nil
}

// IsLedger reports whether the record belongs to the books side of a match.
func (t SourceType) IsLedger() bool {
	return t == SourceTypeSalesRecord || t == SourceTypePurchaseRecord
}

func (t *SourceType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseSourceType(s)
		*t = v
		return err
	})
}

type VatType string

const (
	VatTypeVatable    VatType = "vatable"
	VatTypeExempt     VatType = "exempt"
	VatTypeZeroRated  VatType = "zero_rated"
	VatTypeGovernment VatType = "government"
)

// AllVatTypes is the closed domain in presentation order.
func AllVatTypes() []VatType {
	return []VatType{VatTypeVatable, VatTypeExempt, VatTypeZeroRated, VatTypeGovernment}
}

func ParseVatType(s string) (VatType, error) {
	switch VatType(s) {
	case VatTypeVatable, VatTypeExempt, VatTypeZeroRated, VatTypeGovernment:
		return VatType(s), nil
	default:
		return "", Validationf("invalid vat type %q", s)
	}
}

func (t VatType) IsValid() bool {
	_, err := ParseVatType(string(t))
	return err == nil
}

// RequiresTin reports whether a ledger row of this type must carry the counterpart TIN.
func (t VatType) RequiresTin() bool {
	switch t {
	case VatTypeVatable, VatTypeZeroRated, VatTypeGovernment:
		return true
	case VatTypeExempt:
		return false
	default:
		return false
	}
}

func (t *VatType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseVatType(s)
		*t = v
		return err
	})
}

type Category string

const (
	CategoryGoods    Category = "goods"
	CategoryServices Category = "services"
	CategoryCapital  Category = "capital"
	CategoryImports  Category = "imports"
	CategorySale     Category = "sale"
)

func AllCategories() []Category {
	return []Category{CategoryGoods, CategoryServices, CategoryCapital, CategoryImports, CategorySale}
}

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryGoods, CategoryServices, CategoryCapital, CategoryImports, CategorySale:
		return Category(s), nil
	default:
		return "", Validationf("invalid category %q", s)
	}
}

func (c Category) IsValid() bool {
	_, err := ParseCategory(string(c))
	return err == nil
}

func (c *Category) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseCategory(s)
		*c = v
		return err
	})
}

type ClassificationSource string

const (
	ClassificationSourceAI            ClassificationSource = "ai"
	ClassificationSourceRule          ClassificationSource = "rule"
	ClassificationSourceUserOverride  ClassificationSource = "user_override"
	ClassificationSourceAutoConfirmed ClassificationSource = "auto_confirmed"
)

func AllClassificationSources() []ClassificationSource {
	return []ClassificationSource{
		ClassificationSourceAI,
		ClassificationSourceRule,
		ClassificationSourceUserOverride,
		ClassificationSourceAutoConfirmed,
	}
}

func ParseClassificationSource(s string) (ClassificationSource, error) {
	switch ClassificationSource(s) {
	case ClassificationSourceAI, ClassificationSourceRule, ClassificationSourceUserOverride, ClassificationSourceAutoConfirmed:
		return ClassificationSource(s), nil
	default:
		return "", Validationf("invalid classification source %q", s)
	}
}

func (c *ClassificationSource) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseClassificationSource(s)
		*c = v
		return err
	})
}

type MatchStatus string

const (
	MatchStatusUnmatched MatchStatus = "unmatched"
	MatchStatusMatched   MatchStatus = "matched"
	MatchStatusPartial   MatchStatus = "partial"
	MatchStatusManual    MatchStatus = "manual"
)

func ParseMatchStatus(s string) (MatchStatus, error) {
	switch MatchStatus(s) {
	case MatchStatusUnmatched, MatchStatusMatched, MatchStatusPartial, MatchStatusManual:
		return MatchStatus(s), nil
	default:
		return "", Validationf("invalid match status %q", s)
	}
}

type AnomalyType string

const (
	AnomalyTypeDuplicate        AnomalyType = "duplicate"
	AnomalyTypeVatMismatch      AnomalyType = "vat_mismatch"
	AnomalyTypeIncompleteTin    AnomalyType = "incomplete_tin"
	AnomalyTypeUnusualAmount    AnomalyType = "unusual_amount"
	AnomalyTypeMissingInvoice   AnomalyType = "missing_invoice"
	AnomalyTypeUnmatchedDeposit AnomalyType = "unmatched_deposit"
	AnomalyTypeUnmatchedPayment AnomalyType = "unmatched_payment"
	AnomalyTypePeriodMismatch   AnomalyType = "period_mismatch"
)

func AllAnomalyTypes() []AnomalyType {
	return []AnomalyType{
		AnomalyTypeDuplicate,
		AnomalyTypeVatMismatch,
		AnomalyTypeIncompleteTin,
		AnomalyTypeUnusualAmount,
		AnomalyTypeMissingInvoice,
		AnomalyTypeUnmatchedDeposit,
		AnomalyTypeUnmatchedPayment,
		AnomalyTypePeriodMismatch,
	}
}

func ParseAnomalyType(s string) (AnomalyType, error) {
	for _, t := range AllAnomalyTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", Validationf("invalid anomaly type %q", s)
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s), nil
	default:
		return "", Validationf("invalid severity %q", s)
	}
}

// Escalate returns the next severity up, saturating at high.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium, SeverityHigh:
		return SeverityHigh
	default:
		return s
	}
}

type AnomalyStatus string

const (
	AnomalyStatusOpen          AnomalyStatus = "open"
	AnomalyStatusAcknowledged  AnomalyStatus = "acknowledged"
	AnomalyStatusResolved      AnomalyStatus = "resolved"
	AnomalyStatusFalsePositive AnomalyStatus = "false_positive"
)

func ParseAnomalyStatus(s string) (AnomalyStatus, error) {
	switch AnomalyStatus(s) {
	case AnomalyStatusOpen, AnomalyStatusAcknowledged, AnomalyStatusResolved, AnomalyStatusFalsePositive:
		return AnomalyStatus(s), nil
	default:
		return "", Validationf("invalid anomaly status %q", s)
	}
}

func (s *AnomalyStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(v string) error {
		st, err := ParseAnomalyStatus(v)
		*s = st
		return err
	})
}

type CorrectionEntityType string

const (
	CorrectionEntityTransactionClassification CorrectionEntityType = "transaction_classification"
	CorrectionEntityReportField               CorrectionEntityType = "report_field"
	CorrectionEntityEwtClassification         CorrectionEntityType = "ewt_classification"
)

func ParseCorrectionEntityType(s string) (CorrectionEntityType, error) {
	switch CorrectionEntityType(s) {
	case CorrectionEntityTransactionClassification, CorrectionEntityReportField, CorrectionEntityEwtClassification:
		return CorrectionEntityType(s), nil
	default:
		return "", Validationf("invalid correction entity type %q", s)
	}
}

func (t *CorrectionEntityType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, func(s string) error {
		v, err := ParseCorrectionEntityType(s)
		*t = v
		return err
	})
}

func unmarshalEnum(b []byte, parse func(string) error) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("enum value must be a string: %w", err)
	}
	return parse(s)
}
