package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

type CheckConfig struct {
	Enabled  bool     `json:"enabled"`
	Severity Severity `json:"severity"`
}

type DetectorConfig struct {
	Checks               map[AnomalyType]CheckConfig `json:"checks"`
	VatRate              decimal.Decimal             `json:"vat_rate"`
	VatMismatchEpsilon   decimal.Decimal             `json:"vat_mismatch_epsilon"`
	UnusualStdDev        float64                     `json:"unusual_std_dev"`
	UnusualMinSamples    int                         `json:"unusual_min_samples"`
	LargeAmountThreshold decimal.Decimal             `json:"large_amount_threshold"`
	// Period is the session's declared period; nil disables period_mismatch.
	Period *FiscalPeriod `json:"period,omitempty"`
}

func defaultSeverity(t AnomalyType) Severity {
	switch t {
	case AnomalyTypeDuplicate, AnomalyTypePeriodMismatch:
		return SeverityHigh
	case AnomalyTypeVatMismatch, AnomalyTypeIncompleteTin, AnomalyTypeUnmatchedDeposit, AnomalyTypeUnmatchedPayment:
		return SeverityMedium
	case AnomalyTypeUnusualAmount, AnomalyTypeMissingInvoice:
		return SeverityLow
	default:
		return SeverityLow
	}
}

func DefaultDetectorConfig() DetectorConfig {
	checks := make(map[AnomalyType]CheckConfig, len(AllAnomalyTypes()))
	for _, t := range AllAnomalyTypes() {
		checks[t] = CheckConfig{Enabled: true, Severity: defaultSeverity(t)}
	}
	return DetectorConfig{
		Checks:               checks,
		VatRate:              decimal.RequireFromString("0.12"),
		VatMismatchEpsilon:   decimal.RequireFromString("0.05"),
		UnusualStdDev:        3,
		UnusualMinSamples:    5,
		LargeAmountThreshold: decimal.NewFromInt(1000000),
	}
}

func (c DetectorConfig) Validate() error {
	if c.VatRate.IsNegative() || c.VatRate.GreaterThan(decimal.NewFromInt(1)) {
		return Validationf("vat rate must be within [0,1], got %s", c.VatRate.String())
	}
	if c.VatMismatchEpsilon.IsNegative() {
		return Validationf("vat mismatch epsilon must be >= 0, got %s", c.VatMismatchEpsilon.String())
	}
	if c.UnusualStdDev <= 0 {
		return Validationf("unusual amount stddev multiplier must be > 0, got %v", c.UnusualStdDev)
	}
	if c.UnusualMinSamples < 2 {
		return Validationf("unusual amount min samples must be >= 2, got %d", c.UnusualMinSamples)
	}
	if c.LargeAmountThreshold.IsNegative() {
		return Validationf("large amount threshold must be >= 0, got %s", c.LargeAmountThreshold.String())
	}
	for t, cc := range c.Checks {
		if _, err := ParseAnomalyType(string(t)); err != nil {
			return err
		}
		if _, err := ParseSeverity(string(cc.Severity)); err != nil {
			return err
		}
	}
	return nil
}

// Check falls back to the default severity when a type is not configured.
func (c DetectorConfig) Check(t AnomalyType) CheckConfig {
	if cc, ok := c.Checks[t]; ok {
		return cc
	}
	return CheckConfig{Enabled: true, Severity: defaultSeverity(t)}
}

// ExpectedVat is amount x rate implied by the vat type, on net amounts.
func (c DetectorConfig) ExpectedVat(t Transaction) decimal.Decimal {
	switch t.VatType {
	case VatTypeVatable, VatTypeGovernment:
		return t.Amount.Mul(c.VatRate)
	case VatTypeExempt, VatTypeZeroRated:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

type Finding struct {
	TransactionId *int           `json:"transaction_id"`
	Type          AnomalyType    `json:"anomaly_type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	Details       map[string]any `json:"details"`
}

// AnomalyKey is the rerun dedup boundary.
type AnomalyKey struct {
	TransactionId int
	Type          AnomalyType
}

func (f Finding) Key() AnomalyKey {
	k := AnomalyKey{Type: f.Type}
	if f.TransactionId != nil {
		k.TransactionId = *f.TransactionId
	}
	return k
}

type detection struct {
	cfg      DetectorConfig
	order    map[int]int
	findings map[AnomalyKey]Finding
}

func (d *detection) flag(t Transaction, typ AnomalyType, severity Severity, description string, details map[string]any) {
	id := t.ID
	f := Finding{TransactionId: &id, Type: typ, Severity: severity, Description: description, Details: details}
	if _, exists := d.findings[f.Key()]; exists {
		return
	}
	d.findings[f.Key()] = f
}

// Detect runs every enabled check over the session's rows. match may be nil, in which
// case the unmatched_deposit and unmatched_payment checks are skipped. Output is sorted
// by row origin then anomaly type and holds at most one finding per (transaction, type).
func Detect(txns []Transaction, match *MatchResult, cfg DetectorConfig) ([]Finding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rows := make([]Transaction, len(txns))
	copy(rows, txns)
	for _, t := range rows {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rowLess(rows[i], rows[j]) })

	d := &detection{cfg: cfg, order: make(map[int]int, len(rows)), findings: map[AnomalyKey]Finding{}}
	for i, t := range rows {
		d.order[t.ID] = i
	}

	if cc := cfg.Check(AnomalyTypeDuplicate); cc.Enabled {
		d.duplicates(rows, cc.Severity)
	}
	if cc := cfg.Check(AnomalyTypeVatMismatch); cc.Enabled {
		d.vatMismatches(rows, cc.Severity)
	}
	if cc := cfg.Check(AnomalyTypeIncompleteTin); cc.Enabled {
		d.incompleteTins(rows, cc.Severity)
	}
	if cc := cfg.Check(AnomalyTypeUnusualAmount); cc.Enabled {
		d.unusualAmounts(rows, cc.Severity)
	}
	if cc := cfg.Check(AnomalyTypeMissingInvoice); cc.Enabled {
		d.missingInvoices(rows, cc.Severity)
	}
	if match != nil {
		d.unmatchedBank(rows, match)
	}
	if cc := cfg.Check(AnomalyTypePeriodMismatch); cc.Enabled && cfg.Period != nil {
		d.periodMismatches(rows, *cfg.Period, cc.Severity)
	}

	typeRank := map[AnomalyType]int{}
	for i, t := range AllAnomalyTypes() {
		typeRank[t] = i
	}
	out := make([]Finding, 0, len(d.findings))
	for _, f := range d.findings {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := d.order[out[i].Key().TransactionId], d.order[out[j].Key().TransactionId]
		if oi != oj {
			return oi < oj
		}
		return typeRank[out[i].Type] < typeRank[out[j].Type]
	})
	return out, nil
}

// duplicates flags the later row of each pair sharing amount and date, or
// description and amount, within one source type.
func (d *detection) duplicates(rows []Transaction, severity Severity) {
	type dupKey struct {
		basis string
		key   string
	}
	seen := map[dupKey]Transaction{}
	for _, t := range rows {
		var keys []dupKey
		amount := t.Amount.String()
		if t.Date != nil {
			keys = append(keys, dupKey{"amount_date", fmt.Sprintf("%s|%s|%s", t.SourceType, amount, DateOf(*t.Date).Format("2006-01-02"))})
		}
		if desc := NormalizeDescription(t.DescriptionText()); desc != "" {
			keys = append(keys, dupKey{"description_amount", fmt.Sprintf("%s|%s|%s", t.SourceType, desc, amount)})
		}
		flagged := false
		for _, k := range keys {
			first, ok := seen[k]
			if !ok {
				seen[k] = t
				continue
			}
			if flagged {
				continue
			}
			flagged = true
			d.flag(t, AnomalyTypeDuplicate, severity,
				fmt.Sprintf("Possible duplicate of row %d (%s %s)", first.RowIndex, first.SourceType, first.Amount.StringFixed(PresentationPlaces)),
				map[string]any{
					"duplicate_of":     first.ID,
					"duplicate_of_row": first.RowIndex,
					"amount":           t.Amount.String(),
					"basis":            k.basis,
				})
		}
	}
}

func (d *detection) vatMismatches(rows []Transaction, severity Severity) {
	for _, t := range rows {
		if !t.SourceType.IsLedger() {
			continue
		}
		expected := d.cfg.ExpectedVat(t)
		diff := t.VatAmount.Sub(expected).Abs()
		if diff.LessThanOrEqual(d.cfg.VatMismatchEpsilon) {
			continue
		}
		d.flag(t, AnomalyTypeVatMismatch, severity,
			fmt.Sprintf("VAT amount %s differs from expected %s for %s", t.VatAmount.StringFixed(PresentationPlaces), expected.StringFixed(PresentationPlaces), t.VatType),
			map[string]any{
				"vat_amount":   t.VatAmount.String(),
				"expected_vat": expected.String(),
				"difference":   diff.String(),
				"vat_type":     string(t.VatType),
			})
	}
}

func (d *detection) incompleteTins(rows []Transaction, severity Severity) {
	for _, t := range rows {
		if !t.SourceType.IsLedger() || !t.VatType.RequiresTin() || t.TinText() != "" {
			continue
		}
		d.flag(t, AnomalyTypeIncompleteTin, severity,
			fmt.Sprintf("%s %s record is missing the counterpart TIN", t.VatType, t.SourceType),
			map[string]any{"vat_type": string(t.VatType)})
	}
}

// unusualAmounts compares each ledger row against the rest of its category,
// leaving the row itself out of the mean and standard deviation.
func (d *detection) unusualAmounts(rows []Transaction, severity Severity) {
	byCategory := map[Category][]Transaction{}
	for _, t := range rows {
		if t.SourceType.IsLedger() {
			byCategory[t.Category] = append(byCategory[t.Category], t)
		}
	}
	k := d.cfg.UnusualStdDev
	for _, category := range AllCategories() {
		group := byCategory[category]
		var sum, sumSq float64
		values := make([]float64, len(group))
		for i, t := range group {
			v, _ := t.Amount.Abs().Float64()
			values[i] = v
			sum += v
			sumSq += v * v
		}
		n := len(group)
		for i, t := range group {
			large := !d.cfg.LargeAmountThreshold.IsZero() && t.Amount.Abs().GreaterThanOrEqual(d.cfg.LargeAmountThreshold)
			var z float64
			scored := false
			if n-1 >= d.cfg.UnusualMinSamples {
				x := values[i]
				m := float64(n - 1)
				mean := (sum - x) / m
				variance := (sumSq-x*x)/m - mean*mean
				std := math.Sqrt(math.Max(variance, 0))
				if std > 1e-9*math.Max(1, math.Abs(mean)) {
					z = math.Abs(x-mean) / std
					scored = true
				}
			}
			outlier := scored && z > k
			if !outlier && !large {
				continue
			}
			sev := severity
			if large || z >= 2*k {
				sev = sev.Escalate()
			}
			details := map[string]any{
				"category":  string(category),
				"amount":    t.Amount.String(),
				"large":     large,
				"threshold": d.cfg.LargeAmountThreshold.String(),
			}
			if scored {
				details["z_score"] = math.Round(z*100) / 100
			}
			d.flag(t, AnomalyTypeUnusualAmount, sev,
				fmt.Sprintf("Amount %s is unusual for %s transactions", t.Amount.StringFixed(PresentationPlaces), category),
				details)
		}
	}
}

func (d *detection) missingInvoices(rows []Transaction, severity Severity) {
	for _, t := range rows {
		if t.SourceType.IsLedger() && t.DescriptionText() == "" {
			d.flag(t, AnomalyTypeMissingInvoice, severity,
				fmt.Sprintf("%s row %d has no invoice reference", t.SourceType, t.RowIndex), map[string]any{})
		}
	}
}

func (d *detection) unmatchedBank(rows []Transaction, match *MatchResult) {
	byId := make(map[int]Transaction, len(rows))
	for _, t := range rows {
		byId[t.ID] = t
	}
	deposit := d.cfg.Check(AnomalyTypeUnmatchedDeposit)
	payment := d.cfg.Check(AnomalyTypeUnmatchedPayment)
	for _, id := range match.UnmatchedBank {
		t, ok := byId[id]
		if !ok {
			continue
		}
		switch {
		case t.Amount.IsPositive() && deposit.Enabled:
			d.flag(t, AnomalyTypeUnmatchedDeposit, deposit.Severity,
				fmt.Sprintf("Deposit of %s has no matching sales record", t.Amount.StringFixed(PresentationPlaces)),
				map[string]any{"amount": t.Amount.String()})
		case t.Amount.IsNegative() && payment.Enabled:
			d.flag(t, AnomalyTypeUnmatchedPayment, payment.Severity,
				fmt.Sprintf("Payment of %s has no matching purchase record", t.Amount.Abs().StringFixed(PresentationPlaces)),
				map[string]any{"amount": t.Amount.String()})
		}
	}
}

func (d *detection) periodMismatches(rows []Transaction, period FiscalPeriod, severity Severity) {
	for _, t := range rows {
		if t.Date == nil || period.Contains(*t.Date) {
			continue
		}
		d.flag(t, AnomalyTypePeriodMismatch, severity,
			fmt.Sprintf("Date %s is outside period %s", DateOf(*t.Date).Format("2006-01-02"), period.Key),
			map[string]any{
				"date":         DateOf(*t.Date).Format("2006-01-02"),
				"period":       period.Key,
				"period_start": period.Start.Format("2006-01-02"),
				"period_end":   period.End.AddDate(0, 0, -1).Format("2006-01-02"),
			})
	}
}

// ExistingAnomaly is a stored anomaly as seen by a detection rerun.
type ExistingAnomaly struct {
	ID            int
	TransactionId *int
	Type          AnomalyType
	Status        AnomalyStatus
}

func (e ExistingAnomaly) Key() AnomalyKey {
	k := AnomalyKey{Type: e.Type}
	if e.TransactionId != nil {
		k.TransactionId = *e.TransactionId
	}
	return k
}

type AnomalyRefresh struct {
	ID      int
	Finding Finding
}

// DetectionPlan is what a rerun must write. Non-open anomalies never appear in it.
type DetectionPlan struct {
	Create     []Finding
	Refresh    []AnomalyRefresh
	Remove     []int
	Suppressed []Finding
}

// PlanDetection reconciles fresh findings with stored anomalies. A key already
// dispositioned by a human is suppressed. A key with an open anomaly refreshes it.
// Open anomalies of an enabled type that were not reproduced are removed.
func PlanDetection(findings []Finding, existing []ExistingAnomaly, cfg DetectorConfig) DetectionPlan {
	plan := DetectionPlan{}
	dispositioned := map[AnomalyKey]bool{}
	open := map[AnomalyKey][]int{}
	for _, e := range existing {
		if e.Status == AnomalyStatusOpen {
			open[e.Key()] = append(open[e.Key()], e.ID)
		} else {
			dispositioned[e.Key()] = true
		}
	}
	for k := range open {
		sort.Ints(open[k])
	}

	reproduced := map[AnomalyKey]bool{}
	for _, f := range findings {
		k := f.Key()
		reproduced[k] = true
		if dispositioned[k] {
			plan.Suppressed = append(plan.Suppressed, f)
			continue
		}
		if ids := open[k]; len(ids) > 0 {
			plan.Refresh = append(plan.Refresh, AnomalyRefresh{ID: ids[0], Finding: f})
			plan.Remove = append(plan.Remove, ids[1:]...)
			continue
		}
		plan.Create = append(plan.Create, f)
	}

	for k, ids := range open {
		if reproduced[k] || !cfg.Check(k.Type).Enabled {
			continue
		}
		plan.Remove = append(plan.Remove, ids...)
	}
	sort.Ints(plan.Remove)
	return plan
}

// ResolveTransition enforces the one-way move out of open.
func ResolveTransition(current, next AnomalyStatus) error {
	if _, err := ParseAnomalyStatus(string(next)); err != nil {
		return err
	}
	if next == AnomalyStatusOpen {
		return Validationf("an anomaly cannot be reopened")
	}
	if current != AnomalyStatusOpen {
		return Validationf("anomaly is already %s", current)
	}
	return nil
}
