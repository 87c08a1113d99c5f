package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/shopspring/decimal"
)

// EngineSettings are the tolerances and thresholds of the reconciliation engine.
//
// Set via env:
//   - MATCH_AMOUNT_TOLERANCE (1.00), MATCH_DATE_TOLERANCE_DAYS (3), COMPARE_TOLERANCE (0)
//   - VAT_RATE (0.12), VAT_MISMATCH_EPSILON (0.05)
//   - UNUSUAL_AMOUNT_STDDEV (3), UNUSUAL_AMOUNT_MIN_SAMPLES (5), UNUSUAL_AMOUNT_LARGE_THRESHOLD (1000000)
//   - ANOMALY_CHECKS_DISABLED="unusual_amount,missing_invoice"
//   - ANOMALY_SEVERITY_OVERRIDES="missing_invoice=medium,period_mismatch=medium"
//   - RULE_MIN_CORRECTIONS (3), RULE_CONFIDENCE_CAP (0.95), RULE_LOOKBACK_DAYS (90)
//   - RULE_ANALYZE_INTERVAL_MINUTES (60, 0 disables the scheduler)
//   - CLASSIFIER_TIMEOUT_SECONDS (20)
type EngineSettings struct {
	MatchAmountTolerance   decimal.Decimal
	MatchDateToleranceDays int
	CompareTolerance       decimal.Decimal

	VatRate              decimal.Decimal
	VatMismatchEpsilon   decimal.Decimal
	UnusualStdDev        float64
	UnusualMinSamples    int
	LargeAmountThreshold decimal.Decimal
	DisabledChecks       map[reconcile.AnomalyType]bool
	SeverityOverrides    map[reconcile.AnomalyType]reconcile.Severity

	RuleMinCorrections int
	RuleConfidenceCap  float64
	RuleLookback       time.Duration
	AnalyzeInterval    time.Duration

	ClassifierTimeout time.Duration
}

var (
	engineSettings     EngineSettings
	engineSettingsErr  error
	engineSettingsOnce sync.Once
)

// GetEngineSettings loads settings from env once per process.
func GetEngineSettings() (EngineSettings, error) {
	engineSettingsOnce.Do(func() {
		engineSettings, engineSettingsErr = LoadEngineSettings(os.Getenv)
	})
	return engineSettings, engineSettingsErr
}

// LoadEngineSettings parses settings through getenv so tests can feed a map.
func LoadEngineSettings(getenv func(string) string) (EngineSettings, error) {
	p := envParser{getenv: getenv}
	s := EngineSettings{
		MatchAmountTolerance:   p.decimal("MATCH_AMOUNT_TOLERANCE", "1.00"),
		MatchDateToleranceDays: p.int("MATCH_DATE_TOLERANCE_DAYS", 3),
		CompareTolerance:       p.decimal("COMPARE_TOLERANCE", "0"),
		VatRate:                p.decimal("VAT_RATE", "0.12"),
		VatMismatchEpsilon:     p.decimal("VAT_MISMATCH_EPSILON", "0.05"),
		UnusualStdDev:          p.float("UNUSUAL_AMOUNT_STDDEV", 3),
		UnusualMinSamples:      p.int("UNUSUAL_AMOUNT_MIN_SAMPLES", 5),
		LargeAmountThreshold:   p.decimal("UNUSUAL_AMOUNT_LARGE_THRESHOLD", "1000000"),
		DisabledChecks:         map[reconcile.AnomalyType]bool{},
		SeverityOverrides:      map[reconcile.AnomalyType]reconcile.Severity{},
		RuleMinCorrections:     p.int("RULE_MIN_CORRECTIONS", 3),
		RuleConfidenceCap:      p.float("RULE_CONFIDENCE_CAP", 0.95),
		RuleLookback:           time.Duration(p.int("RULE_LOOKBACK_DAYS", 90)) * 24 * time.Hour,
		AnalyzeInterval:        time.Duration(p.int("RULE_ANALYZE_INTERVAL_MINUTES", 60)) * time.Minute,
		ClassifierTimeout:      time.Duration(p.int("CLASSIFIER_TIMEOUT_SECONDS", 20)) * time.Second,
	}

	for _, part := range splitList(getenv("ANOMALY_CHECKS_DISABLED")) {
		t, err := reconcile.ParseAnomalyType(part)
		if err != nil {
			p.fail("ANOMALY_CHECKS_DISABLED", err)
			continue
		}
		s.DisabledChecks[t] = true
	}
	for _, part := range splitList(getenv("ANOMALY_SEVERITY_OVERRIDES")) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			p.fail("ANOMALY_SEVERITY_OVERRIDES", fmt.Errorf("%q is not type=severity", part))
			continue
		}
		t, err := reconcile.ParseAnomalyType(strings.TrimSpace(k))
		if err != nil {
			p.fail("ANOMALY_SEVERITY_OVERRIDES", err)
			continue
		}
		sev, err := reconcile.ParseSeverity(strings.TrimSpace(v))
		if err != nil {
			p.fail("ANOMALY_SEVERITY_OVERRIDES", err)
			continue
		}
		s.SeverityOverrides[t] = sev
	}
	if p.err != nil {
		return EngineSettings{}, p.err
	}

	if err := s.MatchOptions("").Validate(); err != nil {
		return EngineSettings{}, err
	}
	if s.CompareTolerance.IsNegative() {
		return EngineSettings{}, reconcile.Validationf("COMPARE_TOLERANCE must be >= 0")
	}
	if err := s.DetectorConfig(nil).Validate(); err != nil {
		return EngineSettings{}, err
	}
	if err := s.LearningOptions().Validate(); err != nil {
		return EngineSettings{}, err
	}
	return s, nil
}

// MatchOptions scopes match group ids to one business/session.
func (s EngineSettings) MatchOptions(scope string) reconcile.MatchOptions {
	return reconcile.MatchOptions{
		AmountTolerance:   s.MatchAmountTolerance,
		DateToleranceDays: s.MatchDateToleranceDays,
		Scope:             scope,
	}
}

func (s EngineSettings) DetectorConfig(period *reconcile.FiscalPeriod) reconcile.DetectorConfig {
	cfg := reconcile.DefaultDetectorConfig()
	cfg.VatRate = s.VatRate
	cfg.VatMismatchEpsilon = s.VatMismatchEpsilon
	cfg.UnusualStdDev = s.UnusualStdDev
	cfg.UnusualMinSamples = s.UnusualMinSamples
	cfg.LargeAmountThreshold = s.LargeAmountThreshold
	cfg.Period = period
	for t, cc := range cfg.Checks {
		if s.DisabledChecks[t] {
			cc.Enabled = false
		}
		if sev, ok := s.SeverityOverrides[t]; ok {
			cc.Severity = sev
		}
		cfg.Checks[t] = cc
	}
	return cfg
}

func (s EngineSettings) LearningOptions() reconcile.LearningOptions {
	return reconcile.LearningOptions{MinCorrections: s.RuleMinCorrections, ConfidenceCap: s.RuleConfidenceCap}
}

type envParser struct {
	getenv func(string) string
	err    error
}

func (p *envParser) fail(key string, err error) {
	if p.err == nil {
		p.err = reconcile.Validationf("%s: %v", key, err)
	}
}

func (p *envParser) raw(key string) string {
	return strings.TrimSpace(p.getenv(key))
}

func (p *envParser) decimal(key, def string) decimal.Decimal {
	v := p.raw(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.Zero
	}
	return d
}

func (p *envParser) int(key string, def int) int {
	v := p.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *envParser) float(key string, def float64) float64 {
	v := p.raw(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
