package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/vat_reconciliation/reconcile"
	"github.com/sirupsen/logrus"
)

// Fallback never fails a batch: a primary error, timeout or malformed row is
// answered by the rule-based heuristic with classification_source=rule.
type Fallback struct {
	Primary Classifier
	Timeout time.Duration
	Logger  *logrus.Logger
	// OnFallback is called once per degraded batch with the reason.
	OnFallback func(reason string)
	rules      RuleBased
}

func NewFallback(primary Classifier, timeout time.Duration, logger *logrus.Logger) *Fallback {
	return &Fallback{Primary: primary, Timeout: timeout, Logger: logger}
}

// NewFromEnv wires CLASSIFIER_URL / CLASSIFIER_API_KEY. Without a URL only the
// heuristic runs.
func NewFromEnv(timeout time.Duration, logger *logrus.Logger) *Fallback {
	url := strings.TrimSpace(os.Getenv("CLASSIFIER_URL"))
	if url == "" {
		return NewFallback(nil, timeout, logger)
	}
	primary, err := NewHTTPClassifier(url, os.Getenv("CLASSIFIER_API_KEY"), timeout)
	if err != nil {
		if logger != nil {
			logger.WithError(err).Warn("classifier disabled, using rule-based fallback")
		}
		return NewFallback(nil, timeout, logger)
	}
	return NewFallback(primary, timeout, logger)
}

func (f *Fallback) Classify(ctx context.Context, rows []RawRow, rules []reconcile.Rule) ([]Classification, error) {
	if f.Primary == nil {
		return f.rules.Classify(ctx, rows, rules)
	}

	cctx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	out, err := f.Primary.Classify(cctx, rows, rules)
	if err == nil && len(out) != len(rows) {
		err = fmt.Errorf("classifier returned %d results for %d rows", len(out), len(rows))
	}
	if err != nil {
		f.degraded("primary_error", err, len(rows))
		return f.rules.Classify(ctx, rows, rules)
	}

	invalid := 0
	for i := range out {
		if !out[i].valid() {
			out[i] = classifyRow(rows[i])
			invalid++
		}
	}
	if invalid > 0 {
		f.degraded("invalid_rows", fmt.Errorf("%d rows had out-of-domain classifications", invalid), invalid)
	}
	return out, nil
}

func (f *Fallback) degraded(reason string, err error, rows int) {
	if f.Logger != nil {
		f.Logger.WithFields(logrus.Fields{
			"field":  "ClassifierFallback",
			"reason": reason,
			"rows":   rows,
		}).WithError(err).Warn("classifier degraded to rule-based fallback")
	}
	if f.OnFallback != nil {
		f.OnFallback(reason)
	}
}
