package reconcile

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// matchGroupNamespace seeds name-based group ids so reruns on the same input produce the same ids.
var matchGroupNamespace = uuid.MustParse("6f1c0f7e-5c2b-4b55-9d0e-8f0a3c7d1b42")

type MatchOptions struct {
	AmountTolerance   decimal.Decimal `json:"amount_tolerance"`
	DateToleranceDays int             `json:"date_tolerance_days"`
	// Scope namespaces generated group ids, usually "<business>/<session>".
	Scope string `json:"-"`
}

func (o MatchOptions) Validate() error {
	if o.AmountTolerance.IsNegative() {
		return Validationf("amount tolerance must be >= 0, got %s", o.AmountTolerance.String())
	}
	if o.DateToleranceDays < 0 {
		return Validationf("date tolerance must be >= 0 days, got %d", o.DateToleranceDays)
	}
	return nil
}

// MatchGroup pairs one ledger row with one bank row. It only exists as output of a run.
type MatchGroup struct {
	GroupId          string          `json:"group_id"`
	LedgerId         int             `json:"ledger_id"`
	BankId           int             `json:"bank_id"`
	LedgerAmount     decimal.Decimal `json:"ledger_amount"`
	BankAmount       decimal.Decimal `json:"bank_amount"`
	AmountDifference decimal.Decimal `json:"amount_difference"`
	DateDiffDays     *int            `json:"date_diff_days"`
	Status           MatchStatus     `json:"status"`
}

// Assignment is the match_group_id/match_status write-back for one row.
type Assignment struct {
	TransactionId int         `json:"transaction_id"`
	MatchGroupId  *string     `json:"match_group_id"`
	MatchStatus   MatchStatus `json:"match_status"`
}

type MatchResult struct {
	MatchedPairs     []MatchGroup `json:"matched_pairs"`
	UnmatchedRecords []int        `json:"unmatched_records"`
	UnmatchedBank    []int        `json:"unmatched_bank"`
	MatchedRecords   int          `json:"matched_records"`
	MatchedBank      int          `json:"matched_bank"`
	ManualRecords    int          `json:"manual_records"`
	ManualBank       int          `json:"manual_bank"`
	MatchRate        float64      `json:"match_rate"`
	Options          MatchOptions `json:"options"`
	Assignments      []Assignment `json:"-"`
}

// Match pairs ledger rows against bank rows greedily, best candidate first.
//
// Ledger rows are visited by date, then amount, then row index. For each one the
// remaining bank row with the smallest amount difference (then date difference)
// within tolerance is taken. Rows the user paired manually are left out of both pools.
func Match(ledger, bank []Transaction, opts MatchOptions) (*MatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, t := range ledger {
		if !t.SourceType.IsLedger() {
			return nil, Validationf("transaction %d (%s) is not a ledger record", t.ID, t.SourceType)
		}
	}
	for _, t := range bank {
		if t.SourceType != SourceTypeBankStatement {
			return nil, Validationf("transaction %d (%s) is not a bank entry", t.ID, t.SourceType)
		}
	}

	result := &MatchResult{
		MatchedPairs:     []MatchGroup{},
		UnmatchedRecords: []int{},
		UnmatchedBank:    []int{},
		Options:          opts,
	}

	ledgerPool := make([]Transaction, 0, len(ledger))
	for _, t := range ledger {
		if t.MatchStatus == MatchStatusManual {
			result.ManualRecords++
			continue
		}
		ledgerPool = append(ledgerPool, t)
	}
	bankPool := make([]Transaction, 0, len(bank))
	for _, t := range bank {
		if t.MatchStatus == MatchStatusManual {
			result.ManualBank++
			continue
		}
		bankPool = append(bankPool, t)
	}

	sort.SliceStable(ledgerPool, func(i, j int) bool { return ledgerLess(ledgerPool[i], ledgerPool[j]) })
	sort.SliceStable(bankPool, func(i, j int) bool { return rowLess(bankPool[i], bankPool[j]) })

	taken := make([]bool, len(bankPool))
	for _, l := range ledgerPool {
		best := -1
		var bestDiff decimal.Decimal
		var bestDateRank int
		var bestDays *int
		effect := l.BankEffect()

		for i, b := range bankPool {
			if taken[i] {
				continue
			}
			diff := effect.Sub(b.Amount).Abs()
			if diff.GreaterThan(opts.AmountTolerance) {
				continue
			}
			dateRank := opts.DateToleranceDays + 1
			var days *int
			if l.Date != nil && b.Date != nil {
				d := DaysBetween(*l.Date, *b.Date)
				if d < 0 {
					d = -d
				}
				if d > opts.DateToleranceDays {
					continue
				}
				dateRank = d
				days = &d
			}
			// bankPool is in row order, so strict comparison keeps the earliest row on ties.
			if best < 0 || diff.LessThan(bestDiff) || (diff.Equal(bestDiff) && dateRank < bestDateRank) {
				best, bestDiff, bestDateRank, bestDays = i, diff, dateRank, days
			}
		}

		if best < 0 {
			result.UnmatchedRecords = append(result.UnmatchedRecords, l.ID)
			result.Assignments = append(result.Assignments, Assignment{TransactionId: l.ID, MatchStatus: MatchStatusUnmatched})
			continue
		}

		taken[best] = true
		b := bankPool[best]
		status := MatchStatusMatched
		if !bestDiff.IsZero() {
			status = MatchStatusPartial
		}
		groupId := matchGroupId(opts.Scope, l.ID, b.ID)
		result.MatchedPairs = append(result.MatchedPairs, MatchGroup{
			GroupId:          groupId,
			LedgerId:         l.ID,
			BankId:           b.ID,
			LedgerAmount:     l.Amount,
			BankAmount:       b.Amount,
			AmountDifference: bestDiff,
			DateDiffDays:     bestDays,
			Status:           status,
		})
		gid := groupId
		result.Assignments = append(result.Assignments,
			Assignment{TransactionId: l.ID, MatchGroupId: &gid, MatchStatus: status},
			Assignment{TransactionId: b.ID, MatchGroupId: &gid, MatchStatus: status},
		)
	}

	for i, b := range bankPool {
		if !taken[i] {
			result.UnmatchedBank = append(result.UnmatchedBank, b.ID)
			result.Assignments = append(result.Assignments, Assignment{TransactionId: b.ID, MatchStatus: MatchStatusUnmatched})
		}
	}

	result.MatchedRecords = len(result.MatchedPairs)
	result.MatchedBank = len(result.MatchedPairs)
	result.MatchRate = matchRate(len(result.MatchedPairs), len(ledgerPool)+len(bankPool))
	return result, nil
}

func matchRate(pairs, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(2*pairs) / float64(total)
}

func matchGroupId(scope string, ledgerId, bankId int) string {
	return uuid.NewSHA1(matchGroupNamespace, []byte(fmt.Sprintf("%s/%d/%d", scope, ledgerId, bankId))).String()
}

// ManualGroupId is the group id used when a user pairs two rows by hand.
func ManualGroupId(scope string, ledgerId, bankId int) string {
	return matchGroupId(scope+"/manual", ledgerId, bankId)
}

// ledgerLess: dated rows first by date, then amount, then origin row.
func ledgerLess(a, b Transaction) bool {
	switch {
	case a.Date != nil && b.Date == nil:
		return true
	case a.Date == nil && b.Date != nil:
		return false
	case a.Date != nil && b.Date != nil:
		da, db := DateOf(*a.Date), DateOf(*b.Date)
		if !da.Equal(db) {
			return da.Before(db)
		}
	}
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c < 0
	}
	return rowLess(a, b)
}

// MatchResultFromAssignments rebuilds the pairing summary from persisted
// match_group_id/match_status values, for consumers that run after the Matcher.
func MatchResultFromAssignments(ledger, bank []Transaction) *MatchResult {
	result := &MatchResult{
		MatchedPairs:     []MatchGroup{},
		UnmatchedRecords: []int{},
		UnmatchedBank:    []int{},
	}
	byGroup := map[string]*MatchGroup{}
	var order []string
	total := 0
	for _, l := range ledger {
		switch l.MatchStatus {
		case MatchStatusManual:
			result.ManualRecords++
			continue
		case MatchStatusMatched, MatchStatusPartial:
			if l.MatchGroupId != nil {
				g := &MatchGroup{GroupId: *l.MatchGroupId, LedgerId: l.ID, LedgerAmount: l.Amount, Status: l.MatchStatus}
				byGroup[g.GroupId] = g
				order = append(order, g.GroupId)
			}
		default:
			result.UnmatchedRecords = append(result.UnmatchedRecords, l.ID)
		}
		total++
	}
	for _, b := range bank {
		switch b.MatchStatus {
		case MatchStatusManual:
			result.ManualBank++
			continue
		case MatchStatusMatched, MatchStatusPartial:
			if b.MatchGroupId != nil {
				if g, ok := byGroup[*b.MatchGroupId]; ok {
					g.BankId = b.ID
					g.BankAmount = b.Amount
				}
			}
		default:
			result.UnmatchedBank = append(result.UnmatchedBank, b.ID)
		}
		total++
	}
	for _, id := range order {
		g := byGroup[id]
		if g.BankId == 0 {
			continue
		}
		ledgerEffect := g.LedgerAmount
		for _, l := range ledger {
			if l.ID == g.LedgerId {
				ledgerEffect = l.BankEffect()
				break
			}
		}
		g.AmountDifference = ledgerEffect.Sub(g.BankAmount).Abs()
		result.MatchedPairs = append(result.MatchedPairs, *g)
	}
	result.MatchedRecords = len(result.MatchedPairs)
	result.MatchedBank = len(result.MatchedPairs)
	result.MatchRate = matchRate(len(result.MatchedPairs), total)
	return result
}
