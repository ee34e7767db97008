package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
)

const integrityParallelism = 4

// IntegrityIssue is a target whose running total disagrees with its events.
type IntegrityIssue struct {
	Target   TargetRef       `json:"target"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

// IntegrityReport summarises a full integrity check.
type IntegrityReport struct {
	Checked   int              `json:"checked"`
	Issues    []IntegrityIssue `json:"issues"`
	CheckedAt time.Time        `json:"checked_at"`
}

// CheckIntegrity verifies that every running total equals its opening value
// plus the deltas of its active events. Mismatches are escalated and
// returned as a *ConsistencyError alongside the report.
func (s *Service) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	accounts, err := s.repo.ListAccounts(ctx, AccountFilter{})
	if err != nil {
		return IntegrityReport{}, err
	}
	debts, err := s.repo.ListDebts(ctx, DebtFilter{})
	if err != nil {
		return IntegrityReport{}, err
	}
	refs := make([]TargetRef, 0, len(accounts)+len(debts))
	for _, acc := range accounts {
		refs = append(refs, AccountRef(acc.ID))
	}
	for _, d := range debts {
		refs = append(refs, DebtRef(d.ID))
	}

	var (
		mu     sync.Mutex
		issues []IntegrityIssue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(integrityParallelism)
	for _, ref := range refs {
		g.Go(func() error {
			return s.repo.Snapshot(gctx, func(ctx context.Context, r Reader) error {
				t, err := r.GetTarget(ctx, ref)
				if err != nil {
					return err
				}
				sum, err := r.SumEvents(ctx, EventFilter{Target: &ref, Reversed: Active()})
				if err != nil {
					return fmt.Errorf("ledger: sum events of %s: %w", ref, err)
				}
				expected := t.Opening.Add(sum)
				if !expected.Equal(t.Total) {
					mu.Lock()
					issues = append(issues, IntegrityIssue{Target: ref, Expected: expected, Actual: t.Total})
					mu.Unlock()
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return IntegrityReport{}, err
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Target.Less(issues[j].Target) })

	report := IntegrityReport{Checked: len(refs), Issues: issues, CheckedAt: s.now()}
	if len(issues) == 0 {
		return report, nil
	}
	targets := make([]TargetRef, 0, len(issues))
	for _, issue := range issues {
		targets = append(targets, issue.Target)
		s.logger.Error("running total mismatch",
			slog.String("target", issue.Target.String()),
			slog.String("expected", issue.Expected.String()),
			slog.String("actual", issue.Actual.String()),
		)
	}
	cerr := &ConsistencyError{
		Op:         "integrity",
		Stage:      "verify totals",
		Targets:    targets,
		RolledBack: true,
		Err:        errors.New("running totals disagree with the event log"),
	}
	s.escalate(cerr)
	return report, cerr
}

// RegimeResult classifies activity over a period.
type RegimeResult struct {
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Aggregate decimal.Decimal    `json:"aggregate"`
	Tier      rules.Tier         `json:"tier"`
	Cutoffs   [3]decimal.Decimal `json:"cutoffs"`
}

// Regime sums active inflows on non-equity accounts over [from, to] and
// classifies the total. Transfers between own accounts are not income and
// are excluded.
func (s *Service) Regime(ctx context.Context, from, to time.Time) (RegimeResult, error) {
	if from.IsZero() || to.IsZero() {
		return RegimeResult{}, invalid("from", "from and to are required")
	}
	from, to = DateOf(from), DateOf(to)
	if from.After(to) {
		return RegimeResult{}, invalid("from", "must not be after to")
	}
	if err := s.regime.Validate(); err != nil {
		return RegimeResult{}, invalid("cutoffs", err.Error())
	}
	accounts, err := s.repo.ListAccounts(ctx, AccountFilter{})
	if err != nil {
		return RegimeResult{}, err
	}
	total := decimal.Zero
	for _, acc := range accounts {
		if acc.Category == CategoryEquity {
			continue
		}
		ref := AccountRef(acc.ID)
		sum, err := s.repo.SumEvents(ctx, EventFilter{
			Target:         &ref,
			Kind:           KindInflow,
			From:           &from,
			To:             &to,
			Reversed:       Active(),
			ExcludeSources: []EventSource{SourceTransfer},
		})
		if err != nil {
			return RegimeResult{}, fmt.Errorf("ledger: sum inflows of %s: %w", ref, err)
		}
		total = total.Add(sum)
	}
	return RegimeResult{
		From:      from,
		To:        to,
		Aggregate: total,
		Tier:      s.regime.Classify(total),
		Cutoffs:   s.regime.Cutoffs,
	}, nil
}
