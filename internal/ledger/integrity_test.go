package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
)

func TestCheckIntegrityDetectsDrift(t *testing.T) {
	f := newFixture(t)
	a := f.openAccount(t, "A", ledger.CategoryCash, "100")
	b := f.openAccount(t, "B", ledger.CategoryBank, "100")
	f.record(t, ledger.AccountRef(a.ID), ledger.KindInflow, "20", day1)
	f.openDebt(t, ledger.DebtPayable, "75", farDue, nil)

	report, err := f.svc.CheckIntegrity(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Empty(t, report.Issues)

	f.store.Tamper(ledger.AccountRef(b.ID), dec("99"))
	report, err = f.svc.CheckIntegrity(context.Background())
	var cerr *ledger.ConsistencyError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "integrity", cerr.Op)
	require.Equal(t, []ledger.TargetRef{ledger.AccountRef(b.ID)}, cerr.Targets)
	require.Len(t, report.Issues, 1)
	requireDecimal(t, "100", report.Issues[0].Expected)
	requireDecimal(t, "99", report.Issues[0].Actual)
	require.Equal(t, 1, f.metrics.consistency["integrity"])
}

func TestRegimeClassifiesExternalInflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.openAccount(t, "CASH", ledger.CategoryCash, "0")
	bank := f.openAccount(t, "BANK", ledger.CategoryBank, "0")
	equity := f.openAccount(t, "EQ", ledger.CategoryEquity, "0")

	_, err := f.svc.Regime(ctx, day0, today)
	require.ErrorIs(t, err, ledger.ErrValidation)

	thresholds, err := rules.NewThresholds(dec("1000"), dec("5000"), dec("20000"))
	require.NoError(t, err)
	f.svc.SetRegimeThresholds(thresholds)

	f.record(t, ledger.AccountRef(cash.ID), ledger.KindInflow, "800", day1)
	f.record(t, ledger.AccountRef(bank.ID), ledger.KindInflow, "200", day1)
	f.record(t, ledger.AccountRef(equity.ID), ledger.KindInflow, "9999", day1)
	dropped := f.record(t, ledger.AccountRef(bank.ID), ledger.KindInflow, "500", day1)
	_, err = f.svc.Reverse(ctx, ledger.ReverseInput{EventID: dropped.ID})
	require.NoError(t, err)
	_, err = f.svc.Transfer(ctx, ledger.TransferInput{FromAccountID: cash.ID, ToAccountID: bank.ID, Amount: dec("300"), Date: day1})
	require.NoError(t, err)

	res, err := f.svc.Regime(ctx, day0, today)
	require.NoError(t, err)
	requireDecimal(t, "1000", res.Aggregate)
	require.Equal(t, rules.Tier1, res.Tier)

	f.record(t, ledger.AccountRef(cash.ID), ledger.KindInflow, "0.01", day1)
	res, err = f.svc.Regime(ctx, day0, today)
	require.NoError(t, err)
	require.Equal(t, rules.Tier2, res.Tier)

	res, err = f.svc.Regime(ctx, day0.AddDate(0, 0, 2), today)
	require.NoError(t, err)
	require.True(t, res.Aggregate.IsZero())

	_, err = f.svc.Regime(ctx, today, day0)
	require.ErrorIs(t, err, ledger.ErrValidation)
}
