package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

func TestOnlyOneActiveEquityAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.openAccount(t, "EQ1", ledger.CategoryEquity, "10000")

	_, err := f.svc.OpenAccount(ctx, ledger.OpenAccountInput{
		Code: "EQ2", Name: "Second equity", Category: ledger.CategoryEquity, Currency: "EUR", OpenedOn: day0,
	})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "category", verr.Field)

	_, err = f.svc.DeactivateAccount(ctx, first.ID, 1)
	require.NoError(t, err)
	second := f.openAccount(t, "EQ2", ledger.CategoryEquity, "0")

	// Reactivating the first would make two.
	_, err = f.svc.ReactivateAccount(ctx, first.ID, 1)
	require.ErrorIs(t, err, ledger.ErrValidation)

	active := true
	list, err := f.svc.ListAccounts(ctx, ledger.AccountFilter{Category: ledger.CategoryEquity, Active: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, second.ID, list[0].ID)
}

func TestOpenAccountValidation(t *testing.T) {
	f := newFixture(t)
	f.openAccount(t, "CASH", ledger.CategoryCash, "0")
	ctx := context.Background()
	base := ledger.OpenAccountInput{Code: "BANK", Name: "Bank", Category: ledger.CategoryBank, Currency: "EUR", OpenedOn: day0}

	cases := map[string]func(*ledger.OpenAccountInput){
		"duplicate code":   func(in *ledger.OpenAccountInput) { in.Code = "CASH" },
		"unknown category": func(in *ledger.OpenAccountInput) { in.Category = "crypto" },
		"bad currency":     func(in *ledger.OpenAccountInput) { in.Currency = "ZZZ" },
		"short currency":   func(in *ledger.OpenAccountInput) { in.Currency = "EU" },
		"missing opened":   func(in *ledger.OpenAccountInput) { in.OpenedOn = time.Time{} },
		"missing name":     func(in *ledger.OpenAccountInput) { in.Name = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := f.svc.OpenAccount(ctx, in)
			require.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestDeactivateRefusedWhileReferenced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.openAccount(t, "CASH", ledger.CategoryCash, "100")
	future := f.record(t, ledger.AccountRef(cash.ID), ledger.KindOutflow, "10", today.AddDate(0, 0, 5))

	_, err := f.svc.DeactivateAccount(ctx, cash.ID, 1)
	require.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.svc.Reverse(ctx, ledger.ReverseInput{EventID: future.ID})
	require.NoError(t, err)

	d := f.openDebt(t, ledger.DebtPayable, "50", farDue, &cash.ID)
	_, err = f.svc.DeactivateAccount(ctx, cash.ID, 1)
	require.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.svc.PayDebt(ctx, ledger.PayDebtInput{DebtID: d.ID, Amount: dec("50"), Date: day1})
	require.NoError(t, err)

	acc, err := f.svc.DeactivateAccount(ctx, cash.ID, 1)
	require.NoError(t, err)
	require.False(t, acc.Active)

	// Idempotent.
	acc, err = f.svc.DeactivateAccount(ctx, cash.ID, 1)
	require.NoError(t, err)
	require.False(t, acc.Active)
}

func TestInactiveAccountRejectsPostingsUntilReactivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash := f.openAccount(t, "CASH", ledger.CategoryCash, "100")
	_, err := f.svc.DeactivateAccount(ctx, cash.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.Record(ctx, ledger.RecordInput{Target: ledger.AccountRef(cash.ID), Kind: ledger.KindInflow, Amount: dec("1"), Date: day1})
	require.ErrorIs(t, err, ledger.ErrInactiveTarget)

	acc, err := f.svc.ReactivateAccount(ctx, cash.ID, 1)
	require.NoError(t, err)
	require.True(t, acc.Active)
	f.record(t, ledger.AccountRef(cash.ID), ledger.KindInflow, "1", day1)
	requireDecimal(t, "101", f.total(t, ledger.AccountRef(cash.ID)))
	require.Contains(t, f.audit.actions(), "ledger.account.reactivate")
}

func TestReconcileAccountComparesBookBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bank := f.openAccount(t, "BANK", ledger.CategoryBank, "1000")
	f.record(t, ledger.AccountRef(bank.ID), ledger.KindInflow, "250", day1)
	f.record(t, ledger.AccountRef(bank.ID), ledger.KindOutflow, "50", day0.AddDate(0, 0, 10))

	acc, err := f.svc.ReconcileAccount(ctx, ledger.ReconcileInput{
		AccountID: bank.ID, StatementDate: day0.AddDate(0, 0, 5), StatementBalance: dec("1240"), ActorID: 4,
	})
	require.NoError(t, err)
	require.NotNil(t, acc.LastReconciliation)
	requireDecimal(t, "1250", acc.LastReconciliation.BookBalance)
	requireDecimal(t, "-10", acc.LastReconciliation.Difference)
	require.Equal(t, int64(4), acc.LastReconciliation.ReconciledBy)

	// The running total is untouched.
	requireDecimal(t, "1200", f.total(t, ledger.AccountRef(bank.ID)))

	stored, err := f.svc.GetAccount(ctx, bank.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastReconciliation)

	equity := f.openAccount(t, "EQ", ledger.CategoryEquity, "0")
	_, err = f.svc.ReconcileAccount(ctx, ledger.ReconcileInput{AccountID: equity.ID, StatementDate: day1, StatementBalance: dec("0")})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestListAccountsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openAccount(t, "B-CASH", ledger.CategoryCash, "0")
	f.openAccount(t, "A-BANK", ledger.CategoryBank, "0")
	postal := f.openAccount(t, "C-POST", ledger.CategoryPostal, "0")
	_, err := f.svc.DeactivateAccount(ctx, postal.ID, 1)
	require.NoError(t, err)

	all, err := f.svc.ListAccounts(ctx, ledger.AccountFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "A-BANK", all[0].Code)

	inactive := false
	list, err := f.svc.ListAccounts(ctx, ledger.AccountFilter{Active: &inactive})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, postal.ID, list[0].ID)

	_, err = f.svc.ListAccounts(ctx, ledger.AccountFilter{Category: "crypto"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}
