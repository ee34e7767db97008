package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/depreciation"
)

// errAlreadySeeded stops a second run from duplicating demo data.
var errAlreadySeeded = errors.New("ledger already holds accounts")

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	l, err := app.BuildLedger(ctx, cfg, logger, nil)
	if err != nil {
		log.Fatalf("build ledger: %v", err)
	}
	defer l.Close()

	start := time.Date(time.Now().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	if err := seed(ctx, l.Service, start); err != nil {
		if errors.Is(err, errAlreadySeeded) {
			fmt.Println("✓ Ledger already seeded, nothing to do")
			return
		}
		log.Fatalf("seed: %v", err)
	}
	fmt.Println("✓ Seed complete")
}

func seed(ctx context.Context, svc *ledger.Service, start time.Time) error {
	existing, err := svc.ListAccounts(ctx, ledger.AccountFilter{})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errAlreadySeeded
	}

	fmt.Println("→ Seeding accounts...")
	accounts := map[string]ledger.Account{}
	for _, a := range []struct {
		code     string
		name     string
		category ledger.AccountCategory
		opening  string
	}{
		{"CASH", "Petty cash", ledger.CategoryCash, "500"},
		{"BANK", "Operating bank", ledger.CategoryBank, "25000"},
		{"POST", "Postal giro", ledger.CategoryPostal, "1200"},
		{"CAP", "Owner capital", ledger.CategoryEquity, "0"},
	} {
		acc, err := svc.OpenAccount(ctx, ledger.OpenAccountInput{
			Code: a.code, Name: a.name, Category: a.category, Currency: "EUR",
			OpeningBalance: decimal.RequireFromString(a.opening), OpenedOn: start,
		})
		if err != nil {
			return fmt.Errorf("open account %s: %w", a.code, err)
		}
		accounts[a.code] = acc
	}

	fmt.Println("→ Seeding events...")
	bank := ledger.AccountRef(accounts["BANK"].ID)
	for i, e := range []struct {
		kind   ledger.EventKind
		amount string
		memo   string
	}{
		{ledger.KindInflow, "4800", "Consulting fees"},
		{ledger.KindOutflow, "950", "Office rent"},
		{ledger.KindInflow, "3200", "Consulting fees"},
		{ledger.KindOutflow, "180.50", "Utilities"},
	} {
		if _, err := svc.Record(ctx, ledger.RecordInput{
			Target: bank, Kind: e.kind, Amount: decimal.RequireFromString(e.amount),
			Date: start.AddDate(0, i, 14), Memo: e.memo,
		}); err != nil {
			return fmt.Errorf("record %q: %w", e.memo, err)
		}
	}
	if _, err := svc.Transfer(ctx, ledger.TransferInput{
		FromAccountID: accounts["BANK"].ID, ToAccountID: accounts["CASH"].ID,
		Amount: decimal.NewFromInt(300), Date: start.AddDate(0, 1, 2), Memo: "Cash top-up",
	}); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	fmt.Println("→ Seeding debts...")
	bankID := accounts["BANK"].ID
	supplier, err := svc.OpenDebt(ctx, ledger.OpenDebtInput{
		Direction: ledger.DebtPayable, Counterparty: "Northwind Supplies", Currency: "EUR",
		Original: decimal.NewFromInt(2400), OpenedOn: start.AddDate(0, 1, 0), DueDate: start.AddDate(0, 2, 0),
		SettlementAccountID: &bankID,
	})
	if err != nil {
		return fmt.Errorf("open payable: %w", err)
	}
	if _, err := svc.PayDebt(ctx, ledger.PayDebtInput{
		DebtID: supplier.ID, Amount: decimal.NewFromInt(1000), Date: start.AddDate(0, 1, 20), Memo: "First instalment",
	}); err != nil {
		return fmt.Errorf("pay payable: %w", err)
	}
	if _, err := svc.OpenDebt(ctx, ledger.OpenDebtInput{
		Direction: ledger.DebtReceivable, Counterparty: "Contoso Ltd", Currency: "EUR",
		Original: decimal.NewFromInt(5600), OpenedOn: start.AddDate(0, 2, 0), DueDate: start.AddDate(0, 3, 0),
	}); err != nil {
		return fmt.Errorf("open receivable: %w", err)
	}

	fmt.Println("→ Seeding assets...")
	if _, err := svc.AcquireAsset(ctx, ledger.AcquireAssetInput{
		Name: "Delivery van", Method: depreciation.StraightLine,
		Cost: decimal.NewFromInt(18000), ResidualValue: decimal.NewFromInt(3000),
		AcquiredOn: start, UsefulLifeMonths: 60, FundingAccountID: &bankID,
	}); err != nil {
		return fmt.Errorf("acquire asset: %w", err)
	}
	return nil
}
