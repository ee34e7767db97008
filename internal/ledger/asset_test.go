package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/depreciation"
)

func TestAssetBookValueFollowsSchedule(t *testing.T) {
	f := newFixture(t)
	cash := f.openAccount(t, "CASH", ledger.CategoryCash, "2000")
	ctx := context.Background()

	asset, err := f.svc.AcquireAsset(ctx, ledger.AcquireAssetInput{
		Name:             "Laptop",
		Method:           depreciation.StraightLine,
		Cost:             dec("1200"),
		ResidualValue:    dec("0"),
		AcquiredOn:       day0,
		UsefulLifeMonths: 3,
		FundingAccountID: &cash.ID,
		ActorID:          1,
	})
	require.NoError(t, err)
	require.NotNil(t, asset.FundingEventID)
	requireDecimal(t, "800", f.total(t, ledger.AccountRef(cash.ID)))

	funding, err := f.svc.GetEvent(ctx, *asset.FundingEventID)
	require.NoError(t, err)
	require.Equal(t, ledger.SourceAssetAcquisition, funding.Source)
	require.Equal(t, ledger.KindOutflow, funding.Kind)

	oneUnit, err := f.svc.AssetValueAsOf(ctx, asset.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	requireDecimal(t, "800", oneUnit.BookValue)
	require.Equal(t, ledger.MethodSchedule, oneUnit.Method)

	end, err := f.svc.AssetValueAsOf(ctx, asset.ID, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, end.BookValue.IsZero())
	requireDecimal(t, "1200", end.Accumulated)

	before, err := f.svc.AssetValueAsOf(ctx, asset.ID, day0.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, ledger.MethodBeforeOpening, before.Method)
	require.True(t, before.BookValue.IsZero())
}

func TestRefreshDepreciationPersistsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asset, err := f.svc.AcquireAsset(ctx, ledger.AcquireAssetInput{
		Name: "Van", Method: depreciation.DecliningBalance, Cost: dec("10000"), ResidualValue: dec("1000"),
		AcquiredOn: day0, UsefulLifeMonths: 60,
	})
	require.NoError(t, err)
	requireDecimal(t, "10000", asset.BookValue)

	n, err := f.svc.RefreshDepreciation(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.svc.RefreshDepreciation(ctx, today)
	require.NoError(t, err)
	require.Zero(t, n)

	// An earlier date never lowers what was already recorded.
	n, err = f.svc.RefreshDepreciation(ctx, day1)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.svc.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.True(t, got.AccumulatedDepreciation.IsPositive())
	require.True(t, got.BookValue.LessThan(dec("10000")))
	require.Equal(t, ledger.AssetActive, got.Status)
}

func TestRefreshMarksFullyDepreciated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asset, err := f.svc.AcquireAsset(ctx, ledger.AcquireAssetInput{
		Name: "Phone", Method: depreciation.StraightLine, Cost: dec("600"), AcquiredOn: day0, UsefulLifeMonths: 2,
	})
	require.NoError(t, err)

	_, err = f.svc.RefreshDepreciation(ctx, today)
	require.NoError(t, err)
	list, err := f.svc.ListAssets(ctx, ledger.AssetFilter{Status: ledger.AssetFullyDepreciated})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, asset.ID, list[0].ID)
	require.True(t, list[0].BookValue.IsZero())
}

func TestDisposeAssetRecordsGainAndProceeds(t *testing.T) {
	f := newFixture(t)
	bank := f.openAccount(t, "BANK", ledger.CategoryBank, "0")
	ctx := context.Background()
	asset, err := f.svc.AcquireAsset(ctx, ledger.AcquireAssetInput{
		Name: "Printer", Method: depreciation.StraightLine, Cost: dec("1200"), AcquiredOn: day0, UsefulLifeMonths: 12,
	})
	require.NoError(t, err)

	disposedOn := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	out, err := f.svc.DisposeAsset(ctx, ledger.DisposeAssetInput{
		AssetID: asset.ID, DisposedOn: disposedOn, Proceeds: dec("1000"), ProceedsAccountID: &bank.ID, ActorID: 2,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.AssetDisposed, out.Status)
	requireDecimal(t, "900", out.BookValue)
	requireDecimal(t, "100", *out.DisposalGainLoss)
	requireDecimal(t, "1000", f.total(t, ledger.AccountRef(bank.ID)))

	after, err := f.svc.AssetValueAsOf(ctx, asset.ID, disposedOn)
	require.NoError(t, err)
	require.True(t, after.BookValue.IsZero())

	// Disposed assets stay frozen.
	frozen, err := f.svc.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	requireDecimal(t, "300", frozen.AccumulatedDepreciation)

	_, err = f.svc.DisposeAsset(ctx, ledger.DisposeAssetInput{AssetID: asset.ID, DisposedOn: disposedOn})
	require.ErrorIs(t, err, ledger.ErrValidation)
	f.requireInvariant(t)
}

func TestAcquireAssetValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := ledger.AcquireAssetInput{
		Name: "Desk", Method: depreciation.StraightLine, Cost: dec("100"), AcquiredOn: day0, UsefulLifeMonths: 12,
	}
	cases := map[string]func(*ledger.AcquireAssetInput){
		"negative cost":    func(in *ledger.AcquireAssetInput) { in.Cost = dec("-1") },
		"residual at cost": func(in *ledger.AcquireAssetInput) { in.ResidualValue = dec("100") },
		"zero life":        func(in *ledger.AcquireAssetInput) { in.UsefulLifeMonths = 0 },
		"unknown method":   func(in *ledger.AcquireAssetInput) { in.Method = "sum_of_years" },
		"missing name":     func(in *ledger.AcquireAssetInput) { in.Name = "" },
		"zero factor": func(in *ledger.AcquireAssetInput) {
			zero := dec("0")
			in.Method = depreciation.DecliningBalance
			in.DecliningFactor = &zero
		},
		"cost beyond scale": func(in *ledger.AcquireAssetInput) { in.Cost = dec("100.00001") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := f.svc.AcquireAsset(ctx, in)
			require.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	inactive := f.openAccount(t, "OLD", ledger.CategoryCash, "1000")
	_, err := f.svc.DeactivateAccount(ctx, inactive.ID, 1)
	require.NoError(t, err)
	in := base
	in.FundingAccountID = &inactive.ID
	_, err = f.svc.AcquireAsset(ctx, in)
	require.ErrorIs(t, err, ledger.ErrInactiveTarget)

	assets, err := f.svc.ListAssets(ctx, ledger.AssetFilter{})
	require.NoError(t, err)
	require.Empty(t, assets)
}
