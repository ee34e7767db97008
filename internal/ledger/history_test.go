package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

func TestBalanceAsOfScenario(t *testing.T) {
	f := newFixture(t)
	acc := f.openAccount(t, "A", ledger.CategoryCash, "1000")
	ref := ledger.AccountRef(acc.ID)
	f.record(t, ref, ledger.KindInflow, "500", day1)
	ctx := context.Background()

	at0, err := f.svc.BalanceAsOf(ctx, ref, day0)
	require.NoError(t, err)
	requireDecimal(t, "1000", at0.Total)

	at1, err := f.svc.BalanceAsOf(ctx, ref, day1)
	require.NoError(t, err)
	requireDecimal(t, "1500", at1.Total)

	live, err := f.svc.BalanceAsOf(ctx, ref, today)
	require.NoError(t, err)
	requireDecimal(t, "1500", live.Total)
	require.True(t, live.Total.Equal(f.total(t, ref)))
	require.Equal(t, "EUR", live.Currency)
}

func TestBalanceAsOfBeforeOpeningIsZero(t *testing.T) {
	f := newFixture(t)
	acc := f.openAccount(t, "A", ledger.CategoryCash, "1000")
	pit, err := f.svc.BalanceAsOf(context.Background(), ledger.AccountRef(acc.ID), day0.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.True(t, pit.Total.IsZero())
	require.Equal(t, ledger.MethodBeforeOpening, pit.Method)
}

func TestBalanceAsOfIgnoresReversedAndUsesAmendedAmounts(t *testing.T) {
	f := newFixture(t)
	acc := f.openAccount(t, "A", ledger.CategoryCash, "100")
	ref := ledger.AccountRef(acc.ID)
	keep := f.record(t, ref, ledger.KindInflow, "50", day1)
	drop := f.record(t, ref, ledger.KindOutflow, "20", day1)
	_, err := f.svc.Reverse(context.Background(), ledger.ReverseInput{EventID: drop.ID})
	require.NoError(t, err)
	amount := dec("70")
	_, err = f.svc.Amend(context.Background(), ledger.AmendInput{EventID: keep.ID, Amount: &amount})
	require.NoError(t, err)

	pit, err := f.svc.BalanceAsOf(context.Background(), ref, day1)
	require.NoError(t, err)
	requireDecimal(t, "170", pit.Total)
}

// Events dated exactly on the cutoff belong to the past set, whichever walk
// is taken.
func TestForwardAndBackwardAgreeOnCutoffDate(t *testing.T) {
	opened := day0
	cutoff := day0.AddDate(0, 0, 10)
	events := []ledger.Event{
		{Seq: 1, Kind: ledger.KindInflow, Amount: dec("10"), Date: day0.AddDate(0, 0, 3)},
		{Seq: 2, Kind: ledger.KindOutflow, Amount: dec("4"), Date: cutoff},
		{Seq: 3, Kind: ledger.KindInflow, Amount: dec("7"), Date: cutoff},
		{Seq: 4, Kind: ledger.KindInflow, Amount: dec("100"), Date: cutoff.AddDate(0, 0, 1), Reversed: true},
		{Seq: 5, Kind: ledger.KindOutflow, Amount: dec("1"), Date: cutoff.AddDate(0, 0, 2)},
	}
	opening := dec("50")
	current := ledger.Replay(opening, events)
	requireDecimal(t, "62", current)

	var past, later []ledger.Event
	for _, ev := range events {
		if ev.Date.After(cutoff) {
			later = append(later, ev)
		} else {
			past = append(past, ev)
		}
	}
	forward := ledger.Replay(opening, past)
	backward := ledger.Rewind(current, later)
	requireDecimal(t, "63", forward)
	require.True(t, forward.Equal(backward))

	require.True(t, ledger.ChooseForward(opened, cutoff, cutoff.AddDate(1, 0, 0)))
	require.False(t, ledger.ChooseForward(opened, cutoff, cutoff.AddDate(0, 0, 1)))
}

func TestBalanceAsOfWalksAgreeThroughService(t *testing.T) {
	f := newFixture(t)
	acc := f.openAccount(t, "A", ledger.CategoryCash, "0")
	ref := ledger.AccountRef(acc.ID)
	for i := 0; i < 180; i += 15 {
		f.record(t, ref, ledger.KindInflow, "10", day0.AddDate(0, 0, i))
	}
	// Early dates take the forward walk, late ones the backward walk.
	early, err := f.svc.BalanceAsOf(context.Background(), ref, day0.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.Equal(t, ledger.MethodForward, early.Method)
	requireDecimal(t, "20", early.Total)

	late, err := f.svc.BalanceAsOf(context.Background(), ref, day0.AddDate(0, 0, 165))
	require.NoError(t, err)
	require.Equal(t, ledger.MethodBackward, late.Method)
	requireDecimal(t, "120", late.Total)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]ledger.PointInTime
	hits int
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
		*(dest.(*ledger.PointInTime)) = v
	}
	return ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value.(ledger.PointInTime)
	return nil
}

func TestBalanceAsOfCacheFollowsVersion(t *testing.T) {
	f := newFixture(t)
	cache := &mapCache{data: map[string]ledger.PointInTime{}}
	f.svc.SetCache(cache)
	acc := f.openAccount(t, "A", ledger.CategoryCash, "100")
	ref := ledger.AccountRef(acc.ID)
	ctx := context.Background()

	first, err := f.svc.BalanceAsOf(ctx, ref, day1)
	require.NoError(t, err)
	second, err := f.svc.BalanceAsOf(ctx, ref, day1)
	require.NoError(t, err)
	require.Equal(t, 1, cache.hits)
	require.True(t, first.Total.Equal(second.Total))

	// A posting bumps the version, so the stale entry is never read.
	f.record(t, ref, ledger.KindInflow, "5", day1)
	third, err := f.svc.BalanceAsOf(ctx, ref, day1)
	require.NoError(t, err)
	requireDecimal(t, "105", third.Total)
	require.Greater(t, third.Version, first.Version)
}

func TestBalanceAsOfValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BalanceAsOf(context.Background(), ledger.TargetRef{}, day1)
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.svc.BalanceAsOf(context.Background(), ledger.AccountRef(1), time.Time{})
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.svc.BalanceAsOf(context.Background(), ledger.AccountRef(1), day1)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
